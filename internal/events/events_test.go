package events_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/BrandonDHaskell/parkwatch/internal/events"
)

func TestEmitter_StampsEvents(t *testing.T) {
	rec := &events.Recorder{}
	em := events.NewEmitter("cam-entrance", rec)
	em.Emit(context.Background(), events.SlotClaimed, events.Fields{"slot": "slot_2"})
	em.Emit(context.Background(), events.NoDetection, nil)

	evs := rec.Events()
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].ID == "" || evs[0].ID == evs[1].ID {
		t.Errorf("expected distinct ids, got %q %q", evs[0].ID, evs[1].ID)
	}
	if evs[0].Device != "cam-entrance" || evs[0].At.IsZero() || evs[0].Fields["slot"] != "slot_2" {
		t.Errorf("unexpected event %+v", evs[0])
	}
	if rec.Count(events.NoDetection) != 1 {
		t.Errorf("unexpected kinds %v", rec.Kinds())
	}
}

func TestEmitter_NilIsNoop(t *testing.T) {
	var em *events.Emitter
	em.Emit(context.Background(), events.LoopState, nil)
}

func TestMulti_FansOut(t *testing.T) {
	a, b := &events.Recorder{}, &events.Recorder{}
	events.NewEmitter("d", events.Multi{a, b}).Emit(context.Background(), events.HeartbeatSent, nil)
	if a.Count(events.HeartbeatSent) != 1 || b.Count(events.HeartbeatSent) != 1 {
		t.Error("expected both sinks to receive the event")
	}
}

func TestLogSink_LevelByKind(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	em := events.NewEmitter("d", events.NewLogSink(logger))

	em.Emit(context.Background(), events.CaptureFailed, events.Fields{"err": "no frame"})
	em.Emit(context.Background(), events.SlotClaimed, events.Fields{"slot": "slot_1"})

	out := buf.String()
	if !strings.Contains(out, "level=WARN msg=capture.failed") {
		t.Errorf("expected warn record for failure, got:\n%s", out)
	}
	if !strings.Contains(out, "level=INFO msg=slot.claimed") || !strings.Contains(out, "slot=slot_1") {
		t.Errorf("expected info record with fields, got:\n%s", out)
	}
}

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type fakePublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
	tok      *fakeToken
}

func (p *fakePublisher) Publish(topic string, _ byte, _ bool, payload any) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload.([]byte))
	if p.tok != nil {
		return p.tok
	}
	return &fakeToken{}
}

func TestMQTTSink_JSON(t *testing.T) {
	pub := &fakePublisher{}
	sink := events.NewMQTTSink(pub, events.MQTTConfig{Topic: "lot", Encoding: events.EncodingJSON}, nil)
	events.NewEmitter("cam-1", sink).Emit(context.Background(), events.CapacityExhausted, events.Fields{"vehicle": "car"})

	if len(pub.topics) != 1 || pub.topics[0] != "lot/cam-1/capacity.exhausted" {
		t.Fatalf("unexpected topics %v", pub.topics)
	}
	var ev events.Event
	if err := json.Unmarshal(pub.payloads[0], &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Kind != events.CapacityExhausted || ev.Fields["vehicle"] != "car" {
		t.Errorf("unexpected payload %+v", ev)
	}
	if n, f := sink.Stats(); n != 1 || f != 0 {
		t.Errorf("unexpected stats %d/%d", n, f)
	}
}

func TestMQTTSink_Msgpack(t *testing.T) {
	pub := &fakePublisher{}
	sink := events.NewMQTTSink(pub, events.MQTTConfig{Encoding: events.EncodingMsgpack}, nil)
	events.NewEmitter("cam-1", sink).Emit(context.Background(), events.OccupancyChanged, events.Fields{"occupied": true})

	var ev events.Event
	if err := msgpack.Unmarshal(pub.payloads[0], &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Kind != events.OccupancyChanged || ev.Device != "cam-1" || ev.Fields["occupied"] != true {
		t.Errorf("unexpected payload %+v", ev)
	}
	if !strings.HasPrefix(pub.topics[0], "parkwatch/events/") {
		t.Errorf("expected default topic prefix, got %q", pub.topics[0])
	}
}

func TestMQTTSink_CountsFailures(t *testing.T) {
	pub := &fakePublisher{tok: &fakeToken{err: errors.New("broker gone")}}
	sink := events.NewMQTTSink(pub, events.MQTTConfig{}, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	em := events.NewEmitter("d", sink)
	em.Emit(context.Background(), events.HeartbeatSent, nil)

	pub.tok = &fakeToken{timeout: true}
	em.Emit(context.Background(), events.HeartbeatSent, nil)

	if n, f := sink.Stats(); n != 0 || f != 2 {
		t.Errorf("expected 0 published / 2 failed, got %d/%d", n, f)
	}
}
