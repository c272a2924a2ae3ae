// Package events carries typed loop events to pluggable sinks.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	LoopState         Kind = "loop.state"
	CaptureFailed     Kind = "capture.failed"
	ClassifierFailed  Kind = "classifier.failed"
	NoDetection       Kind = "detection.none"
	VehicleDetected   Kind = "detection.vehicle"
	SlotClaimed       Kind = "slot.claimed"
	ClaimLost         Kind = "slot.claim_lost"
	CapacityExhausted Kind = "capacity.exhausted"
	AllocationFailed  Kind = "allocation.failed"
	BookkeepingFailed Kind = "allocation.bookkeeping_failed"
	EntryDenied       Kind = "entry.denied"
	OccupancyChanged  Kind = "occupancy.changed"
	OccupancyFailed   Kind = "occupancy.failed"
	HeartbeatSent     Kind = "heartbeat.sent"
	HeartbeatFailed   Kind = "heartbeat.failed"
	CameraOffline     Kind = "camera.offline"
	CameraOnline      Kind = "camera.online"
)

// Failure reports whether events of this kind describe something going
// wrong.
func (k Kind) Failure() bool {
	switch k {
	case CaptureFailed, ClassifierFailed, AllocationFailed, BookkeepingFailed,
		OccupancyFailed, HeartbeatFailed, CameraOffline:
		return true
	}
	return false
}

type Fields map[string]any

type Event struct {
	ID     string    `json:"id" msgpack:"id"`
	Kind   Kind      `json:"kind" msgpack:"kind"`
	Device string    `json:"device" msgpack:"device"`
	At     time.Time `json:"at" msgpack:"at"`
	Fields Fields    `json:"fields,omitempty" msgpack:"fields,omitempty"`
}

// Sink receives events. Sinks handle their own delivery failures.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// Emitter stamps events with an id, device and time before handing them
// to a sink. A nil *Emitter discards everything.
type Emitter struct {
	device string
	sink   Sink
	now    func() time.Time
}

func NewEmitter(device string, sink Sink) *Emitter {
	return &Emitter{device: device, sink: sink, now: time.Now}
}

func (e *Emitter) Emit(ctx context.Context, kind Kind, fields Fields) {
	if e == nil || e.sink == nil {
		return
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	e.sink.Emit(ctx, Event{
		ID:     id.String(),
		Kind:   kind,
		Device: e.device,
		At:     e.now().UTC(),
		Fields: fields,
	})
}

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}

// Recorder keeps every event in memory. Used by tests and simulations.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the kinds of every recorded event, in order.
func (r *Recorder) Kinds() []Kind {
	evs := r.Events()
	out := make([]Kind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func (r *Recorder) Count(kind Kind) int {
	n := 0
	for _, ev := range r.Events() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// Last returns the most recent event of kind.
func (r *Recorder) Last(kind Kind) (Event, bool) {
	evs := r.Events()
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Kind == kind {
			return evs[i], true
		}
	}
	return Event{}, false
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
