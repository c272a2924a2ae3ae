// Package storetest checks that a store.Store backend honors the shared
// key-path semantics.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BrandonDHaskell/parkwatch/internal/parking/store"
)

// Factory returns a fresh, empty store for one test.
type Factory func(t *testing.T) store.Store

// Run exercises every Store operation, and Transact when the backend
// implements store.Transactor.
func Run(t *testing.T, newStore Factory) {
	t.Run("ReadMissing", func(t *testing.T) { testReadMissing(t, newStore(t)) })
	t.Run("WriteRead", func(t *testing.T) { testWriteRead(t, newStore(t)) })
	t.Run("SubtreeRead", func(t *testing.T) { testSubtreeRead(t, newStore(t)) })
	t.Run("OverwriteReplacesSubtree", func(t *testing.T) { testOverwrite(t, newStore(t)) })
	t.Run("NullDeletes", func(t *testing.T) { testNullDeletes(t, newStore(t)) })
	t.Run("UpdateMergesFields", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("AppendOrdered", func(t *testing.T) { testAppend(t, newStore(t)) })
	t.Run("Subscribe", func(t *testing.T) { testSubscribe(t, newStore(t)) })
	t.Run("InvalidPath", func(t *testing.T) { testInvalidPath(t, newStore(t)) })
	t.Run("Transact", func(t *testing.T) {
		s := newStore(t)
		tx, ok := s.(store.Transactor)
		if !ok {
			t.Skip("backend has no Transactor")
		}
		testTransact(t, s, tx)
	})
}

func ctx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return c
}

func mustRead(t *testing.T, s store.Store, path string, into any) {
	t.Helper()
	raw, err := s.Read(ctx(t), path)
	if err != nil {
		t.Fatalf("Read(%s): %v", path, err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		t.Fatalf("decode %s (%s): %v", path, raw, err)
	}
}

func testReadMissing(t *testing.T, s store.Store) {
	_, err := s.Read(ctx(t), "parking_spots/slot_99")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type slot struct {
	Type     string `json:"type"`
	Occupied bool   `json:"occupied"`
	Entry    int64  `json:"entry_time"`
}

func testWriteRead(t *testing.T, s store.Store) {
	if err := s.Write(ctx(t), "parking_spots/slot_1", slot{Type: "car", Entry: 12}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var got slot
	mustRead(t, s, "parking_spots/slot_1", &got)
	if got.Type != "car" || got.Occupied || got.Entry != 12 {
		t.Errorf("unexpected record %+v", got)
	}

	var typ string
	mustRead(t, s, "/parking_spots/slot_1/type/", &typ)
	if typ != "car" {
		t.Errorf("expected field type=car, got %q", typ)
	}
}

func testSubtreeRead(t *testing.T, s store.Store) {
	c := ctx(t)
	_ = s.Write(c, "parking_spots/slot_1/type", "car")
	_ = s.Write(c, "parking_spots/slot_2/type", "truck")

	var all map[string]slot
	mustRead(t, s, "parking_spots", &all)
	if len(all) != 2 || all["slot_2"].Type != "truck" {
		t.Errorf("unexpected subtree %+v", all)
	}
}

func testOverwrite(t *testing.T, s store.Store) {
	c := ctx(t)
	_ = s.Write(c, "cameras/cam-1", map[string]any{"status": "online", "stream_url": "http://x"})
	if err := s.Write(c, "cameras/cam-1", map[string]any{"status": "online"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var got map[string]any
	mustRead(t, s, "cameras/cam-1", &got)
	if _, ok := got["stream_url"]; ok {
		t.Errorf("expected overwrite to drop stream_url, got %v", got)
	}

	// A scalar replaced by an object and back again.
	_ = s.Write(c, "settings/x", 5)
	_ = s.Write(c, "settings/x/y", 6)
	var y int
	mustRead(t, s, "settings/x/y", &y)
	if y != 6 {
		t.Errorf("expected 6, got %d", y)
	}
}

func testNullDeletes(t *testing.T, s store.Store) {
	c := ctx(t)
	_ = s.Write(c, "checkin_count/car", 3)
	if err := s.Write(c, "checkin_count/car", nil); err != nil {
		t.Fatalf("Write nil: %v", err)
	}
	if _, err := s.Read(c, "checkin_count/car"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected deleted value to be absent, got %v", err)
	}
}

func testUpdate(t *testing.T, s store.Store) {
	c := ctx(t)
	_ = s.Write(c, "parking_spots/slot_3", map[string]any{
		"type": "car", "occupied": true, "vehicle_type": "car", "license_plate": "PLATE_DETECTED", "entry_time": 40,
	})
	err := s.Update(c, "parking_spots/slot_3", map[string]any{
		"occupied": false, "vehicle_type": "", "license_plate": "", "entry_time": 0,
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	var got map[string]any
	mustRead(t, s, "parking_spots/slot_3", &got)
	if got["type"] != "car" {
		t.Errorf("Update must keep untouched fields, got %v", got)
	}
	if got["occupied"] != false || got["vehicle_type"] != "" || got["entry_time"] != float64(0) {
		t.Errorf("unexpected fields after Update: %v", got)
	}
}

func testAppend(t *testing.T, s store.Store) {
	c := ctx(t)
	k1, err := s.Append(c, "alerts/full_capacity", "first")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	k2, err := s.Append(c, "alerts/full_capacity", "second")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if k1 == k2 || k1 >= k2 {
		t.Errorf("expected increasing keys, got %q then %q", k1, k2)
	}
	var got map[string]string
	mustRead(t, s, "alerts/full_capacity", &got)
	if got[k1] != "first" || got[k2] != "second" {
		t.Errorf("unexpected list %v", got)
	}
}

func testSubscribe(t *testing.T, s store.Store) {
	c, cancel := context.WithCancel(ctx(t))
	defer cancel()

	ch, err := s.Subscribe(c, "parking_spots/slot_5")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	first := recv(t, ch)
	if string(first) != "null" {
		t.Fatalf("expected initial null, got %s", first)
	}

	if err := s.Write(c, "parking_spots/slot_5/occupied", true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var got map[string]bool
	if err := json.Unmarshal(recv(t, ch), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got["occupied"] {
		t.Errorf("expected occupied=true, got %v", got)
	}

	cancel()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription channel not closed after cancel")
		}
	}
}

func recv(t *testing.T, ch <-chan json.RawMessage) json.RawMessage {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed early")
		}
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for subscription value")
	}
	return nil
}

func testInvalidPath(t *testing.T, s store.Store) {
	if err := s.Write(ctx(t), "parking_spots/slot.1", 1); !errors.Is(err, store.ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath, got %v", err)
	}
}

func testTransact(t *testing.T, s store.Store, tx store.Transactor) {
	c := ctx(t)
	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := tx.Transact(c, "checkin_count/car", func(cur json.RawMessage) (any, error) {
				var n int
				if cur != nil {
					if err := json.Unmarshal(cur, &n); err != nil {
						return nil, err
					}
				}
				return n + 1, nil
			})
			if err != nil {
				t.Errorf("Transact: %v", err)
			}
		}()
	}
	wg.Wait()

	var n int
	mustRead(t, s, "checkin_count/car", &n)
	if n != workers {
		t.Errorf("expected %d increments, got %d", workers, n)
	}

	abort := errors.New("abort")
	err := tx.Transact(c, "checkin_count/car", func(json.RawMessage) (any, error) { return nil, abort })
	if !errors.Is(err, abort) {
		t.Errorf("expected abort error, got %v", err)
	}
	mustRead(t, s, "checkin_count/car", &n)
	if n != workers {
		t.Errorf("aborted transaction must not write, got %d", n)
	}
}
