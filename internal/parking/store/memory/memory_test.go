package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/BrandonDHaskell/parkwatch/internal/parking/store"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/store/memory"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/store/storetest"
)

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return memory.New() })
}

func TestStore_OpsRecordsMutationsOnly(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	_ = s.Write(ctx, "parking_spots/slot_1/type", "car")
	_, _ = s.Read(ctx, "parking_spots/slot_1")
	_ = s.Update(ctx, "parking_spots/slot_1", map[string]any{"occupied": true})
	_, _ = s.Append(ctx, "logs/access", "x")

	ops := s.Ops()
	if len(ops) != 3 {
		t.Fatalf("expected 3 ops, got %d: %+v", len(ops), ops)
	}
	want := []memory.Op{
		{Kind: "write", Path: "parking_spots/slot_1/type"},
		{Kind: "update", Path: "parking_spots/slot_1"},
		{Kind: "append", Path: "logs/access"},
	}
	for i, op := range want {
		if ops[i] != op {
			t.Errorf("op %d: expected %+v, got %+v", i, op, ops[i])
		}
	}
}

func TestStore_FaultHookFailsCall(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	boom := errors.New("boom")

	s.SetFault(func(kind, path string) error {
		if kind == "read" && path == "parking_spots/slot_2/type" {
			return boom
		}
		return nil
	})

	if _, err := s.Read(ctx, "parking_spots/slot_2/type"); !errors.Is(err, boom) {
		t.Errorf("expected injected error, got %v", err)
	}
	if err := s.Write(ctx, "parking_spots/slot_2/type", "car"); err != nil {
		t.Errorf("writes should not be affected: %v", err)
	}

	s.SetFault(nil)
	if _, err := s.Read(ctx, "parking_spots/slot_2/type"); err != nil {
		t.Errorf("expected read to succeed after clearing fault: %v", err)
	}
}

func TestStore_FailedWriteNotRecorded(t *testing.T) {
	s := memory.New()
	s.SetFault(func(kind, _ string) error {
		if kind == "update" {
			return errors.New("offline")
		}
		return nil
	})
	if err := s.Update(context.Background(), "parking_spots/slot_1", map[string]any{"occupied": true}); err == nil {
		t.Fatal("expected error")
	}
	if len(s.Ops()) != 0 {
		t.Errorf("failed update must not be recorded")
	}
}
