package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BrandonDHaskell/parkwatch/internal/events"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/ledger"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/store/memory"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// lot provisions a memory-backed ledger from a layout and marks the
// given slots occupied.
func lot(t *testing.T, layout string, occupied ...types.SlotID) (*ledger.Ledger, *memory.Store) {
	t.Helper()
	mem := memory.New()
	l := ledger.New(mem)
	lay, err := ledger.ParseLayout(layout)
	if err != nil {
		t.Fatalf("ParseLayout: %v", err)
	}
	ctx := context.Background()
	if _, err := l.Provision(ctx, lay, types.Rates{}); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	for _, id := range occupied {
		if err := l.Claim(ctx, id, ledger.Claim{VehicleType: lay[id], EntryTime: 1}); err != nil {
			t.Fatalf("Claim: %v", err)
		}
	}
	return l, mem
}

func recorder() (*events.Recorder, *events.Emitter) {
	rec := &events.Recorder{}
	return rec, events.NewEmitter("test-device", rec)
}

func slotOf(t *testing.T, l *ledger.Ledger, id types.SlotID) types.Slot {
	t.Helper()
	s, ok, err := l.Slot(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("Slot(%d): ok=%v err=%v", id, ok, err)
	}
	return s
}

// opsSince returns the mutations recorded after the first n.
func opsSince(mem *memory.Store, n int) []memory.Op {
	return mem.Ops()[n:]
}
