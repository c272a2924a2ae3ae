package service

import (
	"context"
	"fmt"

	"github.com/BrandonDHaskell/parkwatch/internal/events"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/ledger"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/types"
)

// Tracker writes a single slot's occupancy only when presence changes.
// The previous state is read from the store once and then kept locally;
// later external edits to the slot are not noticed.
type Tracker struct {
	ledger *ledger.Ledger
	slot   types.SlotID
	uptime Uptime
	events *events.Emitter

	previous    bool
	initialized bool
}

// NewTracker does not touch the store; the first Observe loads the slot.
func NewTracker(l *ledger.Ledger, slot types.SlotID, uptime Uptime, em *events.Emitter) *Tracker {
	return &Tracker{ledger: l, slot: slot, uptime: uptime, events: em}
}

// Init loads the slot's current occupied flag.
func (t *Tracker) Init(ctx context.Context) error {
	occ, err := t.ledger.SlotOccupied(ctx, t.slot)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrStoreRead, t.slot.Key(), err)
	}
	t.previous = occ
	t.initialized = true
	return nil
}

func (t *Tracker) Initialized() bool { return t.initialized }

// Previous returns the last state known to be persisted.
func (t *Tracker) Previous() bool { return t.previous }

// Observe applies one presence vote. It writes only on a transition and
// reports whether it did. A failed write leaves the previous state alone
// so the next tick tries again.
func (t *Tracker) Observe(ctx context.Context, present bool) (bool, error) {
	if !t.initialized {
		if err := t.Init(ctx); err != nil {
			return false, err
		}
	}
	if present == t.previous {
		return false, nil
	}

	var err error
	fields := events.Fields{"slot": t.slot.Key(), "occupied": present}
	if present {
		entry := t.uptime.Seconds()
		fields["entry_time"] = entry
		err = t.ledger.MarkOccupied(ctx, t.slot, entry)
	} else {
		err = t.ledger.Vacate(ctx, t.slot)
	}
	if err != nil {
		fields["err"] = err.Error()
		t.events.Emit(ctx, events.OccupancyFailed, fields)
		return false, fmt.Errorf("%w: %s: %w", ErrStoreWrite, t.slot.Key(), err)
	}
	t.previous = present
	t.events.Emit(ctx, events.OccupancyChanged, fields)
	return true, nil
}
