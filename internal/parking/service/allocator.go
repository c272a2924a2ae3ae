package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/BrandonDHaskell/parkwatch/internal/events"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/ledger"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/types"
)

// ClaimMode selects how a free slot is claimed.
type ClaimMode string

const (
	// ClaimLastWriteWins reads then blindly writes. Two allocators can
	// claim the same slot.
	ClaimLastWriteWins ClaimMode = "last_write_wins"
	// ClaimConditional commits the claim only if the slot is still free.
	ClaimConditional ClaimMode = "conditional"
)

func (m ClaimMode) Valid() bool {
	return m == ClaimLastWriteWins || m == ClaimConditional
}

// AllocatorConfig scopes an allocator to the slots its entrance serves.
// Device is recorded in the access log.
type AllocatorConfig struct {
	Slots  types.SlotRange
	Mode   ClaimMode
	Device string
}

// Allocator is a greedy first-fit over an ascending slot range.
type Allocator struct {
	ledger *ledger.Ledger
	cfg    AllocatorConfig
	events *events.Emitter
}

// NewAllocator rejects an empty or inverted range. An empty Mode means
// ClaimLastWriteWins.
func NewAllocator(l *ledger.Ledger, cfg AllocatorConfig, em *events.Emitter) (*Allocator, error) {
	if !cfg.Slots.Valid() {
		return nil, fmt.Errorf("invalid slot range %d-%d", cfg.Slots.First, cfg.Slots.Last)
	}
	if cfg.Mode == "" {
		cfg.Mode = ClaimLastWriteWins
	}
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("unknown claim mode %q", cfg.Mode)
	}
	if cfg.Mode == ClaimConditional && !l.Transactional() {
		return nil, errors.New("conditional claim mode needs a store with transactions")
	}
	return &Allocator{ledger: l, cfg: cfg, events: em}, nil
}

// Allocate claims the first free slot of type vt. On exhaustion it
// appends one full_capacity alert and returns ErrCapacityExhausted. A
// failed read aborts with ErrStoreRead and no alert.
//
// The claim, the check-in counter and the access-log append are separate
// writes. Once the claim lands the slot is returned even if the other two
// fail.
func (a *Allocator) Allocate(ctx context.Context, vt types.VehicleType, plate string, entryTime int64) (types.SlotID, error) {
	claim := ledger.Claim{VehicleType: vt, LicensePlate: plate, EntryTime: entryTime}

	for _, id := range a.cfg.Slots.IDs() {
		typ, ok, err := a.ledger.SlotType(ctx, id)
		if err != nil {
			return a.readFailed(ctx, id, err)
		}
		if !ok || typ != vt {
			continue
		}
		occupied, err := a.ledger.SlotOccupied(ctx, id)
		if err != nil {
			return a.readFailed(ctx, id, err)
		}
		if occupied {
			continue
		}

		if a.cfg.Mode == ClaimConditional {
			err = a.ledger.ClaimIfFree(ctx, id, vt, claim)
			if errors.Is(err, ledger.ErrNotFree) {
				a.events.Emit(ctx, events.ClaimLost, events.Fields{"slot": id.Key(), "vehicle": string(vt)})
				continue
			}
		} else {
			err = a.ledger.Claim(ctx, id, claim)
		}
		if err != nil {
			a.events.Emit(ctx, events.AllocationFailed, events.Fields{"slot": id.Key(), "stage": "claim", "err": err.Error()})
			return 0, fmt.Errorf("%w: claim %s: %w", ErrStoreWrite, id.Key(), err)
		}

		a.events.Emit(ctx, events.SlotClaimed, events.Fields{
			"slot": id.Key(), "vehicle": string(vt), "plate": plate, "entry_time": entryTime,
		})
		a.record(ctx, id, vt, plate, entryTime)
		return id, nil
	}

	msg := fmt.Sprintf("No free %s slot", vt)
	if _, err := a.ledger.AppendAlert(ctx, types.AlertFullCapacity, msg); err != nil {
		a.events.Emit(ctx, events.AllocationFailed, events.Fields{"stage": "alert", "err": err.Error()})
	}
	a.events.Emit(ctx, events.CapacityExhausted, events.Fields{"vehicle": string(vt)})
	return 0, fmt.Errorf("%w: %s", ErrCapacityExhausted, vt)
}

func (a *Allocator) readFailed(ctx context.Context, id types.SlotID, err error) (types.SlotID, error) {
	a.events.Emit(ctx, events.AllocationFailed, events.Fields{"slot": id.Key(), "stage": "read", "err": err.Error()})
	return 0, fmt.Errorf("%w: %s: %w", ErrStoreRead, id.Key(), err)
}

// record does the check-in bookkeeping after a claim.
func (a *Allocator) record(ctx context.Context, id types.SlotID, vt types.VehicleType, plate string, entryTime int64) {
	if _, err := a.ledger.IncrementCheckins(ctx, vt); err != nil {
		a.events.Emit(ctx, events.BookkeepingFailed, events.Fields{"slot": id.Key(), "stage": "checkin_count", "err": err.Error()})
	}
	_, err := a.ledger.AppendAccessLog(ctx, types.AccessLogEntry{
		Action:      types.ActionCheckIn,
		VehicleType: string(vt),
		Plate:       plate,
		Slot:        id.Key(),
		Timestamp:   entryTime,
		Device:      a.cfg.Device,
	})
	if err != nil {
		a.events.Emit(ctx, events.BookkeepingFailed, events.Fields{"slot": id.Key(), "stage": "access_log", "err": err.Error()})
	}
}
