package service

import (
	"context"
	"fmt"

	"github.com/BrandonDHaskell/parkwatch/internal/events"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/ledger"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/types"
)

// EntrancePolicy decides whether a detected vehicle may enter.
type EntrancePolicy struct {
	// RequirePlate denies vehicles whose plate was not detected.
	RequirePlate bool
}

// EntryDecision carries a short machine-readable Reason either way.
type EntryDecision struct {
	Granted bool
	Reason  string
}

func (p EntrancePolicy) Decide(d types.Detection) EntryDecision {
	if p.RequirePlate && !d.PlateDetected {
		return EntryDecision{Granted: false, Reason: "plate_required"}
	}
	return EntryDecision{Granted: true, Reason: "allowed"}
}

// Gate applies the policy and records denials as unauthorized alerts.
type Gate struct {
	policy EntrancePolicy
	ledger *ledger.Ledger
	events *events.Emitter
}

func NewGate(p EntrancePolicy, l *ledger.Ledger, em *events.Emitter) *Gate {
	return &Gate{policy: p, ledger: l, events: em}
}

// Admit returns nil when the vehicle may proceed to allocation and
// ErrEntryDenied otherwise. A failed alert append does not change the
// decision.
func (g *Gate) Admit(ctx context.Context, d types.Detection) error {
	dec := g.policy.Decide(d)
	if dec.Granted {
		return nil
	}
	msg := fmt.Sprintf("Unauthorized %s: %s", d.Vehicle, dec.Reason)
	if _, err := g.ledger.AppendAlert(ctx, types.AlertUnauthorized, msg); err != nil {
		g.events.Emit(ctx, events.AllocationFailed, events.Fields{"stage": "alert", "err": err.Error()})
	}
	g.events.Emit(ctx, events.EntryDenied, events.Fields{"vehicle": string(d.Vehicle), "reason": dec.Reason})
	return fmt.Errorf("%w: %s", ErrEntryDenied, dec.Reason)
}
