package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BrandonDHaskell/parkwatch/internal/camera"
	"github.com/BrandonDHaskell/parkwatch/internal/classifier"
	"github.com/BrandonDHaskell/parkwatch/internal/events"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/types"
)

// State is a step of the entrance loop.
type State string

const (
	StateIdle        State = "idle"
	StateCooldown    State = "cooldown"
	StateCapturing   State = "capturing"
	StateClassifying State = "classifying"
	StateReconciling State = "reconciling"
)

type EntranceConfig struct {
	// Cooldown is the dwell after a reconciliation before the next
	// capture, whatever its outcome.
	Cooldown time.Duration
	// RetryPause follows any capture that ends without a detection.
	RetryPause time.Duration
}

// EntranceDeps are the collaborators of an EntranceLoop. Gate and
// Heartbeat are optional. A nil Interpreter uses the default floors.
type EntranceDeps struct {
	Source      camera.Source
	Classifier  classifier.Classifier
	Interpreter *Interpreter
	Allocator   *Allocator
	Gate        *Gate
	Heartbeat   *Heartbeat
	Clock       Clock
	Events      *events.Emitter
}

// EntranceLoop is the entrance camera's detection cycle as an explicit
// state machine. Each Tick performs at most one blocking call and
// returns how long the driver should wait before the next Tick.
type EntranceLoop struct {
	cfg    EntranceConfig
	deps   EntranceDeps
	uptime Uptime

	state         State
	cooldownUntil time.Time
	frame         []byte
	detection     types.Detection

	lastErr  error
	lastSlot types.SlotID
}

func NewEntranceLoop(cfg EntranceConfig, deps EntranceDeps) (*EntranceLoop, error) {
	if deps.Source == nil || deps.Classifier == nil || deps.Allocator == nil {
		return nil, errors.New("entrance loop needs a source, a classifier and an allocator")
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Interpreter == nil {
		in := NewInterpreter(DefaultVehicleFloor)
		deps.Interpreter = &in
	}
	if cfg.RetryPause <= 0 {
		cfg.RetryPause = time.Second
	}
	return &EntranceLoop{
		cfg:    cfg,
		deps:   deps,
		uptime: NewUptime(deps.Clock),
		state:  StateIdle,
	}, nil
}

func (l *EntranceLoop) State() State { return l.state }

// LastError is the failure recorded by the most recent capture,
// classification or reconciliation, or nil.
func (l *EntranceLoop) LastError() error { return l.lastErr }

// LastSlot is the slot claimed by the most recent successful
// reconciliation.
func (l *EntranceLoop) LastSlot() types.SlotID { return l.lastSlot }

func (l *EntranceLoop) Tick(ctx context.Context) (State, time.Duration) {
	if l.deps.Heartbeat != nil {
		_, _ = l.deps.Heartbeat.MaybeBeat(ctx)
	}

	from := l.state
	var wait time.Duration
	switch l.state {
	case StateIdle, StateCooldown:
		now := l.deps.Clock.Now()
		if now.Before(l.cooldownUntil) {
			l.state = StateCooldown
			wait = l.cooldownUntil.Sub(now)
		} else {
			l.state = StateCapturing
		}

	case StateCapturing:
		frame, err := l.deps.Source.Capture(ctx)
		if err != nil {
			l.fail(ctx, events.CaptureFailed, wrapIfNot(err, ErrCapture))
			wait = l.cfg.RetryPause
			break
		}
		l.frame = frame
		l.state = StateClassifying

	case StateClassifying:
		preds, err := l.deps.Classifier.Classify(ctx, l.frame)
		l.frame = nil
		if err != nil {
			if errors.Is(err, ErrClassifierParse) {
				l.fail(ctx, events.ClassifierFailed, fmt.Errorf("%w: %w", ErrNoDetection, err))
			} else {
				l.fail(ctx, events.ClassifierFailed, wrapIfNot(err, ErrClassifierTransport))
			}
			wait = l.cfg.RetryPause
			break
		}
		det := l.deps.Interpreter.Interpret(preds)
		if !det.Found() {
			l.lastErr = ErrNoDetection
			l.deps.Events.Emit(ctx, events.NoDetection, events.Fields{"predictions": len(preds)})
			l.state = StateIdle
			wait = l.cfg.RetryPause
			break
		}
		l.detection = det
		l.deps.Events.Emit(ctx, events.VehicleDetected, events.Fields{
			"vehicle": string(det.Vehicle), "confidence": det.Confidence, "plate": det.PlateDetected,
		})
		l.state = StateReconciling

	case StateReconciling:
		l.reconcile(ctx)
		l.cooldownUntil = l.deps.Clock.Now().Add(l.cfg.Cooldown)
		l.state = StateIdle
	}

	if l.state != from {
		l.deps.Events.Emit(ctx, events.LoopState, events.Fields{"from": string(from), "to": string(l.state)})
	}
	return l.state, capToHeartbeat(l.deps.Heartbeat, l.deps.Clock, wait)
}

func (l *EntranceLoop) fail(ctx context.Context, kind events.Kind, err error) {
	l.lastErr = err
	l.deps.Events.Emit(ctx, kind, events.Fields{"err": err.Error()})
	l.state = StateIdle
}

func (l *EntranceLoop) reconcile(ctx context.Context) {
	det := l.detection
	l.detection = types.Detection{}

	if l.deps.Gate != nil {
		if err := l.deps.Gate.Admit(ctx, det); err != nil {
			l.lastErr = err
			return
		}
	}
	slot, err := l.deps.Allocator.Allocate(ctx, det.Vehicle, det.Plate(), l.uptime.Seconds())
	l.lastErr = err
	if err == nil {
		l.lastSlot = slot
	}
}

// Run drives Tick until ctx is done.
func (l *EntranceLoop) Run(ctx context.Context) error {
	return drive(ctx, func(ctx context.Context) time.Duration {
		_, wait := l.Tick(ctx)
		return wait
	})
}

func drive(ctx context.Context, tick func(context.Context) time.Duration) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		wait := tick(ctx)
		if wait <= 0 {
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// capToHeartbeat shortens wait so a sleeping loop still wakes for its
// next heartbeat.
func capToHeartbeat(hb *Heartbeat, clock Clock, wait time.Duration) time.Duration {
	if hb == nil {
		return wait
	}
	until := hb.NextDue().Sub(clock.Now())
	if until < 0 {
		until = 0
	}
	if until < wait {
		return until
	}
	return wait
}

func wrapIfNot(err, sentinel error) error {
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
