package service

import (
	"context"
	"errors"
	"time"

	"github.com/BrandonDHaskell/parkwatch/internal/camera"
	"github.com/BrandonDHaskell/parkwatch/internal/classifier"
	"github.com/BrandonDHaskell/parkwatch/internal/events"
)

type SlotLoopConfig struct {
	PollInterval  time.Duration
	RetryPause    time.Duration
	PresenceFloor float64
}

type SlotLoopDeps struct {
	Source     camera.Source
	Classifier classifier.Classifier
	Tracker    *Tracker
	Heartbeat  *Heartbeat
	Clock      Clock
	Events     *events.Emitter
}

// SlotLoop polls one slot's camera and feeds presence votes to a Tracker.
// Any capture or classifier failure, including a malformed response,
// skips the tick without touching the store.
type SlotLoop struct {
	cfg     SlotLoopConfig
	deps    SlotLoopDeps
	lastErr error
}

func NewSlotLoop(cfg SlotLoopConfig, deps SlotLoopDeps) (*SlotLoop, error) {
	if deps.Source == nil || deps.Classifier == nil || deps.Tracker == nil {
		return nil, errors.New("slot loop needs a source, a classifier and a tracker")
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.RetryPause <= 0 {
		cfg.RetryPause = time.Second
	}
	return &SlotLoop{cfg: cfg, deps: deps}, nil
}

func (l *SlotLoop) LastError() error { return l.lastErr }

// Tick runs one poll and returns the wait before the next.
func (l *SlotLoop) Tick(ctx context.Context) time.Duration {
	if l.deps.Heartbeat != nil {
		_, _ = l.deps.Heartbeat.MaybeBeat(ctx)
	}
	wait := l.poll(ctx)
	return capToHeartbeat(l.deps.Heartbeat, l.deps.Clock, wait)
}

func (l *SlotLoop) poll(ctx context.Context) time.Duration {
	l.lastErr = nil
	if !l.deps.Tracker.Initialized() {
		if err := l.deps.Tracker.Init(ctx); err != nil {
			l.lastErr = err
			l.deps.Events.Emit(ctx, events.OccupancyFailed, events.Fields{"stage": "init", "err": err.Error()})
			return l.cfg.RetryPause
		}
	}

	frame, err := l.deps.Source.Capture(ctx)
	if err != nil {
		l.lastErr = wrapIfNot(err, ErrCapture)
		l.deps.Events.Emit(ctx, events.CaptureFailed, events.Fields{"err": err.Error()})
		return l.cfg.RetryPause
	}
	preds, err := l.deps.Classifier.Classify(ctx, frame)
	if err != nil {
		if !errors.Is(err, ErrClassifierParse) {
			err = wrapIfNot(err, ErrClassifierTransport)
		}
		l.lastErr = err
		l.deps.Events.Emit(ctx, events.ClassifierFailed, events.Fields{"err": err.Error()})
		return l.cfg.RetryPause
	}

	if _, err := l.deps.Tracker.Observe(ctx, Present(preds, l.cfg.PresenceFloor)); err != nil {
		l.lastErr = err
		return l.cfg.RetryPause
	}
	return l.cfg.PollInterval
}

func (l *SlotLoop) Run(ctx context.Context) error {
	return drive(ctx, l.Tick)
}
