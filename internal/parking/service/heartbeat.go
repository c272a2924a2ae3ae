package service

import (
	"context"
	"fmt"
	"time"

	"github.com/BrandonDHaskell/parkwatch/internal/events"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/ledger"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/types"
)

type HeartbeatConfig struct {
	DeviceID  string
	IPAddress string
	StreamURL string
	Role      string
	Interval  time.Duration
}

// Heartbeat republishes cameras/<id> on a fixed interval. The interval
// runs from the previous attempt, successful or not.
type Heartbeat struct {
	ledger *ledger.Ledger
	cfg    HeartbeatConfig
	clock  Clock
	uptime Uptime
	events *events.Emitter

	last time.Time
	sent bool
}

func NewHeartbeat(l *ledger.Ledger, cfg HeartbeatConfig, clock Clock, em *events.Emitter) *Heartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Heartbeat{ledger: l, cfg: cfg, clock: clock, uptime: NewUptime(clock), events: em}
}

// NextDue is when the next beat should fire.
func (h *Heartbeat) NextDue() time.Time {
	if !h.sent {
		return h.clock.Now()
	}
	return h.last.Add(h.cfg.Interval)
}

func (h *Heartbeat) Due() bool {
	return !h.clock.Now().Before(h.NextDue())
}

// Beat writes the camera record now. last_heartbeat is wall-clock unix
// seconds so any reader can judge staleness.
func (h *Heartbeat) Beat(ctx context.Context) error {
	now := h.clock.Now()
	h.last, h.sent = now, true
	cam := types.Camera{
		Status:        types.CameraOnline,
		IPAddress:     h.cfg.IPAddress,
		StreamURL:     h.cfg.StreamURL,
		LastHeartbeat: now.Unix(),
		UptimeSeconds: h.uptime.Seconds(),
		Role:          h.cfg.Role,
	}
	if err := h.ledger.PutCamera(ctx, h.cfg.DeviceID, cam); err != nil {
		h.events.Emit(ctx, events.HeartbeatFailed, events.Fields{"err": err.Error()})
		return fmt.Errorf("%w: heartbeat: %w", ErrStoreWrite, err)
	}
	h.events.Emit(ctx, events.HeartbeatSent, events.Fields{"uptime_s": cam.UptimeSeconds})
	return nil
}

// MaybeBeat beats if due and reports whether it tried.
func (h *Heartbeat) MaybeBeat(ctx context.Context) (bool, error) {
	if !h.Due() {
		return false, nil
	}
	return true, h.Beat(ctx)
}
