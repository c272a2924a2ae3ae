package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BrandonDHaskell/parkwatch/internal/events"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/ledger"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/types"
)

// StalenessMonitor watches camera heartbeats and appends one
// camera_offline alert each time a camera goes from online to stale.
// Devices never write "offline" themselves. Which cameras were already
// alerted is kept in the ledger, so a restarted server does not alert
// again for a camera that stayed down.
type StalenessMonitor struct {
	ledger   *ledger.Ledger
	registry *CameraRegistry
	interval time.Duration
	logger   *slog.Logger
	events   *events.Emitter

	// offline maps camera id to the heartbeat its alert was raised for.
	offline map[string]int64
	loaded  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewStalenessMonitor(l *ledger.Ledger, reg *CameraRegistry, interval time.Duration, logger *slog.Logger, em *events.Emitter) *StalenessMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StalenessMonitor{
		ledger:   l,
		registry: reg,
		interval: interval,
		logger:   logger,
		events:   em,
		offline:  map[string]int64{},
		done:     make(chan struct{}),
	}
}

// Start runs an immediate check, then repeats every interval until ctx
// is cancelled or Stop is called.
func (m *StalenessMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.loop(ctx)
	m.logger.Info("staleness monitor started", "interval", m.interval)
}

func (m *StalenessMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.done
}

// Run is Start plus waiting for ctx, for use under an errgroup.
func (m *StalenessMonitor) Run(ctx context.Context) error {
	m.Start(ctx)
	<-ctx.Done()
	m.Stop()
	return nil
}

func (m *StalenessMonitor) loop(ctx context.Context) {
	defer close(m.done)

	if _, err := m.Check(ctx); err != nil {
		m.logger.Warn("staleness check failed", "err", err)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Check(ctx); err != nil {
				m.logger.Warn("staleness check failed", "err", err)
			}
		}
	}
}

// Check compares every reporting camera against the staleness window and
// returns the ids that went offline in this pass. Not safe for
// concurrent use with a running loop.
func (m *StalenessMonitor) Check(ctx context.Context) ([]string, error) {
	cams, err := m.ledger.Cameras(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: cameras: %w", ErrStoreRead, err)
	}

	if !m.loaded {
		marks, err := m.ledger.OfflineMarks(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: offline marks: %w", ErrStoreRead, err)
		}
		m.offline, m.loaded = marks, true
	}

	var wentOffline []string
	for _, view := range m.registry.View(cams) {
		if _, reported := cams[view.ID]; !reported {
			continue
		}
		hb := view.Camera.LastHeartbeat
		mark, marked := m.offline[view.ID]
		stale := view.Status == types.CameraOffline
		switch {
		case stale && (!marked || mark != hb):
			// A different heartbeat means it came back and went stale
			// again while nobody was watching.
			msg := fmt.Sprintf("Camera %s offline (last heartbeat %d)", view.ID, hb)
			if _, err := m.ledger.AppendAlert(ctx, types.AlertCameraOffline, msg); err != nil {
				// Try again next pass.
				m.logger.Warn("camera offline alert failed", "camera", view.ID, "err", err)
				continue
			}
			if err := m.ledger.MarkOffline(ctx, view.ID, hb); err != nil {
				m.logger.Warn("offline mark failed", "camera", view.ID, "err", err)
			}
			m.offline[view.ID] = hb
			wentOffline = append(wentOffline, view.ID)
			m.events.Emit(ctx, events.CameraOffline, events.Fields{"camera": view.ID, "last_heartbeat": hb})
		case !stale && marked:
			if err := m.ledger.ClearOffline(ctx, view.ID); err != nil {
				m.logger.Warn("offline mark clear failed", "camera", view.ID, "err", err)
				continue
			}
			delete(m.offline, view.ID)
			m.events.Emit(ctx, events.CameraOnline, events.Fields{"camera": view.ID})
		}
	}
	return wentOffline, nil
}
