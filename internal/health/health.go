// Package health publishes the server's readiness over the standard gRPC
// health protocol, driven by periodic probes of the shared store.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/BrandonDHaskell/parkwatch/internal/parking/store"
)

// Service is the name checked by clients that ask about the store
// specifically; the empty name covers the whole server.
const Service = "parkwatch.Store"

// Probe returns nil when the dependency answered.
type Probe func(ctx context.Context) error

// StoreProbe reads a small, always-present document. An absent value
// still proves the store answered.
func StoreProbe(st store.Store, path string) Probe {
	return func(ctx context.Context) error {
		_, err := st.Read(ctx, path)
		if err != nil && !store.IsNotFound(err) {
			return err
		}
		return nil
	}
}

// Monitor mirrors a probe's outcome into a gRPC health server.
type Monitor struct {
	srv      *health.Server
	probe    Probe
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	healthy  bool
	checked  bool
}

func NewMonitor(srv *health.Server, probe Probe, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := interval / 2
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	srv.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Monitor{srv: srv, probe: probe, interval: interval, timeout: timeout, logger: logger}
}

// Check runs the probe once and updates the serving status.
func (m *Monitor) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.probe(pctx)
	cancel()

	ok := err == nil
	if !m.checked || ok != m.healthy {
		if ok {
			m.logger.Info("store healthy")
		} else {
			m.logger.Warn("store unhealthy", "err", err)
		}
	}
	m.checked, m.healthy = true, ok

	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	m.srv.SetServingStatus("", status)
	m.srv.SetServingStatus(Service, status)
	return ok
}

// Run probes immediately and then every interval. On return every
// service reports NOT_SERVING.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.srv.Shutdown()
	m.Check(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Serve exposes srv on lis until ctx is done.
func Serve(ctx context.Context, lis net.Listener, srv *health.Server, logger *slog.Logger) error {
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, srv)

	errc := make(chan error, 1)
	go func() { errc <- gs.Serve(lis) }()
	logger.Info("grpc health listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		gs.GracefulStop()
		<-errc
		return nil
	case err := <-errc:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("grpc health: %w", err)
	}
}
