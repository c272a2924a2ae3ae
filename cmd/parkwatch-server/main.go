package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	grpchealth "google.golang.org/grpc/health"

	"github.com/BrandonDHaskell/parkwatch/internal/config"
	"github.com/BrandonDHaskell/parkwatch/internal/db"
	"github.com/BrandonDHaskell/parkwatch/internal/events"
	"github.com/BrandonDHaskell/parkwatch/internal/health"
	"github.com/BrandonDHaskell/parkwatch/internal/httpapi"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/ledger"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/service"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/store"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/store/dynamo"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/store/memory"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/store/sqlite"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/types"
)

const serverID = "parkwatch-server"

func main() {
	cfg := config.FromEnv()

	var logger *slog.Logger
	if cfg.Env == "prod" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	logger = logger.With("service", serverID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	st, background, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	layout, err := ledger.ParseLayout(cfg.SlotLayout)
	if err != nil {
		return fmt.Errorf("slot layout: %w", err)
	}
	l := ledger.New(st)
	res, err := l.Provision(ctx, layout, types.Rates{
		Motorcycle: cfg.DefaultRates[0],
		Car:        cfg.DefaultRates[1],
		Truck:      cfg.DefaultRates[2],
	})
	if err != nil {
		return err
	}
	logger.Info("lot provisioned", "slots", len(layout), "created", len(res.Created), "rates_seeded", res.RatesSeeded)

	sinks := events.Multi{events.NewLogSink(logger)}
	if cfg.MQTTBroker != "" {
		mcfg := events.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: serverID,
			Encoding: events.Encoding(cfg.MQTTEncoding),
		}
		client, err := events.ConnectMQTT(mcfg, logger)
		if err != nil {
			return err
		}
		defer client.Disconnect(250)
		sinks = append(sinks, events.NewMQTTSink(client, mcfg, logger))
	}
	em := events.NewEmitter(serverID, sinks)

	var grpcLis net.Listener
	if cfg.GRPCAddr != "" {
		if grpcLis, err = net.Listen("tcp", cfg.GRPCAddr); err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if background != nil {
		g.Go(func() error { return background(gctx) })
	}

	registry := service.NewCameraRegistry(cfg.KnownCameras, cfg.StaleAfter(), service.SystemClock{})
	monitor := service.NewStalenessMonitor(l, registry, cfg.StalenessInterval(), logger, em)
	g.Go(func() error { return monitor.Run(gctx) })

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:    logger,
		Addr:      cfg.HTTPAddr,
		Dashboard: service.NewDashboard(l, registry),
		Store:     st,
		StoreAuth: cfg.StoreAuth,
	})
	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTPAddr, "backend", cfg.Backend)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if grpcLis != nil {
		hs := grpchealth.NewServer()
		probe := health.NewMonitor(hs, health.StoreProbe(st, ledger.RatesPath), cfg.HealthProbeInterval(), logger)
		g.Go(func() error { return probe.Run(gctx) })
		g.Go(func() error { return health.Serve(gctx, grpcLis, hs, logger) })
	}

	return g.Wait()
}

// openStore returns the shared store, an optional background loop the
// backend needs, and a close func.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, func(context.Context) error, func(), error) {
	switch cfg.Backend {
	case "memory":
		logger.Warn("memory backend: state is lost on restart")
		return memory.New(), nil, func() {}, nil

	case "dynamo":
		st, err := dynamo.Connect(ctx, dynamo.Config{
			Table:    cfg.DynamoTable,
			Region:   cfg.DynamoRegion,
			Endpoint: cfg.DynamoEndpoint,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return st, nil, func() {}, nil

	default:
		conn, err := db.Open(ctx, db.Config{Path: cfg.DBPath})
		if err != nil {
			return nil, nil, nil, err
		}
		if err := db.Migrate(ctx, conn); err != nil {
			_ = conn.Close()
			return nil, nil, nil, err
		}
		writer := db.NewWorker(conn)
		closeAll := func() {
			writer.Close()
			_ = conn.Close()
		}
		st := sqlite.New(conn, writer)

		// Publishes writes made by other processes sharing the file and
		// prunes the change log.
		w := sqlite.NewWatcher(st, time.Second, cfg.ChangeRetention(), logger)
		if err := w.Init(ctx); err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		return st, w.Run, closeAll, nil
	}
}
