package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BrandonDHaskell/parkwatch/internal/camera"
	"github.com/BrandonDHaskell/parkwatch/internal/classifier"
	"github.com/BrandonDHaskell/parkwatch/internal/config"
	"github.com/BrandonDHaskell/parkwatch/internal/events"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/ledger"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/service"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/store"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/store/dynamo"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/store/rtdb"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/types"
)

func main() {
	path := flag.String("config", "configs/device.yaml", "device config file")
	flag.Parse()

	cfg, err := config.LoadDevice(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parkwatch-device: %v\n", err)
		os.Exit(2)
	}
	logger := newLogger(cfg.Env).With("device", cfg.DeviceID, "role", cfg.Role)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("device stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("device stopped")
}

func newLogger(env string) *slog.Logger {
	if env == "prod" {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func run(ctx context.Context, cfg *config.Device, logger *slog.Logger) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	src, err := openCamera(cfg)
	if err != nil {
		return err
	}
	cls, err := classifier.New(classifier.Config{
		Endpoint:   cfg.Classifier.Endpoint,
		Model:      cfg.Classifier.Model,
		APIKey:     cfg.Classifier.APIKey,
		Confidence: cfg.Classifier.Confidence,
		Overlap:    cfg.Classifier.Overlap,
		Timeout:    cfg.ClassifierTimeout(),
	})
	if err != nil {
		return err
	}

	sinks := events.Multi{events.NewLogSink(logger)}
	if cfg.MQTT.Broker != "" {
		mcfg := events.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
			Encoding: events.Encoding(cfg.MQTT.Encoding),
		}
		client, err := events.ConnectMQTT(mcfg, logger)
		if err != nil {
			return err
		}
		defer client.Disconnect(250)
		sinks = append(sinks, events.NewMQTTSink(client, mcfg, logger))
	}
	em := events.NewEmitter(cfg.DeviceID, sinks)

	l := ledger.New(st)
	clock := service.SystemClock{}
	hb := service.NewHeartbeat(l, service.HeartbeatConfig{
		DeviceID:  cfg.DeviceID,
		IPAddress: cfg.IPAddress,
		StreamURL: cfg.Stream.PublicURL,
		Role:      cfg.Role,
		Interval:  cfg.HeartbeatInterval(),
	}, clock, em)

	interp := service.NewInterpreter(cfg.Detection.VehicleFloor)
	interp.PlateFloor = cfg.Detection.PlateFloor

	g, gctx := errgroup.WithContext(ctx)

	switch cfg.Role {
	case config.RoleEntrance:
		alloc, err := service.NewAllocator(l, service.AllocatorConfig{
			Slots: types.SlotRange{
				First: types.SlotID(cfg.Entrance.FirstSlot),
				Last:  types.SlotID(cfg.Entrance.LastSlot),
			},
			Mode:   service.ClaimMode(cfg.Entrance.ClaimMode),
			Device: cfg.DeviceID,
		}, em)
		if err != nil {
			return err
		}
		loop, err := service.NewEntranceLoop(service.EntranceConfig{
			Cooldown:   cfg.Cooldown(),
			RetryPause: cfg.RetryPause(),
		}, service.EntranceDeps{
			Source:      src,
			Classifier:  cls,
			Interpreter: &interp,
			Allocator:   alloc,
			Gate:        service.NewGate(service.EntrancePolicy{RequirePlate: cfg.Entrance.RequirePlate}, l, em),
			Heartbeat:   hb,
			Clock:       clock,
			Events:      em,
		})
		if err != nil {
			return err
		}
		logger.Info("entrance loop starting", "first_slot", cfg.Entrance.FirstSlot, "last_slot", cfg.Entrance.LastSlot, "claim_mode", cfg.Entrance.ClaimMode)
		g.Go(func() error { return loop.Run(gctx) })

	case config.RoleSlot:
		id := types.SlotID(cfg.Slot.ID)
		loop, err := service.NewSlotLoop(service.SlotLoopConfig{
			PollInterval:  cfg.PollInterval(),
			RetryPause:    cfg.RetryPause(),
			PresenceFloor: cfg.Detection.PresenceFloor,
		}, service.SlotLoopDeps{
			Source:     src,
			Classifier: cls,
			Tracker:    service.NewTracker(l, id, service.NewUptime(clock), em),
			Heartbeat:  hb,
			Clock:      clock,
			Events:     em,
		})
		if err != nil {
			return err
		}
		logger.Info("slot loop starting", "slot", id.Key(), "poll", cfg.PollInterval())
		g.Go(func() error { return loop.Run(gctx) })
	}

	if cfg.Stream.Enabled {
		srv := &http.Server{
			Addr:              cfg.Stream.Addr,
			Handler:           camera.NewStreamServer(src, cfg.FrameInterval(), logger).Routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("stream listening", "addr", cfg.Stream.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("stream server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Device) (store.Store, error) {
	if cfg.Store.Backend == "dynamo" {
		st, err := dynamo.Connect(ctx, dynamo.Config{
			Table:      cfg.Store.DynamoTable,
			Region:     cfg.Store.DynamoRegion,
			Endpoint:   cfg.Store.DynamoEndpoint,
			MaxRetries: cfg.Store.MaxRetries,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	st, err := rtdb.New(rtdb.Config{
		BaseURL:    cfg.Store.URL,
		AuthToken:  cfg.Store.AuthToken,
		Timeout:    cfg.StoreTimeout(),
		MaxRetries: cfg.Store.MaxRetries,
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// openCamera wraps the source so the detection loop and stream viewers
// never hold the sensor at the same time.
func openCamera(cfg *config.Device) (camera.Source, error) {
	if cfg.Camera.ReplayDir != "" {
		r, err := camera.NewReplay(cfg.Camera.ReplayDir)
		if err != nil {
			return nil, err
		}
		return camera.NewExclusive(r), nil
	}
	return camera.NewExclusive(camera.NewHTTPSnapshot(cfg.Camera.SnapshotURL, cfg.CameraTimeout())), nil
}
