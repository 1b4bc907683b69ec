package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ambiware-labs/parley/internal/bridge"
	"github.com/ambiware-labs/parley/internal/bus"
	"github.com/ambiware-labs/parley/internal/config"
	"github.com/ambiware-labs/parley/internal/conversation"
	"github.com/ambiware-labs/parley/internal/engine"
	"github.com/ambiware-labs/parley/internal/gateway"
	"github.com/ambiware-labs/parley/internal/hub"
	"github.com/ambiware-labs/parley/internal/natsserver"
	"github.com/ambiware-labs/parley/internal/snapshot"
)

// Runtime assembles the daemon: telemetry, the optional embedded NATS
// server and bus bridge, the durable snapshot store, the sync engine and
// the HTTP/websocket gateway. Start blocks until the context is
// cancelled, then tears everything down in reverse order.
type Runtime struct {
	cfg          config.Config
	logger       *slog.Logger
	httpServer   *http.Server
	metricServer *http.Server
	tracerClose  func(context.Context) error
	ready        atomic.Bool
	wg           sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	var busClient *bus.Client
	if r.cfg.Bus.Enabled {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded nats: %w", err)
		}
		if embedded != nil {
			defer embedded.Shutdown()
		}

		busClient, err = bus.Connect(ctx, r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		defer busClient.Close()
	}

	store, err := snapshot.Open(ctx, r.cfg.SnapshotStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open snapshot store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			r.logger.Error("snapshot store close error", slog.String("error", err.Error()))
		}
	}()

	eng := engine.New(conversation.NewRegistry(), hub.New(), store, r.logger, engine.Options{
		SendTimeout:    time.Duration(r.cfg.Sync.SendTimeoutMS) * time.Millisecond,
		PersistTimeout: time.Duration(r.cfg.Sync.PersistTimeoutMS) * time.Millisecond,
		LockStripes:    r.cfg.Sync.LockStripes,
		MaxTombstones:  r.cfg.Sync.MaxTombstones,
	})

	var busBridge *bridge.Service
	if busClient != nil {
		busBridge = bridge.NewService(ctx, r.cfg.Bus, busClient, eng, r.logger)
		if err := busBridge.Start(); err != nil {
			return fmt.Errorf("failed to start bus bridge: %w", err)
		}
		defer busBridge.Close()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.makeReadyHandler(busClient, busBridge, store))
	gateway.New(ctx, eng, store, r.logger).Register(mux)

	if metricHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		r.metricServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricHandler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.Bool("bus", busClient != nil))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricServer != nil {
		if err := r.metricServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) makeReadyHandler(busClient *bus.Client, busBridge *bridge.Service, store *snapshot.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		ready := r.ready.Load() && store.Healthy()
		if busClient != nil {
			ready = ready && busClient.Healthy() && busBridge.Healthy()
		}
		if ready {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	}
}
