package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-guard/internal/bus"
	"github.com/loqalabs/loqa-guard/internal/capture"
	"github.com/loqalabs/loqa-guard/internal/capture/mic"
	"github.com/loqalabs/loqa-guard/internal/config"
	"github.com/loqalabs/loqa-guard/internal/distress"
	"github.com/loqalabs/loqa-guard/internal/eventstore"
	"github.com/loqalabs/loqa-guard/internal/guard"
	"github.com/loqalabs/loqa-guard/internal/natsserver"
	"github.com/loqalabs/loqa-guard/internal/presence"
	"github.com/loqalabs/loqa-guard/internal/protocol"
	"github.com/loqalabs/loqa-guard/internal/stt"
	"golang.org/x/sync/errgroup"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	tracerClose func(context.Context) error
	ready       atomic.Bool

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	guard    *guard.Service
	presence *presence.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every component, serves health and metrics, and blocks
// until ctx is cancelled or a server fails.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.shutdown()

	if err := r.startComponents(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	servers := []*http.Server{{
		Addr:              fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		servers = append(servers, &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			r.logger.Info("http listener started", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("runtime", r.cfg.RuntimeName), slog.String("session_id", r.guard.SessionID()))
	return g.Wait()
}

func (r *Runtime) startComponents(ctx context.Context) error {
	var err error
	if r.cfg.Bus.Enabled {
		r.nats, err = natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return err
		}
		busCfg := r.cfg.Bus
		if url := r.nats.ClientURL(); url != "" {
			busCfg.Servers = []string{url}
		}
		r.bus, err = bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return err
		}
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	recognizer, err := stt.New(r.cfg.STT, r.logger)
	if err != nil {
		return err
	}
	detector := distress.New(distress.NewConfig(
		r.cfg.Distress.Keywords,
		r.cfg.Distress.Phrases,
		r.cfg.Distress.Threshold,
		distress.Matcher(r.cfg.Distress.Matcher),
	))

	sessionID := r.cfg.Capture.BusSession
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	source, err := r.newSource(sessionID)
	if err != nil {
		return err
	}
	session := capture.New(r.cfg.Capture, capture.Options{
		Language: r.cfg.STT.Language,
		Task:     stt.TaskFromConfig(r.cfg.STT.Task),
		Timeout:  time.Duration(r.cfg.STT.TimeoutMS) * time.Millisecond,
	}, source, recognizer, detector, r.logger)

	r.guard, err = guard.NewService(ctx, r.cfg.Guard, sessionID, session, r.bus, r.store, r.logger)
	if err != nil {
		return err
	}
	if err := r.guard.Start(); err != nil {
		return fmt.Errorf("start guard: %w", err)
	}

	if r.bus != nil {
		report := func() protocol.Presence {
			return protocol.Presence{
				Source:     r.cfg.Capture.Source,
				Language:   r.cfg.STT.Language,
				Outputs:    r.guard.Outputs(),
				Alerts:     r.guard.Alerts(),
				NoiseFloor: session.NoiseFloor(),
				Healthy:    r.guard.Healthy(),
			}
		}
		r.presence, err = presence.NewRegistry(ctx, r.cfg.Guard, sessionID, r.bus, report, r.logger)
		if err != nil {
			return fmt.Errorf("start presence: %w", err)
		}
	}
	return nil
}

func (r *Runtime) newSource(sessionID string) (capture.Source, error) {
	c := r.cfg.Capture
	switch c.Source {
	case "mic":
		return mic.New(c.SampleRate, r.logger), nil
	case "wav":
		padding := 2 * time.Duration(c.SilenceMS) * time.Millisecond
		return capture.NewWAVSource(c.WAVPath, c.SampleRate, c.Realtime, padding, r.logger), nil
	case "bus":
		if r.bus == nil {
			return nil, errors.New("capture source bus requires the bus to be enabled")
		}
		return capture.NewBusSource(r.bus.Conn(), sessionID, c.SampleRate, r.logger), nil
	default:
		return nil, fmt.Errorf("unknown capture source %q", c.Source)
	}
}

// shutdown releases components in reverse start order.
func (r *Runtime) shutdown() {
	r.ready.Store(false)
	if r.presence != nil {
		r.presence.Close()
	}
	if r.guard != nil {
		r.guard.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

// Ready reports whether the runtime and all of its components are serving.
func (r *Runtime) Ready(ctx context.Context) bool {
	if !r.ready.Load() {
		return false
	}
	if r.guard != nil && !r.guard.Healthy() {
		return false
	}
	if r.presence != nil && !r.presence.Healthy() {
		return false
	}
	if r.store != nil && r.store.Ping(ctx) != nil {
		return false
	}
	return true
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.Ready(req.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
