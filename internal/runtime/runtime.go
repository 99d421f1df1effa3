package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-signs/internal/bus"
	"github.com/loqalabs/loqa-signs/internal/capability"
	"github.com/loqalabs/loqa-signs/internal/config"
	"github.com/loqalabs/loqa-signs/internal/eventstore"
	"github.com/loqalabs/loqa-signs/internal/landmarks"
	"github.com/loqalabs/loqa-signs/internal/llm"
	"github.com/loqalabs/loqa-signs/internal/natsserver"
	"github.com/loqalabs/loqa-signs/internal/recognition"
	"github.com/loqalabs/loqa-signs/internal/smoother"
)

type healthCheck struct {
	name    string
	healthy func() bool
}

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	mu     sync.RWMutex
	checks []healthCheck
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) addCheck(name string, healthy func() bool) {
	r.mu.Lock()
	r.checks = append(r.checks, healthCheck{name: name, healthy: healthy})
	r.mu.Unlock()
}

// Start wires every component and blocks until ctx is cancelled or an HTTP
// listener fails. Components are torn down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	defer client.Close()
	r.addCheck("bus", client.Healthy)

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()
	if err := store.Ensure(); err != nil {
		return fmt.Errorf("event store: %w", err)
	}

	manifest, labels, err := LoadModel(r.cfg.Model.ManifestPath)
	if err != nil {
		return err
	}
	vectorizer, err := landmarks.NewVectorizer(manifest.Landmarks)
	if err != nil {
		return err
	}
	extractor, err := NewExtractor(r.cfg.Landmarks)
	if err != nil {
		return err
	}

	if r.cfg.LLM.Enabled {
		gen, err := llm.NewGenerator(r.cfg.LLM)
		if err != nil {
			return fmt.Errorf("llm generator: %w", err)
		}
		svc := llm.NewService(ctx, r.cfg.LLM, millis(r.cfg.Sentence.TimeoutMS), client, gen, r.logger)
		if err := svc.Start(); err != nil {
			return err
		}
		defer svc.Close()
		r.addCheck("llm", svc.Healthy)
	}

	generators, err := NewGeneratorFactory(r.cfg, client, r.logger)
	if err != nil {
		return err
	}
	rec := recognition.NewService(ctx, recognition.Options{
		Sessions:     r.cfg.Sessions,
		DefaultMode:  smoother.Mode(r.cfg.Recognizer.DefaultMode),
		Profiles:     Profiles(r.cfg.Recognizer),
		MaxSigns:     r.cfg.Sentence.MaxSigns,
		IdleCooldown: r.cfg.Sentence.IdleCooldown(),
		Loader:       NewModelLoader(r.cfg.Classifier, manifest, labels, r.logger),
		Extractor:    extractor,
		Vectorizer:   vectorizer,
		Generator:    generators,
		Store:        store,
	}, client, r.logger)
	if err := rec.Start(); err != nil {
		return err
	}
	defer rec.Close()
	r.addCheck("recognition", rec.Healthy)

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, capability.Local{
		Capabilities: LocalCapabilities(r.cfg, manifest, labels),
		Sessions:     rec.ActiveSessions,
		MaxSessions:  r.cfg.Sessions.MaxSessions,
	}, client, r.logger)
	if err != nil {
		return err
	}
	defer registry.Close()
	r.addCheck("capabilities", registry.Healthy)

	return r.serve(ctx, metricsHandler)
}

func (r *Runtime) serve(ctx context.Context, metricsHandler http.Handler) error {
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
		g.Go(func() error {
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
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", servers[0].Addr))
	return g.Wait()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	failing := r.failingChecks()
	if r.ready.Load() && len(failing) == 0 {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	msg := "not ready"
	if len(failing) > 0 {
		msg += ": " + strings.Join(failing, ",")
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(msg))
}

func (r *Runtime) failingChecks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var failing []string
	for _, c := range r.checks {
		if !c.healthy() {
			failing = append(failing, c.name)
		}
	}
	return failing
}
