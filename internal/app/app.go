// Package app wires all EchoGraph subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithGraphStore,
// WithWarehouse, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/echograph/internal/cache"
	"github.com/MrWong99/echograph/internal/config"
	"github.com/MrWong99/echograph/internal/extract"
	"github.com/MrWong99/echograph/internal/feedback"
	"github.com/MrWong99/echograph/internal/graph"
	"github.com/MrWong99/echograph/internal/objectstore"
	"github.com/MrWong99/echograph/internal/resilience"
	"github.com/MrWong99/echograph/internal/server"
	"github.com/MrWong99/echograph/internal/session"
	"github.com/MrWong99/echograph/internal/warehouse"
	"github.com/MrWong99/echograph/pkg/provider/llm"
	"github.com/MrWong99/echograph/pkg/provider/stt"
)

// readHeaderTimeout bounds the slow-loris window; WebSocket sessions are
// long-lived, so no overall read/write timeouts are set on the server.
const readHeaderTimeout = 10 * time.Second

// Providers holds the recognizer and extraction model the pipeline runs on.
// Populated by main.go via the config registry, already wrapped in their
// fallback chains.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	cache     *cache.Client
	graphs    *graph.Manager
	objects   objectstore.Store
	warehouse warehouse.Warehouse
	feedback  *feedback.Manager
	router    *session.Router
	server    *server.Server

	httpServer *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithGraphStore injects a graph store instead of connecting to Redis.
func WithGraphStore(s graph.Store) Option {
	return func(a *App) {
		a.graphs, _ = graph.NewManager(graph.ManagerConfig{Store: s})
	}
}

// WithWarehouse injects a warehouse instead of connecting to Postgres.
func WithWarehouse(w warehouse.Warehouse) Option {
	return func(a *App) { a.warehouse = w }
}

// WithObjectStore injects an object store instead of the filesystem one.
func WithObjectStore(s objectstore.Store) Option {
	return func(a *App) { a.objects = s }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.LLM == nil {
		return nil, errors.New("app: stt and llm providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initCache(); err != nil {
		return nil, fmt.Errorf("app: init cache: %w", err)
	}
	if err := a.initStorage(ctx); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initCache connects the Redis client and, when no store was injected, makes
// it the graph store.
func (a *App) initCache() error {
	if a.cfg.Cache.Addr == "" {
		if a.graphs == nil {
			return errors.New("cache.addr is required when no graph store is injected")
		}
		return nil
	}

	ttl, err := a.cfg.Cache.ParsedGraphTTL()
	if err != nil {
		return err
	}
	client, err := cache.New(cache.Config{
		Addr:     a.cfg.Cache.Addr,
		Password: a.cfg.Cache.Password,
		DB:       a.cfg.Cache.DB,
		TTL:      ttl,
	})
	if err != nil {
		return err
	}
	a.cache = client
	a.closers = append(a.closers, client.Close)

	if a.graphs == nil {
		a.graphs, err = graph.NewManager(graph.ManagerConfig{Store: client})
		if err != nil {
			return err
		}
	}
	return nil
}

// initStorage sets up the object store, the warehouse, and the feedback
// manager on top of them. An empty warehouse DSN disables feedback.
func (a *App) initStorage(ctx context.Context) error {
	if a.objects == nil {
		if a.cfg.Storage.Root == "" {
			return errors.New("storage.root is required when no object store is injected")
		}
		fs, err := objectstore.NewFilesystem(a.cfg.Storage.Root)
		if err != nil {
			return err
		}
		a.objects = fs
	}

	if a.warehouse == nil {
		if a.cfg.Warehouse.PostgresDSN == "" {
			slog.Warn("warehouse not configured; feedback storage and analytics disabled")
			return nil
		}
		pg, err := warehouse.NewPostgres(ctx, a.cfg.Warehouse.PostgresDSN)
		if err != nil {
			return err
		}
		a.warehouse = pg
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
	}

	fbCfg := feedback.ManagerConfig{
		Objects:   a.objects,
		Warehouse: a.warehouse,
		LLM:       a.providers.LLM,
	}
	if a.cache != nil {
		fbCfg.Cache = a.cache
	}
	fb, err := feedback.NewManager(fbCfg)
	if err != nil {
		return err
	}
	a.feedback = fb
	return nil
}

// initPipeline builds the extractor, translator, and session router.
func (a *App) initPipeline() error {
	extractor, err := extract.NewExtractor(extract.ExtractorConfig{
		LLM:     a.providers.LLM,
		Breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "extraction"}),
	})
	if err != nil {
		return err
	}

	translator, err := extract.NewTranslator(a.providers.LLM, nil)
	if err != nil {
		return err
	}

	routerCfg := session.RouterConfig{
		STT:        a.providers.STT,
		Extractor:  extractor,
		Graph:      a.graphs,
		Translator: translator,
	}
	if a.feedback != nil {
		routerCfg.Feedback = a.feedback
	}
	a.router, err = session.NewRouter(routerCfg)
	return err
}

// initServer builds the HTTP front and the net/http server around it.
func (a *App) initServer() error {
	srvCfg := server.Config{
		Router:         a.router,
		Graphs:         a.graphs,
		Objects:        a.objects,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
	}
	if a.cache != nil {
		srvCfg.Cache = a.cache
	}
	if a.feedback != nil && a.warehouse != nil {
		srvCfg.Feedback = a.feedback
	}

	srv, err := server.New(srvCfg)
	if err != nil {
		return err
	}
	a.server = srv
	a.httpServer = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Handler exposes the HTTP route table. Used by tests to serve the app
// through httptest instead of a real listener.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Run serves HTTP and runs the cache availability monitor until ctx is
// cancelled, then closes the listener. Shutdown still has to be called for
// the full teardown.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.cache != nil {
		g.Go(func() error {
			a.cache.Monitor(gctx)
			return nil
		})
	}

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	})

	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
