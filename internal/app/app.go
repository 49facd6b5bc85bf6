// Package app wires all Parley subsystems into a running application.
//
// The App owns the full lifecycle: New creates and connects all subsystems
// (store, tool dispatcher, session controller, audio bridge, HTTP control
// surface), Run serves until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/health"
	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/internal/store/postgres"
	"github.com/parley-ai/parley/internal/tools"
	"github.com/parley-ai/parley/internal/tools/directory"
	"github.com/parley-ai/parley/internal/tools/placecall"
	"github.com/parley-ai/parley/internal/tools/preference"
	"github.com/parley-ai/parley/pkg/live"
	"github.com/parley-ai/parley/pkg/llm"
)

// Providers holds the externally constructed provider instances. Live must
// be non-nil; Summary is optional (no post-call summarisation without it).
// Populated by main.go via the config registry.
type Providers struct {
	Live    live.Provider
	Summary llm.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	level     *slog.LevelVar

	st      store.Store
	ctrl    *session.Controller
	bridge  *audioBridge
	metrics *observe.Metrics
	checks  *health.Handler
	watcher *config.Watcher

	mux        *http.ServeMux
	httpServer *http.Server

	sessionUp atomic.Bool

	// closers are called in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of creating one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.st = s }
}

// WithMetrics injects a metrics instance instead of the process default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the application logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithLogLevelVar hands the App the level var backing the process logger so
// a config reload can adjust verbosity at runtime.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// New creates an App by wiring all subsystems together. The providers
// struct comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Live == nil {
		return nil, fmt.Errorf("app: a live provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	a.bridge = newAudioBridge(a.log)
	a.initController()
	a.initHealth()
	a.routes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore sets up the PostgreSQL store, or an in-memory one when no DSN
// is configured.
func (a *App) initStore(ctx context.Context) error {
	if a.st != nil {
		return nil // injected
	}

	if dsn := a.cfg.Store.PostgresDSN; dsn != "" {
		st, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.st = st
		a.closers = append(a.closers, st.Close)
		a.log.Info("using postgres store")
		return nil
	}

	a.st = store.NewMemStore()
	a.log.Warn("no postgres_dsn configured, call history will not survive restarts")
	return nil
}

// initController builds the tool dispatcher and the session controller.
func (a *App) initController() {
	ctrlOpts := []session.Option{
		session.WithLogger(a.log),
		session.WithObserver(a.onStateChange),
		session.WithEventHook(a.onLiveEvent),
		session.WithFrameObserver(func() {
			a.metrics.FramesSent.Add(context.Background(), 1)
		}),
	}
	if a.providers.Summary != nil {
		ctrlOpts = append(ctrlOpts, session.WithSummariser(session.NewLLMSummariser(a.providers.Summary)))
	}

	a.ctrl = session.NewController(
		a.providers.Live,
		a.st,
		a.buildDispatcher(a.cfg.Tools),
		a.bridge,
		a.bridge.OpenSource,
		session.Config{
			Model:        a.cfg.Live.Model,
			Voice:        a.cfg.Live.Voice,
			SystemPrompt: a.cfg.Agent.SystemPrompt,
			ContextNote:  a.cfg.Agent.ContextNote,
		},
		ctrlOpts...,
	)
}

// buildDispatcher assembles the built-in tool set from the tools config.
// Called again on hot reload when latencies or the directory change.
func (a *App) buildDispatcher(tc config.ToolsConfig) *tools.Dispatcher {
	started := func(rec store.CallRecord, number string) {
		a.metrics.CallsPlaced.Add(context.Background(), 1)
		a.ctrl.CallStarted(rec, number)
	}

	registered := placecall.Tools(a.st, started, tc.CallConnectDelay.Std())
	registered = append(registered, directory.Tools(tc.Directory, tc.DirectorySearchDelay.Std())...)
	registered = append(registered, preference.Tools(a.st)...)

	return tools.NewDispatcher(registered,
		tools.WithLogger(a.log),
		tools.WithObserver(func(name string, elapsed time.Duration, err error) {
			status := "ok"
			if err != nil {
				status = "error"
			}
			a.metrics.RecordToolCall(context.Background(), name, status, elapsed.Seconds())
		}),
	)
}

// initHealth registers the readiness checkers.
func (a *App) initHealth() {
	var pinger health.Pinger
	if p, ok := a.st.(health.Pinger); ok {
		pinger = p
	}
	a.checks = health.New(
		health.PingChecker("store", pinger),
		health.Checker{Name: "live_provider", Check: func(_ context.Context) error {
			if a.providers.Live == nil {
				return errors.New("no live provider configured")
			}
			return nil
		}},
	)
}

// ─── Metrics hooks ───────────────────────────────────────────────────────────

// onStateChange tracks the active-session gauge across the controller's
// observable states.
func (a *App) onStateChange() {
	st := a.ctrl.State()
	up := st != session.Idle && st != session.Errored
	if a.sessionUp.Swap(up) != up {
		delta := int64(1)
		if !up {
			delta = -1
		}
		a.metrics.ActiveSessions.Add(context.Background(), delta)
	}
}

func (a *App) onLiveEvent(ev live.Event) {
	ctx := context.Background()
	switch ev := ev.(type) {
	case live.AudioDelta:
		a.metrics.ChunksScheduled.Add(ctx, 1)
	case live.Interrupted:
		a.metrics.Interruptions.Add(ctx, 1)
	case live.Closed:
		if ev.Err != nil {
			a.metrics.RecordSessionError(ctx, "transport")
		}
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// WatchConfig starts a file watcher on path and applies safe changes at
// runtime: log level immediately, tool latencies and the business
// directory on the next dispatch, agent prompt on the next session.
func (a *App) WatchConfig(path string) error {
	w, err := config.NewWatcher(path, a.applyConfigChange)
	if err != nil {
		return fmt.Errorf("app: watch config: %w", err)
	}
	a.watcher = w
	return nil
}

func (a *App) applyConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Any() {
		return
	}

	if d.LogLevelChanged {
		a.level.Set(slogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AgentChanged {
		a.ctrl.SetSystemPrompt(new.Agent.SystemPrompt)
		a.ctrl.SetContextNote(new.Agent.ContextNote)
		a.log.Info("agent prompt updated, applies to the next session")
	}
	if d.DirectoryChanged || d.DelaysChanged {
		a.ctrl.SetDispatcher(a.buildDispatcher(new.Tools))
		a.log.Info("tool configuration reloaded",
			"directory_entries", len(new.Tools.Directory))
	}
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run serves the HTTP control surface until ctx is cancelled or the server
// fails. It always returns a non-nil error; on orderly shutdown that error
// is ctx's cause.
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", addr, err)
	}

	a.httpServer = &http.Server{
		Handler:           a.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpServer.ServeTLS(listener, tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpServer.Serve(listener)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("http shutdown", "error", err)
		}
		return gctx.Err()
	})

	a.log.Info("control surface listening", "addr", listener.Addr().String())
	return g.Wait()
}

// Shutdown stops the session and tears down all subsystems in reverse-init
// order. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.ctrl.Stop()
		if a.watcher != nil {
			a.watcher.Stop()
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "error", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// Controller exposes the session controller, mainly for tests.
func (a *App) Controller() *session.Controller {
	return a.ctrl
}

// Handler returns the root HTTP handler, for serving through httptest.
func (a *App) Handler() http.Handler {
	return a.mux
}
