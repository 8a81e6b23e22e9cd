package patchgate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/patchgate/internal/audit"
	"github.com/loykin/patchgate/internal/auth"
	cfg "github.com/loykin/patchgate/internal/config"
	"github.com/loykin/patchgate/internal/controller"
	"github.com/loykin/patchgate/internal/executor"
	"github.com/loykin/patchgate/internal/history"
	"github.com/loykin/patchgate/internal/history/factory"
	"github.com/loykin/patchgate/internal/metrics"
	"github.com/loykin/patchgate/internal/patch"
	iapi "github.com/loykin/patchgate/internal/server"
	ptls "github.com/loykin/patchgate/internal/tls"
	"github.com/loykin/patchgate/internal/workcycle"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Patch = patch.Patch

type DiffStats = patch.DiffStats

type Result = controller.Result

type Snapshot = controller.Snapshot

type AppliedPatch = controller.AppliedPatch

type AuditRecord = audit.Record

type HistorySink = history.Sink

type Controller = controller.Controller

// WorkCycle is the planner/scheduler/runner triple driven by the loop.
type WorkCycle = workcycle.Cycle

var (
	ErrConflict          = patch.ErrConflict
	ErrNotFound          = patch.ErrNotFound
	ErrUnsupportedScheme = patch.ErrUnsupportedScheme
	ErrFetch             = patch.ErrFetch
	ErrInvalidID         = patch.ErrInvalidID
)

// EnvAPIToken names the variable holding an operator API token.
const EnvAPIToken = cfg.EnvAPIToken

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Option customises an Agent built by New.
type Option func(*agentOptions)

type agentOptions struct {
	cycle workcycle.Cycle
	sinks []HistorySink
}

// WithWorkCycle replaces the default minimal work cycle.
func WithWorkCycle(c WorkCycle) Option {
	return func(o *agentOptions) { o.cycle = c }
}

// WithHistorySinks mirrors audit records to sinks in addition to the ones
// configured by DSN.
func WithHistorySinks(sinks ...HistorySink) Option {
	return func(o *agentOptions) { o.sinks = append(o.sinks, sinks...) }
}

// Agent is a patch runtime assembled from a Config: audit log, patch store,
// executor and controller.
type Agent struct {
	cfg     *Config
	audit   *audit.Log
	ctrl    *controller.Controller
	auth    *auth.Middleware
	closers []func() error
}

// New opens the state under cfg.Runtime.PatchDir and builds the controller.
// The work loop is not started; call Run.
func New(c *Config, opts ...Option) (*Agent, error) {
	if c == nil {
		return nil, errors.New("patchgate: nil config")
	}
	var ao agentOptions
	for _, opt := range opts {
		opt(&ao)
	}
	mw, err := auth.NewMiddleware(c.Server.Auth)
	if err != nil {
		return nil, fmt.Errorf("server auth: %w", err)
	}
	a := &Agent{cfg: c, auth: mw}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	log, err := audit.Open(c.Runtime.PatchDir)
	if err != nil {
		return nil, err
	}
	a.audit = log
	a.closers = append(a.closers, log.Close)

	sinks, closeSinks, err := factory.OpenAll(c.History.Sinks)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		closeSinks()
		return nil
	})

	store, err := patch.Open(c.Runtime.PatchDir, log)
	if err != nil {
		return nil, err
	}

	var hookOut io.Writer
	if w := c.Executor.OutputLog.Writer(); w != nil {
		hookOut = w
		a.closers = append(a.closers, w.Close)
	}

	sinks = append(sinks, ao.sinks...)
	if len(sinks) > 0 {
		log.SetSinks(sinks...)
	}
	ctrl, err := controller.New(controller.Options{
		Store:        store,
		Audit:        log,
		Executor:     executor.New(c.ExecutorOptions(hookOut)),
		Cycle:        ao.cycle,
		LoopInterval: c.LoopInterval(),
		StartPaused:  c.Runtime.StartPaused,
	})
	if err != nil {
		return nil, err
	}
	a.ctrl = ctrl
	ok = true
	slog.Info("Agent ready", "patch_dir", store.Dir(), "pending", store.Len(), "history_sinks", len(sinks), "auth", mw != nil)
	return a, nil
}

// Controller exposes the runtime for embedding.
func (a *Agent) Controller() *Controller { return a.ctrl }

// AuditPath returns the location of the JSONL audit log.
func (a *Agent) AuditPath() string { return a.audit.Path() }

// Run drives the work loop until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error { return a.ctrl.Run(ctx) }

// Handler returns the boundary API mounted under basePath, guarded by
// [server.auth] when enabled.
func (a *Agent) Handler(basePath string) http.Handler {
	return iapi.NewRouter(a.ctrl, basePath, iapi.WithAuth(a.auth)).Handler()
}

// NewHTTPServer builds the boundary server from the [server] section,
// with TLS when enabled. Start it with Serve.
func (a *Agent) NewHTTPServer() (*http.Server, error) {
	tlsCfg, err := ptls.SetupTLS(a.cfg.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("server tls: %w", err)
	}
	return iapi.NewServer(a.cfg.Server.Listen, a.cfg.Server.BasePath, a.ctrl, tlsCfg, iapi.WithAuth(a.auth)), nil
}

// Close flushes history sinks and releases files. Closing the agent while
// Run is active is a caller error.
func (a *Agent) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server) error { return iapi.Serve(ctx, srv) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }

// ServeMetrics exposes /metrics on addr until ctx is cancelled.
func ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return iapi.Serve(ctx, srv)
}
