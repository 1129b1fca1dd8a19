// Package gwfailover keeps a Sync Gateway pointed at a healthy Couchbase
// cluster. It wires configuration, health probing, config rendering, process
// supervision, failover history and the status API into one Orchestrator.
package gwfailover

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/beacon-ops/gwfailover/internal/config"
	"github.com/beacon-ops/gwfailover/internal/controller"
	"github.com/beacon-ops/gwfailover/internal/env"
	"github.com/beacon-ops/gwfailover/internal/history"
	"github.com/beacon-ops/gwfailover/internal/history/factory"
	"github.com/beacon-ops/gwfailover/internal/metrics"
	"github.com/beacon-ops/gwfailover/internal/probe"
	"github.com/beacon-ops/gwfailover/internal/process"
	"github.com/beacon-ops/gwfailover/internal/registry"
	"github.com/beacon-ops/gwfailover/internal/render"
	"github.com/beacon-ops/gwfailover/internal/server"
	"github.com/beacon-ops/gwfailover/internal/supervisor"
	"github.com/beacon-ops/gwfailover/internal/watch"
)

// Variables exported to the gateway process on every start.
const (
	EnvActiveCluster = env.KeyActiveCluster
	EnvConnString    = env.KeyConnString
	EnvGeneration    = env.KeyGeneration
)

// Re-export the types callers need to read results.
type (
	Config     = config.Config
	State      = controller.State
	Snapshot   = controller.Snapshot
	Assignment = controller.Assignment
)

var (
	ErrStartup = controller.ErrStartup
	ErrMissing = config.ErrMissing
)

// LoadConfig reads and validates the configuration.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Orchestrator owns every component of a running failover controller.
type Orchestrator struct {
	cfg        *Config
	log        *slog.Logger
	logCloser  io.Closer
	registry   *registry.Registry
	prober     *probe.HTTPProber
	renderer   *render.Renderer
	history    *history.Recorder
	gateway    *supervisor.Supervisor
	ctrl       *controller.Controller
	env        *env.Env
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	closeOnce sync.Once
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger overrides the logger built from cfg.Log.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.log = l } }

// WithMetrics registers metrics with r and serves them from g instead of the
// Prometheus default registry.
func WithMetrics(r prometheus.Registerer, g prometheus.Gatherer) Option {
	return func(o *Orchestrator) { o.registerer, o.gatherer = r, g }
}

// New builds every component from cfg. Nothing is started until Run.
func New(cfg *Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:        cfg,
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		l, closer, err := cfg.Log.New()
		if err != nil {
			return nil, err
		}
		o.log, o.logCloser = l, closer
	}

	reg, err := registry.New(cfg.Clusters, cfg.RegistryOptions())
	if err != nil {
		o.closeLog()
		return nil, err
	}
	o.registry = reg

	o.renderer = NewRenderer(cfg)
	if err := o.renderer.Check(); err != nil {
		o.closeLog()
		return nil, err
	}
	o.prober = NewProber(cfg, o.log)

	gwEnv, err := cfg.GatewayEnv()
	if err != nil {
		o.closeLog()
		return nil, err
	}
	o.env = env.FromList(gwEnv)

	hist, err := factory.NewRecorder(o.log, cfg.History.DSN)
	if err != nil {
		o.closeLog()
		return nil, err
	}
	hist.SetTimeout(cfg.History.Timeout)
	o.history = hist

	if err := metrics.Register(o.registerer); err != nil {
		o.log.Warn("metrics registration failed", "error", err)
	}

	o.gateway = supervisor.New(cfg.GatewaySpec(), cfg.Gateway.CheckInterval,
		supervisor.WithHistory(hist),
		supervisor.WithLogger(o.log.With("component", "supervisor")),
		supervisor.WithEnv(o.gatewayEnv),
	)
	o.ctrl = controller.New(reg, o.prober, o.renderer, o.gateway, controller.Config{
		PollInterval: cfg.PollInterval,
		InitialDelay: cfg.InitialDelay,
		GraceTimeout: cfg.GraceTimeout,
	},
		controller.WithHistory(hist),
		controller.WithLogger(o.log.With("component", "controller")),
	)

	if err := o.registerer.Register(metrics.NewGatewayCollector(o.gateway.PID)); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			o.log.Warn("gateway resource metrics unavailable", "error", err)
		}
	}
	return o, nil
}

// NewProber builds the health prober described by cfg.
func NewProber(cfg *Config, log *slog.Logger) *probe.HTTPProber {
	return probe.NewHTTPProber(probe.Settings{
		Username:      cfg.Username,
		Password:      cfg.Password,
		Timeout:       cfg.Probe.Timeout,
		TLSSkipVerify: cfg.Probe.TLSSkipVerify,
	}, log)
}

// NewRenderer builds the template renderer described by cfg.
func NewRenderer(cfg *Config) *render.Renderer {
	r := render.New(cfg.Template.Path, cfg.Template.Output)
	r.Placeholder = cfg.Template.Placeholder
	return r
}

// gatewayEnv composes the gateway environment for the assignment being
// started.
func (o *Orchestrator) gatewayEnv(process.Spec) []string {
	t := o.ctrl.Target()
	return o.env.
		WithSet(EnvActiveCluster, t.Current.Host).
		WithSet(EnvConnString, t.Current.ConnString()).
		WithSet(EnvGeneration, strconv.FormatUint(t.Generation, 10)).
		Merge(nil)
}

// Run stops any gateway orphaned by an earlier run, starts the status API
// and template watcher, then drives the controller until ctx is cancelled.
// The gateway is stopped and every resource released before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if pid, err := o.gateway.ReapOrphan(o.cfg.GraceTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrStartup, err)
	} else if pid > 0 {
		o.log.Info("stopped orphaned gateway", "pid", pid)
	}

	if addr := o.cfg.Server.Listen; addr != "" {
		srv, err := server.NewServer(addr, o.cfg.Server.BasePath, o.ctrl, o.gatherer, o.log.With("component", "server"))
		if err != nil {
			return fmt.Errorf("status api: %w", err)
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	var wg sync.WaitGroup
	if o.cfg.Template.Watch {
		w, err := watch.New(o.cfg.Template.Path, o.cfg.Template.Debounce, o.log.With("component", "watch"))
		if err != nil {
			o.log.Warn("template watch disabled", "error", err)
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := w.Watch(ctx, func() { o.ctrl.Reload("template changed") }); err != nil {
					o.log.Warn("template watch stopped", "error", err)
				}
			}()
		}
	}

	err := o.ctrl.Run(ctx)
	cancel()
	wg.Wait()
	return err
}

// Reload asks the controller to re-render and restart the gateway.
func (o *Orchestrator) Reload(reason string) { o.ctrl.Reload(reason) }

// Snapshot returns the controller's observable state.
func (o *Orchestrator) Snapshot() Snapshot { return o.ctrl.Snapshot() }

// Candidates returns the configured clusters in failover order.
func (o *Orchestrator) Candidates() []registry.Candidate { return o.registry.Candidates() }

// Logger returns the orchestrator logger.
func (o *Orchestrator) Logger() *slog.Logger { return o.log }

// Close stops the gateway supervisor and releases history sinks and log
// files. It is safe to call more than once.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		if err := o.gateway.Shutdown(o.cfg.GraceTimeout); err != nil {
			o.log.Error("gateway shutdown failed", "error", err)
		}
		if err := o.history.Close(); err != nil {
			o.log.Warn("history close failed", "error", err)
		}
		o.closeLog()
	})
}

func (o *Orchestrator) closeLog() {
	if o.logCloser != nil {
		_ = o.logCloser.Close()
	}
}
