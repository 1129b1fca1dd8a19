package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/beacon-ops/gwfailover/internal/history"
	"github.com/beacon-ops/gwfailover/internal/metrics"
	"github.com/beacon-ops/gwfailover/internal/probe"
	"github.com/beacon-ops/gwfailover/internal/process"
	"github.com/beacon-ops/gwfailover/internal/registry"
	"github.com/beacon-ops/gwfailover/internal/render"
)

// ErrStartup wraps every failure that prevents the first gateway bring-up.
var ErrStartup = errors.New("startup failed")

// Defaults for Config.
const (
	DefaultPollInterval = 30 * time.Second
	DefaultInitialDelay = 3 * time.Minute
	DefaultGraceTimeout = 10 * time.Second
)

// Prober checks one candidate.
type Prober interface {
	Check(ctx context.Context, c registry.Candidate) probe.Result
}

// Renderer publishes the gateway config for a candidate.
type Renderer interface {
	Render(c registry.Candidate) (render.Rendered, error)
}

// Gateway is the supervised gateway process.
type Gateway interface {
	Start(configPath string) (process.Status, error)
	Stop(grace time.Duration) error
	Status() process.Status
	Live() bool
}

// Config holds the loop timings.
type Config struct {
	PollInterval time.Duration
	InitialDelay time.Duration
	GraceTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.GraceTimeout <= 0 {
		c.GraceTimeout = DefaultGraceTimeout
	}
	return c
}

// Snapshot is a consistent read-only view for the status API.
type Snapshot struct {
	State      State
	Assignment Assignment
	LastProbe  *probe.Result
	Rendered   render.Rendered
	Gateway    process.Status
	Since      time.Time
}

// Controller runs the failover state machine. All transitions happen on the
// goroutine that calls Run; other goroutines only read snapshots or request
// a reload.
type Controller struct {
	cfg       Config
	reg       *registry.Registry
	prober    Prober
	renderer  Renderer
	gateway   Gateway
	history   *history.Recorder
	log       *slog.Logger
	newTicker func(time.Duration) Ticker
	reload    chan string

	mu        sync.RWMutex
	state     State
	assign    Assignment
	target    Assignment
	lastProbe *probe.Result
	rendered  render.Rendered
	since     time.Time
}

// Option customizes a Controller.
type Option func(*Controller)

func WithHistory(r *history.Recorder) Option { return func(c *Controller) { c.history = r } }

func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.log = l } }

// WithTicker replaces the poll ticker factory.
func WithTicker(f func(time.Duration) Ticker) Option {
	return func(c *Controller) { c.newTicker = f }
}

func New(reg *registry.Registry, prober Prober, renderer Renderer, gateway Gateway, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:       cfg.withDefaults(),
		reg:       reg,
		prober:    prober,
		renderer:  renderer,
		gateway:   gateway,
		log:       slog.Default(),
		newTicker: NewTimeTicker,
		reload:    make(chan string, 1),
		state:     StateInitializing,
		since:     time.Now(),
	}
	for _, o := range opts {
		o(c)
	}
	metrics.SetControllerState("", c.state.String())
	return c
}

// Run bootstraps the gateway and drives the poll loop until ctx is done.
// It returns an ErrStartup error if the first bring-up fails and nil after
// a clean shutdown. The gateway is stopped on every exit path.
func (c *Controller) Run(ctx context.Context) error {
	defer c.shutdown()

	if err := c.Bootstrap(ctx); err != nil {
		return err
	}

	if d := c.cfg.InitialDelay; d > 0 {
		c.log.Info("waiting before first health check", "delay", d)
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}

	ticker := c.newTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			c.Tick(ctx)
		case reason := <-c.reload:
			c.handleReload(ctx, reason)
		}
	}
}

// Bootstrap makes the first registry candidate active, renders its config
// and starts the gateway. Any failure is returned wrapped in ErrStartup.
func (c *Controller) Bootstrap(ctx context.Context) error {
	first := c.reg.First()
	c.log.Info("bootstrapping gateway", "candidate", first.Host, "candidates", c.reg.Len())

	rendered, err := c.renderer.Render(first)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}
	c.setRendered(rendered, Assignment{Current: first})
	st, err := c.gateway.Start(rendered.Path)
	if err != nil {
		return fmt.Errorf("%w: start gateway: %w", ErrStartup, err)
	}

	c.mu.Lock()
	c.assign = Assignment{Current: first}
	c.mu.Unlock()
	c.setState(StateRunning)
	metrics.SetActive("", first.Host)
	metrics.SetGeneration(0)

	e := history.NewEvent(history.EventBootstrap)
	e.To, e.PID = first.Host, st.PID
	c.history.Record(ctx, e)
	return nil
}

// Tick runs one poll cycle.
func (c *Controller) Tick(ctx context.Context) {
	switch c.State() {
	case StateRunning:
		c.checkActive(ctx)
	case StateAllDown:
		c.failover(ctx, false)
	}
}

// Reload asks the loop to re-render the current candidate and restart the
// gateway. Requests coalesce while one is pending.
func (c *Controller) Reload(reason string) {
	select {
	case c.reload <- reason:
	default:
	}
}

func (c *Controller) checkActive(ctx context.Context) {
	current := c.Assignment().Current
	res := c.probe(ctx, current)
	if ctx.Err() != nil {
		// shutting down; an interrupted probe says nothing about the cluster
		return
	}
	if !res.Healthy {
		c.log.Warn("active cluster unhealthy, failing over",
			"candidate", current.Host, "status", res.StatusCode, "error", res.Err)
		c.failover(ctx, true)
		return
	}
	if c.gateway.Live() {
		return
	}
	c.log.Warn("gateway not running, restarting", "candidate", current.Host)
	pid, err := c.switchTo(current, c.Assignment().Generation)
	if err != nil {
		c.enterAllDown(ctx, err, StateRunning)
		return
	}
	e := history.NewEvent(history.EventRecovered)
	e.From, e.To, e.Generation, e.PID = current.Host, current.Host, c.Assignment().Generation, pid
	e.Detail = "gateway restarted after exit"
	c.history.Record(ctx, e)
}

// failover scans the registry in order. skipCurrent excludes the active
// candidate, which just failed its probe.
func (c *Controller) failover(ctx context.Context, skipCurrent bool) {
	prev := c.setState(StateFailingOver)
	from := c.Assignment().Current

	for _, cand := range c.reg.Candidates() {
		if skipCurrent && cand.Host == from.Host {
			continue
		}
		if ctx.Err() != nil {
			c.setState(prev)
			return
		}
		if !c.probe(ctx, cand).Healthy {
			continue
		}

		if cand.Host == from.Host {
			c.resume(ctx, from, prev)
			return
		}

		gen := c.Assignment().Generation + 1
		pid, err := c.switchTo(cand, gen)
		if err != nil {
			c.enterAllDown(ctx, err, prev)
			return
		}
		c.mu.Lock()
		c.assign = Assignment{Current: cand, Generation: gen}
		c.mu.Unlock()
		c.setState(StateRunning)

		metrics.IncFailover(from.Host, cand.Host)
		metrics.SetActive(from.Host, cand.Host)
		metrics.SetGeneration(gen)
		c.log.Info("failover complete", "from", from.Host, "to", cand.Host, "generation", gen, "pid", pid)

		e := history.NewEvent(history.EventFailover)
		e.From, e.To, e.Generation, e.PID = from.Host, cand.Host, gen, pid
		c.history.Record(ctx, e)
		return
	}

	if ctx.Err() != nil {
		c.setState(prev)
		return
	}
	c.enterAllDown(ctx, nil, prev)
}

// resume handles the previously active candidate passing again after an
// all-down period. A gateway that is still up is left untouched.
func (c *Controller) resume(ctx context.Context, cand registry.Candidate, prev State) {
	detail := "active cluster healthy again"
	pid := 0
	if !c.gateway.Live() {
		var err error
		pid, err = c.switchTo(cand, c.Assignment().Generation)
		if err != nil {
			c.enterAllDown(ctx, err, prev)
			return
		}
		detail = "gateway restarted on active cluster"
	} else {
		pid = c.gateway.Status().PID
	}
	c.setState(StateRunning)
	c.log.Info("recovered", "candidate", cand.Host, "from_state", prev.String(), "detail", detail)
	e := history.NewEvent(history.EventRecovered)
	e.From, e.To, e.Generation, e.PID = cand.Host, cand.Host, c.Assignment().Generation, pid
	e.Detail = detail
	c.history.Record(ctx, e)
}

type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// switchTo runs stop -> render -> start for cand, which will carry
// generation gen once adopted. It is the only place the gateway is
// restarted, and it runs on the loop goroutine only.
func (c *Controller) switchTo(cand registry.Candidate, gen uint64) (int, error) {
	if err := c.gateway.Stop(c.cfg.GraceTimeout); err != nil {
		return 0, &stageError{stage: "stop", err: err}
	}
	rendered, err := c.renderer.Render(cand)
	if err != nil {
		return 0, &stageError{stage: "render", err: err}
	}
	c.setRendered(rendered, Assignment{Current: cand, Generation: gen})
	st, err := c.gateway.Start(rendered.Path)
	if err != nil {
		return 0, &stageError{stage: "start", err: err}
	}
	return st.PID, nil
}

// enterAllDown parks the controller until the next tick. prev is the state
// the cycle started in, so a continuing outage is recorded only once.
func (c *Controller) enterAllDown(ctx context.Context, cause error, prev State) {
	c.setState(StateAllDown)
	e := history.NewEvent(history.EventAllDown)
	e.From, e.Generation = c.Assignment().Current.Host, c.Assignment().Generation

	var se *stageError
	if errors.As(cause, &se) {
		metrics.IncFailedAttempt(se.stage)
		e.Detail = se.Error()
		c.log.Error("failover attempt failed, will retry", "stage", se.stage, "error", se.err)
	} else {
		metrics.IncAllDown()
		e.Detail = "no healthy candidate"
		if prev != StateAllDown {
			c.log.Error("no healthy cluster available, retrying every interval", "interval", c.cfg.PollInterval)
		} else {
			c.log.Warn("still no healthy cluster")
		}
	}
	if prev != StateAllDown || se != nil {
		c.history.Record(ctx, e)
	}
}

func (c *Controller) handleReload(ctx context.Context, reason string) {
	if c.State() != StateRunning {
		c.log.Info("reload deferred, not running", "state", c.State().String(), "reason", reason)
		return
	}
	current := c.Assignment().Current
	c.log.Info("reloading gateway config", "candidate", current.Host, "reason", reason)
	pid, err := c.switchTo(current, c.Assignment().Generation)
	if err != nil {
		c.enterAllDown(ctx, err, StateRunning)
		return
	}
	e := history.NewEvent(history.EventReload)
	e.From, e.To, e.Generation, e.PID = current.Host, current.Host, c.Assignment().Generation, pid
	e.Detail = reason
	c.history.Record(ctx, e)
}

func (c *Controller) shutdown() {
	if err := c.gateway.Stop(c.cfg.GraceTimeout); err != nil {
		c.log.Error("failed to stop gateway on shutdown", "error", err)
	}
	prev := c.setState(StateStopped)
	if prev == StateInitializing {
		return
	}
	c.log.Info("orchestrator stopped")
	e := history.NewEvent(history.EventShutdown)
	e.From, e.Generation = c.Assignment().Current.Host, c.Assignment().Generation
	c.history.Record(context.Background(), e)
}

func (c *Controller) probe(ctx context.Context, cand registry.Candidate) probe.Result {
	res := c.prober.Check(ctx, cand)
	c.mu.Lock()
	c.lastProbe = &res
	c.mu.Unlock()
	return res
}

// setState records a transition and returns the previous state.
func (c *Controller) setState(next State) State {
	c.mu.Lock()
	prev := c.state
	c.state = next
	if prev != next {
		c.since = time.Now()
	}
	c.mu.Unlock()
	if prev != next {
		metrics.SetControllerState(prev.String(), next.String())
		c.log.Debug("controller state", "from", prev.String(), "to", next.String())
	}
	return prev
}

func (c *Controller) setRendered(r render.Rendered, target Assignment) {
	c.mu.Lock()
	c.rendered = r
	c.target = target
	c.mu.Unlock()
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) Assignment() Assignment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.assign
}

// Target is the assignment the gateway was last rendered for. During a
// switch it is ahead of Assignment, so it is what a starting gateway should
// be told about.
func (c *Controller) Target() Assignment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.target
}

// Snapshot returns a copy of the controller's observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	s := Snapshot{
		State:      c.state,
		Assignment: c.assign,
		Rendered:   c.rendered,
		Since:      c.since,
	}
	if c.lastProbe != nil {
		lp := *c.lastProbe
		s.LastProbe = &lp
	}
	c.mu.RUnlock()
	s.Gateway = c.gateway.Status()
	return s
}
