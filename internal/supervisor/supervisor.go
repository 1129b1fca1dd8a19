package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/beacon-ops/gwfailover/internal/detector"
	"github.com/beacon-ops/gwfailover/internal/history"
	"github.com/beacon-ops/gwfailover/internal/metrics"
	"github.com/beacon-ops/gwfailover/internal/process"
)

// ErrShuttingDown is returned for commands sent after Shutdown.
var ErrShuttingDown = errors.New("gateway supervisor shutting down")

// DefaultCheckInterval is how often the supervisor looks for an unexpected exit.
const DefaultCheckInterval = time.Second

// EnvFunc returns the environment for the next gateway start.
type EnvFunc func(spec process.Spec) []string

// Supervisor owns at most one gateway process. Every operation is executed by
// a single state-machine goroutine, so two live instances cannot exist.
//
// State machine:
// Stopped -> Starting -> Running -> Stopping -> Stopped
type Supervisor struct {
	mu         sync.RWMutex
	state      process.State
	base       process.Spec
	proc       *process.Process
	configPath string
	exited     bool // last run ended without a Stop
	history    *history.Recorder
	env        EnvFunc
	log        *slog.Logger

	cmdChan  chan command
	doneChan chan struct{}
	once     sync.Once
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionShutdown
	actionReapOrphan
)

type command struct {
	action     commandAction
	configPath string
	wait       time.Duration
	reply      chan reply
}

type reply struct {
	status process.Status
	err    error
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

func WithHistory(r *history.Recorder) Option { return func(s *Supervisor) { s.history = r } }

func WithEnv(f EnvFunc) Option { return func(s *Supervisor) { s.env = f } }

func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.log = l } }

// New starts the supervisor goroutine. spec.Command may contain {config};
// it is bound to the path passed to Start.
func New(spec process.Spec, checkInterval time.Duration, opts ...Option) *Supervisor {
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	s := &Supervisor{
		state:    process.StateStopped,
		base:     spec,
		cmdChan:  make(chan command, 16),
		doneChan: make(chan struct{}),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.env == nil {
		s.env = func(process.Spec) []string { return nil }
	}
	go s.run(checkInterval)
	return s
}

// Start launches the gateway against configPath. If a gateway is already
// starting or running it is left alone and its status is returned.
func (s *Supervisor) Start(configPath string) (process.Status, error) {
	r, err := s.send(command{action: actionStart, configPath: configPath})
	if err != nil {
		return process.Status{}, err
	}
	return r.status, r.err
}

// Stop terminates the gateway, escalating to kill after grace. It returns
// once the process has been reaped.
func (s *Supervisor) Stop(grace time.Duration) error {
	r, err := s.send(command{action: actionStop, wait: grace})
	if err != nil {
		return err
	}
	return r.err
}

// Shutdown stops the gateway and ends the supervisor goroutine. Later calls
// return nil.
func (s *Supervisor) Shutdown(grace time.Duration) error {
	r, err := s.send(command{action: actionShutdown, wait: grace})
	if errors.Is(err, ErrShuttingDown) {
		return nil
	}
	if err != nil {
		return err
	}
	return r.err
}

// ReapOrphan stops a gateway left behind by an earlier orchestrator, found
// through the configured PID file, so that starting a new one cannot create
// a second live instance. It returns the orphan's pid, or 0 when none was
// running. It must be called before the first Start.
func (s *Supervisor) ReapOrphan(grace time.Duration) (int, error) {
	r, err := s.send(command{action: actionReapOrphan, wait: grace})
	if err != nil {
		return 0, err
	}
	return r.status.PID, r.err
}

func (s *Supervisor) send(c command) (reply, error) {
	c.reply = make(chan reply, 1)
	select {
	case s.cmdChan <- c:
	case <-s.doneChan:
		return reply{}, ErrShuttingDown
	}
	select {
	case r := <-c.reply:
		return r, nil
	case <-s.doneChan:
		// shutdown replies before closing doneChan; drain in case it raced
		select {
		case r := <-c.reply:
			return r, nil
		default:
			return reply{}, ErrShuttingDown
		}
	}
}

// Status returns the current gateway status.
func (s *Supervisor) Status() process.Status {
	s.mu.RLock()
	state := s.state
	proc := s.proc
	cfg := s.configPath
	name := s.base.Name
	s.mu.RUnlock()

	var st process.Status
	if proc != nil {
		st = proc.Snapshot()
		st.Running = state == process.StateRunning && proc.DetectAlive()
	}
	st.Name = name
	st.ConfigPath = cfg
	st.State = state.String()
	if state == process.StateStopped {
		st.Running = false
	}
	return st
}

// Live reports whether a gateway instance is starting, running or stopping.
func (s *Supervisor) Live() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Live()
}

// Exited reports whether the last run ended on its own rather than by Stop.
func (s *Supervisor) Exited() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exited
}

// PID returns the pid of the live gateway, or 0.
func (s *Supervisor) PID() int {
	st := s.Status()
	if !st.Running {
		return 0
	}
	return st.PID
}

func (s *Supervisor) run(interval time.Duration) {
	defer s.once.Do(func() { close(s.doneChan) })

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case c := <-s.cmdChan:
			if s.handle(c) {
				return
			}
		case <-ticker.C:
			s.checkExit()
		}
	}
}

// handle runs one command and reports whether the loop must end.
func (s *Supervisor) handle(c command) bool {
	var r reply
	switch c.action {
	case actionStart:
		r.status, r.err = s.handleStart(c.configPath)
	case actionStop:
		r.err = s.handleStop(c.wait)
	case actionShutdown:
		r.err = s.handleStop(c.wait)
		c.reply <- r
		return true
	case actionReapOrphan:
		r.status.PID, r.err = s.handleReapOrphan(c.wait)
	}
	c.reply <- r
	return false
}

func (s *Supervisor) handleStart(configPath string) (process.Status, error) {
	s.mu.RLock()
	state := s.state
	proc := s.proc
	s.mu.RUnlock()

	switch state {
	case process.StateStarting:
		return s.Status(), nil
	case process.StateRunning:
		if proc != nil && proc.DetectAlive() {
			return s.Status(), nil
		}
		// died between health checks
		s.markExited()
	case process.StateStopping:
		return s.Status(), fmt.Errorf("gateway is stopping")
	}
	return s.doStart(configPath)
}

func (s *Supervisor) doStart(configPath string) (process.Status, error) {
	spec := s.base.WithConfig(configPath)
	if err := spec.Validate(); err != nil {
		return process.Status{}, err
	}

	s.setState(process.StateStarting)
	proc := process.New(spec)
	s.mu.Lock()
	s.proc = proc
	s.configPath = configPath
	s.exited = false
	s.mu.Unlock()

	cmd := proc.ConfigureCmd(s.env(spec))
	if err := proc.TryStart(cmd); err != nil {
		s.setState(process.StateStopped)
		return process.Status{}, fmt.Errorf("failed to start gateway: %w", err)
	}
	if err := proc.PIDFileErr(); err != nil {
		s.log.Warn("cannot write gateway pid file, orphan reaping disabled for this run",
			"pidfile", spec.PIDFile, "error", err)
	}
	if spec.StartDuration > 0 {
		if err := proc.EnforceStartDuration(spec.StartDuration); err != nil {
			process.RemovePIDFile(spec.PIDFile)
			s.setState(process.StateStopped)
			return proc.Snapshot(), fmt.Errorf("gateway %w", err)
		}
	}

	s.setState(process.StateRunning)
	metrics.IncGatewayStart()
	st := s.Status()
	s.log.Info("gateway started", "pid", st.PID, "config", configPath)
	s.record(history.EventGatewayStart, st.PID, configPath)
	return st, nil
}

func (s *Supervisor) handleStop(wait time.Duration) error {
	s.mu.RLock()
	state := s.state
	proc := s.proc
	s.mu.RUnlock()

	if state == process.StateStopped || proc == nil {
		return nil
	}

	s.setState(process.StateStopping)
	pid := proc.Snapshot().PID
	killed, err := proc.Stop(wait)
	if killed {
		metrics.IncGatewayKill()
		s.log.Warn("gateway did not exit within grace period, killed", "pid", pid, "grace", wait)
	}
	if errors.Is(err, process.ErrNotReaped) {
		// keep Stopping: the old instance may still be alive
		return fmt.Errorf("failed to stop gateway pid %d: %w", pid, err)
	}
	s.setState(process.StateStopped)
	metrics.IncGatewayStop()
	s.log.Info("gateway stopped", "pid", pid, "killed", killed)
	s.record(history.EventGatewayStop, pid, "")
	return nil
}

func (s *Supervisor) handleReapOrphan(wait time.Duration) (int, error) {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	if state != process.StateStopped {
		return 0, errors.New("cannot reap orphan while a gateway is managed")
	}
	pidFile := s.base.PIDFile
	o, alive, err := detector.Find(pidFile)
	if err != nil {
		s.log.Warn("ignoring unreadable gateway pid file", "pidfile", pidFile, "error", err)
		process.RemovePIDFile(pidFile)
		return 0, nil
	}
	if !alive {
		if o.PID != 0 {
			s.log.Info("removing gateway pid file with no matching process", "pidfile", pidFile, "pid", o.PID)
		}
		process.RemovePIDFile(pidFile)
		return 0, nil
	}
	s.log.Warn("stopping gateway left by a previous run", "orphan", o.Describe(), "grace", wait)
	killed, err := process.StopPID(o.PID, wait)
	if killed {
		metrics.IncGatewayKill()
	}
	if err != nil {
		return o.PID, fmt.Errorf("failed to stop orphaned gateway pid %d: %w", o.PID, err)
	}
	process.RemovePIDFile(pidFile)
	s.record(history.EventGatewayStop, o.PID, "orphan from previous run")
	return o.PID, nil
}

// checkExit moves a dead Running gateway back to Stopped.
func (s *Supervisor) checkExit() {
	s.mu.RLock()
	state := s.state
	proc := s.proc
	s.mu.RUnlock()

	switch state {
	case process.StateRunning:
		if proc != nil && !proc.DetectAlive() {
			s.markExited()
		}
	case process.StateStopping:
		// a stop that hit ErrNotReaped; settle once the reaper fires
		if proc != nil && !proc.DetectAlive() {
			s.setState(process.StateStopped)
		}
	}
}

func (s *Supervisor) markExited() {
	s.mu.RLock()
	proc := s.proc
	s.mu.RUnlock()
	st := proc.Snapshot()
	process.RemovePIDFile(proc.Spec().PIDFile)
	s.mu.Lock()
	s.exited = true
	s.mu.Unlock()
	s.setState(process.StateStopped)
	s.log.Warn("gateway exited unexpectedly", "pid", st.PID, "reason", st.ExitReason)
	s.record(history.EventGatewayExit, st.PID, st.ExitReason)
}

func (s *Supervisor) setState(next process.State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		metrics.RecordGatewayTransition(prev.String(), next.String())
	}
}

func (s *Supervisor) record(t history.EventType, pid int, detail string) {
	if s.history == nil {
		return
	}
	e := history.NewEvent(t)
	e.PID = pid
	e.Detail = detail
	s.history.Record(context.Background(), e)
}
