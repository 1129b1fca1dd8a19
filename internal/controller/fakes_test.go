package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/beacon-ops/gwfailover/internal/probe"
	"github.com/beacon-ops/gwfailover/internal/process"
	"github.com/beacon-ops/gwfailover/internal/registry"
	"github.com/beacon-ops/gwfailover/internal/render"
)

const configPath = "/etc/sync_gateway/config.json"

// journal records collaborator calls in order.
type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.calls = append(j.calls, s)
	j.mu.Unlock()
}

func (j *journal) take() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := j.calls
	j.calls = nil
	return out
}

type fakeProber struct {
	mu      sync.Mutex
	healthy map[string]bool
	probed  []string
}

func newFakeProber(healthy ...string) *fakeProber {
	p := &fakeProber{healthy: map[string]bool{}}
	for _, h := range healthy {
		p.healthy[h] = true
	}
	return p
}

func (p *fakeProber) set(host string, ok bool) {
	p.mu.Lock()
	p.healthy[host] = ok
	p.mu.Unlock()
}

func (p *fakeProber) Check(_ context.Context, c registry.Candidate) probe.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, c.Host)
	ok := p.healthy[c.Host]
	r := probe.Result{Candidate: c, Healthy: ok, CheckedAt: time.Now()}
	if !ok {
		r.Err = errors.New("connection refused")
		r.StatusCode = 0
	} else {
		r.StatusCode = 200
	}
	return r
}

func (p *fakeProber) takeProbed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.probed
	p.probed = nil
	return out
}

type fakeRenderer struct {
	j    *journal
	err  error
	last registry.Candidate
}

func (r *fakeRenderer) Render(c registry.Candidate) (render.Rendered, error) {
	r.j.add("render:" + c.Host)
	if r.err != nil {
		return render.Rendered{}, r.err
	}
	r.last = c
	return render.Rendered{Candidate: c, Path: configPath, RenderedAt: time.Now()}, nil
}

// fakeGateway mimics the supervisor's single-instance rules.
type fakeGateway struct {
	mu       sync.Mutex
	j        *journal
	live     bool
	pid      int
	startErr error
	stopErr  error
	maxLive  int
	instance int
}

func (g *fakeGateway) Start(path string) (process.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.j.add("start:" + path)
	if g.live {
		return g.statusLocked(), nil
	}
	if g.startErr != nil {
		return process.Status{}, g.startErr
	}
	g.live = true
	g.pid++
	g.instance++
	if g.instance > g.maxLive {
		g.maxLive = g.instance
	}
	return g.statusLocked(), nil
}

func (g *fakeGateway) Stop(time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.j.add("stop")
	if g.stopErr != nil {
		return g.stopErr
	}
	if g.live {
		g.live = false
		g.instance--
	}
	return nil
}

// crash simulates the gateway exiting on its own.
func (g *fakeGateway) crash() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.live {
		g.live = false
		g.instance--
	}
}

func (g *fakeGateway) Status() process.Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statusLocked()
}

func (g *fakeGateway) statusLocked() process.Status {
	st := process.Status{Name: "gateway", PID: g.pid, Running: g.live, State: "stopped"}
	if g.live {
		st.State = "running"
	}
	return st
}

func (g *fakeGateway) Live() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.live
}

// manualTicker delivers ticks only when told to.
type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
	once    sync.Once
}

func newManualTicker() *manualTicker {
	return &manualTicker{c: make(chan time.Time), stopped: make(chan struct{})}
}

func (t *manualTicker) Chan() <-chan time.Time { return t.c }
func (t *manualTicker) Stop()                  { t.once.Do(func() { close(t.stopped) }) }

func (t *manualTicker) tick() { t.c <- time.Now() }
