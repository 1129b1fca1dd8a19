package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/beacon-ops/gwfailover/internal/metrics"
	"github.com/beacon-ops/gwfailover/internal/registry"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 5 * time.Second

// Result is the outcome of one check. It is never cached.
type Result struct {
	Candidate  registry.Candidate `json:"candidate"`
	Healthy    bool               `json:"healthy"`
	StatusCode int                `json:"status_code,omitempty"`
	Err        error              `json:"-"`
	Error      string             `json:"error,omitempty"`
	CheckedAt  time.Time          `json:"checked_at"`
	Latency    time.Duration      `json:"latency"`
}

// Settings configure the HTTP prober.
type Settings struct {
	Username      string
	Password      string
	Timeout       time.Duration
	TLSSkipVerify bool
	UserAgent     string
}

// HTTPProber checks a candidate's status surface with an authenticated GET.
// It is stateless and safe for concurrent use.
type HTTPProber struct {
	client   *http.Client
	settings Settings
	log      *slog.Logger
}

func NewHTTPProber(settings Settings, log *slog.Logger) *HTTPProber {
	if settings.Timeout <= 0 {
		settings.Timeout = DefaultTimeout
	}
	if settings.UserAgent == "" {
		settings.UserAgent = "gwfailover"
	}
	if log == nil {
		log = slog.Default()
	}
	transport := &http.Transport{
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: settings.Timeout,
	}
	if settings.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
	}
	return &HTTPProber{
		client:   &http.Client{Timeout: settings.Timeout, Transport: transport},
		settings: settings,
		log:      log,
	}
}

// Check performs one reachability check. Network failures are reported as
// an unhealthy Result, never as an error.
func (p *HTTPProber) Check(ctx context.Context, c registry.Candidate) Result {
	start := time.Now()
	res := Result{Candidate: c, CheckedAt: start}

	ctx, cancel := context.WithTimeout(ctx, p.settings.Timeout)
	defer cancel()

	code, err := p.do(ctx, c.ProbeURL)
	res.Latency = time.Since(start)
	res.StatusCode = code
	switch {
	case err != nil:
		res.Err = err
	case code/100 == 2:
		res.Healthy = true
	default:
		res.Err = fmt.Errorf("unexpected status code %d", code)
	}
	if res.Err != nil {
		res.Error = res.Err.Error()
	}

	metrics.ObserveProbe(c.Host, res.Healthy, res.Latency.Seconds())
	if !res.Healthy {
		p.log.Debug("probe unhealthy", "candidate", c.Host, "status", code, "error", res.Err)
	}
	return res
}

func (p *HTTPProber) do(ctx context.Context, u string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}
	if p.settings.Username != "" || p.settings.Password != "" {
		req.SetBasicAuth(p.settings.Username, p.settings.Password)
	}
	req.Header.Set("User-Agent", p.settings.UserAgent)
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	// drain a bounded amount so the server sees a clean close
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

// CheckAll probes every candidate concurrently and returns results in
// candidate order. Used by the one-shot CLI, not by the controller loop.
func (p *HTTPProber) CheckAll(ctx context.Context, cs []registry.Candidate) []Result {
	out := make([]Result, len(cs))
	done := make(chan struct{}, len(cs))
	for i, c := range cs {
		go func(i int, c registry.Candidate) {
			out[i] = p.Check(ctx, c)
			done <- struct{}{}
		}(i, c)
	}
	for range cs {
		<-done
	}
	return out
}
