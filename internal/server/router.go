package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/beacon-ops/gwfailover/internal/controller"
	"github.com/beacon-ops/gwfailover/internal/metrics"
	"github.com/beacon-ops/gwfailover/internal/probe"
)

// StatusSource is what the router reads. *controller.Controller satisfies it.
type StatusSource interface {
	Snapshot() controller.Snapshot
}

// Router serves the read-only status API.
// Endpoints:
//
//	GET {basePath}/status   controller snapshot
//	GET {basePath}/healthz  200 when RUNNING, 503 otherwise
//	GET {basePath}/metrics  Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      StatusSource
	gatherer prometheus.Gatherer
	basePath string
}

// NewRouter builds a router. A nil gatherer falls back to the default registry.
func NewRouter(src StatusSource, gatherer prometheus.Gatherer, basePath string) *Router {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Router{src: src, gatherer: gatherer, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/metrics", gin.WrapH(metrics.HandlerFor(r.gatherer)))
	return g
}

// Server is a running status listener.
type Server struct {
	http *http.Server
	ln   net.Listener
	log  *slog.Logger
}

// NewServer binds addr and serves the router in the background. Bind errors
// are returned immediately.
func NewServer(addr, basePath string, src StatusSource, gatherer prometheus.Gatherer, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	r := NewRouter(src, gatherer, basePath)
	s := &Server{
		http: &http.Server{
			Handler:           r.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		ln:  ln,
		log: log,
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("status api stopped", "error", err)
		}
	}()
	log.Info("status api listening", "addr", ln.Addr().String(), "base", r.basePath)
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error { return s.http.Shutdown(ctx) }

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

// GatewayStatus is the gateway part of StatusResponse.
type GatewayStatus struct {
	PID        int       `json:"pid"`
	State      string    `json:"state"`
	Running    bool      `json:"running"`
	StartedAt  time.Time `json:"started_at"`
	ExitReason string    `json:"exit_reason,omitempty"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	State      string        `json:"state"`
	Active     string        `json:"active"`
	ConnString string        `json:"conn_string,omitempty"`
	Generation uint64        `json:"generation"`
	LastProbe  *probe.Result `json:"last_probe,omitempty"`
	ConfigPath string        `json:"config_path,omitempty"`
	RenderedAt time.Time     `json:"rendered_at"`
	Gateway    GatewayStatus `json:"gateway"`
	Since      time.Time     `json:"since"`
}

func newStatusResponse(s controller.Snapshot) StatusResponse {
	resp := StatusResponse{
		State:      s.State.String(),
		Active:     s.Assignment.Current.Host,
		Generation: s.Assignment.Generation,
		LastProbe:  s.LastProbe,
		ConfigPath: s.Rendered.Path,
		RenderedAt: s.Rendered.RenderedAt,
		Gateway: GatewayStatus{
			PID:        s.Gateway.PID,
			State:      s.Gateway.State,
			Running:    s.Gateway.Running,
			StartedAt:  s.Gateway.StartedAt,
			ExitReason: s.Gateway.ExitReason,
		},
		Since: s.Since,
	}
	if resp.Active != "" {
		resp.ConnString = s.Assignment.Current.ConnString()
	}
	if !resp.Gateway.Running {
		resp.Gateway.PID = 0
	}
	return resp
}

func (r *Router) handleStatus(c *gin.Context) {
	if r.src == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "controller not ready"})
		return
	}
	writeJSON(c, http.StatusOK, newStatusResponse(r.src.Snapshot()))
}

func (r *Router) handleHealthz(c *gin.Context) {
	if r.src == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "controller not ready"})
		return
	}
	state := r.src.Snapshot().State
	code := http.StatusOK
	if state != controller.StateRunning {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, gin.H{"state": state.String()})
}
