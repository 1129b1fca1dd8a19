package gwfailover

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beacon-ops/gwfailover/internal/config"
	"github.com/beacon-ops/gwfailover/internal/history"
	"github.com/beacon-ops/gwfailover/internal/history/sqlite"
	"github.com/beacon-ops/gwfailover/internal/logger"
	"github.com/beacon-ops/gwfailover/internal/process"
)

type fakeCluster struct {
	srv     *httptest.Server
	healthy atomic.Bool
}

func newFakeCluster(t *testing.T) *fakeCluster {
	t.Helper()
	fc := &fakeCluster{}
	fc.healthy.Store(true)
	fc.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u, p, ok := r.BasicAuth(); !ok || u != "admin" || p != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !fc.healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"pools":[]}`))
	}))
	t.Cleanup(fc.srv.Close)
	return fc
}

func (fc *fakeCluster) host() string {
	u, _ := url.Parse(fc.srv.URL)
	return u.Host
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// testConfig builds a config whose gateway is a shell script appending its
// environment to envLog and then sleeping.
func testConfig(t *testing.T, hosts []string) (cfg *Config, envLog string) {
	t.Helper()
	dir := t.TempDir()
	tpl := filepath.Join(dir, "config.json.template")
	require.NoError(t, os.WriteFile(tpl, []byte(`{"server":"${COUCHBASE_SERVER}"}`), 0o600))

	envLog = filepath.Join(dir, "env.log")
	script := filepath.Join(dir, "fake_gateway.sh")
	body := "#!/bin/sh\necho \"$GWFAILOVER_ACTIVE_CLUSTER $GWFAILOVER_GENERATION $GWFAILOVER_CONN_STRING\" >> " + envLog + "\nexec sleep 60\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	cfg = &config.Config{
		Clusters:     hosts,
		Username:     "admin",
		Password:     "secret",
		PollInterval: 50 * time.Millisecond,
		GraceTimeout: 2 * time.Second,
		Probe:        config.ProbeConfig{Scheme: "http", Path: "/pools", Timeout: time.Second, ConnScheme: "couchbase"},
		Template: config.TemplateConfig{
			Path:        tpl,
			Output:      filepath.Join(dir, "config.json"),
			Placeholder: "${COUCHBASE_SERVER}",
		},
		Gateway: config.GatewayConfig{
			Name:          "sync_gateway",
			Command:       script + " " + process.ConfigPlaceholder,
			PIDFile:       filepath.Join(dir, "sync_gateway.pid"),
			CheckInterval: 50 * time.Millisecond,
		},
		Log:     logger.Config{Level: "error"},
		History: config.HistoryConfig{DSN: []string{"sqlite://" + filepath.Join(dir, "history.db")}, Timeout: 2 * time.Second},
	}
	return cfg, envLog
}

func newTestOrchestrator(t *testing.T, cfg *Config) *Orchestrator {
	t.Helper()
	reg := prometheus.NewRegistry()
	o, err := New(cfg, WithLogger(quietLogger()), WithMetrics(reg, reg))
	require.NoError(t, err)
	return o
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	cfg, _ := testConfig(t, nil)
	_, err = New(cfg, WithLogger(quietLogger()))
	assert.ErrorIs(t, err, ErrMissing)

	cfg, _ = testConfig(t, []string{"cb1:8091"})
	require.NoError(t, os.WriteFile(cfg.Template.Path, []byte(`{"server":"fixed"}`), 0o600))
	_, err = New(cfg, WithLogger(quietLogger()))
	assert.Error(t, err, "template without placeholder")
}

func TestOrchestratorFailsOverEndToEnd(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	a, b := newFakeCluster(t), newFakeCluster(t)
	cfg, envLog := testConfig(t, []string{a.host(), b.host()})
	o := newTestOrchestrator(t, cfg)
	assert.Len(t, o.Candidates(), 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool {
		s := o.Snapshot()
		return s.State.String() == "RUNNING" && s.Gateway.Running
	}, 5*time.Second, 20*time.Millisecond)
	first := o.Snapshot()
	assert.Equal(t, a.host(), first.Assignment.Current.Host)

	rendered, err := os.ReadFile(cfg.Template.Output)
	require.NoError(t, err)
	assert.Equal(t, `{"server":"couchbase://127.0.0.1"}`, string(rendered))

	a.healthy.Store(false)
	require.Eventually(t, func() bool {
		s := o.Snapshot()
		return s.Assignment.Current.Host == b.host() && s.State.String() == "RUNNING" && s.Gateway.Running
	}, 5*time.Second, 20*time.Millisecond)
	after := o.Snapshot()
	assert.Equal(t, uint64(1), after.Assignment.Generation)
	assert.NotEqual(t, first.Gateway.PID, after.Gateway.PID)

	// sticky: the original cluster coming back changes nothing
	a.healthy.Store(true)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, b.host(), o.Snapshot().Assignment.Current.Host)
	assert.Equal(t, after.Gateway.PID, o.Snapshot().Gateway.PID)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, o.Snapshot().Gateway.Running)
	_, err = os.Stat(cfg.Gateway.PIDFile)
	assert.True(t, os.IsNotExist(err), "pid file removed on stop")

	envLines, err := os.ReadFile(envLog)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(envLines)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, a.host()+" 0 couchbase://127.0.0.1", lines[0])
	assert.Equal(t, b.host()+" 1 couchbase://127.0.0.1", lines[1])

	sink, err := sqlite.New(cfg.History.DSN[0])
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	for _, typ := range []history.EventType{history.EventBootstrap, history.EventFailover, history.EventShutdown} {
		n, err := sink.Count(context.Background(), typ)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "event %s", typ)
	}
}

func TestOrchestratorStartupFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	a := newFakeCluster(t)
	cfg, _ := testConfig(t, []string{a.host()})
	cfg.Gateway.Command = filepath.Join(t.TempDir(), "missing-binary") + " " + process.ConfigPlaceholder
	o := newTestOrchestrator(t, cfg)

	err := o.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStartup)
}
