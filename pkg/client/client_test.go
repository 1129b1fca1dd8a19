package client

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"state":"RUNNING","active":"cb2:8091","conn_string":"couchbase://cb2","generation":3,` +
			`"last_probe":{"candidate":{"host":"cb2:8091","probe_url":"http://cb2:8091/pools"},"healthy":true,"status_code":200},` +
			`"gateway":{"pid":77,"state":"running","running":true}}`))
	})
	mux.HandleFunc("/api/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"state":"ALL_DOWN"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestStatus(t *testing.T) {
	srv := newTestServer(t)
	c, err := New(Config{BaseURL: srv.URL + "/api/"})
	require.NoError(t, err)

	st, err := c.Status(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", st.State)
	assert.Equal(t, "cb2:8091", st.Active)
	assert.Equal(t, uint64(3), st.Generation)
	require.NotNil(t, st.LastProbe)
	assert.Equal(t, "cb2:8091", st.LastProbe.Candidate.Host)
	assert.Equal(t, 77, st.Gateway.PID)
}

func TestHealthUnavailableIsNotAnError(t *testing.T) {
	srv := newTestServer(t)
	c, err := New(Config{BaseURL: srv.URL + "/api"})
	require.NoError(t, err)

	h, err := c.Health(t.Context())
	require.NoError(t, err)
	assert.False(t, h.Healthy)
	assert.Equal(t, "ALL_DOWN", h.State)
}

func TestStatusNotFound(t *testing.T) {
	srv := newTestServer(t)
	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Status(t.Context())
	assert.ErrorContains(t, err, "HTTP 404")
}

func TestStatusAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()
	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Status(t.Context())
	assert.ErrorContains(t, err, "API error: boom")
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c, err := New(Config{BaseURL: url})
	require.NoError(t, err)
	_, err = c.Status(t.Context())
	assert.Error(t, err)
}

func TestTLSConfig(t *testing.T) {
	_, err := New(Config{TLS: &TLSClientConfig{CACert: filepath.Join(t.TempDir(), "missing.pem")}})
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a cert"), 0o600))
	_, err = New(Config{TLS: &TLSClientConfig{CACert: bad}})
	assert.ErrorContains(t, err, "parse CA certificate")

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"state":"RUNNING"}`))
	}))
	defer srv.Close()
	c, err := New(Config{BaseURL: srv.URL, Insecure: true})
	require.NoError(t, err)
	h, err := c.Health(t.Context())
	require.NoError(t, err)
	assert.True(t, h.Healthy)
}
