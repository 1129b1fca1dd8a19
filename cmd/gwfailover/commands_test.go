package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func hostOf(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Host
}

// writeConfig writes a TOML config pointing the template at dir.
func writeConfig(t *testing.T, clusters ...string) (cfgPath, output string) {
	t.Helper()
	dir := t.TempDir()
	tpl := filepath.Join(dir, "config.json.template")
	require.NoError(t, os.WriteFile(tpl, []byte(`{"databases":{"db":{"server":"${COUCHBASE_SERVER}"}}}`), 0o600))
	output = filepath.Join(dir, "config.json")

	quoted := make([]string, len(clusters))
	for i, c := range clusters {
		quoted[i] = `"` + c + `"`
	}
	data := "clusters = [" + strings.Join(quoted, ", ") + "]\n" +
		"username = \"admin\"\npassword = \"secret\"\n\n" +
		"[template]\npath = \"" + tpl + "\"\noutput = \"" + output + "\"\n\n" +
		"[probe]\ntimeout = \"1s\"\n"
	cfgPath = filepath.Join(dir, "gwfailover.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(data), 0o600))
	return cfgPath, output
}

func TestHelpListsCommands(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	for _, c := range []string{"run", "probe", "render", "status"} {
		assert.Contains(t, out, c)
	}
}

func TestRenderWritesConfig(t *testing.T) {
	t.Setenv("CLUSTERS", "")
	cfgPath, output := writeConfig(t, "cb1.local:8091", "cb2.local:8091")

	out, err := execute(t, "render", "--config", cfgPath, "--cluster", "cb2.local:8091")
	require.NoError(t, err)
	assert.Contains(t, out, "couchbase://cb2.local")

	b, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, `{"databases":{"db":{"server":"couchbase://cb2.local"}}}`, string(b))
}

func TestRenderUnknownCluster(t *testing.T) {
	t.Setenv("CLUSTERS", "")
	cfgPath, _ := writeConfig(t, "cb1.local:8091")
	_, err := execute(t, "render", "--config", cfgPath, "--cluster", "cb9.local:8091")
	assert.ErrorContains(t, err, "not in CLUSTERS")
}

func TestRenderRequiresCluster(t *testing.T) {
	_, err := execute(t, "render")
	assert.Error(t, err)
}

func TestProbeReportsEachCluster(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u, p, _ := r.BasicAuth(); u != "admin" || p != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	t.Setenv("CLUSTERS", "")
	cfgPath, _ := writeConfig(t, hostOf(t, down.URL), hostOf(t, ok.URL))
	out, err := execute(t, "probe", "--config", cfgPath, "--json")
	require.NoError(t, err)

	var rows []probeRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, hostOf(t, down.URL), rows[0].Cluster)
	assert.False(t, rows[0].Healthy)
	assert.Equal(t, http.StatusServiceUnavailable, rows[0].StatusCode)
	assert.True(t, rows[1].Healthy)
}

func TestProbeFailsWhenNoneHealthy(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	t.Setenv("CLUSTERS", "")
	cfgPath, _ := writeConfig(t, hostOf(t, down.URL))
	out, err := execute(t, "probe", "--config", cfgPath)
	assert.ErrorIs(t, err, errNoHealthy)
	assert.Contains(t, out, "CLUSTER")
	assert.Contains(t, out, "false")
}

func TestStatusPrintsSummary(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"state":"RUNNING","active":"cb2:8091","conn_string":"couchbase://cb2","generation":4,` +
			`"gateway":{"pid":99,"state":"running","running":true}}`))
	}))
	defer api.Close()

	out, err := execute(t, "status", "--api-url", api.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "RUNNING")
	assert.Contains(t, out, "cb2:8091")
	assert.Contains(t, out, "pid=99")
	assert.Contains(t, out, "Generation:")

	out, err = execute(t, "status", "--api-url", api.URL, "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"generation": 4`)
}

func TestStatusUnreachable(t *testing.T) {
	api := httptest.NewServer(http.NotFoundHandler())
	addr := api.URL
	api.Close()
	_, err := execute(t, "status", "--api-url", addr)
	assert.Error(t, err)
}

func TestRunFailsWithoutClusters(t *testing.T) {
	t.Setenv("CLUSTERS", "")
	_, err := execute(t, "run")
	assert.ErrorContains(t, err, "CLUSTERS")
}

func TestRunFailsWithoutCredentials(t *testing.T) {
	t.Setenv("CLUSTERS", "cb1:8091")
	t.Setenv("COUCHBASE_USERNAME", "")
	t.Setenv("COUCHBASE_PASSWORD", "")
	_, err := execute(t, "run")
	assert.ErrorContains(t, err, "COUCHBASE_USERNAME")
}
