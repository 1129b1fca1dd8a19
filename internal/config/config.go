package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/beacon-ops/gwfailover/internal/logger"
	"github.com/beacon-ops/gwfailover/internal/process"
	"github.com/beacon-ops/gwfailover/internal/registry"
)

// ErrMissing is returned when a required setting has no value.
var ErrMissing = errors.New("missing required configuration")

// EnvPrefix namespaces every setting that has no legacy variable name.
const EnvPrefix = "GWFAILOVER"

// Config is the full orchestrator configuration.
type Config struct {
	Clusters     []string       `mapstructure:"clusters"`
	Username     string         `mapstructure:"username"`
	Password     string         `mapstructure:"password"`
	PollInterval time.Duration  `mapstructure:"poll_interval"`
	InitialDelay time.Duration  `mapstructure:"initial_delay"`
	GraceTimeout time.Duration  `mapstructure:"grace_timeout"`
	Probe        ProbeConfig    `mapstructure:"probe"`
	Template     TemplateConfig `mapstructure:"template"`
	Gateway      GatewayConfig  `mapstructure:"gateway"`
	Log          logger.Config  `mapstructure:"log"`
	History      HistoryConfig  `mapstructure:"history"`
	Server       ServerConfig   `mapstructure:"server"`
}

type ProbeConfig struct {
	Scheme        string        `mapstructure:"scheme"`
	Path          string        `mapstructure:"path"`
	Timeout       time.Duration `mapstructure:"timeout"`
	TLSSkipVerify bool          `mapstructure:"tls_skip_verify"`
	ConnScheme    string        `mapstructure:"conn_scheme"`
}

type TemplateConfig struct {
	Path        string        `mapstructure:"path"`
	Output      string        `mapstructure:"output"`
	Placeholder string        `mapstructure:"placeholder"`
	Watch       bool          `mapstructure:"watch"`
	Debounce    time.Duration `mapstructure:"debounce"`
}

type GatewayConfig struct {
	Name          string            `mapstructure:"name"`
	Command       string            `mapstructure:"command"`
	WorkDir       string            `mapstructure:"workdir"`
	Env           []string          `mapstructure:"env"`
	EnvFiles      []string          `mapstructure:"env_files"`
	PIDFile       string            `mapstructure:"pid_file"`
	StartDuration time.Duration     `mapstructure:"start_duration"`
	CheckInterval time.Duration     `mapstructure:"check_interval"`
	Log           logger.FileConfig `mapstructure:"log"`
}

type HistoryConfig struct {
	DSN     []string      `mapstructure:"dsn"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"` // empty disables the status API
	BasePath string `mapstructure:"base_path"`
}

// legacyEnv maps keys to the variable names the deployment already uses.
var legacyEnv = map[string]string{
	"clusters":      "CLUSTERS",
	"username":      "COUCHBASE_USERNAME",
	"password":      "COUCHBASE_PASSWORD",
	"poll_interval": "POLL_INTERVAL",
	"grace_timeout": "GRACE_TIMEOUT",
}

var durationKeys = []string{
	"poll_interval", "initial_delay", "grace_timeout",
	"probe.timeout", "template.debounce", "gateway.start_duration",
	"gateway.check_interval", "history.timeout",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("clusters", []string{})
	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("poll_interval", "30s")
	v.SetDefault("initial_delay", "3m")
	v.SetDefault("grace_timeout", "10s")

	v.SetDefault("probe.scheme", registry.DefaultProbeScheme)
	v.SetDefault("probe.path", registry.DefaultProbePath)
	v.SetDefault("probe.timeout", "5s")
	v.SetDefault("probe.tls_skip_verify", false)
	v.SetDefault("probe.conn_scheme", registry.DefaultConnScheme)

	v.SetDefault("template.path", "/etc/sync_gateway/config.json.template")
	v.SetDefault("template.output", "/etc/sync_gateway/config.json")
	v.SetDefault("template.placeholder", "${COUCHBASE_SERVER}")
	v.SetDefault("template.watch", true)
	v.SetDefault("template.debounce", "500ms")

	v.SetDefault("gateway.name", "sync_gateway")
	v.SetDefault("gateway.command", "/opt/couchbase-sync-gateway/bin/sync_gateway "+process.ConfigPlaceholder)
	v.SetDefault("gateway.workdir", "")
	v.SetDefault("gateway.env", []string{})
	v.SetDefault("gateway.env_files", []string{})
	v.SetDefault("gateway.pid_file", "")
	v.SetDefault("gateway.start_duration", "0s")
	v.SetDefault("gateway.check_interval", "1s")
	v.SetDefault("gateway.log.dir", "")
	v.SetDefault("gateway.log.stdout", "")
	v.SetDefault("gateway.log.stderr", "")
	v.SetDefault("gateway.log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("gateway.log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("gateway.log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("gateway.log.compress", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.show_time", true)
	v.SetDefault("log.file.path", "")

	v.SetDefault("history.dsn", []string{})
	v.SetDefault("history.timeout", "3s")

	v.SetDefault("server.listen", "")
	v.SetDefault("server.base_path", "")
}

// Load reads defaults, then the optional TOML file at path, then the
// environment. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, name := range legacyEnv {
		if err := v.BindEnv(key, name, EnvPrefix+"_"+strings.ToUpper(key)); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// bare numbers are seconds, matching the legacy POLL_INTERVAL usage
	for _, k := range durationKeys {
		d, err := parseDuration(v.GetString(k))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		v.Set(k, d)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Clusters = splitList(cfg.Clusters)
	cfg.History.DSN = splitList(cfg.History.DSN)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required settings and value ranges.
func (c *Config) Validate() error {
	if len(c.Clusters) == 0 {
		return fmt.Errorf("%w: CLUSTERS", ErrMissing)
	}
	if c.Username == "" || c.Password == "" {
		return fmt.Errorf("%w: COUCHBASE_USERNAME/COUCHBASE_PASSWORD", ErrMissing)
	}
	if strings.TrimSpace(c.Template.Path) == "" {
		return fmt.Errorf("%w: template.path", ErrMissing)
	}
	if strings.TrimSpace(c.Template.Output) == "" {
		return fmt.Errorf("%w: template.output", ErrMissing)
	}
	if strings.TrimSpace(c.Gateway.Command) == "" {
		return fmt.Errorf("%w: gateway.command", ErrMissing)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.GraceTimeout <= 0 {
		return fmt.Errorf("grace_timeout must be positive, got %s", c.GraceTimeout)
	}
	if c.InitialDelay < 0 {
		return fmt.Errorf("initial_delay cannot be negative")
	}
	return nil
}

// RegistryOptions returns how cluster entries are turned into candidates.
func (c *Config) RegistryOptions() registry.Options {
	return registry.Options{
		ProbeScheme: c.Probe.Scheme,
		ProbePath:   c.Probe.Path,
		ConnScheme:  c.Probe.ConnScheme,
	}
}

// GatewaySpec builds the process spec for the gateway.
func (c *Config) GatewaySpec() process.Spec {
	return process.Spec{
		Name:          c.Gateway.Name,
		Command:       c.Gateway.Command,
		WorkDir:       c.Gateway.WorkDir,
		Env:           c.Gateway.Env,
		PIDFile:       c.Gateway.PIDFile,
		StartDuration: c.Gateway.StartDuration,
		Log:           logger.Config{File: c.Gateway.Log},
	}
}

// GatewayEnv returns the configured gateway variables: env_files in order,
// then the inline env list, later entries winning.
func (c *Config) GatewayEnv() ([]string, error) {
	m := make(map[string]string)
	var order []string
	put := func(k, v string) {
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = v
	}
	for _, p := range c.Gateway.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for _, kv := range pairs {
			put(kv[0], kv[1])
		}
	}
	for _, kv := range c.Gateway.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			put(k, v)
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) ([][2]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out [][2]string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok && strings.TrimSpace(k) != "" {
			out = append(out, [2]string{strings.TrimSpace(k), strings.TrimSpace(v)})
		}
	}
	return out, nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// splitList flattens comma separated entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
