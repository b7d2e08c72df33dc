package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/beaconvisor/internal/beacon"
	"github.com/loykin/beaconvisor/internal/container/docker"
	"github.com/loykin/beaconvisor/internal/env"
	"github.com/loykin/beaconvisor/internal/eth2"
	"github.com/loykin/beaconvisor/internal/logger"
	"github.com/loykin/beaconvisor/internal/store"
	apitls "github.com/loykin/beaconvisor/internal/tls"
)

// EnvPrefix prefixes environment overrides, e.g. BEACONVISOR_STORE_DSN.
const EnvPrefix = "BEACONVISOR"

// Config represents the top-level TOML structure.
type Config struct {
	// EnvFiles are .env files applied to the process environment before env overrides
	// are resolved. Variables already set win.
	EnvFiles  []string         `toml:"env_files" mapstructure:"env_files"`
	Store     store.Config     `toml:"store" mapstructure:"store"`
	History   HistoryConfig    `toml:"history" mapstructure:"history"`
	Log       logger.Config    `toml:"log" mapstructure:"log"`
	Server    ServerConfig     `toml:"server" mapstructure:"server"`
	Metrics   MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
	Docker    docker.Options   `toml:"docker" mapstructure:"docker"`
	Readiness ReadinessConfig  `toml:"readiness" mapstructure:"readiness"`
	Eth2      Eth2Config       `toml:"eth2" mapstructure:"eth2"`
	Networks  []beacon.Network `toml:"networks" mapstructure:"networks"`
	Nodes     []NodeConfig     `toml:"nodes" mapstructure:"nodes"`
}

// HistoryConfig lists event history sinks by DSN (sqlite, postgres, clickhouse://, nats://).
type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	Sinks   []string `toml:"sinks" mapstructure:"sinks"`
	// Buffer sizes the event queue feeding the sinks.
	Buffer int `toml:"buffer" mapstructure:"buffer"`
}

type ServerConfig struct {
	Listen   string        `toml:"listen" mapstructure:"listen"`
	BasePath string        `toml:"base_path" mapstructure:"base_path"`
	TLS      apitls.Config `toml:"tls" mapstructure:"tls"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
}

type ReadinessConfig struct {
	beacon.ReadinessConfig `mapstructure:",squash"`

	// Wait makes local starts block until the container reports running.
	Wait bool `toml:"wait" mapstructure:"wait"`
}

type Eth2Config struct {
	Timeout time.Duration     `toml:"timeout" mapstructure:"timeout"`
	Stream  eth2.StreamConfig `toml:"stream" mapstructure:"stream"`
	// WatchRetry separates head subscription attempts of one watcher.
	WatchRetry time.Duration `toml:"watch_retry" mapstructure:"watch_retry"`
}

// NodeConfig is a remote node tracked at startup.
type NodeConfig struct {
	URL string `toml:"url" mapstructure:"url"`
}

func setDefaults(v *viper.Viper) {
	r := beacon.DefaultReadiness()
	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.dsn", "beaconvisor.db")
	v.SetDefault("store.table_prefix", "")
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.buffer", 256)
	v.SetDefault("log.slog.level", string(logger.LevelInfo))
	v.SetDefault("log.slog.format", string(logger.FormatText))
	v.SetDefault("log.slog.color", true)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.slog.path", "")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("docker.host", "")
	v.SetDefault("docker.network", "")
	v.SetDefault("docker.log_tail", "")
	v.SetDefault("readiness.wait", true)
	v.SetDefault("readiness.attempts", r.Attempts)
	v.SetDefault("readiness.delay", r.Delay)
	v.SetDefault("readiness.max_delay", r.MaxDelay)
	v.SetDefault("readiness.timeout", r.Timeout)
	v.SetDefault("eth2.timeout", 10*time.Second)
	v.SetDefault("eth2.stream.initial_backoff", 500*time.Millisecond)
	v.SetDefault("eth2.stream.max_backoff", 30*time.Second)
	v.SetDefault("eth2.watch_retry", 2*time.Second)
}

// Load reads the TOML file at path (optional) and applies BEACONVISOR_* environment
// overrides on top of it and the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	for _, f := range v.GetStringSlice("env_files") {
		if err := applyEnvFile(f); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.expand(env.New().FromOS())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path %q must start with /", c.Server.BasePath))
	}
	seen := map[string]bool{}
	for i, n := range c.Networks {
		if n.Name == "" {
			errs = append(errs, fmt.Errorf("networks[%d] requires name", i))
			continue
		}
		if seen[n.Name] {
			errs = append(errs, fmt.Errorf("network %s defined twice", n.Name))
		}
		seen[n.Name] = true
	}
	for i, n := range c.Nodes {
		if !strings.HasPrefix(n.URL, "http://") && !strings.HasPrefix(n.URL, "https://") {
			errs = append(errs, fmt.Errorf("nodes[%d] url %q must be http(s)", i, n.URL))
		}
	}
	if t := c.Server.TLS; t.Enabled && t.Dir == "" && (t.CertFile == "" || t.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires cert_file and key_file or dir"))
	}
	if c.History.Enabled && len(c.History.Sinks) == 0 {
		errs = append(errs, errors.New("history is enabled but no sinks are configured"))
	}
	return errors.Join(errs...)
}

// expand resolves ${VAR} references in the values that commonly carry secrets or hosts.
func (c *Config) expand(e *env.Env) {
	c.Store.DSN = e.Expand(c.Store.DSN)
	e.ExpandAll(c.History.Sinks)
	for i := range c.Nodes {
		c.Nodes[i].URL = e.Expand(c.Nodes[i].URL)
	}
	for i := range c.Networks {
		c.Networks[i].Image = e.Expand(c.Networks[i].Image)
	}
}

// Catalog returns the default network catalogue extended with the configured networks.
func (c *Config) Catalog() *beacon.Catalog {
	cat := beacon.DefaultCatalog()
	for _, n := range c.Networks {
		cat.Add(n)
	}
	return cat
}

// applyEnvFile sets every variable of a .env file that is not already present.
func applyEnvFile(path string) error {
	m, err := loadEnvFile(path)
	if err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	for k, v := range m {
		if _, ok := os.LookupEnv(k); ok {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return err
		}
	}
	return nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
