package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/beaconvisor/internal/beacon"
	"github.com/loykin/beaconvisor/internal/logger"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "beaconvisor.toml")
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.Equal(t, "beaconvisor.db", cfg.Store.DSN)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Listen)
	assert.Equal(t, "/api", cfg.Server.BasePath)
	assert.True(t, cfg.Metrics.Enabled)
	assert.True(t, cfg.Readiness.Wait)
	assert.Equal(t, beacon.DefaultReadiness(), cfg.Readiness.ReadinessConfig)
	assert.Equal(t, 10*time.Second, cfg.Eth2.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Eth2.WatchRetry)
	assert.Equal(t, logger.LevelInfo, cfg.Log.Slog.Level)
	assert.False(t, cfg.History.Enabled)
	assert.Empty(t, cfg.Nodes)
}

func TestLoadFullFile(t *testing.T) {
	p := writeTOML(t, `
[store]
type = "postgres"
dsn = "postgres://bv:bv@localhost:5432/bv?sslmode=disable"
table_prefix = "bv_"
max_open_conns = 4

[history]
enabled = true
sinks = ["sqlite://:memory:", "nats://127.0.0.1:4222?subject=bv.events"]

[log.slog]
level = "debug"
format = "json"

[log.file]
dir = "/var/log/beaconvisor"
max_size_mb = 50

[server]
listen = ":9090"
base_path = "/v1"

[docker]
network = "eth"
log_tail = "100"
[docker.labels]
team = "infra"

[readiness]
wait = false
attempts = 3
delay = "250ms"
timeout = "5s"

[eth2]
timeout = "3s"
watch_retry = "1s"
[eth2.stream]
initial_backoff = "100ms"
max_backoff = "5s"

[[networks]]
name = "holesky"
image = "sigp/lighthouse:v5.1.0"
rpc_port = 5053

[[nodes]]
url = "http://10.0.0.5:5052"
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Type)
	assert.Equal(t, "bv_", cfg.Store.TablePrefix)
	assert.Equal(t, 4, cfg.Store.MaxOpenConns)
	assert.Len(t, cfg.History.Sinks, 2)
	assert.Equal(t, logger.LevelDebug, cfg.Log.Slog.Level)
	assert.Equal(t, logger.FormatJSON, cfg.Log.Slog.Format)
	assert.Equal(t, "/var/log/beaconvisor", cfg.Log.File.Dir)
	assert.Equal(t, 50, cfg.Log.File.MaxSizeMB)
	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "eth", cfg.Docker.Network)
	assert.Equal(t, map[string]string{"team": "infra"}, cfg.Docker.Labels)
	assert.False(t, cfg.Readiness.Wait)
	assert.Equal(t, uint(3), cfg.Readiness.Attempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Readiness.Delay)
	assert.Equal(t, 5*time.Second, cfg.Readiness.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Readiness.MaxDelay)
	assert.Equal(t, 3*time.Second, cfg.Eth2.Timeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Eth2.Stream.InitialBackoff)
	require.Len(t, cfg.Nodes, 1)
	assert.Equal(t, "http://10.0.0.5:5052", cfg.Nodes[0].URL)

	cat := cfg.Catalog()
	holesky := cat.Lookup("holesky")
	assert.Equal(t, "sigp/lighthouse:v5.1.0", holesky.Image)
	assert.Equal(t, 5053, holesky.RPCPort)
	assert.Equal(t, 9000, holesky.Libp2pPort)
	assert.Equal(t, 5052, cat.Lookup("mainnet").RPCPort)
}

func TestEnvOverridesFile(t *testing.T) {
	p := writeTOML(t, `
[store]
dsn = "from-file.db"
`)
	t.Setenv("BEACONVISOR_STORE_DSN", "from-env.db")
	t.Setenv("BEACONVISOR_SERVER_LISTEN", ":7000")
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "from-env.db", cfg.Store.DSN)
	assert.Equal(t, ":7000", cfg.Server.Listen)
}

func TestEnvFilesFeedOverrides(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("# secrets\nBEACONVISOR_STORE_DSN=from-dotenv.db\nBEACONVISOR_SERVER_BASE_PATH=/dotenv\n"), 0o644))
	p := writeTOML(t, `env_files = ["`+filepath.ToSlash(dotenv)+`"]`)

	t.Setenv("BEACONVISOR_SERVER_BASE_PATH", "/explicit")
	t.Cleanup(func() { _ = os.Unsetenv("BEACONVISOR_STORE_DSN") })
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv.db", cfg.Store.DSN)
	assert.Equal(t, "/explicit", cfg.Server.BasePath)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = Load(writeTOML(t, `env_files = ["/nonexistent/.env"]`))
	assert.Error(t, err)

	_, err = Load(writeTOML(t, "[[networks]]\nimage = \"x\"\n"))
	assert.ErrorContains(t, err, "requires name")

	_, err = Load(writeTOML(t, "[[nodes]]\nurl = \"localhost:5052\"\n"))
	assert.ErrorContains(t, err, "must be http(s)")

	_, err = Load(writeTOML(t, "[history]\nenabled = true\n"))
	assert.ErrorContains(t, err, "no sinks")

	_, err = Load(writeTOML(t, "[server]\nbase_path = \"api\"\n"))
	assert.ErrorContains(t, err, "must start with /")
}

func TestValidateDuplicateNetworks(t *testing.T) {
	cfg := Config{
		Server:   ServerConfig{Listen: ":1"},
		Networks: []beacon.Network{{Name: "a"}, {Name: "a"}},
	}
	assert.ErrorContains(t, cfg.Validate(), "defined twice")
}

func TestExpandsEnvReferences(t *testing.T) {
	t.Setenv("BV_TEST_PGPASS", "s3cret")
	t.Setenv("BV_TEST_NODE", "10.0.0.7")
	p := writeTOML(t, `
[store]
type = "postgres"
dsn = "postgres://bv:${BV_TEST_PGPASS}@db:5432/bv"

[[nodes]]
url = "http://${BV_TEST_NODE}:5052"
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "postgres://bv:s3cret@db:5432/bv", cfg.Store.DSN)
	require.Len(t, cfg.Nodes, 1)
	assert.Equal(t, "http://10.0.0.7:5052", cfg.Nodes[0].URL)
}

func TestServerTLS(t *testing.T) {
	dir := t.TempDir()
	p := writeTOML(t, `
[server.tls]
enabled = true
dir = "`+filepath.ToSlash(dir)+`"
auto_generate = true
min_version = "1.2"
dns_names = ["beacon.local"]
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.True(t, cfg.Server.TLS.Enabled)
	assert.True(t, cfg.Server.TLS.AutoGenerate)
	assert.Equal(t, "1.2", cfg.Server.TLS.MinVersion)
	assert.Equal(t, []string{"beacon.local"}, cfg.Server.TLS.DNSNames)

	_, err = Load(writeTOML(t, "[server.tls]\nenabled = true\ncert_file = \"/x.crt\"\n"))
	assert.ErrorContains(t, err, "server.tls")
}
