package factory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoryDSNTypes(t *testing.T) {
	tests := []struct {
		name        string
		dsn         string
		expectError bool
	}{
		{"Empty DSN", "", true},
		{"Invalid scheme", "invalid://test", true},
		{"SQLite file DSN", "sqlite://" + filepath.Join(t.TempDir(), "history.db"), false},
		{"SQLite memory DSN", "sqlite://:memory:", false},
		{"Bare path DSN", filepath.Join(t.TempDir(), "bare.db"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := NewSinkFromDSN(tt.dsn)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, sink)
			_ = sink.Close()
		})
	}
}

func TestClickHouseTarget(t *testing.T) {
	host, table, err := clickHouseTarget("clickhouse://ch:9000?table=events")
	require.NoError(t, err)
	assert.Equal(t, "ch:9000", host)
	assert.Equal(t, "events", table)

	host, table, err = clickHouseTarget("clickhouse://")
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", host)
	assert.Equal(t, "node_history", table)
}

func TestNatsTarget(t *testing.T) {
	server, prefix, err := natsTarget("nats://broker:4222?subject=beacons.history")
	require.NoError(t, err)
	assert.Equal(t, "nats://broker:4222", server)
	assert.Equal(t, "beacons.history", prefix)

	_, _, err = natsTarget("nats://")
	assert.Error(t, err)
}

func TestNewSinksClosesOnError(t *testing.T) {
	_, err := NewSinks([]string{"sqlite://:memory:", "bogus://x"})
	assert.Error(t, err)

	sinks, err := NewSinks([]string{"sqlite://:memory:"})
	require.NoError(t, err)
	require.Len(t, sinks, 1)
	_ = sinks[0].Close()
}
