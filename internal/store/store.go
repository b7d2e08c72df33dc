package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPersistence wraps every backend failure so callers can tell storage errors apart.
	ErrPersistence = errors.New("persistence error")
	ErrNotFound    = errors.New("node not found")
)

// Status is the last known sync state of a tracked node. The zero value means unset.
type Status string

const (
	StatusUnset   Status = ""
	StatusOffline Status = "offline"
	StatusSyncing Status = "syncing"
	StatusActive  Status = "active"
)

func (s Status) Valid() bool {
	switch s {
	case StatusUnset, StatusOffline, StatusSyncing, StatusActive:
		return true
	}
	return false
}

// DockerInfo references the local container that serves a tracked node.
type DockerInfo struct {
	ProcessName   string `json:"process_name"`
	Network       string `json:"network"`
	ChainDataDir  string `json:"chain_data_dir"`
	Eth1URL       string `json:"eth1_url"`
	DiscoveryPort int    `json:"discovery_port"`
	Libp2pPort    int    `json:"libp2p_port"`
	RPCPort       int    `json:"rpc_port"`
}

// TrackedNode is one beacon node under watch, keyed by URL. Docker is nil for remote nodes.
type TrackedNode struct {
	URL    string      `json:"url"`
	Docker *DockerInfo `json:"docker,omitempty"`
	Slot   uint64      `json:"slot"`
	Status Status      `json:"status"`
}

// Clone returns a deep copy.
func (n TrackedNode) Clone() TrackedNode {
	if n.Docker != nil {
		d := *n.Docker
		n.Docker = &d
	}
	return n
}

// Store persists tracked nodes. Implementations must be safe for concurrent use.
type Store interface {
	EnsureSchema(ctx context.Context) error
	// Get returns every tracked node ordered by URL.
	Get(ctx context.Context) ([]TrackedNode, error)
	GetByURL(ctx context.Context, url string) (TrackedNode, error)
	Upsert(ctx context.Context, n TrackedNode) error
	// UpdateHead records the latest slot and status; ErrNotFound when url is not tracked.
	UpdateHead(ctx context.Context, url string, slot uint64, status Status) error
	// Remove deletes url. Removing an unknown url is not an error.
	Remove(ctx context.Context, url string) error
	Close() error
}

// Config selects and tunes a backend.
type Config struct {
	Type string `mapstructure:"type" json:"type"` // "sqlite", "postgres", "memory"
	// DSN is a file path or sqlite:// URL for sqlite and a postgres:// URL for postgres.
	DSN string `mapstructure:"dsn" json:"dsn,omitempty"`

	MaxOpenConns int           `mapstructure:"max_open_conns" json:"max_open_conns,omitempty"`
	MaxIdleConns int           `mapstructure:"max_idle_conns" json:"max_idle_conns,omitempty"`
	ConnMaxAge   time.Duration `mapstructure:"conn_max_age" json:"conn_max_age,omitempty"`
	TablePrefix  string        `mapstructure:"table_prefix" json:"table_prefix,omitempty"`
}
