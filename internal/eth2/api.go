package eth2

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
)

const (
	PathSyncing = "/eth/v1/node/syncing"
	PathGenesis = "/eth/v1/beacon/genesis"
	PathSpec    = "/eth/v1/config/spec"
	PathVersion = "/eth/v1/node/version"
	PathHealth  = "/eth/v1/node/health"
	PathEvents  = "/eth/v1/events"
)

// ErrNoNetworkConfig is returned when a node answers without any chain configuration.
var ErrNoNetworkConfig = errors.New("node returned no network config")

type SyncStatus struct {
	HeadSlot     uint64 `json:"head_slot,string"`
	SyncDistance uint64 `json:"sync_distance,string"`
	IsSyncing    bool   `json:"is_syncing"`
	IsOptimistic bool   `json:"is_optimistic,omitempty"`
}

type Genesis struct {
	GenesisTime           uint64 `json:"genesis_time,string"`
	GenesisValidatorsRoot string `json:"genesis_validators_root"`
	GenesisForkVersion    string `json:"genesis_fork_version"`
}

// Health is the node readiness reported by the health endpoint.
type Health int

const (
	HealthReady        Health = http.StatusOK
	HealthSyncing      Health = http.StatusPartialContent
	HealthNotAvailable Health = http.StatusServiceUnavailable
)

func (h Health) String() string {
	switch h {
	case HealthReady:
		return "ready"
	case HealthSyncing:
		return "syncing"
	default:
		return "unavailable"
	}
}

type dataEnvelope[T any] struct {
	Data T `json:"data"`
}

func (c *Client) Syncing(ctx context.Context) (SyncStatus, error) {
	var out dataEnvelope[SyncStatus]
	if err := c.Get(ctx, PathSyncing, &out); err != nil {
		return SyncStatus{}, err
	}
	return out.Data, nil
}

func (c *Client) Genesis(ctx context.Context) (Genesis, error) {
	var out dataEnvelope[Genesis]
	if err := c.Get(ctx, PathGenesis, &out); err != nil {
		return Genesis{}, err
	}
	return out.Data, nil
}

// Spec returns the raw chain configuration map. Values are mostly quoted scalars, but
// newer forks add arrays and objects (BLOB_SCHEDULE), so they are kept undecoded.
func (c *Client) Spec(ctx context.Context) (map[string]json.RawMessage, error) {
	var out dataEnvelope[map[string]json.RawMessage]
	if err := c.Get(ctx, PathSpec, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var out dataEnvelope[struct {
		Version string `json:"version"`
	}]
	if err := c.Get(ctx, PathVersion, &out); err != nil {
		return "", err
	}
	return out.Data.Version, nil
}

// Health maps the health endpoint status code. 503 is reported as HealthNotAvailable, not as an error.
func (c *Client) Health(ctx context.Context) (Health, error) {
	code, err := c.doStatus(ctx, http.MethodGet, PathHealth, nil, nil)
	if err != nil {
		var he *HTTPError
		if errors.As(err, &he) && he.StatusCode == http.StatusServiceUnavailable {
			return HealthNotAvailable, nil
		}
		return 0, err
	}
	return Health(code), nil
}

// NetworkConfig reads the chain spec and genesis of the node. Missing fields take
// mainnet values; an empty spec yields ErrNoNetworkConfig.
func (c *Client) NetworkConfig(ctx context.Context) (NetworkConfig, error) {
	spec, err := c.Spec(ctx)
	if err != nil {
		return NetworkConfig{}, err
	}
	if len(spec) == 0 {
		return NetworkConfig{}, ErrNoNetworkConfig
	}
	cfg := NetworkConfig{
		Name:           specValue(spec, "CONFIG_NAME"),
		SecondsPerSlot: parseUint(specValue(spec, "SECONDS_PER_SLOT")),
		SlotsPerEpoch:  parseUint(specValue(spec, "SLOTS_PER_EPOCH")),
	}
	if g, err := c.Genesis(ctx); err == nil && g.GenesisTime > 0 {
		cfg.GenesisTime = time.Unix(int64(g.GenesisTime), 0).UTC()
	} else if err != nil {
		c.logger.Debug("genesis lookup failed", "url", c.baseURL, "error", err)
	}
	return cfg.withDefaults(), nil
}

// specValue returns a scalar spec entry as text: quoted strings are unquoted, bare numbers
// are returned as written, and anything else yields "".
func specValue(spec map[string]json.RawMessage, key string) string {
	raw, ok := spec[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func parseUint(s string) uint64 {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
