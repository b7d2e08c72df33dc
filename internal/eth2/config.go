package eth2

import "time"

// NetworkConfig carries what is needed to turn wall-clock time into slots.
type NetworkConfig struct {
	Name           string    `json:"name"`
	GenesisTime    time.Time `json:"genesis_time"`
	SecondsPerSlot uint64    `json:"seconds_per_slot"`
	SlotsPerEpoch  uint64    `json:"slots_per_epoch"`
}

// MainnetConfig is the fallback used when a node does not report its configuration.
func MainnetConfig() NetworkConfig {
	return NetworkConfig{
		Name:           "mainnet",
		GenesisTime:    time.Unix(1606824023, 0).UTC(),
		SecondsPerSlot: 12,
		SlotsPerEpoch:  32,
	}
}

// SlotAt returns the slot that is current at t. Times before genesis map to slot 0.
func (c NetworkConfig) SlotAt(t time.Time) uint64 {
	if c.SecondsPerSlot == 0 || !t.After(c.GenesisTime) {
		return 0
	}
	return uint64(t.Sub(c.GenesisTime)/time.Second) / c.SecondsPerSlot
}

// Synced reports whether head is within one epoch of the wall-clock slot at now.
func (c NetworkConfig) Synced(head uint64, now time.Time) bool {
	return head+c.SlotsPerEpoch >= c.SlotAt(now)
}

// withDefaults fills zero fields from mainnet.
func (c NetworkConfig) withDefaults() NetworkConfig {
	m := MainnetConfig()
	if c.Name == "" {
		c.Name = m.Name
	}
	if c.GenesisTime.IsZero() {
		c.GenesisTime = m.GenesisTime
	}
	if c.SecondsPerSlot == 0 {
		c.SecondsPerSlot = m.SecondsPerSlot
	}
	if c.SlotsPerEpoch == 0 {
		c.SlotsPerEpoch = m.SlotsPerEpoch
	}
	return c
}
