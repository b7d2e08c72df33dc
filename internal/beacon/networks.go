package beacon

import (
	"sort"
	"sync"
)

// DefaultImage is the beacon client image used when a network does not name one.
const DefaultImage = "sigp/lighthouse:latest"

// Localhost is the catalogue entry unknown networks fall back to.
const Localhost = "localhost"

// Network holds the per-network defaults used to run a local node.
type Network struct {
	Name          string `mapstructure:"name" json:"name"`
	Image         string `mapstructure:"image" json:"image"`
	DiscoveryPort int    `mapstructure:"discovery_port" json:"discovery_port"`
	Libp2pPort    int    `mapstructure:"libp2p_port" json:"libp2p_port"`
	RPCPort       int    `mapstructure:"rpc_port" json:"rpc_port"`
}

// Catalog is a name-indexed set of networks.
type Catalog struct {
	mu   sync.RWMutex
	nets map[string]Network
}

func defaultNetwork(name string) Network {
	return Network{Name: name, Image: DefaultImage, DiscoveryPort: 9000, Libp2pPort: 9000, RPCPort: 5052}
}

// DefaultCatalog knows mainnet, the public testnets and localhost.
func DefaultCatalog() *Catalog {
	c := &Catalog{nets: make(map[string]Network)}
	for _, n := range []string{"mainnet", "prater", "pyrmont", Localhost} {
		c.nets[n] = defaultNetwork(n)
	}
	return c
}

// Add inserts or replaces a network. Zero fields take the defaults.
func (c *Catalog) Add(n Network) {
	d := defaultNetwork(n.Name)
	if n.Image == "" {
		n.Image = d.Image
	}
	if n.DiscoveryPort == 0 {
		n.DiscoveryPort = d.DiscoveryPort
	}
	if n.Libp2pPort == 0 {
		n.Libp2pPort = d.Libp2pPort
	}
	if n.RPCPort == 0 {
		n.RPCPort = d.RPCPort
	}
	c.mu.Lock()
	c.nets[n.Name] = n
	c.mu.Unlock()
}

// Lookup returns the named network, or the localhost entry when the name is unknown.
func (c *Catalog) Lookup(name string) Network {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n, ok := c.nets[name]; ok {
		return n
	}
	if n, ok := c.nets[Localhost]; ok {
		return n
	}
	return defaultNetwork(Localhost)
}

func (c *Catalog) Names() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.nets))
	for n := range c.nets {
		names = append(names, n)
	}
	c.mu.RUnlock()
	sort.Strings(names)
	return names
}
