package beacon

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/loykin/beaconvisor/internal/container"
)

// ChainDataMount is where the beacon client keeps its database inside the container.
const ChainDataMount = "/root/.lighthouse"

// LocalNodeOptions are the operator inputs for starting a local node.
type LocalNodeOptions struct {
	Network       string `json:"network"`
	ChainDataDir  string `json:"chain_data_dir"`
	Eth1URL       string `json:"eth1_url"`
	DiscoveryPort int    `json:"discovery_port"`
	Libp2pPort    int    `json:"libp2p_port"`
	RPCPort       int    `json:"rpc_port"`
}

func validPort(p int) bool { return p > 0 && p < 65536 }

func (o LocalNodeOptions) Validate() error {
	if o.Network == "" {
		return errors.New("network is required")
	}
	if o.ChainDataDir == "" {
		return errors.New("chain data dir is required")
	}
	for name, p := range map[string]int{"discovery": o.DiscoveryPort, "libp2p": o.Libp2pPort, "rpc": o.RPCPort} {
		if !validPort(p) {
			return fmt.Errorf("invalid %s port %d", name, p)
		}
	}
	return nil
}

// WithDefaults fills zero ports from the network entry.
func (o LocalNodeOptions) WithDefaults(n Network) LocalNodeOptions {
	if o.DiscoveryPort == 0 {
		o.DiscoveryPort = n.DiscoveryPort
	}
	if o.Libp2pPort == 0 {
		o.Libp2pPort = n.Libp2pPort
	}
	if o.RPCPort == 0 {
		o.RPCPort = n.RPCPort
	}
	return o
}

// Ports lists libp2p then rpc; discovery is appended only when it differs from libp2p.
func (o LocalNodeOptions) Ports() []container.Port {
	p := func(n int) container.Port {
		s := strconv.Itoa(n)
		return container.Port{Local: s, Host: s}
	}
	ports := []container.Port{p(o.Libp2pPort), p(o.RPCPort)}
	if o.DiscoveryPort != o.Libp2pPort {
		ports = append(ports, p(o.DiscoveryPort))
	}
	return ports
}

func (o LocalNodeOptions) Volume() string {
	return o.ChainDataDir + ":" + ChainDataMount
}

// URL is the address the node API is published on.
func (o LocalNodeOptions) URL() string {
	return "http://localhost:" + strconv.Itoa(o.RPCPort)
}

// ContainerName is the stable registry key of the local node for a network.
func ContainerName(network string) string {
	return network + "-beacon-node"
}

// CommandBuilder renders the command line a beacon client container runs.
type CommandBuilder interface {
	Command(o LocalNodeOptions) string
}

// LighthouseCommand builds a lighthouse beacon_node invocation.
type LighthouseCommand struct{}

func (LighthouseCommand) Command(o LocalNodeOptions) string {
	cmd := fmt.Sprintf(
		"lighthouse beacon_node --network %s --port %d --discovery-port %d --http --http-address 0.0.0.0 --http-port %d",
		o.Network, o.Libp2pPort, o.DiscoveryPort, o.RPCPort,
	)
	if o.Eth1URL != "" {
		cmd += " --eth1-endpoints " + o.Eth1URL
	}
	return cmd
}

// LocalSpec assembles the container spec for a local node.
func LocalSpec(o LocalNodeOptions, image string, cb CommandBuilder) container.Spec {
	if cb == nil {
		cb = LighthouseCommand{}
	}
	return container.Spec{
		Name:    ContainerName(o.Network),
		Image:   image,
		Command: cb.Command(o),
		Ports:   o.Ports(),
		Volume:  o.Volume(),
	}
}
