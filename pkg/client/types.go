package client

// DockerInfo references the local container serving a node.
type DockerInfo struct {
	ProcessName   string `json:"process_name"`
	Network       string `json:"network"`
	ChainDataDir  string `json:"chain_data_dir"`
	Eth1URL       string `json:"eth1_url"`
	DiscoveryPort int    `json:"discovery_port"`
	Libp2pPort    int    `json:"libp2p_port"`
	RPCPort       int    `json:"rpc_port"`
}

// Node is a tracked beacon node as reported by the daemon.
type Node struct {
	URL    string      `json:"url"`
	Docker *DockerInfo `json:"docker,omitempty"`
	Slot   uint64      `json:"slot"`
	// Status is one of "", "offline", "syncing", "active".
	Status string `json:"status"`
}

// TrackRequest adds a node by URL.
type TrackRequest struct {
	URL    string      `json:"url"`
	Docker *DockerInfo `json:"docker,omitempty"`
}

// StartLocalRequest starts a containerised beacon node. Zero ports take the daemon defaults.
type StartLocalRequest struct {
	Network       string `json:"network"`
	ChainDataDir  string `json:"chain_data_dir"`
	Eth1URL       string `json:"eth1_url,omitempty"`
	DiscoveryPort int    `json:"discovery_port,omitempty"`
	Libp2pPort    int    `json:"libp2p_port,omitempty"`
	RPCPort       int    `json:"rpc_port,omitempty"`
}

// Status summarises the daemon.
type Status struct {
	Nodes         int      `json:"nodes"`
	Watchers      int      `json:"watchers"`
	Containers    []string `json:"containers"`
	PullsInFlight int      `json:"pulls_in_flight"`
	Watching      []string `json:"watching"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

type cancelResponse struct {
	Cancelled int `json:"cancelled"`
}
