package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/beaconvisor"
	"github.com/loykin/beaconvisor/pkg/client"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath  string
	APIUrl      string
	APITimeout  time.Duration
	APICACert   string
	APIInsecure bool
}

func (g *GlobalFlags) client() *client.Client {
	return client.New(client.Config{BaseURL: g.APIUrl, Timeout: g.APITimeout, CACert: g.APICACert, Insecure: g.APIInsecure})
}

// StartLocalFlags holds flags for node start-local.
type StartLocalFlags struct {
	Network       string
	ChainDataDir  string
	Eth1URL       string
	DiscoveryPort int
	Libp2pPort    int
	RPCPort       int
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "beaconvisor",
		Short: "Beacon node lifecycle orchestrator and head tracker",
		Long: `Beaconvisor starts containerised Ethereum beacon nodes, tracks remote ones
and follows the head slot of every tracked node.

Examples:
  beaconvisor serve config.toml
  beaconvisor node start-local --network=mainnet --datadir=/data/mainnet
  beaconvisor node add http://10.0.0.5:5052
  beaconvisor node list --api-url=http://remote:8080/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", client.DefaultConfig().BaseURL, "daemon API base URL")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Minute, "daemon request timeout (local starts include image pulls)")
	root.PersistentFlags().StringVar(&flags.APICACert, "api-ca", "", "CA certificate for an HTTPS daemon")
	root.PersistentFlags().BoolVar(&flags.APIInsecure, "api-insecure", false, "skip TLS verification")

	root.AddCommand(
		createServeCommand(flags),
		createNodeCommand(flags),
		createPullCommand(flags),
		createStatusCommand(flags),
	)
	return root
}

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the beaconvisor daemon",
		Long: `Start the daemon: resume persisted nodes, track configured ones and serve the HTTP API.
Without a config file the defaults and BEACONVISOR_* environment variables apply.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runServe(cmd.Context(), path)
		},
	}
}

func runServe(parent context.Context, path string) error {
	cfg, err := beaconvisor.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	d, err := beaconvisor.NewDaemon(cfg)
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}

func createNodeCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Manage tracked beacon nodes on a running daemon",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List tracked nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			nodes, err := flags.client().Nodes(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, nodes)
		},
	}

	get := &cobra.Command{
		Use:   "get <url>",
		Short: "Show one tracked node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := flags.client().Node(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, n)
		},
	}

	add := &cobra.Command{
		Use:   "add <url>",
		Short: "Track a remote beacon node by URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := flags.client().Track(cmd.Context(), client.TrackRequest{URL: args[0]})
			if err != nil {
				return err
			}
			return printJSON(cmd, n)
		},
	}

	remove := &cobra.Command{
		Use:     "remove <url>",
		Aliases: []string{"rm"},
		Short:   "Stop tracking a node",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.client().Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, get, add, remove, createStartLocalCommand(flags))
	return cmd
}

func createStartLocalCommand(flags *GlobalFlags) *cobra.Command {
	sl := &StartLocalFlags{}
	cmd := &cobra.Command{
		Use:   "start-local",
		Short: "Start (or attach to) a local beacon node container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := flags.client().StartLocal(cmd.Context(), client.StartLocalRequest{
				Network:       sl.Network,
				ChainDataDir:  sl.ChainDataDir,
				Eth1URL:       sl.Eth1URL,
				DiscoveryPort: sl.DiscoveryPort,
				Libp2pPort:    sl.Libp2pPort,
				RPCPort:       sl.RPCPort,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, n)
		},
	}
	cmd.Flags().StringVar(&sl.Network, "network", "mainnet", "network name")
	cmd.Flags().StringVar(&sl.ChainDataDir, "datadir", "", "absolute host directory for chain data")
	cmd.Flags().StringVar(&sl.Eth1URL, "eth1", "", "execution endpoint URL")
	cmd.Flags().IntVar(&sl.DiscoveryPort, "discovery-port", 0, "UDP discovery port (network default when 0)")
	cmd.Flags().IntVar(&sl.Libp2pPort, "libp2p-port", 0, "TCP libp2p port (network default when 0)")
	cmd.Flags().IntVar(&sl.RPCPort, "rpc-port", 0, "beacon API port (network default when 0)")
	_ = cmd.MarkFlagRequired("datadir")
	return cmd
}

func createPullCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Image pull controls",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "cancel",
		Short: "Cancel in-flight image pulls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := flags.client().CancelPull(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d pull(s)\n", n)
			return nil
		},
	})
	return cmd
}

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := flags.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	}
}
