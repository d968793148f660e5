package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tunnelfin/go-tunnelfin/lib/config"
	"github.com/tunnelfin/go-tunnelfin/lib/control"
	"github.com/tunnelfin/go-tunnelfin/lib/identity"
	"github.com/tunnelfin/go-tunnelfin/lib/node"
	"github.com/tunnelfin/go-tunnelfin/lib/util/signals"
)

// cli holds the state shared by every subcommand.
type cli struct {
	configFile string
	baseDir    string
	v          *viper.Viper
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"port":           "udp_port",
	"hop-count":      "hop_count",
	"pool-size":      "pool_size",
	"bootstrap":      "bootstrap.peers",
	"relay":          "relay.enabled",
	"exit":           "relay.exit",
	"metrics-listen": "metrics.listen",
	"control-listen": "control.listen",
	"key-file":       "identity.key_file",
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "tunnelfin",
		Short:         "Anonymous overlay node with onion-routed circuits",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.bind(cmd)
		},
	}
	root.PersistentFlags().StringVar(&c.configFile, "config", "", "configuration file (default $HOME/.tunnelfin/config.yaml)")
	root.PersistentFlags().StringVar(&c.baseDir, "base-dir", "", "directory for configuration and keys (default $HOME/.tunnelfin)")
	root.PersistentFlags().String("key-file", "", "identity key file")
	root.PersistentFlags().String("control-listen", "", "control API address")

	root.AddCommand(c.runCommand(), c.keygenCommand(), c.statusCommand(), c.configCommand())
	return root
}

// bind creates the viper instance for this invocation and attaches the
// flags that cmd defines.
func (c *cli) bind(cmd *cobra.Command) error {
	baseDir := c.baseDir
	if baseDir == "" {
		baseDir = config.DefaultBaseDir()
	}
	c.v = config.NewViper(config.DefaultsIn(baseDir))
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := c.v.BindPFlag(key, f); err != nil {
			return oops.Wrapf(err, "bind flag --%s", name)
		}
	}
	return nil
}

func (c *cli) load() (*config.Config, error) {
	return config.LoadViper(c.v, c.configFile)
}

func (c *cli) runCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			n, err := node.New(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			d := signals.New()
			defer d.Stop()
			d.OnInterrupt(func() {
				log.WithFields(logger.Fields{
					"at":    "run",
					"phase": "shutdown",
				}).Info("interrupt received, shutting down")
				cancel()
			})
			d.OnReload(func() {
				log.WithFields(logger.Fields{
					"at":     "run",
					"reason": "reload not supported",
				}).Warn("restart the node to apply configuration changes")
			})
			go d.Handle()

			fmt.Fprintf(cmd.OutOrStdout(), "peer id %s\n", n.Identity().PeerID())
			return n.Run(ctx)
		},
	}
	f := cmd.Flags()
	f.Int("port", 0, "UDP port (0 picks an ephemeral port)")
	f.Int("hop-count", 0, "relays per circuit (1-3)")
	f.Int("pool-size", 0, "circuits kept ready (2-3)")
	f.StringSlice("bootstrap", nil, "bootstrap peers as host:port")
	f.Bool("relay", true, "relay circuits for other nodes")
	f.Bool("exit", false, "act as exit for anonymous channels")
	f.String("metrics-listen", "", "address for the prometheus /metrics endpoint")
	return cmd
}

func (c *cli) keygenCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the node identity key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			ks := identity.NewKeystore(cfg.Identity.KeyFile)
			if _, err := os.Stat(ks.Path()); err == nil && !force {
				return oops.With("key_file", ks.Path()).Errorf("identity key already exists; use --force to replace it")
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return oops.Wrapf(err, "stat %s", ks.Path())
			}
			id, err := identity.Generate(nil)
			if err != nil {
				return err
			}
			if err := ks.Store(id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\npeer id %s\n", ks.Path(), id.PeerID())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing key")
	return cmd
}

func (c *cli) statusCommand() *cobra.Command {
	var peers bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running node over its control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			if cfg.Control.Listen == "" {
				return oops.Errorf("control.listen is not set")
			}
			ctx := cmd.Context()
			cl, err := control.Dial(ctx, cfg.Control.Listen)
			if err != nil {
				return err
			}
			defer cl.Close()

			report := struct {
				Status    control.Status    `json:"status"`
				Circuits  []control.Circuit `json:"circuits"`
				Bandwidth control.Bandwidth `json:"bandwidth"`
				Peers     []control.Peer    `json:"peers,omitempty"`
			}{}
			if report.Status, err = cl.Status(ctx); err != nil {
				return err
			}
			if report.Circuits, err = cl.Circuits(ctx); err != nil {
				return err
			}
			if report.Bandwidth, err = cl.Bandwidth(ctx); err != nil {
				return err
			}
			if peers {
				if report.Peers, err = cl.Peers(ctx); err != nil {
					return err
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().BoolVar(&peers, "peers", false, "include the peer table")
	return cmd
}

func (c *cli) configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}
