package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/meshroom/internal/config"
)

type rootFlags struct {
	url      string
	logLevel string
	timeout  string
}

func newRootCmd() *cobra.Command {
	var flags rootFlags
	cmd := &cobra.Command{
		Use:   "meshroom-peer",
		Short: "Join a meshroom room and talk to every other member directly",
	}
	cmd.PersistentFlags().StringVar(&flags.url, "url", "", "relay WebSocket URL (overrides signal_url)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (overrides log_level)")
	cmd.PersistentFlags().StringVar(&flags.timeout, "negotiation-timeout", "", "per-link negotiation timeout, e.g. 20s")

	cmd.AddCommand(newJoinCmd(&flags))
	return cmd
}

// loadPeerConfig merges config file, environment and flags.
func loadPeerConfig(flags *rootFlags) (*config.Peer, error) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.LoadPeer()
	if err != nil {
		return nil, err
	}
	if flags.url != "" {
		cfg.SignalURL = flags.url
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.timeout != "" {
		d, err := parseDuration(flags.timeout)
		if err != nil {
			return nil, err
		}
		cfg.NegotiationTimeout = d
	}
	zerolog.SetGlobalLevel(cfg.Level())
	return cfg, nil
}
