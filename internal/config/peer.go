package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Peer configures the mesh client.
type Peer struct {
	SignalURL          string        `mapstructure:"signal_url"`
	ICEServers         []string      `mapstructure:"ice_servers"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	ChannelLabel       string        `mapstructure:"channel_label"`
	LogLevel           string        `mapstructure:"log_level"`
}

// DefaultPeer returns the peer settings used when nothing is configured.
func DefaultPeer() Peer {
	return Peer{
		SignalURL:          "ws://localhost:3001/ws",
		ICEServers:         []string{"stun:stun.l.google.com:19302"},
		NegotiationTimeout: 20 * time.Second,
		MaxRetries:         2,
		RetryDelay:         time.Second,
		ChannelLabel:       "mesh",
		LogLevel:           "info",
	}
}

// LoadPeer reads config/peer.<CONFIG_ENV>.yaml and MESHROOM_PEER_* overrides.
func LoadPeer() (*Peer, error) {
	v := newViper("peer", "MESHROOM_PEER")

	d := DefaultPeer()
	v.SetDefault("signal_url", d.SignalURL)
	v.SetDefault("ice_servers", d.ICEServers)
	v.SetDefault("negotiation_timeout", d.NegotiationTimeout)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("retry_delay", d.RetryDelay)
	v.SetDefault("channel_label", d.ChannelLabel)
	v.SetDefault("log_level", d.LogLevel)

	var cfg Peer
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse peer config: %w", err)
	}
	if cfg.NegotiationTimeout <= 0 {
		return nil, fmt.Errorf("negotiation_timeout must be positive, got %s", cfg.NegotiationTimeout)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must not be negative, got %d", cfg.MaxRetries)
	}
	return &cfg, nil
}

func (p *Peer) Level() zerolog.Level {
	return parseLevel(p.LogLevel)
}
