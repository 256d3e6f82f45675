package peer

import "time"

// Config holds per-session tunables, yaml-tagged so it composes into the
// top-level application config (see config.Config).
type Config struct {
	// MaxInflight bounds outstanding BlockRequests per peer.
	MaxInflight int `yaml:"max_inflight"`
	// HandshakeTimeout bounds how long Handshaking may take before the
	// session is declared Dead.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// KeepaliveInterval is how often a keepalive is sent on an otherwise
	// idle connection.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	// IdleTimeout is the generous inactivity bound beyond which a
	// connection is declared Dead.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// OutboundQueueSize bounds the outbound message channel.
	OutboundQueueSize int `yaml:"outbound_queue_size"`
	// Lenient, when true, zero-pads a short bitfield instead of treating
	// it as a protocol violation (spec.md §9 permits this as an option).
	Lenient bool `yaml:"lenient"`
}

func (c Config) applyDefaults() Config {
	if c.MaxInflight == 0 {
		c.MaxInflight = 8
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 12 * time.Second
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 60 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 4 * c.KeepaliveInterval
	}
	if c.OutboundQueueSize == 0 {
		c.OutboundQueueSize = 64
	}
	return c
}
