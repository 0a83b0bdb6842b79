package pnshare

import "time"

// Tunable policy defaults. All of these are configuration with documented
// defaults; none is load-bearing for correctness.
const (
	// DefaultMaxFramePayload is the largest payload carried in one portal
	// frame. Large enough to amortize per-frame overhead, small enough to
	// bound head-of-line blocking across sessions sharing a channel.
	DefaultMaxFramePayload = 16 * 1024

	// DefaultReorderLimit is the number of out-of-order frames a session will
	// buffer before declaring a protocol violation.
	DefaultReorderLimit = 64

	// DefaultMailboxCapacity is the bounded inbound queue depth per worker.
	// A full mailbox suspends the sender (backpressure), it never drops.
	DefaultMailboxCapacity = 32

	// DefaultHandshakeTimeout bounds the secure channel handshake round trips.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultOpenTimeout bounds an inlet session's wait for the outlet's
	// connection-open acknowledgment.
	DefaultOpenTimeout = 10 * time.Second

	// DefaultGracePeriod is how long draining sessions are given before they
	// are force-closed during delete/shutdown.
	DefaultGracePeriod = 5 * time.Second

	// DefaultKeepAlive is the idle interval between channel-level pings.
	DefaultKeepAlive = 25 * time.Second
)

// NodeConfig configures a portal node.
type NodeConfig struct {
	// Name is a short human-readable node name used for log prefixes.
	Name string

	// ListenAddr is the host:port for the raw TCP link listener. Empty
	// disables it.
	ListenAddr string

	// WSListenAddr is the host:port for the WebSocket link listener. Empty
	// disables it.
	WSListenAddr string

	// IdentitySeed optionally makes the node's identity keypair deterministic,
	// for stable fingerprints across restarts. Empty means a random identity.
	IdentitySeed string

	// AuthorizedPeersFile is a file of allowed peer fingerprints, one per
	// line, hot-reloaded when it changes. Empty allows any authenticated peer.
	AuthorizedPeersFile string

	// Debug enables debug-level logging.
	Debug bool

	// MaxFramePayload overrides DefaultMaxFramePayload when > 0.
	MaxFramePayload int

	// ReorderLimit overrides DefaultReorderLimit when > 0.
	ReorderLimit int

	// MailboxCapacity overrides DefaultMailboxCapacity when > 0.
	MailboxCapacity int

	// HandshakeTimeout overrides DefaultHandshakeTimeout when > 0.
	HandshakeTimeout time.Duration

	// OpenTimeout overrides DefaultOpenTimeout when > 0.
	OpenTimeout time.Duration

	// GracePeriod overrides DefaultGracePeriod when > 0.
	GracePeriod time.Duration

	// KeepAlive overrides DefaultKeepAlive when > 0. Negative disables
	// keepalive pings.
	KeepAlive time.Duration
}

func (c *NodeConfig) maxFramePayload() int {
	if c.MaxFramePayload > 0 {
		return c.MaxFramePayload
	}
	return DefaultMaxFramePayload
}

func (c *NodeConfig) reorderLimit() int {
	if c.ReorderLimit > 0 {
		return c.ReorderLimit
	}
	return DefaultReorderLimit
}

func (c *NodeConfig) mailboxCapacity() int {
	if c.MailboxCapacity > 0 {
		return c.MailboxCapacity
	}
	return DefaultMailboxCapacity
}

func (c *NodeConfig) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

func (c *NodeConfig) openTimeout() time.Duration {
	if c.OpenTimeout > 0 {
		return c.OpenTimeout
	}
	return DefaultOpenTimeout
}

func (c *NodeConfig) gracePeriod() time.Duration {
	if c.GracePeriod > 0 {
		return c.GracePeriod
	}
	return DefaultGracePeriod
}

func (c *NodeConfig) keepAlive() time.Duration {
	if c.KeepAlive > 0 {
		return c.KeepAlive
	}
	if c.KeepAlive < 0 {
		return 0
	}
	return DefaultKeepAlive
}

func (c *NodeConfig) logLevel() LogLevel {
	if c.Debug {
		return LogLevelDebug
	}
	return LogLevelInfo
}
