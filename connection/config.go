package connection

import (
	"time"

	"go.uber.org/zap"
)

// Defaults applied by New for Config fields left at their zero value.
const (
	DefaultPingProtocol         = "/ipfs/ping/1.0.0"
	DefaultPingInterval         = 15 * time.Second
	DefaultPingTimeout          = 10 * time.Second
	DefaultMaxInboundSubstreams = 128
	DefaultMaxProtocolNameLen   = 128
)

// Yamux settings the driver always uses.
const (
	maxOutDataFrameSize = 8192
	maxQueuedPongs      = 4
	maxQueuedResets     = 1024
)

// Config configures an established connection.
type Config struct {
	// RandomnessSeed seeds the deterministic stream used for ping payloads.
	// Must be unpredictable to the remote.
	RandomnessSeed [32]byte

	// SubstreamsCapacity hints at the number of simultaneous substreams.
	SubstreamsCapacity int

	// FirstOutPing is when the first outgoing ping is fired. Subsequent
	// pings follow every PingInterval.
	FirstOutPing time.Time

	// PingProtocol is the name of the keep-alive protocol.
	PingProtocol string

	// PingInterval separates two outgoing pings.
	PingInterval time.Duration

	// PingTimeout is how long the remote has to answer a ping.
	PingTimeout time.Duration

	// MaxInboundSubstreams caps the number of substreams the remote may have
	// open simultaneously. Requests beyond the cap are rejected.
	MaxInboundSubstreams int

	// MaxProtocolNameLen caps the length of protocol names proposed by the
	// remote during negotiation.
	MaxProtocolNameLen int

	// Logger receives Debug-level traces of the connection's lifecycle.
	// Optional.
	Logger *zap.Logger
}

func (cfg *Config) fillDefaults() {
	if cfg.PingProtocol == "" {
		cfg.PingProtocol = DefaultPingProtocol
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.MaxInboundSubstreams == 0 {
		cfg.MaxInboundSubstreams = DefaultMaxInboundSubstreams
	}
	if cfg.MaxProtocolNameLen == 0 {
		cfg.MaxProtocolNameLen = DefaultMaxProtocolNameLen
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}
