package connector

import (
	"time"

	"github.com/chainconn/rpc-connector/pkg/transport"
)

// Config controls a Connector.
type Config struct {
	// ReadyTimeout bounds the wait for a chain's socket to connect before a
	// call fails with StaleRPCError.
	ReadyTimeout time.Duration
	// DrainDelay is how long an unused socket stays open for the next caller.
	DrainDelay time.Duration
	// KeepAliveInterval is the idle ping period. Zero disables pings.
	KeepAliveInterval time.Duration
	KeepAliveMethod   string
	// CacheSize is the number of cacheable responses kept. Zero disables the cache.
	CacheSize int
	CacheTTL  time.Duration
	// Socket is the template for every chain's socket; Endpoints and
	// InitialBackoff are filled in per chain.
	Socket transport.Config
}

// DefaultConfig returns the default connector settings.
func DefaultConfig() Config {
	return Config{
		ReadyTimeout:      30 * time.Second,
		DrainDelay:        5 * time.Second,
		KeepAliveInterval: 30 * time.Second,
		KeepAliveMethod:   "system_health",
		CacheSize:         1024,
		CacheTTL:          10 * time.Minute,
		Socket:            transport.DefaultConfig(nil),
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = def.ReadyTimeout
	}
	if c.DrainDelay < 0 {
		c.DrainDelay = 0
	}
	if c.KeepAliveMethod == "" {
		c.KeepAliveMethod = def.KeepAliveMethod
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = def.CacheTTL
	}
}
