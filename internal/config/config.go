package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/chainconn/rpc-connector/internal/logging"
	"github.com/chainconn/rpc-connector/pkg/connector"
	"github.com/chainconn/rpc-connector/pkg/directory"
	"github.com/chainconn/rpc-connector/pkg/metastore"
	"github.com/chainconn/rpc-connector/pkg/transport"
)

// EnvPrefix prefixes environment overrides, e.g. CHAINCONN_SERVER_PORT.
const EnvPrefix = "CHAINCONN"

// Config holds all configuration for chainconn
type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	Connector  ConnectorConfig   `mapstructure:"connector"`
	Socket     SocketConfig      `mapstructure:"socket"`
	Store      metastore.Config  `mapstructure:"store"`
	Logging    logging.Config    `mapstructure:"logging"`
	Monitoring MonitoringConfig  `mapstructure:"monitoring"`
	Chains     []directory.Chain `mapstructure:"chains"`
}

// ServerConfig contains server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// ConnectorConfig contains socket sharing configuration
type ConnectorConfig struct {
	ReadyTimeout      time.Duration `mapstructure:"ready_timeout"`
	DrainDelay        time.Duration `mapstructure:"drain_delay"`
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval"`
	KeepAliveMethod   string        `mapstructure:"keepalive_method"`
	CacheSize         int           `mapstructure:"cache_size"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
}

// SocketConfig contains per-chain socket configuration
type SocketConfig struct {
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	MinBackoff         time.Duration `mapstructure:"min_backoff"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff"`
	NoReplayNamespaces []string      `mapstructure:"no_replay_namespaces"`
}

// MonitoringConfig contains metrics configuration
type MonitoringConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	LatencyWindow int  `mapstructure:"latency_window"`
}

// Load reads configuration from configFile, or from configs/config.yaml or
// ./config.yaml when configFile is empty, then applies environment
// overrides. A missing default file is not an error.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "90s")
	v.SetDefault("server.idle_timeout", "120s")

	// Connector defaults
	v.SetDefault("connector.ready_timeout", "30s")
	v.SetDefault("connector.drain_delay", "5s")
	v.SetDefault("connector.keepalive_interval", "30s")
	v.SetDefault("connector.keepalive_method", "system_health")
	v.SetDefault("connector.cache_size", 1024)
	v.SetDefault("connector.cache_ttl", "10m")

	// Socket defaults
	v.SetDefault("socket.request_timeout", "60s")
	v.SetDefault("socket.sweep_interval", "5s")
	v.SetDefault("socket.dial_timeout", "10s")
	v.SetDefault("socket.min_backoff", "2s")
	v.SetDefault("socket.max_backoff", "120s")
	v.SetDefault("socket.no_replay_namespaces", []string{"author"})

	// Store defaults
	v.SetDefault("store.type", metastore.TypeMemory)
	v.SetDefault("store.path", "./data/metastore")
	v.SetDefault("store.redis_url", "redis://localhost:6379/0")
	v.SetDefault("store.key_prefix", "chainconn:")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.compress", true)

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.latency_window", 1000)
}

// Validate rejects configurations the connector cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	for _, d := range []struct {
		key   string
		value time.Duration
	}{
		{"connector.ready_timeout", c.Connector.ReadyTimeout},
		{"socket.request_timeout", c.Socket.RequestTimeout},
		{"socket.sweep_interval", c.Socket.SweepInterval},
		{"socket.dial_timeout", c.Socket.DialTimeout},
		{"socket.max_backoff", c.Socket.MaxBackoff},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.key))
		}
	}
	if c.Socket.MinBackoff < 0 || c.Socket.MinBackoff > c.Socket.MaxBackoff {
		errs = append(errs, fmt.Errorf("socket.min_backoff %s must be within [0, max_backoff %s]", c.Socket.MinBackoff, c.Socket.MaxBackoff))
	}

	seen := make(map[string]bool, len(c.Chains))
	for i, chain := range c.Chains {
		if chain.ID == "" {
			errs = append(errs, fmt.Errorf("chains[%d]: empty id", i))
			continue
		}
		if seen[chain.ID] {
			errs = append(errs, fmt.Errorf("chains[%d]: duplicate id %q", i, chain.ID))
		}
		seen[chain.ID] = true
		if len(chain.Endpoints) == 0 {
			errs = append(errs, fmt.Errorf("chain %s: no endpoints", chain.ID))
		}
		for _, ep := range chain.Endpoints {
			u, err := url.Parse(ep.URL)
			if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
				errs = append(errs, fmt.Errorf("chain %s: endpoint %q is not a ws:// or wss:// url", chain.ID, ep.URL))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ConnectorSettings maps the connector and socket sections to connector.Config.
func (c *Config) ConnectorSettings() connector.Config {
	socket := transport.DefaultConfig(nil)
	socket.RequestTimeout = c.Socket.RequestTimeout
	socket.SweepInterval = c.Socket.SweepInterval
	socket.DialTimeout = c.Socket.DialTimeout
	socket.MinBackoff = c.Socket.MinBackoff
	socket.MaxBackoff = c.Socket.MaxBackoff
	if c.Socket.NoReplayNamespaces != nil {
		socket.NoReplayNamespaces = c.Socket.NoReplayNamespaces
	}

	return connector.Config{
		ReadyTimeout:      c.Connector.ReadyTimeout,
		DrainDelay:        c.Connector.DrainDelay,
		KeepAliveInterval: c.Connector.KeepAliveInterval,
		KeepAliveMethod:   c.Connector.KeepAliveMethod,
		CacheSize:         c.Connector.CacheSize,
		CacheTTL:          c.Connector.CacheTTL,
		Socket:            socket,
	}
}

// Address returns the API listen address.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
