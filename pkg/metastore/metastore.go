// Package metastore persists per-chain connection hints: the endpoint that
// last connected and the reconnect backoff interval in effect.
package metastore

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chainconn/rpc-connector/pkg/interfaces"
)

// Backend types accepted by Open.
const (
	TypeMemory = "memory"
	TypeBadger = "badger"
	TypeRedis  = "redis"
)

// Config selects and configures a backend.
type Config struct {
	Type      string `mapstructure:"type"`
	Path      string `mapstructure:"path"`
	RedisURL  string `mapstructure:"redis_url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Open returns the backend named by cfg.Type. An empty type means memory.
func Open(cfg Config, logger *zap.Logger) (interfaces.ConnectionMetaStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(cfg.Type) {
	case "", TypeMemory:
		logger.Info("using in-memory meta store")
		return NewMemory(), nil
	case TypeBadger:
		logger.Info("using badger meta store", zap.String("path", cfg.Path))
		return NewBadger(cfg.Path)
	case TypeRedis:
		logger.Info("using redis meta store", zap.String("prefix", cfg.KeyPrefix))
		return NewRedis(cfg.RedisURL, cfg.KeyPrefix)
	default:
		return nil, fmt.Errorf("unknown meta store type %q", cfg.Type)
	}
}

func priorityKey(chainID string) string { return "priority/" + chainID }

func backoffKey(chainID string) string { return "backoff/" + chainID }

// Intervals are stored as decimal milliseconds.
func encodeInterval(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

func decodeInterval(v string) (time.Duration, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid backoff interval %q: %w", v, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
