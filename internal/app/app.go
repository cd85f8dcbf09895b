// Package app wires the chainconn service together with fx.
package app

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/chainconn/rpc-connector/internal/api"
	"github.com/chainconn/rpc-connector/internal/config"
	"github.com/chainconn/rpc-connector/internal/logging"
	"github.com/chainconn/rpc-connector/pkg/connector"
	"github.com/chainconn/rpc-connector/pkg/directory"
	"github.com/chainconn/rpc-connector/pkg/interfaces"
	"github.com/chainconn/rpc-connector/pkg/metastore"
	"github.com/chainconn/rpc-connector/pkg/metrics"
)

// NewLogger builds the process logger from the logging section.
func NewLogger(lc fx.Lifecycle, cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			_ = logger.Sync()
			return nil
		},
	})
	return logger, nil
}

// NewStore opens the configured connection-meta store and closes it on stop.
func NewStore(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (interfaces.ConnectionMetaStore, error) {
	store, err := metastore.Open(cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

// NewDirectory serves the chains listed in the config.
func NewDirectory(cfg *config.Config) *directory.Static {
	return directory.NewStatic(cfg.Chains)
}

// NewRegistry creates the registry backing /metrics.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// NewCollector returns nil when monitoring is disabled.
func NewCollector(cfg *config.Config, registry *prometheus.Registry) *metrics.Collector {
	if !cfg.Monitoring.Enabled {
		return nil
	}
	return metrics.NewCollectorWithRegistry(&metrics.CollectorConfig{
		MaxLatencies: cfg.Monitoring.LatencyWindow,
	}, registry)
}

// NewConnector creates the shared connector and closes every socket on stop.
func NewConnector(lc fx.Lifecycle, cfg *config.Config, dir *directory.Static,
	store interfaces.ConnectionMetaStore, collector *metrics.Collector, logger *zap.Logger) (*connector.Connector, error) {
	var m interfaces.ConnectorMetrics
	if collector != nil {
		m = collector
	}
	conn, err := connector.New(cfg.ConnectorSettings(), dir, store, m, logger.Named("connector"))
	if err != nil {
		return nil, err
	}

	offs := []func(){
		conn.On(connector.EventConnected, func(e connector.Event) {
			logger.Info("chain connected", zap.String("chain", e.ChainID), zap.String("url", e.URL))
		}),
		conn.On(connector.EventStale, func(e connector.Event) {
			logger.Warn("chain has no reachable endpoint",
				zap.String("chain", e.ChainID),
				zap.Duration("next_backoff", e.NextBackoff),
			)
		}),
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			for _, off := range offs {
				off()
			}
			return conn.Close()
		},
	})
	return conn, nil
}

// NewServer creates the API server and binds it to the lifecycle.
func NewServer(lc fx.Lifecycle, cfg *config.Config, conn *connector.Connector,
	collector *metrics.Collector, logger *zap.Logger) *api.Server {
	server := api.NewServer(cfg.Server, conn, collector, logger)
	lc.Append(fx.Hook{
		OnStart: server.Start,
		OnStop:  server.Stop,
	})
	return server
}

// Module provides the fx module for dependency injection
var Module = fx.Options(
	fx.Provide(
		NewLogger,
		NewStore,
		NewDirectory,
		NewRegistry,
		NewCollector,
		NewConnector,
		NewServer,
	),
	fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
		return &fxevent.ZapLogger{Logger: logger.Named("fx")}
	}),
	fx.Invoke(func(*api.Server) {}),
)

// New builds the application for cfg.
func New(cfg *config.Config, opts ...fx.Option) *fx.App {
	return fx.New(
		fx.Supply(cfg),
		Module,
		fx.Options(opts...),
	)
}
