package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chainconn/rpc-connector/internal/api"
	"github.com/chainconn/rpc-connector/internal/config"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configFile string
	logLevel   string
	apiURL     string
}

// NewRootCommand builds the chainconn command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "chainconn",
		Short: "Shared JSON-RPC WebSocket connections for many chains",
		Long: `chainconn keeps one resilient JSON-RPC WebSocket per chain, rotates across
interchangeable endpoints with exponential backoff, replays subscriptions after
reconnects and exposes calls and subscriptions over HTTP.`,
		Version:       api.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default is ./configs/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&opts.apiURL, "api", "", "base URL of a running server (default derived from config)")

	rootCmd.AddCommand(
		newStartCmd(opts),
		newStatusCmd(opts),
		newCallCmd(opts),
		newMonitorCmd(opts),
	)
	return rootCmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies flag overrides.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, nil
}

// apiBase returns the server URL used by status and monitor.
func (o *rootOptions) apiBase() (string, error) {
	if o.apiURL != "" {
		return o.apiURL, nil
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return "", err
	}
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port), nil
}
