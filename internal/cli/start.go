package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chainconn/rpc-connector/internal/app"
)

func newStartCmd(opts *rootOptions) *cobra.Command {
	var (
		bind string
		port int
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the chainconn server",
		Long: `Start the HTTP gateway and keep shared chain sockets open until stopped
with SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if bind != "" {
				cfg.Server.Host = bind
			}
			if port != 0 {
				cfg.Server.Port = port
			}

			application := app.New(cfg)
			if err := application.Err(); err != nil {
				return fmt.Errorf("failed to build application: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			startCtx, cancel := context.WithTimeout(ctx, application.StartTimeout())
			defer cancel()
			if err := application.Start(startCtx); err != nil {
				return fmt.Errorf("failed to start application: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "chainconn listening on %s\n", cfg.Server.Address())

			<-ctx.Done()

			stopCtx, cancelStop := context.WithTimeout(context.Background(), application.StopTimeout())
			defer cancelStop()
			if err := application.Stop(stopCtx); err != nil {
				return fmt.Errorf("error during shutdown: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "chainconn stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&bind, "bind", "", "bind address for API server (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "port for API server (overrides config)")
	return cmd
}
