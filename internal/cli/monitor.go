package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/chainconn/rpc-connector/internal/tui"
)

func newMonitorCmd(opts *rootOptions) *cobra.Command {
	var refresh time.Duration

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Start terminal-based monitoring interface",
		Long: `Launch an interactive terminal UI that polls a running server and shows
the live state of every chain socket. Press 'r' to refresh, 'q' to quit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := opts.apiBase()
			if err != nil {
				return err
			}
			return tui.StartMonitor(tui.Config{APIURL: base, RefreshRate: refresh})
		},
	}

	cmd.Flags().DurationVarP(&refresh, "refresh", "r", time.Second, "refresh interval")
	return cmd
}
