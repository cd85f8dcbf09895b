package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/chainconn/rpc-connector/internal/tui"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var (
		jsonOutput bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of every open chain socket",
		Long: `Query a running server for the state, current endpoint, users, pending
requests, subscriptions and backoff of each chain socket.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := opts.apiBase()
			if err != nil {
				return err
			}

			client := &http.Client{Timeout: timeout}
			chains, err := tui.FetchChains(cmd.Context(), client, base)
			if err != nil {
				return err
			}

			if jsonOutput {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(chains)
			}
			fmt.Fprint(cmd.OutOrStdout(), tui.RenderChains(chains))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "output in JSON format")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}
