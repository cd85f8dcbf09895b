package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/chainconn/rpc-connector/internal/logging"
	"github.com/chainconn/rpc-connector/pkg/connector"
	"github.com/chainconn/rpc-connector/pkg/directory"
	"github.com/chainconn/rpc-connector/pkg/metastore"
)

func newCallCmd(opts *rootOptions) *cobra.Command {
	var (
		decodeHex bool
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call <chain> <method> [params-json]",
		Short: "Issue one JSON-RPC call through a connector",
		Long: `Open the configured endpoints of a chain, issue one call and print the
result. No server is needed. Connection hints are read from and written to the
configured store.`,
		Example: `  chainconn call polkadot chain_getBlockHash '[1]'
  chainconn call polkadot system_chain
  chainconn call moonbeam eth_blockNumber --decode-hex`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params any
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return errors.New("params must be valid JSON")
				}
				params = json.RawMessage(args[2])
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Sync()

			store, err := metastore.Open(cfg.Store, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			conn, err := connector.New(cfg.ConnectorSettings(), directory.NewStatic(cfg.Chains), store, nil, logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			result, err := conn.Send(ctx, args[0], args[1], params, false)
			if err != nil {
				return err
			}

			if decodeHex {
				if decoded, ok := decodeHexResult(result); ok {
					fmt.Fprintln(cmd.OutOrStdout(), decoded)
					return nil
				}
			}

			var out bytes.Buffer
			if err := json.Indent(&out, result, "", "  "); err != nil {
				out.Reset()
				out.Write(result)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.String())
			return nil
		},
	}

	cmd.Flags().BoolVar(&decodeHex, "decode-hex", false, "decode a 0x-prefixed string result as a quantity or text")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall call timeout")
	return cmd
}

// decodeHexResult renders a 0x string result as a decimal quantity, or as
// text when the bytes are printable UTF-8. Anything else is left alone.
func decodeHexResult(result json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(result, &s); err != nil {
		return "", false
	}

	if n, err := hexutil.DecodeBig(s); err == nil {
		return n.String(), true
	}

	b, err := hexutil.Decode(s)
	if err != nil || len(b) == 0 || !utf8.Valid(b) {
		return "", false
	}
	for _, r := range string(b) {
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return "", false
		}
	}
	return string(b), true
}
