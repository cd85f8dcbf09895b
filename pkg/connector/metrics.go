package connector

import (
	"errors"
	"time"

	"github.com/chainconn/rpc-connector/pkg/interfaces"
	"github.com/chainconn/rpc-connector/pkg/transport"
	"github.com/chainconn/rpc-connector/pkg/types"
)

type noopMetrics struct{}

func (noopMetrics) SocketConnected(string, string)                        {}
func (noopMetrics) SocketDisconnected(string)                             {}
func (noopMetrics) StaleRotation(string)                                  {}
func (noopMetrics) RequestCompleted(string, string, string, time.Duration) {}
func (noopMetrics) CacheHit(string)                                       {}
func (noopMetrics) SetSocketUsers(string, int)                            {}
func (noopMetrics) SetOpenSockets(int)                                    {}
func (noopMetrics) SetActiveSubscriptions(string, int)                    {}

func outcome(err error) string {
	var rpcErr *types.RPCError
	switch {
	case err == nil:
		return interfaces.OutcomeSuccess
	case errors.Is(err, ErrStaleRPC):
		return interfaces.OutcomeStale
	case errors.Is(err, transport.ErrRequestTimeout):
		return interfaces.OutcomeTimeout
	case errors.As(err, &rpcErr):
		return interfaces.OutcomeRPCError
	default:
		return interfaces.OutcomeError
	}
}
