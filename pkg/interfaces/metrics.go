package interfaces

import "time"

// Request outcomes reported to ConnectorMetrics.
const (
	OutcomeSuccess  = "success"
	OutcomeRPCError = "rpc_error"
	OutcomeStale    = "stale"
	OutcomeTimeout  = "timeout"
	OutcomeError    = "error"
)

// ConnectorMetrics receives connection layer measurements.
type ConnectorMetrics interface {
	SocketConnected(chainID, url string)
	SocketDisconnected(chainID string)
	StaleRotation(chainID string)
	RequestCompleted(chainID, method, outcome string, duration time.Duration)
	CacheHit(chainID string)
	SetSocketUsers(chainID string, users int)
	SetOpenSockets(n int)
	SetActiveSubscriptions(chainID string, n int)
}
