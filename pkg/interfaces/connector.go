package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chainconn/rpc-connector/pkg/types"
)

// EndpointDirectory supplies the endpoint list of a chain. It is read once
// per socket creation and not watched for changes.
type EndpointDirectory interface {
	Endpoints(ctx context.Context, chainID string) ([]types.Endpoint, error)
}

// ConnectionMetaStore persists connection hints across restarts. Values are
// hints only: last write wins and no transactional guarantees are assumed.
type ConnectionMetaStore interface {
	GetPriorityEndpoint(ctx context.Context, chainID string) (string, bool, error)
	PutPriorityEndpoint(ctx context.Context, chainID, url string) error
	GetBackoffInterval(ctx context.Context, chainID string) (time.Duration, bool, error)
	PutBackoffInterval(ctx context.Context, chainID string, interval time.Duration) error
	DeleteBackoffInterval(ctx context.Context, chainID string) error
	Close() error
}

// Connector multiplexes callers of many chains over one socket per chain.
type Connector interface {
	Send(ctx context.Context, chainID, method string, params any, cacheable bool) (json.RawMessage, error)
	Subscribe(chainID string, req types.SubscribeRequest, cb types.NotifyFunc) (unsubscribe func())
	Status() []types.ChainStatus
}
