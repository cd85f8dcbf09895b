package interfaces

import (
	"context"
	"net/http"
)

// APIServer defines the interface for the HTTP gateway
type APIServer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	GetRouter() http.Handler
}
