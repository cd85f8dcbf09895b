package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/chainconn/rpc-connector/pkg/connector"
	"github.com/chainconn/rpc-connector/pkg/directory"
	"github.com/chainconn/rpc-connector/pkg/transport"
	"github.com/chainconn/rpc-connector/pkg/types"
)

const defaultLatencyWindow = 100

// RPCRequest is the body of POST /api/v1/chains/{chainId}/rpc.
type RPCRequest struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	Cacheable bool            `json:"cacheable,omitempty"`
}

// RPCResponse carries either the node's result or an error.
type RPCResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody describes a failed call. Code is set for node errors only.
type ErrorBody struct {
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// listChains returns the status of every chain with a shared socket
func (s *Server) listChains(w http.ResponseWriter, r *http.Request) {
	statuses := s.connector.Status()
	if statuses == nil {
		statuses = []types.ChainStatus{}
	}
	writeJSON(w, http.StatusOK, statuses)
}

// callRPC forwards one call to the chain's shared socket
func (s *Server) callRPC(w http.ResponseWriter, r *http.Request) {
	chainID := mux.Vars(r)["chainId"]

	var req RPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, RPCResponse{Error: &ErrorBody{Message: "invalid request body: " + err.Error()}})
		return
	}
	if req.Method == "" {
		writeJSON(w, http.StatusBadRequest, RPCResponse{Error: &ErrorBody{Message: "method is required"}})
		return
	}

	var params any
	if len(req.Params) > 0 {
		params = req.Params
	}
	result, err := s.connector.Send(r.Context(), chainID, req.Method, params, req.Cacheable)
	if err != nil {
		status, body := errorResponse(err)
		if status >= http.StatusInternalServerError {
			s.logger.Warn("rpc call failed",
				zap.String("chain", chainID),
				zap.String("method", req.Method),
				zap.Error(err),
			)
		}
		writeJSON(w, status, RPCResponse{Error: body})
		return
	}
	writeJSON(w, http.StatusOK, RPCResponse{Result: result})
}

// chainLatency returns latency statistics over the last ?window= successful calls
func (s *Server) chainLatency(w http.ResponseWriter, r *http.Request) {
	chainID := mux.Vars(r)["chainId"]

	window := defaultLatencyWindow
	if v := r.URL.Query().Get("window"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, RPCResponse{Error: &ErrorBody{Message: "window must be a positive integer"}})
			return
		}
		window = n
	}
	writeJSON(w, http.StatusOK, s.collector.Latency(chainID, window))
}

// errorResponse maps a connector error to an HTTP status and body.
func errorResponse(err error) (int, *ErrorBody) {
	body := &ErrorBody{Message: err.Error()}

	var rpcErr *types.RPCError
	switch {
	case errors.As(err, &rpcErr):
		body.Code = rpcErr.Code
		body.Message = rpcErr.Message
		body.Data = rpcErr.Data
		return http.StatusBadGateway, body
	case errors.Is(err, directory.ErrUnknownChain), errors.Is(err, connector.ErrNoEndpoints):
		return http.StatusNotFound, body
	case errors.Is(err, connector.ErrStaleRPC), errors.Is(err, connector.ErrClosed):
		return http.StatusServiceUnavailable, body
	case errors.Is(err, transport.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, body
	case errors.Is(err, transport.ErrDisconnected), errors.Is(err, transport.ErrNotConnected):
		return http.StatusBadGateway, body
	case errors.Is(err, context.Canceled):
		// client went away
		return 499, body
	default:
		return http.StatusInternalServerError, body
	}
}
