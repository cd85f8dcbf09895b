package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// JSONRPCVersion is the only protocol version spoken on the wire.
const JSONRPCVersion = "2.0"

// Request is an outgoing JSON-RPC 2.0 call.
type Request struct {
	ID      uint64          `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Message is any incoming frame. A frame without Method is a response to a
// request; a frame with Method is a subscription notification.
type Message struct {
	ID      json.RawMessage     `json:"id,omitempty"`
	JSONRPC string              `json:"jsonrpc,omitempty"`
	Method  string              `json:"method,omitempty"`
	Params  *NotificationParams `json:"params,omitempty"`
	Result  json.RawMessage     `json:"result,omitempty"`
	Error   *RPCError           `json:"error,omitempty"`
}

// IsNotification reports whether the frame is a subscription push.
func (m *Message) IsNotification() bool {
	return m.Method != ""
}

// NotificationParams is the params object of a subscription notification.
type NotificationParams struct {
	Subscription json.RawMessage `json:"subscription"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *RPCError       `json:"error,omitempty"`
}

// RPCError is an error object returned by the remote node.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s: %s", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// MarshalParams encodes positional or named params. nil encodes as an empty
// array since some nodes reject a missing params member.
func MarshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return json.RawMessage("[]"), nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		if len(bytes.TrimSpace(raw)) == 0 {
			return json.RawMessage("[]"), nil
		}
		if !json.Valid(raw) {
			return nil, errors.New("params are not valid JSON")
		}
		return raw, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return b, nil
}

// ParseRequestID decodes a numeric response id.
func ParseRequestID(raw json.RawMessage) (uint64, error) {
	var id uint64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, fmt.Errorf("invalid response id %s: %w", string(raw), err)
	}
	return id, nil
}

// SubscriptionID normalizes a subscription id that may be encoded either as a
// JSON string or as a bare number.
func SubscriptionID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errors.New("missing subscription id")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("invalid subscription id: %w", err)
		}
		if s == "" {
			return "", errors.New("empty subscription id")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("invalid subscription id %s: %w", string(raw), err)
	}
	return n.String(), nil
}
