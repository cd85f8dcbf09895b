package types

import "time"

// Endpoint is one interchangeable RPC URL of a chain.
type Endpoint struct {
	URL     string `json:"url" mapstructure:"url"`
	Healthy bool   `json:"healthy" mapstructure:"healthy"`
}

// ChainStatus is a point-in-time view of a chain's shared connection.
type ChainStatus struct {
	ChainID       string        `json:"chain_id"`
	State         string        `json:"state"`
	URL           string        `json:"url,omitempty"`
	Endpoints     int           `json:"endpoints"`
	Users         int           `json:"users"`
	Pending       int           `json:"pending"`
	Subscriptions int           `json:"subscriptions"`
	Backoff       time.Duration `json:"backoff"`
}

// SubscribeRequest describes a long-lived subscription on a chain.
type SubscribeRequest struct {
	SubscribeMethod   string `json:"subscribe"`
	UnsubscribeMethod string `json:"unsubscribe"`
	NotifyMethod      string `json:"notify"`
	Params            any    `json:"params,omitempty"`
	// Timeout bounds the wait for the chain's socket to become ready. Zero
	// uses the connector default.
	Timeout time.Duration `json:"-"`
}
