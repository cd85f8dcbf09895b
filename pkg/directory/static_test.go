package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainconn/rpc-connector/pkg/types"
)

func testChains() []Chain {
	return []Chain{
		{ID: "polkadot", Endpoints: []types.Endpoint{
			{URL: "wss://a.example", Healthy: true},
			{URL: "wss://b.example", Healthy: false},
		}},
		{ID: "kusama", Endpoints: []types.Endpoint{
			{URL: "wss://k.example", Healthy: true},
		}},
	}
}

func TestStatic_Endpoints(t *testing.T) {
	dir := NewStatic(testChains())

	eps, err := dir.Endpoints(context.Background(), "polkadot")
	require.NoError(t, err)
	require.Len(t, eps, 2)
	assert.Equal(t, "wss://a.example", eps[0].URL)

	// callers get a copy
	eps[0].URL = "mutated"
	again, err := dir.Endpoints(context.Background(), "polkadot")
	require.NoError(t, err)
	assert.Equal(t, "wss://a.example", again[0].URL)
}

func TestStatic_UnknownChain(t *testing.T) {
	dir := NewStatic(testChains())
	_, err := dir.Endpoints(context.Background(), "westend")
	assert.ErrorIs(t, err, ErrUnknownChain)
}

func TestStatic_SetHealthy(t *testing.T) {
	dir := NewStatic(testChains())

	assert.True(t, dir.SetHealthy("polkadot", "wss://b.example", true))
	assert.False(t, dir.SetHealthy("polkadot", "wss://missing.example", true))
	assert.False(t, dir.SetHealthy("westend", "wss://b.example", true))

	eps, err := dir.Endpoints(context.Background(), "polkadot")
	require.NoError(t, err)
	assert.True(t, eps[1].Healthy)
}

func TestStatic_Chains(t *testing.T) {
	dir := NewStatic(testChains())
	assert.Equal(t, []string{"kusama", "polkadot"}, dir.Chains())
}
