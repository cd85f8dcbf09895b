// Package directory resolves chain ids to endpoint lists.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/chainconn/rpc-connector/pkg/types"
)

// ErrUnknownChain is returned for chain ids the directory does not list.
var ErrUnknownChain = errors.New("unknown chain")

// Chain is one configured chain.
type Chain struct {
	ID        string           `mapstructure:"id" json:"id"`
	Endpoints []types.Endpoint `mapstructure:"endpoints" json:"endpoints"`
}

// Static serves a fixed set of chains whose health flags can be flipped at
// runtime.
type Static struct {
	mu     sync.RWMutex
	chains map[string][]types.Endpoint
}

// NewStatic builds a directory from chains. Later duplicates of a chain id
// replace earlier ones.
func NewStatic(chains []Chain) *Static {
	s := &Static{chains: make(map[string][]types.Endpoint, len(chains))}
	for _, c := range chains {
		s.chains[c.ID] = append([]types.Endpoint(nil), c.Endpoints...)
	}
	return s
}

// Endpoints returns a copy of the chain's endpoints in configured order.
func (s *Static) Endpoints(_ context.Context, chainID string) ([]types.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	eps, ok := s.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, chainID)
	}
	return append([]types.Endpoint(nil), eps...), nil
}

// SetHealthy updates the health flag of url on chainID and reports whether
// the endpoint exists. Sockets already open keep their order.
func (s *Static) SetHealthy(chainID, url string, healthy bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.chains[chainID] {
		if s.chains[chainID][i].URL == url {
			s.chains[chainID][i].Healthy = healthy
			return true
		}
	}
	return false
}

// Chains returns the configured chain ids sorted.
func (s *Static) Chains() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.chains))
	for id := range s.chains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
