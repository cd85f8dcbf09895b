package connector

import "github.com/chainconn/rpc-connector/pkg/types"

// orderEndpoints returns the rotation for a chain: healthy endpoints first
// in directory order, then unhealthy ones, with priority moved to the front
// when listed. Duplicate URLs keep their first position.
func orderEndpoints(eps []types.Endpoint, priority string) []string {
	seen := make(map[string]bool, len(eps))
	healthy := make([]string, 0, len(eps))
	var unhealthy []string
	for _, ep := range eps {
		if ep.URL == "" || seen[ep.URL] {
			continue
		}
		seen[ep.URL] = true
		if ep.Healthy {
			healthy = append(healthy, ep.URL)
		} else {
			unhealthy = append(unhealthy, ep.URL)
		}
	}
	urls := append(healthy, unhealthy...)

	if priority == "" || !seen[priority] {
		return urls
	}
	ordered := make([]string, 0, len(urls))
	ordered = append(ordered, priority)
	for _, u := range urls {
		if u != priority {
			ordered = append(ordered, u)
		}
	}
	return ordered
}
