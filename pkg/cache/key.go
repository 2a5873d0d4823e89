package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Key identifies a cached request.
type Key struct {
	// Endpoint is the backend endpoint path (e.g. "/v1/dashboard").
	Endpoint string

	// Query are the request's query parameters.
	Query url.Values

	// Caller scopes the entry to one caller identity, for resources
	// whose policy sets PerCallerScope.
	Caller string
}

// String generates a deterministic cache key string.
// Format: req:endpoint:query1=val1:query2=val2:caller=user-1
func (k Key) String() string {
	parts := []string{"req"}

	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	// Query params sorted for determinism.
	if len(k.Query) > 0 {
		queryKeys := make([]string, 0, len(k.Query))
		for key := range k.Query {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, k.Query.Get(key)))
		}
	}

	if k.Caller != "" {
		parts = append(parts, fmt.Sprintf("caller=%s", k.Caller))
	}

	return strings.Join(parts, ":")
}
