// Package graph declares the surface the excluded GraphQL layer provides to
// the realtime core. The core never constructs GraphQL documents itself; it
// only orchestrates calls through these interfaces.
package graph

import (
	"context"
	"encoding/json"
)

// Result is the settled outcome of a query, fetch-more or mutation.
type Result struct {
	Data   json.RawMessage
	Errors []string
}

// Items decodes Data as a JSON array and returns its elements. A missing or
// null payload yields an empty page.
func (r Result) Items() ([]json.RawMessage, error) {
	if len(r.Data) == 0 {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(r.Data, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Executor runs queries, mutations and subscriptions against the GraphQL
// layer. Subscribe returns an unsubscribe func the caller must invoke when
// its scope ends.
type Executor interface {
	Fetch(ctx context.Context, vars map[string]any) (Result, error)
	FetchMore(ctx context.Context, vars map[string]any) (Result, error)
	Mutate(ctx context.Context, vars map[string]any) (Result, error)
	Subscribe(event string, cb func(payload json.RawMessage)) (unsubscribe func())
}

// Cache is the normalized object cache the GraphQL layer exposes.
type Cache interface {
	Modify(field string, fn func(current json.RawMessage) json.RawMessage)
	ReadFragment(id string) (json.RawMessage, bool)
	WriteFragment(id string, v any) error
	Evict(id string)
}
