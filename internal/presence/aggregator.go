// Package presence derives the merged availability view broadcast to
// clients: locally announced connection statuses unioned with the control
// plane's endpoint list.
package presence

import (
	"context"
	"log"
	"sort"

	"sigrelay/internal/state"
	"sigrelay/internal/types"
)

// EndpointLister is the narrow read-only view of the control-plane adapter.
type EndpointLister interface {
	ListEndpoints(ctx context.Context) ([]types.PresenceEntry, error)
}

type Aggregator struct {
	stateManager *state.Manager
	endpoints    EndpointLister
}

func NewAggregator(stateManager *state.Manager, endpoints EndpointLister) *Aggregator {
	return &Aggregator{stateManager: stateManager, endpoints: endpoints}
}

// Snapshot recomputes the merged presence view. A control-plane failure is
// logged and degrades to the local view; it never surfaces to clients.
func (a *Aggregator) Snapshot(ctx context.Context) []types.PresenceEntry {
	local := a.stateManager.Snapshot()

	external, err := a.endpoints.ListEndpoints(ctx)
	if err != nil {
		log.Printf("presence: control plane query failed, using local statuses only: %v", err)
		return local
	}

	return Merge(local, external)
}

// Merge unions local and external presence entries. Local entries win for
// ids present in both sets; the result is sorted by id.
func Merge(local, external []types.PresenceEntry) []types.PresenceEntry {
	seen := make(map[string]struct{}, len(local))
	merged := make([]types.PresenceEntry, 0, len(local)+len(external))

	for _, entry := range local {
		seen[entry.ID] = struct{}{}
		merged = append(merged, entry)
	}
	for _, entry := range external {
		if _, dup := seen[entry.ID]; dup {
			continue
		}
		merged = append(merged, entry)
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].ID < merged[j].ID
	})

	return merged
}
