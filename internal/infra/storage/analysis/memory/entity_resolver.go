package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
)

var _ analysis.EntityResolver = (*EntityResolver)(nil)

// EntityResolver serves a fixed entity list per detector.
type EntityResolver struct {
	mu       sync.RWMutex
	entities map[string][]string // Keyed by detector ID
}

// NewEntityResolver creates a resolver seeded with the given entities.
func NewEntityResolver(entities map[string][]string) *EntityResolver {
	r := &EntityResolver{entities: make(map[string][]string, len(entities))}
	for id, es := range entities {
		r.Set(id, es)
	}
	return r
}

// Set replaces the entities of one detector.
func (r *EntityResolver) Set(detectorID string, entities []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sorted := slices.Clone(entities)
	slices.Sort(sorted)
	r.entities[detectorID] = slices.Compact(sorted)
}

// ResolveEntities returns the configured entities. Single-entity detectors
// resolve to nothing.
func (r *EntityResolver) ResolveEntities(_ context.Context, detector analysis.Detector, _ analysis.DetectionDateRange) ([]string, error) {
	if !detector.IsMultiEntity() {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.entities[detector.ID()]), nil
}
