package analysis

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrNoWorkers is returned when no worker node is configured.
var ErrNoWorkers = errors.New("no worker nodes available")

// RoundRobinSelector spreads entity tasks over a fixed set of worker nodes.
type RoundRobinSelector struct {
	mu      sync.Mutex
	workers []string
	next    int
}

// NewRoundRobinSelector creates a selector over the given nodes.
func NewRoundRobinSelector(workers []string) *RoundRobinSelector {
	return &RoundRobinSelector{workers: slices.Clone(workers)}
}

// SelectWorker returns the next worker in rotation.
func (s *RoundRobinSelector) SelectWorker(_ context.Context, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.workers) == 0 {
		return "", ErrNoWorkers
	}
	w := s.workers[s.next%len(s.workers)]
	s.next++
	return w, nil
}

// Workers returns every configured worker node.
func (s *RoundRobinSelector) Workers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.workers)
}
