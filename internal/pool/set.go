package pool

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
)

// Factory builds the pool for a hub the first time it is needed.
type Factory func(hubID string) (*Pool, error)

// Set keys pools by hub config id. Pools are built lazily and dropped when
// a hub's connection details change, so stale sessions never serve calls.
type Set struct {
	factory Factory

	mu     sync.Mutex
	pools  map[string]*Pool
	closed bool
}

func NewSet(factory Factory) *Set {
	return &Set{
		factory: factory,
		pools:   make(map[string]*Pool),
	}
}

// For returns the hub's pool, building it on first use.
func (s *Set) For(hubID string) (*Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if p, ok := s.pools[hubID]; ok {
		return p, nil
	}
	p, err := s.factory(hubID)
	if err != nil {
		return nil, err
	}
	s.pools[hubID] = p
	return p, nil
}

// Drop closes and forgets the hub's pool. Callers invoke this after a hub's
// URL or token changes; the next For dials with fresh credentials.
func (s *Set) Drop(ctx context.Context, hubID string) error {
	s.mu.Lock()
	p, ok := s.pools[hubID]
	delete(s.pools, hubID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return p.Close(ctx)
}

// Shutdown closes every pool and refuses further use.
func (s *Set) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pools := make([]*Pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.pools = nil
	s.mu.Unlock()

	var errs []error
	for _, p := range pools {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Snapshots reports every live pool, ordered by hub id.
func (s *Set) Snapshots() []Snapshot {
	s.mu.Lock()
	pools := make([]*Pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.Unlock()

	snaps := make([]Snapshot, 0, len(pools))
	for _, p := range pools {
		snaps = append(snaps, p.Snapshot())
	}
	slices.SortFunc(snaps, func(a, b Snapshot) int {
		return strings.Compare(a.HubID, b.HubID)
	})
	return snaps
}
