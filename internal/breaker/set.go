package breaker

import (
	"sort"
	"sync"

	"github.com/hubmcp/hubbridge/internal/metrics"
)

// Set holds one breaker per upstream identity, created lazily from a
// shared config template.
type Set struct {
	template Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewSet validates the template (the per-hub name is filled in later).
func NewSet(template Config) (*Set, error) {
	probe := template
	probe.Name = "template"
	if err := probe.checkAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Set{
		template: template,
		breakers: make(map[string]*Breaker),
	}, nil
}

// For returns the breaker guarding the named upstream, creating it closed
// on first use.
func (s *Set) For(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[name]; ok {
		return b
	}
	cfg := s.template
	cfg.Name = name
	b, err := New(cfg)
	if err != nil {
		// The template was validated in NewSet; only an empty name could
		// fail here.
		panic(err)
	}
	s.breakers[name] = b
	return b
}

// Remove drops the breaker for a deleted upstream and clears its gauges.
func (s *Set) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.breakers[name]; !ok {
		return
	}
	delete(s.breakers, name)
	metrics.BreakerState.DeleteLabelValues(name)
}

// Snapshots returns a point-in-time view of every breaker, sorted by name.
func (s *Set) Snapshots() []Snapshot {
	s.mu.Lock()
	breakers := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		breakers = append(breakers, b)
	}
	s.mu.Unlock()

	sort.Slice(breakers, func(i, j int) bool {
		return breakers[i].cfg.Name < breakers[j].cfg.Name
	})
	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
