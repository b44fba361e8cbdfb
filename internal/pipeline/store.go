package pipeline

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/lehigh-university-libraries/hapcat/internal/product"
)

// Status is the final state of one product node
type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
	// StatusEmpty marks a node whose image had no usable pixels; its
	// catalogs are written with no rows and it stays in its parent
	StatusEmpty Status = "empty"
)

// Outcome records what happened to one node
type Outcome struct {
	Ref      product.Ref   `yaml:"ref"`
	Kind     string        `yaml:"kind"`
	Product  string        `yaml:"product"`
	Status   Status        `yaml:"status"`
	Stage    string        `yaml:"stage,omitempty"`
	Error    string        `yaml:"error,omitempty"`
	Point    int           `yaml:"point_sources"`
	Segment  int           `yaml:"segment_sources"`
	Catalogs []string      `yaml:"catalogs,omitempty"`
	Duration time.Duration `yaml:"duration"`
}

// ResultStore holds the outcome of every node of a run, keyed by product
// name. It is safe for concurrent use.
type ResultStore struct {
	outcomes map[string]*Outcome
	mu       sync.RWMutex
}

func NewResultStore() *ResultStore {
	return &ResultStore{
		outcomes: make(map[string]*Outcome),
	}
}

func (s *ResultStore) Get(name string) (*Outcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, exists := s.outcomes[name]
	return o, exists
}

func (s *ResultStore) Set(o *Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[o.Product] = o
}

// All returns every outcome ordered by product name
func (s *ResultStore) All() []*Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Outcome, 0, len(s.outcomes))
	for _, o := range s.outcomes {
		result = append(result, o)
	}
	slices.SortFunc(result, func(a, b *Outcome) int { return strings.Compare(a.Product, b.Product) })
	return result
}
