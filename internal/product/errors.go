package product

import (
	"errors"
	"fmt"
)

// ErrEmpty is returned when a product loses its last member
var ErrEmpty = errors.New("product has no members")

// Ref identifies a node of the tree
type Ref struct {
	Visit    string `yaml:"visit"`
	Filter   string `yaml:"filter"`
	Detector string `yaml:"detector"`
}

func (r Ref) String() string {
	return fmt.Sprintf("visit=%s filter=%s detector=%s", r.Visit, r.Filter, r.Detector)
}

// ConsistencyError reports a product that breaks a tree invariant
type ConsistencyError struct {
	Ref    Ref
	Reason string
	Err    error
}

func (e *ConsistencyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("product consistency (%s): %s: %v", e.Ref, e.Reason, e.Err)
	}
	return fmt.Sprintf("product consistency (%s): %s", e.Ref, e.Reason)
}

func (e *ConsistencyError) Unwrap() error {
	return e.Err
}

func consistency(p *Product, reason string) *ConsistencyError {
	return &ConsistencyError{Ref: p.Ref(), Reason: reason}
}

// Inconsistent wraps err as a ConsistencyError of node p
func Inconsistent(p *Product, reason string, err error) error {
	return &ConsistencyError{Ref: p.Ref(), Reason: reason, Err: err}
}
