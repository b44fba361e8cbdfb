// Package header models FITS-style keyword headers attached to product nodes.
package header

import (
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Card is one keyword record. Value is one of string, float64, int64, bool
// or []string (multi-valued provenance keywords such as HISTORY).
type Card struct {
	Key     string
	Value   any
	Comment string
}

// Header is an ordered set of cards with unique, upper-case keys
type Header struct {
	cards []Card
}

// New returns an empty header
func New() *Header {
	return &Header{}
}

// Set adds or replaces a keyword, keeping its original position on replace
func (h *Header) Set(key string, value any, comment string) {
	key = strings.ToUpper(strings.TrimSpace(key))
	value = normalize(value)
	for i := range h.cards {
		if h.cards[i].Key == key {
			h.cards[i].Value = value
			if comment != "" {
				h.cards[i].Comment = comment
			}
			return
		}
	}
	h.cards = append(h.cards, Card{Key: key, Value: value, Comment: comment})
}

// Get returns the value of a keyword
func (h *Header) Get(key string) (any, bool) {
	if c, ok := h.card(key); ok {
		return c.Value, true
	}
	return nil, false
}

func (h *Header) card(key string) (Card, bool) {
	if h == nil {
		return Card{}, false
	}
	key = strings.ToUpper(key)
	for _, c := range h.cards {
		if c.Key == key {
			return c, true
		}
	}
	return Card{}, false
}

// String returns a keyword formatted as text, or "" when absent
func (h *Header) String(key string) string {
	v, ok := h.Get(key)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []string:
		return strings.Join(s, ";")
	default:
		return fmt.Sprint(v)
	}
}

// Float returns a numeric keyword
func (h *Header) Float(key string) (float64, bool) {
	v, ok := h.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Delete removes a keyword if present
func (h *Header) Delete(key string) {
	key = strings.ToUpper(key)
	h.cards = slices.DeleteFunc(h.cards, func(c Card) bool { return c.Key == key })
}

// Keys returns the keywords in header order
func (h *Header) Keys() []string {
	if h == nil {
		return nil
	}
	keys := make([]string, len(h.cards))
	for i, c := range h.cards {
		keys[i] = c.Key
	}
	return keys
}

// Cards returns a copy of the cards in header order
func (h *Header) Cards() []Card {
	if h == nil {
		return nil
	}
	out := make([]Card, len(h.cards))
	for i, c := range h.cards {
		out[i] = c
		if s, ok := c.Value.([]string); ok {
			out[i].Value = slices.Clone(s)
		}
	}
	return out
}

// Len returns the number of cards
func (h *Header) Len() int {
	if h == nil {
		return 0
	}
	return len(h.cards)
}

// Clone returns a deep copy
func (h *Header) Clone() *Header {
	return &Header{cards: h.Cards()}
}

// MarshalYAML renders the header as an ordered mapping with comments kept as
// line comments.
func (h *Header) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, c := range h.cards {
		key := &yaml.Node{Kind: yaml.ScalarNode, Value: c.Key}
		val := &yaml.Node{}
		if err := val.Encode(c.Value); err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", c.Key, err)
		}
		val.LineComment = c.Comment
		node.Content = append(node.Content, key, val)
	}
	return node, nil
}

func normalize(v any) any {
	switch n := v.(type) {
	case nil:
		return ""
	case string, float64, int64, bool:
		return n
	case []string:
		return slices.Clone(n)
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float32:
		return float64(n)
	default:
		return fmt.Sprint(v)
	}
}

func equal(a, b any) bool {
	as, aok := a.([]string)
	bs, bok := b.([]string)
	if aok || bok {
		return aok && bok && slices.Equal(as, bs)
	}
	if af, ok := numeric(a); ok {
		bf, ok := numeric(b)
		return ok && af == bf
	}
	return a == b
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
