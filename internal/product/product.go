// Package product holds the three-level product tree of one visit: exposures
// grouped into filter products, filter products grouped into a total product.
//
// The levels share one Product type tagged by Kind. Level-specific fields are
// only present on the level that uses them.
package product

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/lehigh-university-libraries/hapcat/internal/config"
	"github.com/lehigh-university-libraries/hapcat/internal/header"
	"github.com/lehigh-university-libraries/hapcat/internal/region"
	"github.com/lehigh-university-libraries/hapcat/internal/wcs"
)

// Kind tags the level of a product
type Kind int

const (
	KindExposure Kind = iota
	KindFilter
	KindTotal
)

func (k Kind) String() string {
	switch k {
	case KindExposure:
		return "exposure"
	case KindFilter:
		return "filter"
	case KindTotal:
		return "total"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Identity is the grouping key shared by every node of a visit
type Identity struct {
	Proposal   string
	Visit      string
	Instrument string
	Detector   string
	Filter     string
}

// ExposureInfo holds the fields only an exposure carries
type ExposureInfo struct {
	Filename     string
	Path         string
	ExposureTime float64 // seconds
	ExpStart     float64 // MJD
	ExpEnd       float64 // MJD
	Target       string
	Aperture     string
	WCS          *wcs.TAN
	MaskRef      string // data-quality mask reference
}

// Product is one node of the tree
type Product struct {
	Kind Kind
	ID   string
	Identity

	Children []*Product
	parent   *Product

	Header    *header.Header
	Meta      Metadata
	Image     string // combined image reference, set once drizzled
	Footprint *region.Polygon

	Settings  config.Settings
	Overrides config.Overrides

	Exposure *ExposureInfo
}

// NewExposure builds a leaf product. The identity filter must already be
// normalised.
func NewExposure(id Identity, info ExposureInfo) (*Product, error) {
	p := &Product{
		Kind:     KindExposure,
		ID:       Rootname(info.Filename),
		Identity: id,
		Header:   header.New(),
		Exposure: &info,
	}
	if info.Filename == "" {
		return nil, consistency(p, "exposure has no filename")
	}
	if info.ExposureTime <= 0 {
		return nil, consistency(p, fmt.Sprintf("exposure %s has non-positive exposure time %v", info.Filename, info.ExposureTime))
	}
	p.Meta = Metadata{
		Targets:      nonEmpty(info.Target),
		Apertures:    nonEmpty(info.Aperture),
		Start:        info.ExpStart,
		End:          info.ExpEnd,
		Provenance:   []string{info.Filename},
		ExposureTime: info.ExposureTime,
	}
	return p, nil
}

// NewFilter builds an empty filter product
func NewFilter(id Identity) *Product {
	return &Product{
		Kind:     KindFilter,
		ID:       strings.ToLower(id.Visit + "_" + id.Filter),
		Identity: id,
		Header:   header.New(),
	}
}

// NewTotal builds an empty total product. The filter of a total is "total".
func NewTotal(id Identity) *Product {
	id.Filter = "total"
	return &Product{
		Kind:     KindTotal,
		ID:       strings.ToLower(id.Visit + "_total"),
		Identity: id,
		Header:   header.New(),
	}
}

// AddChild attaches c to p. Filter products take exposures and total
// products take filter products; the child must agree with p on visit,
// instrument and detector, and with a filter parent on filter name.
func (p *Product) AddChild(c *Product) error {
	switch {
	case p.Kind == KindFilter && c.Kind != KindExposure,
		p.Kind == KindTotal && c.Kind != KindFilter,
		p.Kind == KindExposure:
		return consistency(p, fmt.Sprintf("a %s product cannot own a %s product", p.Kind, c.Kind))
	case c.parent != nil:
		return consistency(p, fmt.Sprintf("%s %s already belongs to %s", c.Kind, c.ID, c.parent.ID))
	case c.Visit != p.Visit:
		return consistency(p, fmt.Sprintf("visit %q of %s does not match %q", c.Visit, c.ID, p.Visit))
	case !strings.EqualFold(c.Instrument, p.Instrument):
		return consistency(p, fmt.Sprintf("instrument %q of %s does not match %q", c.Instrument, c.ID, p.Instrument))
	case !strings.EqualFold(c.Detector, p.Detector):
		return consistency(p, fmt.Sprintf("detector %q of %s does not match %q", c.Detector, c.ID, p.Detector))
	case p.Kind == KindFilter && c.Filter != p.Filter:
		return consistency(p, fmt.Sprintf("filter %q of %s does not match %q", c.Filter, c.ID, p.Filter))
	}

	for _, existing := range p.Children {
		if existing.ID == c.ID {
			return consistency(p, fmt.Sprintf("duplicate member %s", c.ID))
		}
	}

	c.parent = p
	p.Children = append(p.Children, c)
	return nil
}

// RemoveChild detaches c from p. The returned error wraps ErrEmpty when p is
// left without members.
func (p *Product) RemoveChild(c *Product) error {
	i := slices.Index(p.Children, c)
	if i < 0 {
		return consistency(p, fmt.Sprintf("%s is not a member", c.ID))
	}
	p.Children = slices.Delete(p.Children, i, i+1)
	c.parent = nil
	if len(p.Children) == 0 {
		return fmt.Errorf("%s: %w", p.Ref(), ErrEmpty)
	}
	return nil
}

// Parent returns the owning product, or nil for a total or detached node
func (p *Product) Parent() *Product {
	return p.parent
}

// CatalogEligible reports whether catalogs are generated for this level
func (p *Product) CatalogEligible() bool {
	return p.Kind == KindFilter || p.Kind == KindTotal
}

// Exposures returns every exposure in the subtree, in member order
func (p *Product) Exposures() []*Product {
	if p.Kind == KindExposure {
		return []*Product{p}
	}
	var out []*Product
	for _, c := range p.Children {
		out = append(out, c.Exposures()...)
	}
	return out
}

// Filters returns the sorted filter names present in the subtree
func (p *Product) Filters() []string {
	var out []string
	for _, e := range p.Exposures() {
		if !slices.Contains(out, e.Filter) {
			out = append(out, e.Filter)
		}
	}
	slices.Sort(out)
	return out
}

// Walk visits p and its descendants depth first, parents before children
func (p *Product) Walk(fn func(*Product)) {
	fn(p)
	for _, c := range p.Children {
		c.Walk(fn)
	}
}

// Ref identifies the node in errors and logs
func (p *Product) Ref() Ref {
	return Ref{Visit: p.Visit, Filter: p.Filter, Detector: p.Detector}
}

// Logger returns the default logger scoped to this node
func (p *Product) Logger() *slog.Logger {
	return slog.With("visit", p.Visit, "filter", p.Filter, "detector", p.Detector, "level", p.Kind.String())
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
