package product

import (
	"fmt"
	"math"
	"slices"

	"github.com/lehigh-university-libraries/hapcat/internal/config"
)

// Field names a metadata field that can be propagated up the tree
type Field string

const (
	// FieldTargets is reduced by union
	FieldTargets Field = "targets"
	// FieldApertures is reduced by union
	FieldApertures Field = "apertures"
	// FieldTimeRange is reduced by min of start and max of end
	FieldTimeRange Field = "time_range"
	// FieldProvenance is reduced by concatenation in member order
	FieldProvenance Field = "provenance"
	// FieldExposureTime is reduced by sum
	FieldExposureTime Field = "exposure_time"
)

// Fields lists every propagatable field
var Fields = []Field{FieldTargets, FieldApertures, FieldTimeRange, FieldProvenance, FieldExposureTime}

// Metadata is the per-node summary that flows up the tree
type Metadata struct {
	Targets      []string `yaml:"targets,omitempty"`
	Apertures    []string `yaml:"apertures,omitempty"`
	Start        float64  `yaml:"start"` // MJD
	End          float64  `yaml:"end"`   // MJD
	Provenance   []string `yaml:"provenance,omitempty"`
	ExposureTime float64  `yaml:"exposure_time"`
}

// PropagateUp recomputes field on p from its children. Children are reduced
// first, so a total draws from already-reduced filter products. Exposures
// are the source of truth and are left unchanged.
func (p *Product) PropagateUp(field Field) error {
	if p.Kind == KindExposure {
		return nil
	}
	for _, c := range p.Children {
		if err := c.PropagateUp(field); err != nil {
			return err
		}
	}
	if len(p.Children) == 0 {
		return fmt.Errorf("%s: %w", p.Ref(), ErrEmpty)
	}

	switch field {
	case FieldTargets:
		p.Meta.Targets = union(p.Children, func(m Metadata) []string { return m.Targets })
	case FieldApertures:
		p.Meta.Apertures = union(p.Children, func(m Metadata) []string { return m.Apertures })
	case FieldTimeRange:
		start, end := math.Inf(1), math.Inf(-1)
		for _, c := range p.Children {
			start = math.Min(start, c.Meta.Start)
			end = math.Max(end, c.Meta.End)
		}
		p.Meta.Start, p.Meta.End = start, end
	case FieldProvenance:
		var list []string
		for _, c := range p.Children {
			list = append(list, c.Meta.Provenance...)
		}
		p.Meta.Provenance = list
	case FieldExposureTime:
		var sum float64
		for _, c := range p.Children {
			sum += c.Meta.ExposureTime
		}
		p.Meta.ExposureTime = sum
	default:
		return fmt.Errorf("unknown metadata field %q", field)
	}
	return nil
}

// PropagateAll propagates every field up from the exposures
func (p *Product) PropagateAll() error {
	for _, f := range Fields {
		if err := p.PropagateUp(f); err != nil {
			return fmt.Errorf("failed to propagate %s: %w", f, err)
		}
	}
	return nil
}

func union(children []*Product, get func(Metadata) []string) []string {
	var out []string
	for _, c := range children {
		for _, v := range get(c.Meta) {
			if !slices.Contains(out, v) {
				out = append(out, v)
			}
		}
	}
	slices.Sort(out)
	return out
}

// PropagateDown resolves p's settings as parent applied with p's override
// map, then pushes the result to every descendant. Nodes without overrides
// receive their parent's settings unchanged.
func (p *Product) PropagateDown(parent config.Settings) error {
	resolved, err := parent.With(p.Overrides)
	if err != nil {
		return Inconsistent(p, "invalid configuration overrides", err)
	}
	p.Settings = resolved
	for _, c := range p.Children {
		if err := c.PropagateDown(resolved); err != nil {
			return err
		}
	}
	return nil
}
