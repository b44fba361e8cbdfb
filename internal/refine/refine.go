// Package refine derives the header keywords and sky footprint of combined
// products from their members.
package refine

import (
	"errors"
	"fmt"

	"github.com/lehigh-university-libraries/hapcat/internal/header"
	"github.com/lehigh-university-libraries/hapcat/internal/product"
	"github.com/lehigh-university-libraries/hapcat/internal/region"
	"github.com/lehigh-university-libraries/hapcat/internal/wcs"
)

// ErrNoWCS is returned when a footprint cannot be derived because no member
// carries a WCS
var ErrNoWCS = errors.New("no WCS")

// Headers replaces the header of a filter or total product with the merge of
// its children's headers, then stamps the keywords owned by the product
// itself. An exposure keeps its own header and only gains S_REGION. A merge
// conflict is returned as a *product.ConsistencyError.
func Headers(p *product.Product) error {
	if p.Kind == product.KindExposure {
		if p.Header == nil {
			p.Header = header.New()
		}
		stamp(p, p.Header)
		return nil
	}
	if len(p.Children) == 0 {
		return product.Inconsistent(p, "no members to merge headers from", product.ErrEmpty)
	}

	children := make([]*header.Header, 0, len(p.Children))
	for _, c := range p.Children {
		if c.Header == nil {
			return product.Inconsistent(p, fmt.Sprintf("member %s has no header", c.ID), nil)
		}
		children = append(children, c.Header)
	}

	merged, err := header.Merge(children...)
	if err != nil {
		return product.Inconsistent(p, "header merge", err)
	}
	stamp(p, merged)
	p.Header = merged
	return nil
}

func stamp(p *product.Product, h *header.Header) {
	h.Set("FILENAME", p.CombinedImageName(), "name of file")
	if _, ok := h.Get("NCOMBINE"); !ok {
		h.Set("NCOMBINE", int64(1), "number of image sets combined")
	}
	if p.Footprint != nil && len(p.Footprint.Vertices) > 0 {
		h.Set("S_REGION", p.Footprint.SRegion(), "footprint of the image on the sky")
	}
}

// Region computes the footprint of p: the projected detector outline of an
// exposure, or the union of the member footprints of a combined product.
// Members without a footprint are computed first; members without any WCS
// are left out of the union. The result wraps ErrNoWCS when nothing below p
// has a WCS.
func Region(p *product.Product) error {
	if p.Kind == product.KindExposure {
		if p.Exposure == nil || p.Exposure.WCS == nil {
			return product.Inconsistent(p, "footprint", ErrNoWCS)
		}
		if err := p.Exposure.WCS.Validate(); err != nil {
			return product.Inconsistent(p, "invalid WCS", err)
		}
		return FromImage(p, p.Exposure.WCS)
	}

	polys := make([]region.Polygon, 0, len(p.Children))
	for _, c := range p.Children {
		if c.Footprint == nil {
			err := Region(c)
			if errors.Is(err, ErrNoWCS) {
				continue
			}
			if err != nil {
				return err
			}
		}
		polys = append(polys, *c.Footprint)
	}
	if len(polys) == 0 && len(p.Children) > 0 {
		return product.Inconsistent(p, "footprint", ErrNoWCS)
	}
	poly, err := region.Union(polys...)
	if err != nil {
		if errors.Is(err, region.ErrEmpty) {
			err = errors.Join(err, product.ErrEmpty)
		}
		return product.Inconsistent(p, "footprint", err)
	}
	p.Footprint = &poly
	return nil
}

// FromImage sets the footprint of p to the outline of an image with
// transform t, for products whose members carry no WCS of their own
func FromImage(p *product.Product, t wcs.Transform) error {
	poly, err := region.Quadrilateral(t)
	if err != nil {
		return product.Inconsistent(p, "footprint", err)
	}
	p.Footprint = &poly
	return nil
}

// Node computes the footprint of p and then its headers, so S_REGION is
// stamped into the refined header
func Node(p *product.Product) error {
	if err := Region(p); err != nil {
		return err
	}
	return Headers(p)
}

// Tree refines every node below and including p, members before parents
func Tree(p *product.Product) error {
	for _, c := range p.Children {
		if err := Tree(c); err != nil {
			return err
		}
	}
	return Node(p)
}
