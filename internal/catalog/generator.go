package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/lehigh-university-libraries/hapcat/internal/config"
	"github.com/lehigh-university-libraries/hapcat/internal/imaging"
	"github.com/lehigh-university-libraries/hapcat/internal/photometry"
	"github.com/lehigh-university-libraries/hapcat/internal/wcs"
	"golang.org/x/sync/errgroup"
)

// Generator builds the point-source and segmentation catalogs of a combined
// image
type Generator struct {
	Point   Strategy
	Segment Strategy
}

// NewGenerator returns a generator using the standard strategies
func NewGenerator() *Generator {
	return &Generator{Point: PointSource{}, Segment: Segmentation{}}
}

// Generate detects and measures sources on img. An image with too little
// usable area yields empty catalogs together with a *DetectionError.
// Non-finite photometry does not fail generation; the affected sources are
// flagged bad and their errors collected in HAPCatalogs.Photometry.
func (g *Generator) Generate(ctx context.Context, img *imaging.CatalogImage, s config.Settings) (*HAPCatalogs, error) {
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("invalid image %s: %w", img.Name, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	out := &HAPCatalogs{
		Point:   &Catalog{Strategy: g.Point.Name()},
		Segment: &Catalog{Strategy: g.Segment.Name()},
	}

	required := max(s.Detection.MinUsablePixels, 1)
	if n := img.UsableCount(); n < required {
		de := &DetectionError{Image: img.Name, Usable: n, Required: required}
		out.Detection = de
		return out, de
	}

	engine := photometry.NewEngine(s.Photometry)
	var pointErrs, segmentErrs []error

	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		out.Point, pointErrs, err = build(ectx, g.Point, engine, img, s)
		return err
	})
	eg.Go(func() error {
		var err error
		out.Segment, segmentErrs, err = build(ectx, g.Segment, engine, img, s)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	out.Photometry = append(pointErrs, segmentErrs...)
	slog.Debug("Catalogs generated",
		"image", img.Name,
		"point", out.Point.Len(),
		"segment", out.Segment.Len(),
		"photometry_errors", len(out.Photometry))
	return out, nil
}

// build runs one strategy and measures its candidates
func build(ctx context.Context, strat Strategy, engine *photometry.Engine, img *imaging.CatalogImage, s config.Settings) (*Catalog, []error, error) {
	cands, err := strat.Detect(ctx, img, s)
	if err != nil {
		return nil, nil, fmt.Errorf("%s detection on %s: %w", strat.Name(), img.Name, err)
	}

	cat := &Catalog{Strategy: strat.Name(), Sources: make([]Source, 0, len(cands))}
	var perrs []error
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		ra, dec := img.Sky(c.X, c.Y)
		if excluded(s.Exclusions, ra, dec) {
			continue
		}

		m, err := engine.Measure(img, photometry.Position{X: c.X, Y: c.Y}, nil)
		if err != nil {
			var pe *photometry.Error
			if !errors.As(err, &pe) {
				return nil, nil, err
			}
			perrs = append(perrs, fmt.Errorf("%s source %d: %w", strat.Name(), len(cat.Sources)+1, err))
		}

		src := Source{
			ID:         len(cat.Sources) + 1,
			X:          c.X,
			Y:          c.Y,
			RA:         ra,
			Dec:        dec,
			Flux:       m.Flux,
			FluxErr:    m.FluxErr,
			Mag:        m.Mag,
			MagErr:     m.MagErr,
			Flag:       c.Flag | m.Flag,
			Background: m.Background,
			Apertures:  m.Apertures,
		}
		if sg := c.Segment; sg != nil {
			src.SegmentID = sg.ID
			src.SubIndex = sg.SubIndex
			src.Area = sg.Area
			src.IsoFlux = sg.IsoFlux
			src.Shape = sg.Shape
		}
		cat.Sources = append(cat.Sources, src)
	}
	return cat, perrs, nil
}

// excluded reports whether a sky position falls in any exclusion circle.
// Positions without a WCS are never excluded.
func excluded(circles []config.Exclusion, ra, dec float64) bool {
	if math.IsNaN(ra) || math.IsNaN(dec) {
		return false
	}
	for _, c := range circles {
		if wcs.Separation(ra, dec, c.RA, c.Dec)*3600 <= c.Radius {
			return true
		}
	}
	return false
}
