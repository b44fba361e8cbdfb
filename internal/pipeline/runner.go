// Package pipeline drives catalog production over the product trees of a
// run: members are refined, combined images requested from a Drizzler, and
// catalogs generated and written for every eligible node.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lehigh-university-libraries/hapcat/internal/catalog"
	"github.com/lehigh-university-libraries/hapcat/internal/imaging"
	"github.com/lehigh-university-libraries/hapcat/internal/poller"
	"github.com/lehigh-university-libraries/hapcat/internal/product"
	"github.com/lehigh-university-libraries/hapcat/internal/refine"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// ErrNoOutput is returned by Run when no visit produced any catalog
var ErrNoOutput = errors.New("no visit produced catalogs")

// Drizzler produces the combined image of a filter or total product
type Drizzler interface {
	Combine(ctx context.Context, p *product.Product) (*imaging.CatalogImage, error)
}

// Runner processes visits. Failures are isolated per node: a failed
// exposure leaves its filter, a failed filter leaves its total, and a
// total fails only when it has nothing left.
type Runner struct {
	RunID       string
	OutputDir   string
	Concurrency int

	Drizzler  Drizzler
	Generator *catalog.Generator
	Store     *catalog.Store // optional
	Results   *ResultStore

	storeMu sync.Mutex
}

// NewRunner creates a runner with a fresh run id
func NewRunner(d Drizzler, outputDir string, concurrency int) *Runner {
	return &Runner{
		RunID:       uuid.NewString(),
		OutputDir:   outputDir,
		Concurrency: max(concurrency, 1),
		Drizzler:    d,
		Generator:   catalog.NewGenerator(),
		Results:     NewResultStore(),
	}
}

// Run processes every visit. It fails only when no visit produced output;
// the error is ErrNoOutput joined with the visit errors.
func (r *Runner) Run(ctx context.Context, totals []*product.Product) error {
	var errs []error
	ok := 0
	for _, total := range totals {
		if err := r.RunVisit(ctx, total); err != nil {
			errs = append(errs, err)
			continue
		}
		ok++
	}

	slog.Info("Run finished", "run_id", r.RunID, "visits", len(totals), "succeeded", ok, "failed", len(errs))
	if ok == 0 {
		if len(errs) == 0 {
			return poller.ErrNoValidVisits
		}
		return fmt.Errorf("%w: %w", ErrNoOutput, errors.Join(errs...))
	}
	return nil
}

// RunVisit processes the filter products of total concurrently, then the
// total itself once every filter has finished. It fails only when no filter
// product produced catalogs; a failure of the total's own step is recorded
// as its outcome and logged.
func (r *Runner) RunVisit(ctx context.Context, total *product.Product) error {
	log := total.Logger()
	log.Info("Processing visit", "filters", len(total.Children), "exposures", len(total.Exposures()))

	for _, f := range append([]*product.Product(nil), total.Children...) {
		for _, e := range append([]*product.Product(nil), f.Children...) {
			if err := r.refineExposure(e); err != nil {
				r.fail(e, "refine", err, time.Time{})
				if rerr := f.RemoveChild(e); rerr != nil {
					r.fail(f, "exposures", rerr, time.Time{})
					_ = total.RemoveChild(f)
				}
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.Concurrency)

	filters := append([]*product.Product(nil), total.Children...)
	failures := make([]error, len(filters))
	for i, f := range filters {
		g.Go(func() error {
			failures[i] = r.processNode(gctx, f)
			return nil
		})
	}
	_ = g.Wait()

	for i, f := range filters {
		if failures[i] != nil {
			_ = total.RemoveChild(f)
		}
	}
	if len(total.Children) == 0 {
		err := fmt.Errorf("%s: %w", total.Ref(), product.ErrEmpty)
		r.fail(total, "filters", err, time.Time{})
		return fmt.Errorf("visit %s: %w", total.Visit, errors.Join(append([]error{err}, failures...)...))
	}

	if err := r.processNode(ctx, total); err != nil {
		log.Warn("Visit catalogs written for filters only", "filters", len(total.Children), "error", err)
	}
	return nil
}

// refineExposure derives the footprint and header of an exposure. An
// exposure without a WCS is kept; its parent takes the footprint of the
// combined image instead.
func (r *Runner) refineExposure(e *product.Product) error {
	start := time.Now()
	if err := refine.Region(e); err != nil && !errors.Is(err, refine.ErrNoWCS) {
		return err
	}
	if err := refine.Headers(e); err != nil {
		return err
	}
	r.Results.Set(&Outcome{
		Ref:      e.Ref(),
		Kind:     e.Kind.String(),
		Product:  e.CombinedImageName(),
		Status:   StatusOK,
		Duration: time.Since(start),
	})
	return nil
}

// processNode refines, combines and catalogs one filter or total product
func (r *Runner) processNode(ctx context.Context, p *product.Product) error {
	start := time.Now()
	log := p.Logger()

	regionErr := refine.Region(p)
	if regionErr != nil && !errors.Is(regionErr, refine.ErrNoWCS) {
		return r.fail(p, "region", regionErr, start)
	}

	img, err := r.Drizzler.Combine(ctx, p)
	if err != nil {
		return r.fail(p, "drizzle", err, start)
	}
	p.Image = img.Name

	if regionErr != nil {
		if img.WCS == nil {
			return r.fail(p, "region", regionErr, start)
		}
		if err := refine.FromImage(p, img.WCS); err != nil {
			return r.fail(p, "region", err, start)
		}
	}
	if err := refine.Headers(p); err != nil {
		return r.fail(p, "header", err, start)
	}
	img.Header = p.Header

	status, stage, reason := StatusOK, "", ""
	cats, err := r.Generator.Generate(ctx, img, p.Settings)
	var de *catalog.DetectionError
	switch {
	case errors.As(err, &de) && cats != nil:
		// empty catalogs are still written; siblings and parent are unaffected
		log.Warn("No usable pixels", "product", p.CombinedImageName(), "error", err)
		status, stage, reason = StatusEmpty, "catalog", err.Error()
	case err != nil:
		return r.fail(p, "catalog", err, start)
	}
	for _, perr := range cats.Photometry {
		log.Warn("Photometry failed", "error", perr)
	}

	paths, err := r.write(p, cats)
	if err != nil {
		return r.fail(p, "write", err, start)
	}

	r.Results.Set(&Outcome{
		Ref:      p.Ref(),
		Kind:     p.Kind.String(),
		Product:  p.CombinedImageName(),
		Status:   status,
		Stage:    stage,
		Error:    reason,
		Point:    cats.Point.Len(),
		Segment:  cats.Segment.Len(),
		Catalogs: paths,
		Duration: time.Since(start),
	})
	log.Info("Catalogs written",
		"product", p.CombinedImageName(),
		"point", cats.Point.Len(),
		"segment", cats.Segment.Len(),
		"duration", time.Since(start))
	return nil
}

func (r *Runner) write(p *product.Product, cats *catalog.HAPCatalogs) ([]string, error) {
	pointPath, segmentPath, err := catalog.WriteParquet(r.OutputDir, p.CatalogBase(), cats)
	if err != nil {
		return nil, err
	}

	headerPath := filepath.Join(r.OutputDir, strings.TrimSuffix(p.CombinedImageName(), ".fits")+"_hdr.yaml")
	data, err := yaml.Marshal(p.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}
	if err := os.WriteFile(headerPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	if r.Store != nil {
		r.storeMu.Lock()
		err := r.Store.Save(r.RunID, p.CombinedImageName(), cats)
		r.storeMu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("failed to store catalogs: %w", err)
		}
	}
	return []string{pointPath, segmentPath, headerPath}, nil
}

// fail records and logs a node failure and returns err
func (r *Runner) fail(p *product.Product, stage string, err error, start time.Time) error {
	o := &Outcome{
		Ref:     p.Ref(),
		Kind:    p.Kind.String(),
		Product: p.CombinedImageName(),
		Status:  StatusFailed,
		Stage:   stage,
		Error:   err.Error(),
	}
	if !start.IsZero() {
		o.Duration = time.Since(start)
	}
	r.Results.Set(o)
	p.Logger().Warn("Product failed", "product", o.Product, "stage", stage, "error", err)
	return err
}
