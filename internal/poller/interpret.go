package poller

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/lehigh-university-libraries/hapcat/internal/config"
	"github.com/lehigh-university-libraries/hapcat/internal/header"
	"github.com/lehigh-university-libraries/hapcat/internal/product"
)

// OverrideSource resolves the override map of a node from its identity.
// *config.Pipeline satisfies it.
type OverrideSource interface {
	OverridesFor(instrument, detector, filter string) config.Overrides
}

// Interpret materialises one total product per visit of the tree, with one
// filter product per filter and one exposure product per record. Metadata is
// propagated up and settings down. A visit that cannot be built is dropped
// and logged; an error is returned only when no visit could be built.
// overrides may be nil.
func Interpret(tree *ObsetTree, settings config.Settings, overrides OverrideSource) ([]*product.Product, error) {
	var totals []*product.Product
	var errs []error

	for _, v := range tree.Visits {
		total, err := interpretVisit(v, settings, overrides)
		if err != nil {
			slog.Warn("Dropped visit", "visit", v.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		totals = append(totals, total)
	}

	if len(totals) == 0 {
		if len(errs) == 0 {
			return nil, ErrNoValidVisits
		}
		return nil, fmt.Errorf("%w: %w", ErrNoValidVisits, errors.Join(errs...))
	}
	return totals, nil
}

func interpretVisit(v *Visit, settings config.Settings, overrides OverrideSource) (*product.Product, error) {
	id := product.Identity{
		Proposal:   v.Proposal,
		Visit:      v.ID,
		Instrument: v.Instrument,
		Detector:   v.Detector,
	}
	total := product.NewTotal(id)
	if overrides != nil {
		total.Overrides = overrides.OverridesFor(v.Instrument, v.Detector, "")
	}

	for _, g := range v.Filters {
		fid := id
		fid.Filter = g.Filter
		filter := product.NewFilter(fid)
		if overrides != nil {
			filter.Overrides = overrides.OverridesFor(v.Instrument, v.Detector, g.Filter)
		}

		for _, rec := range g.Records {
			exp, err := product.NewExposure(fid, product.ExposureInfo{
				Filename:     rec.Filename,
				Path:         rec.Path,
				ExposureTime: rec.ExposureTime,
				ExpStart:     rec.ExpStart,
				ExpEnd:       rec.ExpEnd,
				Target:       rec.Target,
				Aperture:     rec.Aperture,
			})
			if err == nil {
				seedHeader(exp.Header, rec)
				err = filter.AddChild(exp)
			}
			if err != nil {
				slog.Warn("Dropped exposure", "visit", v.ID, "filter", g.Filter, "filename", rec.Filename, "error", err)
			}
		}

		if len(filter.Children) == 0 {
			slog.Warn("Dropped filter product with no exposures", "visit", v.ID, "filter", g.Filter)
			continue
		}
		if err := total.AddChild(filter); err != nil {
			slog.Warn("Dropped filter product", "visit", v.ID, "filter", g.Filter, "error", err)
		}
	}

	if len(total.Children) == 0 {
		return nil, fmt.Errorf("%s: %w", total.Ref(), product.ErrEmpty)
	}
	if err := total.PropagateAll(); err != nil {
		return nil, err
	}
	if err := total.PropagateDown(settings); err != nil {
		return nil, err
	}

	total.Logger().Debug("Built product tree", "filters", len(total.Children), "exposures", len(total.Exposures()))
	return total, nil
}

var mjdEpoch = time.Date(1858, time.November, 17, 0, 0, 0, 0, time.UTC)

// DateFromMJD formats a modified Julian date as a FITS DATE-OBS value
func DateFromMJD(mjd float64) string {
	return mjdEpoch.Add(time.Duration(mjd * 24 * float64(time.Hour))).Format("2006-01-02")
}

func seedHeader(h *header.Header, rec Record) {
	h.Set("ROOTNAME", product.Rootname(rec.Filename), "rootname of the observation set")
	h.Set("FILENAME", rec.Filename, "name of file")
	h.Set("INSTRUME", rec.Instrument, "identifier for instrument used to acquire data")
	h.Set("DETECTOR", rec.Detector, "detector in use")
	h.Set("FILTER", rec.Filter, "filter in use")
	if rec.ProposalID != "" {
		h.Set("PROPOSID", rec.ProposalID, "PEP proposal identifier")
	}
	h.Set("EXPTIME", rec.ExposureTime, "exposure duration (seconds)")
	if rec.ExpStart > 0 {
		h.Set("EXPSTART", rec.ExpStart, "exposure start time (Modified Julian Date)")
		h.Set("DATE-OBS", DateFromMJD(rec.ExpStart), "UT date of start of observation (yyyy-mm-dd)")
	}
	if rec.ExpEnd > 0 {
		h.Set("EXPEND", rec.ExpEnd, "exposure end time (Modified Julian Date)")
	}
	if rec.Target != "" {
		h.Set("TARGNAME", rec.Target, "proposer's target name")
	}
	if rec.Aperture != "" {
		h.Set("APERTURE", rec.Aperture, "aperture name")
	}
	for _, k := range slices.Sorted(maps.Keys(rec.Extra)) {
		h.Set(k, rec.Extra[k], "")
	}
}
