package poller

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/lehigh-university-libraries/hapcat/internal/product"
)

// ErrNoValidVisits is returned when a poller table yields nothing to process
var ErrNoValidVisits = errors.New("poller table has no valid visits")

// FormatError reports a malformed poller record or an inconsistent visit
type FormatError struct {
	Ref    product.Ref
	Line   int
	Field  string
	Reason string
}

func (e *FormatError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "poller format (%s", e.Ref)
	if e.Line > 0 {
		fmt.Fprintf(&b, " line=%d", e.Line)
	}
	b.WriteString("): ")
	if e.Field != "" {
		fmt.Fprintf(&b, "%s: ", e.Field)
	}
	b.WriteString(e.Reason)
	return b.String()
}

// FilterGroup is the records of one filter within a visit, in input order
type FilterGroup struct {
	Filter  string
	Records []Record
}

// Visit is one valid visit: a single instrument and detector
type Visit struct {
	ID         string
	Proposal   string
	Instrument string
	Detector   string
	Filters    []*FilterGroup
}

// Records returns the visit's records grouped by filter
func (v *Visit) Records() []Record {
	var out []Record
	for _, f := range v.Filters {
		out = append(out, f.Records...)
	}
	return out
}

// ObsetTree is the grouped form of a poller table
type ObsetTree struct {
	Visits   []*Visit
	Rejected []error
}

// Filenames returns every filename held by the tree
func (t *ObsetTree) Filenames() []string {
	var out []string
	for _, v := range t.Visits {
		for _, r := range v.Records() {
			out = append(out, r.Filename)
		}
	}
	return out
}

// Parse groups records by visit, then by filter. Order is preserved within
// each group, and groups appear in the order they are first seen.
//
// A record with no visit id is rejected on its own. Any other malformed
// record rejects its whole visit, as does a visit that mixes instruments,
// detectors or proposals, or repeats a filename. Rejections are kept on the
// tree; an error is returned only when no visit survives.
func Parse(records []Record) (*ObsetTree, error) {
	tree := &ObsetTree{}

	var order []string
	byVisit := make(map[string][]Record)
	for _, rec := range records {
		rec.normalize()
		if rec.VisitID == "" {
			tree.reject(&FormatError{Line: rec.Line, Field: "visit_id", Reason: fmt.Sprintf("record %q has no visit id", rec.Filename)})
			continue
		}
		if _, seen := byVisit[rec.VisitID]; !seen {
			order = append(order, rec.VisitID)
		}
		byVisit[rec.VisitID] = append(byVisit[rec.VisitID], rec)
	}

	for _, id := range order {
		visit, errs := group(id, byVisit[id])
		if len(errs) > 0 {
			tree.reject(fmt.Errorf("visit %s rejected: %w", id, errors.Join(errs...)))
			continue
		}
		tree.Visits = append(tree.Visits, visit)
	}

	if len(tree.Visits) == 0 {
		if len(tree.Rejected) == 0 {
			return tree, ErrNoValidVisits
		}
		return tree, fmt.Errorf("%w: %w", ErrNoValidVisits, errors.Join(tree.Rejected...))
	}
	return tree, nil
}

func (t *ObsetTree) reject(err error) {
	slog.Warn("Rejected poller input", "error", err)
	t.Rejected = append(t.Rejected, err)
}

func group(id string, records []Record) (*Visit, []error) {
	var errs []error
	first := records[0]
	visit := &Visit{
		ID:         id,
		Proposal:   first.ProposalID,
		Instrument: first.Instrument,
		Detector:   first.Detector,
	}

	seen := make(map[string]int)
	byFilter := make(map[string]*FilterGroup)
	for _, rec := range records {
		filter := NormalizeFilter(rec.Filter)
		ref := product.Ref{Visit: id, Filter: filter, Detector: rec.Detector}
		fail := func(field, reason string) {
			errs = append(errs, &FormatError{Ref: ref, Line: rec.Line, Field: field, Reason: reason})
		}

		for _, column := range slices.Sorted(maps.Keys(rec.Invalid)) {
			fail(column, fmt.Sprintf("invalid value %q", rec.Invalid[column]))
		}
		if rec.Filename == "" {
			fail("filename", "missing required field")
		}
		if rec.Instrument == "" {
			fail("instrument", "missing required field")
		}
		if rec.Detector == "" {
			fail("detector", "missing required field")
		}
		if filter == "" {
			fail("filter", "missing required field")
		}
		if rec.ExposureTime <= 0 && rec.Invalid["exposure_time"] == "" && rec.Invalid["exptime"] == "" {
			fail("exposure_time", "missing or non-positive exposure time")
		}
		if rec.ExpEnd != 0 && rec.ExpEnd < rec.ExpStart {
			fail("exp_end", "exposure ends before it starts")
		}

		if rec.Instrument != "" && rec.Instrument != visit.Instrument {
			fail("instrument", fmt.Sprintf("visit mixes instruments %s and %s", visit.Instrument, rec.Instrument))
		}
		if rec.Detector != "" && rec.Detector != visit.Detector {
			fail("detector", fmt.Sprintf("visit mixes detectors %s and %s", visit.Detector, rec.Detector))
		}
		if rec.ProposalID != visit.Proposal {
			fail("proposal_id", fmt.Sprintf("visit mixes proposals %q and %q", visit.Proposal, rec.ProposalID))
		}

		// exposures are identified by rootname, so flt and flc files of one
		// observation are duplicates too
		key := product.Rootname(rec.Filename)
		if line, dup := seen[key]; dup && rec.Filename != "" {
			fail("filename", fmt.Sprintf("exposure %s duplicates line %d", key, line))
		}
		seen[key] = rec.Line

		rec.Filter = filter
		g, ok := byFilter[filter]
		if !ok {
			g = &FilterGroup{Filter: filter}
			byFilter[filter] = g
			visit.Filters = append(visit.Filters, g)
		}
		g.Records = append(g.Records, rec)
	}

	return visit, errs
}
