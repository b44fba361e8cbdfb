// Package poller reads poller tables, the flat per-exposure input of a
// processing run, and turns them into product trees.
package poller

import (
	"strings"
)

// Record is one row of a poller table
type Record struct {
	Filename     string  `json:"filename" parquet:"filename"`
	ProposalID   string  `json:"proposal_id" parquet:"proposal_id"`
	VisitID      string  `json:"visit_id" parquet:"visit_id"`
	Instrument   string  `json:"instrument" parquet:"instrument"`
	Detector     string  `json:"detector" parquet:"detector"`
	Filter       string  `json:"filter" parquet:"filter"`
	ExposureTime float64 `json:"exposure_time" parquet:"exposure_time"` // seconds
	ExpStart     float64 `json:"exp_start" parquet:"exp_start"`         // MJD
	ExpEnd       float64 `json:"exp_end" parquet:"exp_end"`             // MJD
	Target       string  `json:"target" parquet:"target"`
	Aperture     string  `json:"aperture" parquet:"aperture"`
	Path         string  `json:"path" parquet:"path"`

	// Extra holds ancillary columns; they are seeded into exposure headers
	Extra map[string]string `json:"extra,omitempty" parquet:"-"`

	// Line is the 1-based row of the record in its source table
	Line int `json:"-" parquet:"-"`

	// Invalid maps a column name to a raw value that failed to parse
	Invalid map[string]string `json:"-" parquet:"-"`
}

func (r *Record) markInvalid(column, value string) {
	if r.Invalid == nil {
		r.Invalid = make(map[string]string)
	}
	r.Invalid[column] = value
}

func (r *Record) normalize() {
	r.Filename = strings.TrimSpace(r.Filename)
	r.ProposalID = strings.TrimSpace(r.ProposalID)
	r.VisitID = strings.TrimSpace(r.VisitID)
	r.Instrument = strings.ToUpper(strings.TrimSpace(r.Instrument))
	r.Detector = strings.ToUpper(strings.TrimSpace(r.Detector))
	r.Filter = strings.TrimSpace(r.Filter)
	r.Target = strings.TrimSpace(r.Target)
	r.Aperture = strings.TrimSpace(r.Aperture)
}

// NormalizeFilter turns a filter-wheel description such as "CLEAR1L;F814W"
// into a product filter name ("f814w"). Clear positions are dropped and the
// remaining elements joined with "-". A fully clear wheel is "clear".
func NormalizeFilter(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r == ';' || r == ',' || r == ' ' || r == '+'
	})
	var out []string
	for _, f := range fields {
		if strings.HasPrefix(f, "clear") || f == "n/a" {
			continue
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		if len(fields) > 0 {
			return "clear"
		}
		return ""
	}
	return strings.Join(out, "-")
}
