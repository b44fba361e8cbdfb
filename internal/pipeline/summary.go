package pipeline

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Summary aggregates the outcomes of a run
type Summary struct {
	TotalNodes   int `yaml:"total_nodes"`
	SuccessCount int `yaml:"succeeded"`
	FailureCount int `yaml:"failed"`
	// nodes cataloged with no usable pixels, included in SuccessCount
	EmptyCount int `yaml:"empty"`

	// per level, keyed by product kind
	Succeeded map[string]int `yaml:"succeeded_by_kind"`
	Failed    map[string]int `yaml:"failed_by_kind"`
	// failures per stage
	Stages map[string]int `yaml:"failed_by_stage,omitempty"`

	PointSources   int `yaml:"point_sources"`
	SegmentSources int `yaml:"segment_sources"`

	AverageProcessingTime time.Duration `yaml:"average_processing_time"`
	TotalProcessingTime   time.Duration `yaml:"total_processing_time"`
}

// Summarize aggregates node outcomes
func Summarize(outcomes []*Outcome) *Summary {
	s := &Summary{
		TotalNodes: len(outcomes),
		Succeeded:  map[string]int{},
		Failed:     map[string]int{},
		Stages:     map[string]int{},
	}

	var cataloged int
	var catalogTime time.Duration
	for _, o := range outcomes {
		s.TotalProcessingTime += o.Duration
		if o.Status == StatusFailed {
			s.FailureCount++
			s.Failed[o.Kind]++
			s.Stages[o.Stage]++
			continue
		}
		if o.Status == StatusEmpty {
			s.EmptyCount++
		}
		s.SuccessCount++
		s.Succeeded[o.Kind]++
		s.PointSources += o.Point
		s.SegmentSources += o.Segment
		if len(o.Catalogs) > 0 {
			cataloged++
			catalogTime += o.Duration
		}
	}

	if cataloged > 0 {
		s.AverageProcessingTime = catalogTime / time.Duration(cataloged)
	}
	return s
}

// Print writes a human-readable summary
func (s *Summary) Print(w io.Writer, runID string) {
	rule := strings.Repeat("=", 70)
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, "HAP CATALOG RUN SUMMARY")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Run: %s\n", runID)
	fmt.Fprintf(w, "Nodes: %d\n", s.TotalNodes)
	if s.TotalNodes > 0 {
		fmt.Fprintf(w, "Successful: %d (%.1f%%)\n", s.SuccessCount, float64(s.SuccessCount)/float64(s.TotalNodes)*100)
		fmt.Fprintf(w, "Failed: %d (%.1f%%)\n", s.FailureCount, float64(s.FailureCount)/float64(s.TotalNodes)*100)
	}
	if s.EmptyCount > 0 {
		fmt.Fprintf(w, "Empty (no usable pixels): %d\n", s.EmptyCount)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "BY LEVEL")
	fmt.Fprintln(w, strings.Repeat("-", 70))
	for _, kind := range []string{"exposure", "filter", "total"} {
		fmt.Fprintf(w, "  %-9s ok=%d failed=%d\n", kind, s.Succeeded[kind], s.Failed[kind])
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "CATALOGS")
	fmt.Fprintln(w, strings.Repeat("-", 70))
	fmt.Fprintf(w, "Point sources: %d\n", s.PointSources)
	fmt.Fprintf(w, "Segment sources: %d\n", s.SegmentSources)
	fmt.Fprintf(w, "Average Processing Time: %s\n", s.AverageProcessingTime)
	fmt.Fprintf(w, "Total Processing Time: %s\n", s.TotalProcessingTime)
	fmt.Fprintln(w, rule)
}
