package catalog

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
)

// PointRow is one row of a point-source catalog table. Undefined magnitudes
// are stored as nulls.
type PointRow struct {
	ID      int64    `parquet:"id"`
	X       float64  `parquet:"x"`
	Y       float64  `parquet:"y"`
	RA      float64  `parquet:"ra"`
	Dec     float64  `parquet:"dec"`
	Flux    float64  `parquet:"flux"`
	Mag     *float64 `parquet:"mag,optional"`
	MagErr  *float64 `parquet:"mag_err,optional"`
	Flag    int32    `parquet:"flag"`
	FluxErr float64  `parquet:"flux_err"`

	Background   float64   `parquet:"background"`
	ApertureFlux []float64 `parquet:"aperture_flux,list"`
}

// SegmentRow is one row of a segmentation catalog table
type SegmentRow struct {
	ID        int64    `parquet:"id"`
	X         float64  `parquet:"x"`
	Y         float64  `parquet:"y"`
	RA        float64  `parquet:"ra"`
	Dec       float64  `parquet:"dec"`
	Flux      float64  `parquet:"flux"`
	Mag       *float64 `parquet:"mag,optional"`
	MagErr    *float64 `parquet:"mag_err,optional"`
	Flag      int32    `parquet:"flag"`
	SegmentID int64    `parquet:"segment_id"`
	Area      int64    `parquet:"area"`
	FluxErr   float64  `parquet:"flux_err"`

	SubIndex    int32   `parquet:"sub_index"`
	IsoFlux     float64 `parquet:"iso_flux"`
	A           float64 `parquet:"semimajor"`
	B           float64 `parquet:"semiminor"`
	Theta       float64 `parquet:"theta"`
	Ellipticity float64 `parquet:"ellipticity"`
	Background  float64 `parquet:"background"`
}

// CatalogPaths returns the point and segmentation table paths for a
// product catalog base name
func CatalogPaths(dir, base string) (string, string) {
	return filepath.Join(dir, base+"_point-cat.parquet"), filepath.Join(dir, base+"_segment-cat.parquet")
}

// WriteParquet writes the default views of both catalogs under dir and
// returns the two paths. Sources flagged bad are left out but keep their
// ids, so the id column of a table can have gaps; the Store holds every row.
// Empty catalogs produce tables with no rows.
func WriteParquet(dir, base string, cats *HAPCatalogs) (string, string, error) {
	pointPath, segmentPath := CatalogPaths(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create catalog directory: %w", err)
	}

	points := cats.Point.Default()
	pointRows := make([]PointRow, len(points))
	for i, s := range points {
		pointRows[i] = s.pointRow()
	}
	if err := writeTable(pointPath, pointRows); err != nil {
		return "", "", err
	}

	segments := cats.Segment.Default()
	segmentRows := make([]SegmentRow, len(segments))
	for i, s := range segments {
		segmentRows[i] = s.segmentRow()
	}
	if err := writeTable(segmentPath, segmentRows); err != nil {
		return "", "", err
	}
	return pointPath, segmentPath, nil
}

func writeTable[T any](path string, rows []T) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := parquet.NewGenericWriter[T](f)
	if _, err := w.Write(rows); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer for %s: %w", path, err)
	}
	return f.Close()
}

// ReadPointTable reads a point-source catalog table
func ReadPointTable(path string) ([]PointRow, error) {
	rows, err := parquet.ReadFile[PointRow](path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return rows, nil
}

// ReadSegmentTable reads a segmentation catalog table
func ReadSegmentTable(path string) ([]SegmentRow, error) {
	rows, err := parquet.ReadFile[SegmentRow](path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return rows, nil
}

func (s Source) pointRow() PointRow {
	fluxes := make([]float64, len(s.Apertures))
	for i, ap := range s.Apertures {
		fluxes[i] = ap.Flux
	}
	return PointRow{
		ID:           int64(s.ID),
		X:            s.X,
		Y:            s.Y,
		RA:           s.RA,
		Dec:          s.Dec,
		Flux:         s.Flux,
		Mag:          nullable(s.Mag),
		MagErr:       nullable(s.MagErr),
		Flag:         int32(s.Flag),
		FluxErr:      s.FluxErr,
		Background:   s.Background,
		ApertureFlux: fluxes,
	}
}

func (s Source) segmentRow() SegmentRow {
	return SegmentRow{
		ID:          int64(s.ID),
		X:           s.X,
		Y:           s.Y,
		RA:          s.RA,
		Dec:         s.Dec,
		Flux:        s.Flux,
		Mag:         nullable(s.Mag),
		MagErr:      nullable(s.MagErr),
		Flag:        int32(s.Flag),
		SegmentID:   int64(s.SegmentID),
		Area:        int64(s.Area),
		FluxErr:     s.FluxErr,
		SubIndex:    int32(s.SubIndex),
		IsoFlux:     s.IsoFlux,
		A:           s.Shape.A,
		B:           s.Shape.B,
		Theta:       s.Shape.Theta,
		Ellipticity: s.Shape.Ellipticity,
		Background:  s.Background,
	}
}

func nullable(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
