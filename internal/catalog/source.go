// Package catalog detects sources on combined images and assembles the
// point-source and segmentation catalogs of a product.
package catalog

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"github.com/lehigh-university-libraries/hapcat/internal/config"
	"github.com/lehigh-university-libraries/hapcat/internal/imaging"
	"github.com/lehigh-university-libraries/hapcat/internal/photometry"
)

// Strategy names
const (
	PointStrategy   = "point"
	SegmentStrategy = "segment"
)

// Shape describes a segment's light distribution from its second moments
type Shape struct {
	A           float64 // semi-major axis rms, pixels
	B           float64 // semi-minor axis rms, pixels
	Theta       float64 // position angle of A, degrees counter-clockwise from +x
	Ellipticity float64 // 1 - B/A
}

// Segment holds the detection-time properties of one segmentation source
type Segment struct {
	ID       int
	SubIndex int // 0 unless split by deblending, then 1..n
	Area     int // pixels
	IsoFlux  float64
	Shape    Shape
	Pixels   *roaring.Bitmap
}

// Candidate is a detected position handed to photometry
type Candidate struct {
	X, Y    float64 // FITS pixel coordinates
	Peak    float64 // peak value above background
	Index   int     // flat index of the peak pixel
	Flag    photometry.Flag
	Segment *Segment // nil for point sources
}

// Strategy is one detection algorithm. Implementations only read the image.
type Strategy interface {
	Name() string
	Detect(ctx context.Context, img *imaging.CatalogImage, s config.Settings) ([]Candidate, error)
}

// Source is one catalog row
type Source struct {
	ID         int
	X, Y       float64 // FITS pixel coordinates
	RA, Dec    float64 // degrees
	Flux       float64
	FluxErr    float64
	Mag        float64 // NaN when undetected
	MagErr     float64
	Flag       photometry.Flag
	Background float64
	Apertures  []photometry.ApertureResult

	SegmentID int
	SubIndex  int
	Area      int
	IsoFlux   float64
	Shape     Shape
}

// Catalog is the ordered output of one strategy
type Catalog struct {
	Strategy string
	Sources  []Source
}

// Rows returns every source, flagged ones included
func (c *Catalog) Rows() []Source {
	if c == nil {
		return nil
	}
	return c.Sources
}

// Default returns the sources not flagged bad
func (c *Catalog) Default() []Source {
	if c == nil {
		return nil
	}
	out := make([]Source, 0, len(c.Sources))
	for _, s := range c.Sources {
		if !s.Flag.Has(photometry.FlagBad) {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of rows
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Sources)
}

// HAPCatalogs is the pair of catalogs of one combined image
type HAPCatalogs struct {
	Point   *Catalog
	Segment *Catalog

	// Detection is set when the image could not be searched at all
	Detection *DetectionError
	// Photometry holds the non-finite measurements, one per affected source
	Photometry []error
}

// DetectionError reports an image with too little usable area
type DetectionError struct {
	Image    string
	Usable   int
	Required int
}

func (e *DetectionError) Error() string {
	if e.Usable == 0 {
		return fmt.Sprintf("detection on %s: image is entirely masked", e.Image)
	}
	return fmt.Sprintf("detection on %s: %d usable pixels, need at least %d", e.Image, e.Usable, e.Required)
}
