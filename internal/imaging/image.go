// Package imaging provides the read-only combined image used for catalog
// generation, together with the robust statistics and background model the
// detection strategies share.
package imaging

import (
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring"
	"github.com/lehigh-university-libraries/hapcat/internal/header"
	"github.com/lehigh-university-libraries/hapcat/internal/wcs"
)

// CatalogImage is a combined image prepared for catalog generation. Pixels
// are stored row-major with 0-based index y*NX+x; the pixel at index i has
// FITS coordinates (x+1, y+1). Data is in count rate units (e.g. e-/s).
//
// A CatalogImage must not be modified once catalog generation starts; every
// reader shares it without locking.
type CatalogImage struct {
	Name   string
	NX, NY int

	Data   []float64
	Weight []float64       // exposure or inverse-variance map; nil means uniform
	Mask   *roaring.Bitmap // indices of bad pixels; nil means none

	WCS          wcs.Transform
	ExposureTime float64 // seconds
	Gain         float64 // e-/DN, zero means use configuration
	ReadNoise    float64

	Header *header.Header
}

// New allocates a zero image with an empty mask
func New(nx, ny int) *CatalogImage {
	return &CatalogImage{
		NX:   nx,
		NY:   ny,
		Data: make([]float64, nx*ny),
		Mask: roaring.New(),
	}
}

// Validate checks array sizes and calibration values
func (im *CatalogImage) Validate() error {
	if im.NX <= 0 || im.NY <= 0 {
		return fmt.Errorf("invalid image shape %dx%d", im.NX, im.NY)
	}
	n := im.NX * im.NY
	if len(im.Data) != n {
		return fmt.Errorf("science array has %d pixels, expected %d", len(im.Data), n)
	}
	if im.Weight != nil && len(im.Weight) != n {
		return fmt.Errorf("weight array has %d pixels, expected %d", len(im.Weight), n)
	}
	if im.ExposureTime <= 0 {
		return fmt.Errorf("non-positive exposure time %v", im.ExposureTime)
	}
	if im.WCS != nil {
		if nx, ny := im.WCS.Shape(); nx != im.NX || ny != im.NY {
			return fmt.Errorf("WCS shape %dx%d does not match image %dx%d", nx, ny, im.NX, im.NY)
		}
	}
	return nil
}

// Index returns the flat index of 0-based pixel (x, y)
func (im *CatalogImage) Index(x, y int) int {
	return y*im.NX + x
}

// Contains reports whether 0-based pixel (x, y) is inside the image
func (im *CatalogImage) Contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < im.NX && y < im.NY
}

// Masked reports whether a pixel is flagged in the bad-pixel mask
func (im *CatalogImage) Masked(i int) bool {
	return im.Mask != nil && im.Mask.Contains(uint32(i))
}

// Usable reports whether a pixel can be measured: unmasked, finite and with
// positive weight
func (im *CatalogImage) Usable(i int) bool {
	if im.Masked(i) {
		return false
	}
	v := im.Data[i]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	return im.Weight == nil || im.Weight[i] > 0
}

// UsableCount returns the number of usable pixels
func (im *CatalogImage) UsableCount() int {
	n := 0
	for i := range im.Data {
		if im.Usable(i) {
			n++
		}
	}
	return n
}

// UsableValues returns the values of every usable pixel
func (im *CatalogImage) UsableValues() []float64 {
	out := make([]float64, 0, len(im.Data))
	for i, v := range im.Data {
		if im.Usable(i) {
			out = append(out, v)
		}
	}
	return out
}

// Sky converts FITS pixel coordinates to sky coordinates; NaN without a WCS
func (im *CatalogImage) Sky(x, y float64) (float64, float64) {
	if im.WCS == nil {
		return math.NaN(), math.NaN()
	}
	return im.WCS.PixelToSky(x, y)
}
