// Package wcs implements the gnomonic (TAN) world coordinate transform used
// by drizzled HST products. Pixel coordinates follow the FITS convention:
// the centre of the first pixel is (1, 1).
package wcs

import (
	"errors"
	"fmt"
	"math"
)

const deg = math.Pi / 180

// Transform maps between pixel and sky coordinates
type Transform interface {
	PixelToSky(x, y float64) (ra, dec float64)
	SkyToPixel(ra, dec float64) (x, y float64)
	Shape() (nx, ny int)
}

// TAN is a linear CD-matrix gnomonic projection without distortion terms
type TAN struct {
	CRPIX [2]float64    `yaml:"crpix"` // reference pixel, 1-based
	CRVAL [2]float64    `yaml:"crval"` // reference sky position, degrees
	CD    [2][2]float64 `yaml:"cd"`    // degrees per pixel
	NAXIS [2]int        `yaml:"naxis"`
}

var _ Transform = (*TAN)(nil)

// NewTAN builds a north-up, east-left TAN transform centred on the image
func NewTAN(ra, dec, scaleArcsec float64, nx, ny int) *TAN {
	s := scaleArcsec / 3600
	return &TAN{
		CRPIX: [2]float64{float64(nx)/2 + 0.5, float64(ny)/2 + 0.5},
		CRVAL: [2]float64{ra, dec},
		CD:    [2][2]float64{{-s, 0}, {0, s}},
		NAXIS: [2]int{nx, ny},
	}
}

// Validate reports a transform that cannot be inverted or has no extent
func (w *TAN) Validate() error {
	if w.NAXIS[0] <= 0 || w.NAXIS[1] <= 0 {
		return fmt.Errorf("invalid image shape %dx%d", w.NAXIS[0], w.NAXIS[1])
	}
	if w.det() == 0 {
		return errors.New("singular CD matrix")
	}
	if w.CRVAL[1] < -90 || w.CRVAL[1] > 90 {
		return fmt.Errorf("reference declination %v out of range", w.CRVAL[1])
	}
	return nil
}

// Shape returns the image dimensions
func (w *TAN) Shape() (int, int) {
	return w.NAXIS[0], w.NAXIS[1]
}

// PixelScale returns the mean pixel scale in arcseconds
func (w *TAN) PixelScale() float64 {
	return math.Sqrt(math.Abs(w.det())) * 3600
}

func (w *TAN) det() float64 {
	return w.CD[0][0]*w.CD[1][1] - w.CD[0][1]*w.CD[1][0]
}

// PixelToSky converts FITS pixel coordinates to (ra, dec) in degrees
func (w *TAN) PixelToSky(x, y float64) (float64, float64) {
	dx := x - w.CRPIX[0]
	dy := y - w.CRPIX[1]
	xi := w.CD[0][0]*dx + w.CD[0][1]*dy
	eta := w.CD[1][0]*dx + w.CD[1][1]*dy
	return Deproject(w.CRVAL[0], w.CRVAL[1], xi, eta)
}

// SkyToPixel converts (ra, dec) in degrees to FITS pixel coordinates.
// Points on the far hemisphere return NaN.
func (w *TAN) SkyToPixel(ra, dec float64) (float64, float64) {
	xi, eta, ok := Project(w.CRVAL[0], w.CRVAL[1], ra, dec)
	if !ok {
		return math.NaN(), math.NaN()
	}
	d := w.det()
	dx := (w.CD[1][1]*xi - w.CD[0][1]*eta) / d
	dy := (-w.CD[1][0]*xi + w.CD[0][0]*eta) / d
	return dx + w.CRPIX[0], dy + w.CRPIX[1]
}

// Project maps (ra, dec) onto the plane tangent at (ra0, dec0). Standard
// coordinates xi, eta are returned in degrees; ok is false when the point is
// 90 degrees or more from the tangent point.
func Project(ra0, dec0, ra, dec float64) (xi, eta float64, ok bool) {
	a0, d0 := ra0*deg, dec0*deg
	a, d := ra*deg, dec*deg

	cosc := math.Sin(d0)*math.Sin(d) + math.Cos(d0)*math.Cos(d)*math.Cos(a-a0)
	if cosc <= 0 {
		return 0, 0, false
	}
	xi = math.Cos(d) * math.Sin(a-a0) / cosc
	eta = (math.Cos(d0)*math.Sin(d) - math.Sin(d0)*math.Cos(d)*math.Cos(a-a0)) / cosc
	return xi / deg, eta / deg, true
}

// Deproject is the inverse of Project
func Deproject(ra0, dec0, xi, eta float64) (float64, float64) {
	a0, d0 := ra0*deg, dec0*deg
	x, y := xi*deg, eta*deg

	denom := math.Cos(d0) - y*math.Sin(d0)
	ra := a0 + math.Atan2(x, denom)
	dec := math.Atan2(math.Sin(d0)+y*math.Cos(d0), math.Hypot(x, denom))
	return NormalizeRA(ra / deg), dec / deg
}

// NormalizeRA wraps an angle into [0, 360)
func NormalizeRA(ra float64) float64 {
	ra = math.Mod(ra, 360)
	if ra < 0 {
		ra += 360
	}
	return ra
}

// Separation returns the angular distance between two sky positions in degrees
func Separation(ra1, dec1, ra2, dec2 float64) float64 {
	d1, d2 := dec1*deg, dec2*deg
	dra := (ra2 - ra1) * deg
	h := math.Pow(math.Sin((d2-d1)/2), 2) + math.Cos(d1)*math.Cos(d2)*math.Pow(math.Sin(dra/2), 2)
	return 2 * math.Asin(math.Min(1, math.Sqrt(h))) / deg
}
