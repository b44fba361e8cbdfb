// Package photometry measures calibrated aperture fluxes, magnitudes and
// errors of sources on a combined image.
package photometry

import (
	"fmt"
	"math"

	"github.com/lehigh-university-libraries/hapcat/internal/config"
	"github.com/lehigh-university-libraries/hapcat/internal/imaging"
)

// MagErrFactor is 2.5/ln(10), the differential flux-to-magnitude factor
const MagErrFactor = 1.0857

// Flag is a bit set of measurement quality flags
type Flag uint16

const (
	// FlagEdge marks an aperture that extends past the image edge
	FlagEdge Flag = 1 << iota
	// FlagMasked marks an aperture containing unusable pixels
	FlagMasked
	// FlagCentroid marks a centroid fit that did not converge
	FlagCentroid
	// FlagUndetected marks a non-positive flux; magnitudes are NaN
	FlagUndetected
	// FlagBad marks a non-finite measurement
	FlagBad
	// FlagDeblended marks a segment split from a blended parent
	FlagDeblended
)

// Has reports whether every bit of g is set
func (f Flag) Has(g Flag) bool {
	return f&g == g
}

// Position is a source position in FITS pixel coordinates (first pixel is 1,1)
type Position struct {
	X, Y float64
}

// ApertureResult is the measurement through one circular aperture
type ApertureResult struct {
	Radius  float64
	Area    float64 // usable pixels inside the aperture
	Flux    float64 // background subtracted, image units
	FluxErr float64
	Mag     float64
	MagErr  float64
	Flag    Flag
}

// Measurement holds every aperture of one source plus the values of the
// default aperture
type Measurement struct {
	Apertures     []ApertureResult
	Background    float64 // per pixel
	BackgroundVar float64 // per pixel

	Flux    float64
	FluxErr float64
	Mag     float64
	MagErr  float64
	Flag    Flag
}

// Error reports a measurement with a non-finite result. The measurement is
// still returned, flagged bad.
type Error struct {
	Position Position
	Radius   float64
	Reason   string
}

func (e *Error) Error() string {
	if e.Radius > 0 {
		return fmt.Sprintf("photometry at (%.2f, %.2f) r=%.2f: %s", e.Position.X, e.Position.Y, e.Radius, e.Reason)
	}
	return fmt.Sprintf("photometry at (%.2f, %.2f): %s", e.Position.X, e.Position.Y, e.Reason)
}

// Engine measures sources with one photometry configuration. It holds no
// mutable state and is safe for concurrent use.
type Engine struct {
	cfg config.Photometry
}

// NewEngine creates an engine for validated settings
func NewEngine(cfg config.Photometry) *Engine {
	return &Engine{cfg: cfg}
}

// Measure performs aperture photometry at pos. radii selects the apertures;
// nil uses the configured set. The default aperture feeds the summary fields.
func (e *Engine) Measure(img *imaging.CatalogImage, pos Position, radii []float64) (Measurement, error) {
	if radii == nil {
		radii = e.cfg.Radii
	}
	m := Measurement{Apertures: make([]ApertureResult, len(radii))}
	if !finite(pos.X) || !finite(pos.Y) {
		nan := math.NaN()
		for i, r := range radii {
			m.Apertures[i] = ApertureResult{Radius: r, Flux: nan, FluxErr: nan, Mag: nan, MagErr: nan, Flag: FlagBad}
		}
		m.Flux, m.FluxErr, m.Mag, m.MagErr, m.Flag = nan, nan, nan, nan, FlagBad
		m.Background, m.BackgroundVar = nan, nan
		return m, &Error{Position: pos, Reason: "non-finite position"}
	}

	bg := e.annulus(img, pos)
	m.Background = bg.Mean
	m.BackgroundVar = bg.Std * bg.Std

	var firstErr error
	for i, r := range radii {
		ap := e.aperture(img, pos, r, m.Background, m.BackgroundVar)
		if bg.N == 0 {
			ap.Flag |= FlagBad
			if firstErr == nil {
				firstErr = &Error{Position: pos, Reason: "no usable background annulus pixels"}
			}
		} else if !finite(ap.Flux) || !finite(ap.FluxErr) {
			ap.Flag |= FlagBad
			if firstErr == nil {
				firstErr = &Error{Position: pos, Radius: r, Reason: fmt.Sprintf("non-finite flux %v +/- %v", ap.Flux, ap.FluxErr)}
			}
		}
		m.Apertures[i] = ap
	}

	def := min(max(e.cfg.DefaultAperture, 0), len(radii)-1)
	if def >= 0 {
		d := m.Apertures[def]
		m.Flux, m.FluxErr, m.Mag, m.MagErr, m.Flag = d.Flux, d.FluxErr, d.Mag, d.MagErr, d.Flag
	}
	return m, firstErr
}

func (e *Engine) gain(img *imaging.CatalogImage) float64 {
	if img.Gain > 0 {
		return img.Gain
	}
	return e.cfg.Gain
}

// annulus returns the clipped statistics of the background annulus
func (e *Engine) annulus(img *imaging.CatalogImage, pos Position) imaging.ClipStats {
	rin, rout := e.cfg.AnnulusInner, e.cfg.AnnulusOuter
	x0, x1, y0, y1 := bounds(img, pos, rout)

	var values []float64
	for iy := y0; iy <= y1; iy++ {
		for ix := x0; ix <= x1; ix++ {
			d := math.Hypot(float64(ix+1)-pos.X, float64(iy+1)-pos.Y)
			if d < rin || d >= rout {
				continue
			}
			if i := img.Index(ix, iy); img.Usable(i) {
				values = append(values, img.Data[i])
			}
		}
	}
	iters := max(e.cfg.ClipIterations, 0)
	return imaging.SigmaClip(values, e.cfg.ClipSigma, iters)
}

func (e *Engine) aperture(img *imaging.CatalogImage, pos Position, r, bg, bgVar float64) ApertureResult {
	ap := ApertureResult{Radius: r}
	if pos.X-r < 0.5 || pos.Y-r < 0.5 || pos.X+r > float64(img.NX)+0.5 || pos.Y+r > float64(img.NY)+0.5 {
		ap.Flag |= FlagEdge
	}

	sub := max(e.cfg.Subpixels, 1)
	x0, x1, y0, y1 := bounds(img, pos, r)
	var sum, area float64
	for iy := y0; iy <= y1; iy++ {
		for ix := x0; ix <= x1; ix++ {
			frac := overlap(float64(ix+1)-pos.X, float64(iy+1)-pos.Y, r, sub)
			if frac == 0 {
				continue
			}
			i := img.Index(ix, iy)
			if !img.Usable(i) {
				ap.Flag |= FlagMasked
				continue
			}
			sum += frac * (img.Data[i] - bg)
			area += frac
		}
	}
	ap.Area = area
	ap.Flux = sum

	t := img.ExposureTime
	counts := sum * t
	readVar := area * img.ReadNoise * img.ReadNoise
	ap.FluxErr = math.Sqrt(math.Max(counts, 0)/e.gain(img)+area*bgVar*t*t+readVar) / t

	if ap.Flux > 0 {
		ap.Mag = -2.5*math.Log10(ap.Flux) + e.cfg.ZeroPoint
		ap.MagErr = MagErrFactor * ap.FluxErr / ap.Flux
	} else {
		ap.Flag |= FlagUndetected
		ap.Mag = math.NaN()
		ap.MagErr = math.NaN()
	}
	return ap
}

// overlap returns the fraction of the unit pixel centred at offset (dx, dy)
// that lies within radius r, sampled on a sub x sub grid
func overlap(dx, dy, r float64, sub int) float64 {
	// nearest and farthest points of the pixel from the aperture centre
	nx := math.Max(math.Abs(dx)-0.5, 0)
	ny := math.Max(math.Abs(dy)-0.5, 0)
	if nx*nx+ny*ny >= r*r {
		return 0
	}
	fx, fy := math.Abs(dx)+0.5, math.Abs(dy)+0.5
	if fx*fx+fy*fy <= r*r {
		return 1
	}

	inside := 0
	step := 1 / float64(sub)
	for j := 0; j < sub; j++ {
		sy := dy - 0.5 + (float64(j)+0.5)*step
		for i := 0; i < sub; i++ {
			sx := dx - 0.5 + (float64(i)+0.5)*step
			if sx*sx+sy*sy <= r*r {
				inside++
			}
		}
	}
	return float64(inside) / float64(sub*sub)
}

// bounds returns the 0-based pixel box covering a circle, clipped to the image
func bounds(img *imaging.CatalogImage, pos Position, r float64) (int, int, int, int) {
	x0 := max(int(math.Floor(pos.X-r))-1, 0)
	x1 := min(int(math.Ceil(pos.X+r)), img.NX-1)
	y0 := max(int(math.Floor(pos.Y-r))-1, 0)
	y1 := min(int(math.Ceil(pos.Y+r)), img.NY-1)
	return x0, x1, y0, y1
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
