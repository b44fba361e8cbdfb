package photometry

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/lehigh-university-libraries/hapcat/internal/config"
	"github.com/lehigh-university-libraries/hapcat/internal/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// starImage returns a flat sky of level bg with one circular Gaussian source
// of total flux at FITS position (x0, y0), plus optional seeded noise
func starImage(n int, x0, y0, flux, sigma, bg, noise float64, seed uint64) *imaging.CatalogImage {
	im := imaging.New(n, n)
	im.ExposureTime = 100
	im.Gain = 1
	r := rand.New(rand.NewPCG(seed, seed+1))
	norm := flux / (2 * math.Pi * sigma * sigma)
	for iy := 0; iy < n; iy++ {
		for ix := 0; ix < n; ix++ {
			dx, dy := float64(ix+1)-x0, float64(iy+1)-y0
			v := bg + norm*math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
			if noise > 0 {
				v += noise * r.NormFloat64()
			}
			im.Data[im.Index(ix, iy)] = v
		}
	}
	return im
}

func TestMeasureGaussianFlux(t *testing.T) {
	const flux = 1000.0
	im := starImage(41, 21.3, 20.7, flux, 1.5, 10, 0, 0)
	e := NewEngine(config.Default().Photometry)

	m, err := e.Measure(im, Position{X: 21.3, Y: 20.7}, []float64{6})
	require.NoError(t, err)

	assert.InEpsilon(t, flux, m.Flux, 0.02)
	assert.InDelta(t, 10, m.Background, 1e-3)
	assert.Equal(t, Flag(0), m.Flag)
	assert.InDelta(t, -2.5*math.Log10(m.Flux)+25, m.Mag, 1e-12)
	assert.InDelta(t, MagErrFactor*m.FluxErr/m.Flux, m.MagErr, 1e-12)
}

func TestMeasureDefaultApertureAndArea(t *testing.T) {
	im := starImage(41, 21, 21, 500, 1.5, 3, 0, 0)
	cfg := config.Default().Photometry
	e := NewEngine(cfg)

	m, err := e.Measure(im, Position{X: 21, Y: 21}, nil)
	require.NoError(t, err)
	require.Len(t, m.Apertures, len(cfg.Radii))

	// apertures are independent and grow with radius
	for i := 1; i < len(m.Apertures); i++ {
		assert.Greater(t, m.Apertures[i].Flux, m.Apertures[i-1].Flux)
	}
	assert.Equal(t, m.Apertures[cfg.DefaultAperture].Flux, m.Flux)
	assert.InDelta(t, math.Pi*16, m.Apertures[1].Area, 1.0)
}

func TestMagErrDecreasesWithCounts(t *testing.T) {
	e := NewEngine(config.Default().Photometry)
	prev := math.Inf(1)
	for _, flux := range []float64{200, 500, 1000, 5000, 20000} {
		im := starImage(41, 21, 21, flux, 1.5, 10, 0.05, 7)
		m, err := e.Measure(im, Position{X: 21, Y: 21}, []float64{4})
		require.NoError(t, err)
		assert.Less(t, m.MagErr, prev, "flux %v", flux)
		prev = m.MagErr
	}
}

func TestMeasureUndetected(t *testing.T) {
	im := starImage(41, 21, 21, -500, 1.5, 10, 0, 0)
	e := NewEngine(config.Default().Photometry)

	m, err := e.Measure(im, Position{X: 21, Y: 21}, []float64{4})
	require.NoError(t, err)

	assert.Less(t, m.Flux, 0.0)
	assert.True(t, m.Flag.Has(FlagUndetected))
	assert.True(t, math.IsNaN(m.Mag), "magnitude must be undefined, not zero")
	assert.True(t, math.IsNaN(m.MagErr))
	assert.GreaterOrEqual(t, m.FluxErr, 0.0)
}

func TestMeasureFlags(t *testing.T) {
	e := NewEngine(config.Default().Photometry)

	t.Run("edge", func(t *testing.T) {
		im := starImage(41, 3, 3, 500, 1.5, 10, 0, 0)
		m, err := e.Measure(im, Position{X: 3, Y: 3}, []float64{4})
		require.NoError(t, err)
		assert.True(t, m.Flag.Has(FlagEdge))
	})

	t.Run("masked", func(t *testing.T) {
		im := starImage(41, 21, 21, 500, 1.5, 10, 0, 0)
		im.Mask.Add(uint32(im.Index(20, 20)))
		m, err := e.Measure(im, Position{X: 21, Y: 21}, []float64{4})
		require.NoError(t, err)
		assert.True(t, m.Flag.Has(FlagMasked))
		assert.False(t, m.Flag.Has(FlagEdge))
	})

	t.Run("bad", func(t *testing.T) {
		im := starImage(41, 21, 21, 500, 1.5, 10, 0, 0)
		for iy := 0; iy < im.NY; iy++ {
			for ix := 0; ix < im.NX; ix++ {
				if math.Hypot(float64(ix+1)-21, float64(iy+1)-21) >= 7 {
					im.Mask.Add(uint32(im.Index(ix, iy)))
				}
			}
		}
		m, err := e.Measure(im, Position{X: 21, Y: 21}, []float64{4})
		var pe *Error
		require.True(t, errors.As(err, &pe))
		assert.True(t, m.Flag.Has(FlagBad))
	})

	t.Run("non-finite position", func(t *testing.T) {
		im := starImage(41, 21, 21, 500, 1.5, 10, 0, 0)
		m, err := e.Measure(im, Position{X: math.NaN(), Y: 21}, nil)
		assert.Error(t, err)
		assert.True(t, m.Flag.Has(FlagBad))
	})
}

func TestOverlap(t *testing.T) {
	assert.Equal(t, 1.0, overlap(0, 0, 3, 5))
	assert.Equal(t, 0.0, overlap(10, 0, 3, 5))
	f := overlap(3, 0, 3, 5)
	assert.Greater(t, f, 0.0)
	assert.Less(t, f, 1.0)
}
