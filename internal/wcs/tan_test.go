package wcs

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPixelToSkyReferencePixel(t *testing.T) {
	w := NewTAN(150.1, 2.2, 0.04, 100, 80)
	require.NoError(t, w.Validate())

	ra, dec := w.PixelToSky(w.CRPIX[0], w.CRPIX[1])
	assert.InDelta(t, 150.1, ra, 1e-12)
	assert.InDelta(t, 2.2, dec, 1e-12)
}

func TestRoundTrip(t *testing.T) {
	w := &TAN{
		CRPIX: [2]float64{512, 512},
		CRVAL: [2]float64{359.99, -45},
		CD:    [2][2]float64{{-1e-5, 2e-6}, {3e-6, 1.1e-5}},
		NAXIS: [2]int{1024, 1024},
	}
	require.NoError(t, w.Validate())

	for _, p := range [][2]float64{{1, 1}, {1024, 1}, {300.5, 700.25}, {1024, 1024}} {
		ra, dec := w.PixelToSky(p[0], p[1])
		assert.GreaterOrEqual(t, ra, 0.0)
		assert.Less(t, ra, 360.0)

		x, y := w.SkyToPixel(ra, dec)
		assert.InDelta(t, p[0], x, 1e-6)
		assert.InDelta(t, p[1], y, 1e-6)
	}
}

func TestEastIsLeft(t *testing.T) {
	w := NewTAN(10, 0, 1, 10, 10)

	raLeft, _ := w.PixelToSky(1, 5.5)
	raRight, _ := w.PixelToSky(10, 5.5)
	assert.Greater(t, raLeft, raRight)
}

func TestPixelScale(t *testing.T) {
	w := NewTAN(0, 0, 0.1, 10, 10)
	assert.InDelta(t, 0.1, w.PixelScale(), 1e-12)
}

func TestValidate(t *testing.T) {
	w := NewTAN(0, 0, 0.1, 10, 10)
	w.CD = [2][2]float64{{1, 1}, {1, 1}}
	assert.Error(t, w.Validate())

	w = NewTAN(0, 0, 0.1, 0, 10)
	assert.Error(t, w.Validate())
}

func TestProjectFarSide(t *testing.T) {
	_, _, ok := Project(0, 0, 180, 0)
	assert.False(t, ok)

	x, y := NewTAN(0, 0, 1, 10, 10).SkyToPixel(180, 0)
	assert.True(t, math.IsNaN(x))
	assert.True(t, math.IsNaN(y))
}

func TestSeparation(t *testing.T) {
	assert.InDelta(t, 1.0, Separation(10, 0, 11, 0), 1e-12)
	assert.InDelta(t, 90.0, Separation(0, 0, 0, 90), 1e-9)
	assert.InDelta(t, 0.0, Separation(5, 5, 5, 5), 1e-12)
}

func TestNormalizeRA(t *testing.T) {
	assert.Equal(t, 350.0, NormalizeRA(-10))
	assert.Equal(t, 10.0, NormalizeRA(370))
}
