package catalog

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/lehigh-university-libraries/hapcat/internal/config"
	"github.com/lehigh-university-libraries/hapcat/internal/imaging"
	"github.com/lehigh-university-libraries/hapcat/internal/photometry"
	"github.com/lehigh-university-libraries/hapcat/internal/wcs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type star struct {
	x, y  float64 // FITS pixel coordinates
	flux  float64
	sigma float64
}

// testImage renders circular Gaussian stars on a zero sky with uniform noise
// in [-noise, noise]
func testImage(n int, noise float64, seed uint64, stars ...star) *imaging.CatalogImage {
	im := imaging.New(n, n)
	im.Name = "test_drz.fits"
	im.ExposureTime = 100
	im.Gain = 1
	im.WCS = wcs.NewTAN(150.1, 2.2, 0.05, n, n)

	r := rand.New(rand.NewPCG(seed, seed+17))
	for iy := 0; iy < n; iy++ {
		for ix := 0; ix < n; ix++ {
			var v float64
			for _, s := range stars {
				dx, dy := float64(ix+1)-s.x, float64(iy+1)-s.y
				v += s.flux / (2 * math.Pi * s.sigma * s.sigma) * math.Exp(-(dx*dx+dy*dy)/(2*s.sigma*s.sigma))
			}
			if noise > 0 {
				v += noise * (2*r.Float64() - 1)
			}
			im.Data[im.Index(ix, iy)] = v
		}
	}
	return im
}

// absolute returns the default settings with both thresholds fixed at level
// above background
func absolute(level float64) config.Settings {
	s := config.Default()
	s.Segmentation.Mode = config.ThresholdAbsolute
	s.Segmentation.Threshold = level
	s.Detection.Mode = config.ThresholdAbsolute
	s.Detection.Threshold = level
	return s
}

func TestBlankImage(t *testing.T) {
	im := testImage(64, 1, 3)
	s := config.Default()

	for _, strat := range []Strategy{PointSource{}, Segmentation{}} {
		t.Run(strat.Name(), func(t *testing.T) {
			cands, err := strat.Detect(context.Background(), im, s)
			require.NoError(t, err)
			assert.Empty(t, cands)
		})
	}
}

func TestSingleInjectedSource(t *testing.T) {
	const x0, y0 = 32.3, 31.6
	im := testImage(64, 0.1, 5, star{x: x0, y: y0, flux: 500, sigma: 1.5})
	s := config.Default()

	for _, strat := range []Strategy{PointSource{}, Segmentation{}} {
		t.Run(strat.Name(), func(t *testing.T) {
			cands, err := strat.Detect(context.Background(), im, s)
			require.NoError(t, err)
			require.Len(t, cands, 1)

			c := cands[0]
			assert.InDelta(t, x0, c.X, 0.15)
			assert.InDelta(t, y0, c.Y, 0.15)
			assert.False(t, c.Flag.Has(photometry.FlagCentroid))
			assert.False(t, c.Flag.Has(photometry.FlagEdge))
		})
	}
}

func TestPointSourceMergesClosePeaks(t *testing.T) {
	im := testImage(64, 0, 0,
		star{x: 30, y: 32, flux: 1000, sigma: 0.8},
		star{x: 33, y: 32, flux: 600, sigma: 0.8},
	)
	s := absolute(1)
	s.Detection.Smooth = false

	s.Detection.MinSeparation = 0
	cands, err := PointSource{}.Detect(context.Background(), im, s)
	require.NoError(t, err)
	require.Len(t, cands, 2)

	s.Detection.MinSeparation = 4
	cands, err = PointSource{}.Detect(context.Background(), im, s)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.InDelta(t, 30, cands[0].X, 1, "the brighter peak survives")
}

func TestPointSourceEdgeFlag(t *testing.T) {
	im := testImage(64, 0, 0, star{x: 3, y: 40, flux: 800, sigma: 1.2})
	s := absolute(1)

	cands, err := PointSource{}.Detect(context.Background(), im, s)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.True(t, cands[0].Flag.Has(photometry.FlagEdge))
}

func TestIsPeakPlateau(t *testing.T) {
	// 4x3 image with a flat 2x2 plateau; only its first pixel is a peak
	values := []float64{
		0, 0, 0, 0,
		0, 5, 5, 0,
		0, 5, 5, 0,
	}
	var peaks []int
	for i := range values {
		if values[i] > 0 && isPeak(values, 4, 3, i) {
			peaks = append(peaks, i)
		}
	}
	assert.Equal(t, []int{5}, peaks)
}

func TestIsPeakPlateauShoulder(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		nx, ny int
		want   []int
	}{
		{"rising row", []float64{1, 2, 2, 3}, 4, 1, []int{3}},
		{"shoulder reached through the plateau", []float64{
			0, 4, 4, 4, 0,
			0, 0, 0, 4, 6,
		}, 5, 2, []int{9}},
		{"flat top of a saturated star", []float64{
			1, 2, 2, 2, 1,
			2, 9, 9, 9, 2,
			1, 2, 2, 2, 1,
		}, 5, 3, []int{6}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var peaks []int
			for i := range tt.values {
				if isPeak(tt.values, tt.nx, tt.ny, i) {
					peaks = append(peaks, i)
				}
			}
			assert.Equal(t, tt.want, peaks)
		})
	}
}

func TestMergeCloseKeepsRasterOrder(t *testing.T) {
	cands := []Candidate{
		{X: 1, Y: 1, Peak: 2, Index: 0},
		{X: 2, Y: 1, Peak: 9, Index: 1},
		{X: 20, Y: 1, Peak: 1, Index: 19},
		{X: 5, Y: 10, Peak: 3, Index: 300},
	}
	got := mergeClose(cands, 3)
	idx := make([]int, len(got))
	for i, c := range got {
		idx[i] = c.Index
	}
	assert.Equal(t, []int{1, 19, 300}, idx)
}

func TestSegmentsMergeWhenGapFilled(t *testing.T) {
	im := testImage(64, 0, 0,
		star{x: 20, y: 32, flux: 1000, sigma: 1.5},
		star{x: 44, y: 32, flux: 1000, sigma: 1.5},
	)
	s := absolute(1)
	s.Segmentation.Deblend = false

	cands, err := Segmentation{}.Detect(context.Background(), im, s)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, 1, cands[0].Segment.ID)
	assert.Equal(t, 2, cands[1].Segment.ID)
	assert.Less(t, cands[0].X, cands[1].X)

	// a bridge above threshold joins the two
	for x := 19; x <= 43; x++ {
		im.Data[im.Index(x, 31)] += 5
	}
	cands, err = Segmentation{}.Detect(context.Background(), im, s)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, 1, cands[0].Segment.ID)
}

func TestSegmentMinPixels(t *testing.T) {
	im := testImage(32, 0, 0)
	im.Data[im.Index(10, 10)] = 50

	s := absolute(1)
	cands, err := Segmentation{}.Detect(context.Background(), im, s)
	require.NoError(t, err)
	assert.Empty(t, cands)

	s.Segmentation.MinPixels = 1
	cands, err = Segmentation{}.Detect(context.Background(), im, s)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, 1, cands[0].Segment.Area)
	assert.Equal(t, 11.0, cands[0].X)
}

func TestDeblend(t *testing.T) {
	blend := func() *imaging.CatalogImage {
		return testImage(64, 0, 0,
			star{x: 28, y: 32, flux: 1000, sigma: 1.5},
			star{x: 36, y: 32, flux: 1000, sigma: 1.5},
		)
	}

	tests := []struct {
		name   string
		modify func(*config.Segmentation)
		split  bool
	}{
		{name: "resolved pair splits", modify: func(*config.Segmentation) {}, split: true},
		{name: "contrast too high", modify: func(s *config.Segmentation) { s.Contrast = 0.9 }, split: false},
		{name: "peaks too close", modify: func(s *config.Segmentation) { s.DeblendMinSeparation = 10 }, split: false},
		{name: "deblending disabled", modify: func(s *config.Segmentation) { s.Deblend = false }, split: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := absolute(1)
			tt.modify(&s.Segmentation)

			cands, err := Segmentation{}.Detect(context.Background(), blend(), s)
			require.NoError(t, err)

			if !tt.split {
				require.Len(t, cands, 1)
				assert.Equal(t, 0, cands[0].Segment.SubIndex)
				assert.False(t, cands[0].Flag.Has(photometry.FlagDeblended))
				assert.InDelta(t, 32, cands[0].X, 0.05)
				return
			}

			require.Len(t, cands, 2)
			for k, c := range cands {
				assert.Equal(t, 1, c.Segment.ID, "children keep the parent id")
				assert.Equal(t, k+1, c.Segment.SubIndex)
				assert.True(t, c.Flag.Has(photometry.FlagDeblended))
			}
			assert.InDelta(t, 28, cands[0].X, 0.3)
			assert.InDelta(t, 36, cands[1].X, 0.3)
			assert.InEpsilon(t, cands[0].Segment.IsoFlux, cands[1].Segment.IsoFlux, 0.1)
			total := cands[0].Segment.Area + cands[1].Segment.Area

			s.Segmentation.Deblend = false
			whole, err := Segmentation{}.Detect(context.Background(), blend(), s)
			require.NoError(t, err)
			require.Len(t, whole, 1)
			assert.Equal(t, whole[0].Segment.Area, total, "watershed assigns every parent pixel")
		})
	}
}

func TestSegmentShape(t *testing.T) {
	im := imaging.New(32, 32)
	im.ExposureTime = 1
	// elongated along x
	for iy := 0; iy < 32; iy++ {
		for ix := 0; ix < 32; ix++ {
			dx, dy := float64(ix+1)-16, float64(iy+1)-16
			im.Data[im.Index(ix, iy)] = 100 * math.Exp(-(dx*dx/(2*9)+dy*dy/(2*1)))
		}
	}
	s := absolute(0.5)
	s.Segmentation.Deblend = false

	cands, err := Segmentation{}.Detect(context.Background(), im, s)
	require.NoError(t, err)
	require.Len(t, cands, 1)

	sh := cands[0].Segment.Shape
	assert.Greater(t, sh.A, sh.B)
	assert.InDelta(t, 0, sh.Theta, 1e-6)
	assert.Greater(t, sh.Ellipticity, 0.4)
}

func TestDetectCancelled(t *testing.T) {
	im := testImage(64, 0.1, 5, star{x: 32, y: 32, flux: 500, sigma: 1.5})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, strat := range []Strategy{PointSource{}, Segmentation{}} {
		_, err := strat.Detect(ctx, im, config.Default())
		assert.ErrorIs(t, err, context.Canceled, strat.Name())
	}
}
