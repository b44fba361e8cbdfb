package catalog

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/lehigh-university-libraries/hapcat/internal/config"
	"github.com/lehigh-university-libraries/hapcat/internal/imaging"
	"github.com/lehigh-university-libraries/hapcat/internal/photometry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoStars() *imaging.CatalogImage {
	return testImage(64, 0.1, 11,
		star{x: 20, y: 20, flux: 500, sigma: 1.5},
		star{x: 44, y: 44, flux: 500, sigma: 1.5},
	)
}

func TestGenerate(t *testing.T) {
	im := twoStars()
	cats, err := NewGenerator().Generate(context.Background(), im, config.Default())
	require.NoError(t, err)
	require.Nil(t, cats.Detection)
	assert.Empty(t, cats.Photometry)

	for _, cat := range []*Catalog{cats.Point, cats.Segment} {
		t.Run(cat.Strategy, func(t *testing.T) {
			require.Equal(t, 2, cat.Len())
			for i, src := range cat.Rows() {
				assert.Equal(t, i+1, src.ID)

				ra, dec := im.Sky(src.X, src.Y)
				assert.Equal(t, ra, src.RA)
				assert.Equal(t, dec, src.Dec)

				assert.InEpsilon(t, 500*(1-math.Exp(-16/4.5)), src.Flux, 0.03)
				assert.False(t, math.IsNaN(src.Mag))
				assert.Len(t, src.Apertures, 3)
			}
			// detection order follows the raster
			assert.InDelta(t, 20, cat.Sources[0].Y, 0.2)
			assert.InDelta(t, 44, cat.Sources[1].Y, 0.2)
		})
	}

	assert.Equal(t, 1, cats.Segment.Sources[0].SegmentID)
	assert.Equal(t, 2, cats.Segment.Sources[1].SegmentID)
	assert.Greater(t, cats.Segment.Sources[0].Area, 5)
}

func TestGenerateExclusions(t *testing.T) {
	im := twoStars()
	ra, dec := im.Sky(20, 20)

	s := config.Default()
	s.Exclusions = []config.Exclusion{{RA: ra, Dec: dec, Radius: 0.5}}

	cats, err := NewGenerator().Generate(context.Background(), im, s)
	require.NoError(t, err)
	for _, cat := range []*Catalog{cats.Point, cats.Segment} {
		require.Equal(t, 1, cat.Len(), cat.Strategy)
		assert.Equal(t, 1, cat.Sources[0].ID, "ids are assigned after exclusion")
		assert.InDelta(t, 44, cat.Sources[0].X, 0.2)
	}
}

func TestGenerateDetectionError(t *testing.T) {
	im := testImage(32, 0.1, 1)
	for i := 10; i < len(im.Data); i++ {
		im.Mask.Add(uint32(i))
	}

	cats, err := NewGenerator().Generate(context.Background(), im, config.Default())
	var de *DetectionError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 10, de.Usable)
	assert.Equal(t, 25, de.Required)

	require.NotNil(t, cats)
	assert.Same(t, de, cats.Detection)
	assert.Zero(t, cats.Point.Len())
	assert.Zero(t, cats.Segment.Len())
}

func TestGenerateRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		img    func() *imaging.CatalogImage
		modify func(*config.Settings)
	}{
		{
			name: "zero exposure time",
			img: func() *imaging.CatalogImage {
				im := twoStars()
				im.ExposureTime = 0
				return im
			},
			modify: func(*config.Settings) {},
		},
		{
			name:   "invalid settings",
			img:    twoStars,
			modify: func(s *config.Settings) { s.Photometry.Radii = nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := config.Default()
			tt.modify(&s)
			_, err := NewGenerator().Generate(context.Background(), tt.img(), s)
			assert.Error(t, err)
		})
	}
}

func TestGenerateCollectsPhotometryErrors(t *testing.T) {
	im := twoStars()
	// mask every background annulus pixel around the first star
	for iy := 0; iy < im.NY; iy++ {
		for ix := 0; ix < im.NX; ix++ {
			d := math.Hypot(float64(ix+1)-20, float64(iy+1)-20)
			if d >= 7 && d < 13 {
				im.Mask.Add(uint32(im.Index(ix, iy)))
			}
		}
	}
	s := config.Default()
	s.Segmentation.Deblend = false

	cats, err := NewGenerator().Generate(context.Background(), im, s)
	require.NoError(t, err)
	require.NotEmpty(t, cats.Photometry)

	var pe *photometry.Error
	assert.True(t, errors.As(cats.Photometry[0], &pe))

	point := cats.Point.Rows()
	require.Len(t, point, 2)
	assert.True(t, point[0].Flag.Has(photometry.FlagBad))
	assert.Len(t, cats.Point.Default(), 1)
}

func TestCatalogViews(t *testing.T) {
	cat := &Catalog{Strategy: PointStrategy, Sources: []Source{
		{ID: 1},
		{ID: 2, Flag: photometry.FlagBad | photometry.FlagEdge},
		{ID: 3, Flag: photometry.FlagMasked},
	}}
	assert.Len(t, cat.Rows(), 3)

	def := cat.Default()
	require.Len(t, def, 2)
	assert.Equal(t, 1, def[0].ID)
	assert.Equal(t, 3, def[1].ID)

	var none *Catalog
	assert.Zero(t, none.Len())
	assert.Nil(t, none.Default())
}
