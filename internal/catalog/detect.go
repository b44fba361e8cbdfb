package catalog

import (
	"fmt"
	"math"

	"github.com/lehigh-university-libraries/hapcat/internal/config"
	"github.com/lehigh-university-libraries/hapcat/internal/imaging"
)

// skyModel is the background-subtracted view of an image both strategies
// detect on
type skyModel struct {
	img      *imaging.CatalogImage
	bg       *imaging.Background
	residual []float64 // data minus background; NaN where unusable
}

func newSkyModel(img *imaging.CatalogImage, s config.Settings) (*skyModel, error) {
	bg, err := imaging.EstimateBackground(img, s.Detection.BackgroundBox, s.Photometry.ClipSigma, s.Photometry.ClipIterations)
	if err != nil {
		return nil, fmt.Errorf("failed to estimate background: %w", err)
	}

	residual := make([]float64, len(img.Data))
	for i, v := range img.Data {
		if img.Usable(i) {
			residual[i] = v - bg.Level[i]
		} else {
			residual[i] = math.NaN()
		}
	}
	return &skyModel{img: img, bg: bg, residual: residual}, nil
}

// threshold returns the detection level above background at pixel i.
// noiseFactor scales the rms for smoothed detection images.
func (m *skyModel) threshold(i int, mode config.ThresholdMode, value, noiseFactor float64) float64 {
	if mode == config.ThresholdAbsolute {
		return value
	}
	return value * m.bg.RMS[i] * noiseFactor
}

// neighbours calls fn for the flat index of each 8-connected neighbour of i
// that lies inside the image
func neighbours(nx, ny, i int, fn func(j int)) {
	x, y := i%nx, i/nx
	for dy := -1; dy <= 1; dy++ {
		yy := y + dy
		if yy < 0 || yy >= ny {
			continue
		}
		for dx := -1; dx <= 1; dx++ {
			xx := x + dx
			if (dx == 0 && dy == 0) || xx < 0 || xx >= nx {
				continue
			}
			fn(yy*nx + xx)
		}
	}
}

// fitsPosition converts a 0-based flat index to FITS pixel coordinates
func fitsPosition(nx, i int) (float64, float64) {
	return float64(i%nx + 1), float64(i/nx + 1)
}
