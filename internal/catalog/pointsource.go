package catalog

import (
	"context"
	"math"
	"slices"

	"github.com/lehigh-university-libraries/hapcat/internal/config"
	"github.com/lehigh-university-libraries/hapcat/internal/imaging"
	"github.com/lehigh-university-libraries/hapcat/internal/photometry"
)

// PointSource finds local maxima of a smoothed signal-to-noise map and
// refines them with a Gaussian-windowed centroid
type PointSource struct{}

var _ Strategy = PointSource{}

// Name implements Strategy
func (PointSource) Name() string { return PointStrategy }

// Detect implements Strategy. Candidates are returned in raster order of
// their peak pixel.
func (PointSource) Detect(ctx context.Context, img *imaging.CatalogImage, s config.Settings) ([]Candidate, error) {
	m, err := newSkyModel(img, s)
	if err != nil {
		return nil, err
	}
	det := s.Detection

	detection, noise := m.residual, 1.0
	if det.Smooth {
		k := imaging.GaussianKernel(det.FWHM)
		detection = k.Convolve(m.residual, img.NX, img.NY, img.Usable)
		noise = k.NoiseFactor()
	}

	var peaks []Candidate
	for y := 0; y < img.NY; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := 0; x < img.NX; x++ {
			i := img.Index(x, y)
			v := detection[i]
			if math.IsNaN(v) || v <= m.threshold(i, det.Mode, det.Threshold, noise) {
				continue
			}
			if !isPeak(detection, img.NX, img.NY, i) {
				continue
			}
			px, py := fitsPosition(img.NX, i)
			peaks = append(peaks, Candidate{X: px, Y: py, Peak: v, Index: i})
		}
	}

	sigma := det.FWHM * imaging.FWHMToSigma
	half := int(math.Ceil(3 * sigma))
	for k := range peaks {
		c := &peaks[k]
		c.Flag |= windowFlags(img, c.Index, half)
		x, y, ok := centroid(m, c.X, c.Y, sigma, half, det.FWHM, det.CentroidMaxIter, det.CentroidTolerance)
		if !ok {
			c.Flag |= photometry.FlagCentroid
			continue
		}
		c.X, c.Y = x, y
	}

	return mergeClose(peaks, det.MinSeparation), nil
}

// isPeak reports a local maximum. The plateau of equal values holding i is
// flood-filled; it is a peak only when every pixel bordering it is lower,
// and it yields exactly one peak at its first pixel in raster order.
func isPeak(values []float64, nx, ny, i int) bool {
	v := values[i]
	plateau := []int{i}
	for k := 0; k < len(plateau); k++ {
		peak := true
		neighbours(nx, ny, plateau[k], func(j int) {
			w := values[j]
			if !peak || math.IsNaN(w) || w < v {
				return
			}
			switch {
			case w > v, j < i:
				peak = false
			case !slices.Contains(plateau, j):
				plateau = append(plateau, j)
			}
		})
		if !peak {
			return false
		}
	}
	return true
}

// windowFlags flags a centroid window that crosses the image edge or holds
// unusable pixels
func windowFlags(img *imaging.CatalogImage, i, half int) photometry.Flag {
	var f photometry.Flag
	x0, y0 := i%img.NX, i/img.NX
	for y := y0 - half; y <= y0+half; y++ {
		for x := x0 - half; x <= x0+half; x++ {
			if !img.Contains(x, y) {
				f |= photometry.FlagEdge
				continue
			}
			if !img.Usable(img.Index(x, y)) {
				f |= photometry.FlagMasked
			}
		}
	}
	return f
}

// centroid iterates a Gaussian-weighted first moment on the residual image
// starting from the peak. For a symmetric profile the fixed point is the
// profile centre. The fit fails when the weights vanish, the centre wanders
// further than maxShift from the peak, or it does not settle within maxIter.
func centroid(m *skyModel, x0, y0, sigma float64, half int, maxShift float64, maxIter int, tol float64) (float64, float64, bool) {
	img := m.img
	cx, cy := x0, y0
	for it := 0; it < maxIter; it++ {
		ix, iy := int(math.Round(cx))-1, int(math.Round(cy))-1
		var sum, sx, sy float64
		for y := iy - half; y <= iy+half; y++ {
			for x := ix - half; x <= ix+half; x++ {
				if !img.Contains(x, y) {
					continue
				}
				r := m.residual[img.Index(x, y)]
				if math.IsNaN(r) || r <= 0 {
					continue
				}
				fx, fy := float64(x+1), float64(y+1)
				d2 := (fx-cx)*(fx-cx) + (fy-cy)*(fy-cy)
				w := r * math.Exp(-d2/(2*sigma*sigma))
				sum += w
				sx += w * fx
				sy += w * fy
			}
		}
		if sum <= 0 {
			return x0, y0, false
		}

		nx, ny := sx/sum, sy/sum
		shift := math.Hypot(nx-cx, ny-cy)
		cx, cy = nx, ny
		if math.Hypot(cx-x0, cy-y0) > maxShift {
			return x0, y0, false
		}
		if shift < tol {
			return cx, cy, true
		}
	}
	return x0, y0, false
}

// mergeClose keeps the brighter of any two candidates closer than minSep and
// returns the survivors in raster order of their peaks
func mergeClose(cands []Candidate, minSep float64) []Candidate {
	if minSep <= 0 || len(cands) < 2 {
		return cands
	}

	order := slices.Clone(cands)
	slices.SortStableFunc(order, func(a, b Candidate) int {
		switch {
		case a.Peak > b.Peak:
			return -1
		case a.Peak < b.Peak:
			return 1
		}
		return a.Index - b.Index
	})

	var kept []Candidate
	for _, c := range order {
		close := false
		for _, k := range kept {
			if math.Hypot(c.X-k.X, c.Y-k.Y) < minSep {
				close = true
				break
			}
		}
		if !close {
			kept = append(kept, c)
		}
	}

	slices.SortFunc(kept, func(a, b Candidate) int { return a.Index - b.Index })
	return kept
}
