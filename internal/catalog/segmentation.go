package catalog

import (
	"context"
	"math"

	"github.com/RoaringBitmap/roaring"
	"github.com/lehigh-university-libraries/hapcat/internal/config"
	"github.com/lehigh-university-libraries/hapcat/internal/imaging"
	"github.com/lehigh-university-libraries/hapcat/internal/photometry"
)

// Segmentation labels connected regions above threshold and optionally
// splits blended regions by multi-threshold deblending
type Segmentation struct{}

var _ Strategy = Segmentation{}

// Name implements Strategy
func (Segmentation) Name() string { return SegmentStrategy }

// Detect implements Strategy. Segments are numbered 1..n in raster order of
// their first pixel; deblended children share their parent's number.
func (Segmentation) Detect(ctx context.Context, img *imaging.CatalogImage, s config.Settings) ([]Candidate, error) {
	m, err := newSkyModel(img, s)
	if err != nil {
		return nil, err
	}
	seg := s.Segmentation

	above := roaring.New()
	for i, r := range m.residual {
		if !math.IsNaN(r) && r > m.threshold(i, seg.Mode, seg.Threshold, 1) {
			above.Add(uint32(i))
		}
	}

	regions, err := components(ctx, img.NX, img.NY, above)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	id := 0
	for _, pix := range regions {
		if int(pix.GetCardinality()) < seg.MinPixels {
			continue
		}
		id++

		var children []*roaring.Bitmap
		if seg.Deblend {
			children = deblend(ctx, m, pix, seg)
		}
		if len(children) < 2 {
			out = append(out, m.describe(id, 0, pix))
			continue
		}
		for k, c := range children {
			cand := m.describe(id, k+1, c)
			cand.Flag |= photometry.FlagDeblended
			out = append(out, cand)
		}
	}
	return out, ctx.Err()
}

// components labels the 8-connected regions of set, ordered by their lowest
// pixel index
func components(ctx context.Context, nx, ny int, set *roaring.Bitmap) ([]*roaring.Bitmap, error) {
	seen := roaring.New()
	var out []*roaring.Bitmap
	var queue []int

	it := set.Iterator()
	for it.HasNext() {
		start := it.Next()
		if seen.Contains(start) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		region := roaring.New()
		seen.Add(start)
		queue = append(queue[:0], int(start))
		for len(queue) > 0 {
			i := queue[0]
			queue = queue[1:]
			region.Add(uint32(i))
			neighbours(nx, ny, i, func(j int) {
				u := uint32(j)
				if set.Contains(u) && !seen.Contains(u) {
					seen.Add(u)
					queue = append(queue, j)
				}
			})
		}
		out = append(out, region)
	}
	return out, nil
}

// describe measures a segment's centroid, peak, isophotal flux and shape
func (m *skyModel) describe(id, sub int, pix *roaring.Bitmap) Candidate {
	img := m.img
	var sum, sx, sy, iso float64
	peak, peakIdx := math.Inf(-1), -1
	var flag photometry.Flag

	it := pix.Iterator()
	for it.HasNext() {
		i := int(it.Next())
		r := m.residual[i]
		iso += r
		if r > peak || (r == peak && i < peakIdx) {
			peak, peakIdx = r, i
		}
		if r > 0 {
			fx, fy := fitsPosition(img.NX, i)
			sum += r
			sx += r * fx
			sy += r * fy
		}

		x, y := i%img.NX, i/img.NX
		if x == 0 || y == 0 || x == img.NX-1 || y == img.NY-1 {
			flag |= photometry.FlagEdge
		}
		neighbours(img.NX, img.NY, i, func(j int) {
			if !img.Usable(j) {
				flag |= photometry.FlagMasked
			}
		})
	}

	var cx, cy float64
	if sum > 0 {
		cx, cy = sx/sum, sy/sum
	} else {
		cx, cy = fitsPosition(img.NX, peakIdx)
		flag |= photometry.FlagCentroid
	}

	return Candidate{
		X:     cx,
		Y:     cy,
		Peak:  peak,
		Index: peakIdx,
		Flag:  flag,
		Segment: &Segment{
			ID:       id,
			SubIndex: sub,
			Area:     int(pix.GetCardinality()),
			IsoFlux:  iso,
			Shape:    m.shape(pix, cx, cy),
			Pixels:   pix,
		},
	}
}

// shape derives the ellipse of the flux-weighted second moments about
// (cx, cy)
func (m *skyModel) shape(pix *roaring.Bitmap, cx, cy float64) Shape {
	var sum, xx, yy, xy float64
	it := pix.Iterator()
	for it.HasNext() {
		i := int(it.Next())
		r := m.residual[i]
		if r <= 0 {
			continue
		}
		fx, fy := fitsPosition(m.img.NX, i)
		dx, dy := fx-cx, fy-cy
		sum += r
		xx += r * dx * dx
		yy += r * dy * dy
		xy += r * dx * dy
	}
	if sum <= 0 {
		return Shape{}
	}
	xx, yy, xy = xx/sum, yy/sum, xy/sum

	mean := (xx + yy) / 2
	diff := math.Sqrt(((xx-yy)/2)*((xx-yy)/2) + xy*xy)
	a := math.Sqrt(math.Max(mean+diff, 0))
	b := math.Sqrt(math.Max(mean-diff, 0))

	sh := Shape{A: a, B: b, Theta: 0.5 * math.Atan2(2*xy, xx-yy) * 180 / math.Pi}
	if a > 0 {
		sh.Ellipticity = 1 - b/a
	}
	return sh
}
