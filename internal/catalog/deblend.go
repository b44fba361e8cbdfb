package catalog

import (
	"container/heap"
	"context"
	"math"

	"github.com/RoaringBitmap/roaring"
	"github.com/lehigh-university-libraries/hapcat/internal/config"
)

// deblend splits a segment when, at one of the exponentially spaced levels
// between its lowest and highest pixel, it breaks into two or more
// components that each carry at least Contrast of the total flux and whose
// peaks are at least DeblendMinSeparation apart. Pixels below the splitting
// level are assigned to the components by watershed. A nil result means the
// segment stays whole.
func deblend(ctx context.Context, m *skyModel, parent *roaring.Bitmap, seg config.Segmentation) []*roaring.Bitmap {
	lo, hi := math.Inf(1), math.Inf(-1)
	var total float64
	it := parent.Iterator()
	for it.HasNext() {
		r := m.residual[it.Next()]
		lo = math.Min(lo, r)
		hi = math.Max(hi, r)
		total += r
	}
	if lo <= 0 || hi <= lo || total <= 0 {
		return nil
	}

	nx, ny := m.img.NX, m.img.NY
	for k := 1; k < seg.Levels; k++ {
		t := lo * math.Pow(hi/lo, float64(k)/float64(seg.Levels))

		level := roaring.New()
		it := parent.Iterator()
		for it.HasNext() {
			i := it.Next()
			if m.residual[i] > t {
				level.Add(i)
			}
		}

		comps, err := components(ctx, nx, ny, level)
		if err != nil {
			return nil
		}
		var significant []*roaring.Bitmap
		for _, c := range comps {
			if m.flux(c) >= seg.Contrast*total {
				significant = append(significant, c)
			}
		}
		if len(significant) < 2 || !m.separated(significant, seg.DeblendMinSeparation) {
			continue
		}
		return m.watershed(parent, significant)
	}
	return nil
}

func (m *skyModel) flux(pix *roaring.Bitmap) float64 {
	var sum float64
	it := pix.Iterator()
	for it.HasNext() {
		sum += m.residual[it.Next()]
	}
	return sum
}

// separated reports whether the peaks of every pair of components are at
// least minSep pixels apart
func (m *skyModel) separated(comps []*roaring.Bitmap, minSep float64) bool {
	peaks := make([][2]float64, len(comps))
	for k, c := range comps {
		best, idx := math.Inf(-1), 0
		it := c.Iterator()
		for it.HasNext() {
			i := int(it.Next())
			if r := m.residual[i]; r > best {
				best, idx = r, i
			}
		}
		x, y := fitsPosition(m.img.NX, idx)
		peaks[k] = [2]float64{x, y}
	}
	for a := 0; a < len(peaks); a++ {
		for b := a + 1; b < len(peaks); b++ {
			if math.Hypot(peaks[a][0]-peaks[b][0], peaks[a][1]-peaks[b][1]) < minSep {
				return false
			}
		}
	}
	return true
}

// watershed grows the seed components over the rest of parent, brightest
// pixels first, returning one bitmap per seed
func (m *skyModel) watershed(parent *roaring.Bitmap, seeds []*roaring.Bitmap) []*roaring.Bitmap {
	nx, ny := m.img.NX, m.img.NY
	label := make(map[int]int, parent.GetCardinality())
	out := make([]*roaring.Bitmap, len(seeds))

	q := &floodQueue{}
	for k, s := range seeds {
		out[k] = s.Clone()
		it := s.Iterator()
		for it.HasNext() {
			label[int(it.Next())] = k
		}
	}
	push := func(i, k int) {
		neighbours(nx, ny, i, func(j int) {
			if _, done := label[j]; !done && parent.Contains(uint32(j)) {
				heap.Push(q, floodItem{index: j, value: m.residual[j], label: k})
			}
		})
	}
	for i, k := range label {
		push(i, k)
	}

	for q.Len() > 0 {
		item := heap.Pop(q).(floodItem)
		if _, done := label[item.index]; done {
			continue
		}
		label[item.index] = item.label
		out[item.label].Add(uint32(item.index))
		push(item.index, item.label)
	}
	return out
}

type floodItem struct {
	index int
	value float64
	label int
}

// floodQueue pops the highest value first; ties go to the lower index and
// then the lower label so the flood is deterministic
type floodQueue []floodItem

func (q floodQueue) Len() int { return len(q) }

func (q floodQueue) Less(a, b int) bool {
	if q[a].value != q[b].value {
		return q[a].value > q[b].value
	}
	if q[a].index != q[b].index {
		return q[a].index < q[b].index
	}
	return q[a].label < q[b].label
}

func (q floodQueue) Swap(a, b int) { q[a], q[b] = q[b], q[a] }

func (q *floodQueue) Push(x any) { *q = append(*q, x.(floodItem)) }

func (q *floodQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
