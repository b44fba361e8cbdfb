package imaging

import (
	"errors"
	"math"
)

// ErrNoUsablePixels is returned when an image has nothing to measure
var ErrNoUsablePixels = errors.New("image has no usable pixels")

// rmsFloor keeps the noise map strictly positive on noiseless images
const rmsFloor = 1e-12

// Background is a smooth sky model: a level and an rms per pixel
type Background struct {
	NX, NY int
	Level  []float64
	RMS    []float64

	// Global statistics of all usable pixels, after clipping
	GlobalLevel float64
	GlobalRMS   float64
}

// At returns the background level and rms at flat index i
func (b *Background) At(i int) (float64, float64) {
	return b.Level[i], b.RMS[i]
}

// EstimateBackground fits a box background. Each box of box x box pixels
// gets the sigma-clipped median and standard deviation of its usable
// pixels; boxes with too few usable pixels fall back to the global values.
// The box grid is bilinearly interpolated between box centres.
func EstimateBackground(im *CatalogImage, box int, kappa float64, iterations int) (*Background, error) {
	global := SigmaClip(im.UsableValues(), kappa, iterations)
	if global.N == 0 {
		return nil, ErrNoUsablePixels
	}
	globalRMS := global.Std
	if !(globalRMS > 0) {
		globalRMS = rmsFloor
	}

	nbx := (im.NX + box - 1) / box
	nby := (im.NY + box - 1) / box
	levels := make([]float64, nbx*nby)
	rmss := make([]float64, nbx*nby)

	values := make([]float64, 0, box*box)
	for by := 0; by < nby; by++ {
		for bx := 0; bx < nbx; bx++ {
			values = values[:0]
			area := 0
			for y := by * box; y < min((by+1)*box, im.NY); y++ {
				for x := bx * box; x < min((bx+1)*box, im.NX); x++ {
					area++
					if i := im.Index(x, y); im.Usable(i) {
						values = append(values, im.Data[i])
					}
				}
			}

			k := by*nbx + bx
			levels[k], rmss[k] = global.Median, globalRMS
			if len(values) < max(3, area/4) {
				continue
			}
			st := SigmaClip(values, kappa, iterations)
			if st.N == 0 {
				continue
			}
			levels[k] = st.Median
			if st.Std > 0 {
				rmss[k] = st.Std
			}
		}
	}

	bg := &Background{
		NX:          im.NX,
		NY:          im.NY,
		Level:       make([]float64, im.NX*im.NY),
		RMS:         make([]float64, im.NX*im.NY),
		GlobalLevel: global.Median,
		GlobalRMS:   globalRMS,
	}
	for y := 0; y < im.NY; y++ {
		y0, y1, ty := gridPos(y, box, nby)
		for x := 0; x < im.NX; x++ {
			x0, x1, tx := gridPos(x, box, nbx)
			i := im.Index(x, y)
			bg.Level[i] = bilinear(levels, nbx, x0, x1, y0, y1, tx, ty)
			bg.RMS[i] = math.Max(bilinear(rmss, nbx, x0, x1, y0, y1, tx, ty), rmsFloor)
		}
	}
	return bg, nil
}

// gridPos locates pixel p between the two nearest box centres
func gridPos(p, box, n int) (int, int, float64) {
	g := (float64(p)+0.5)/float64(box) - 0.5
	if g <= 0 {
		return 0, 0, 0
	}
	if g >= float64(n-1) {
		return n - 1, n - 1, 0
	}
	i0 := int(g)
	return i0, i0 + 1, g - float64(i0)
}

func bilinear(grid []float64, nx, x0, x1, y0, y1 int, tx, ty float64) float64 {
	a := grid[y0*nx+x0]*(1-tx) + grid[y0*nx+x1]*tx
	b := grid[y1*nx+x0]*(1-tx) + grid[y1*nx+x1]*tx
	return a*(1-ty) + b*ty
}
