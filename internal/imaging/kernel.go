package imaging

import "math"

// FWHMToSigma converts a Gaussian full width at half maximum to sigma
const FWHMToSigma = 1.0 / 2.354820045

// Kernel is a square, odd-sized convolution kernel normalised to unit sum
type Kernel struct {
	Radius  int
	Weights []float64 // (2*Radius+1)^2, row-major
}

// GaussianKernel returns a circular Gaussian kernel truncated at 3 sigma
func GaussianKernel(fwhm float64) Kernel {
	sigma := fwhm * FWHMToSigma
	r := max(1, int(math.Ceil(3*sigma)))
	size := 2*r + 1

	k := Kernel{Radius: r, Weights: make([]float64, size*size)}
	var sum float64
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			w := math.Exp(-float64(dx*dx+dy*dy) / (2 * sigma * sigma))
			k.Weights[(dy+r)*size+dx+r] = w
			sum += w
		}
	}
	for i := range k.Weights {
		k.Weights[i] /= sum
	}
	return k
}

// NoiseFactor is the rms of white noise of unit rms after convolution
func (k Kernel) NoiseFactor() float64 {
	var ss float64
	for _, w := range k.Weights {
		ss += w * w
	}
	return math.Sqrt(ss)
}

// Convolve smooths values (an NX x NY row-major array) with the kernel.
// Pixels for which usable is false contribute nothing and the remaining
// weights are renormalised; unusable output pixels are NaN.
func (k Kernel) Convolve(values []float64, nx, ny int, usable func(int) bool) []float64 {
	out := make([]float64, len(values))
	size := 2*k.Radius + 1
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			i := y*nx + x
			if !usable(i) {
				out[i] = math.NaN()
				continue
			}
			var sum, wsum float64
			for dy := -k.Radius; dy <= k.Radius; dy++ {
				yy := y + dy
				if yy < 0 || yy >= ny {
					continue
				}
				for dx := -k.Radius; dx <= k.Radius; dx++ {
					xx := x + dx
					if xx < 0 || xx >= nx {
						continue
					}
					j := yy*nx + xx
					if !usable(j) {
						continue
					}
					w := k.Weights[(dy+k.Radius)*size+dx+k.Radius]
					sum += w * values[j]
					wsum += w
				}
			}
			out[i] = sum / wsum
		}
	}
	return out
}
