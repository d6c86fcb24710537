package signal

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// HaarDecompose runs a multi-level discrete Haar wavelet transform. details[0]
// is the finest band (D1) and details[len-1] the coarsest. The number of
// levels is reduced when x is too short; odd-length inputs are extended by
// repeating the last sample.
func HaarDecompose(x []float64, levels int) (approx []float64, details [][]float64) {
	approx = append([]float64(nil), x...)
	for l := 0; l < levels && len(approx) >= 2; l++ {
		if len(approx)%2 == 1 {
			approx = append(approx, approx[len(approx)-1])
		}
		half := len(approx) / 2
		a := make([]float64, half)
		d := make([]float64, half)
		for i := 0; i < half; i++ {
			a[i] = (approx[2*i] + approx[2*i+1]) / math.Sqrt2
			d[i] = (approx[2*i] - approx[2*i+1]) / math.Sqrt2
		}
		approx = a
		details = append(details, d)
	}
	return approx, details
}

// HaarReconstruct inverts HaarDecompose, truncating the result to n samples.
// Passing nil for a band treats it as zero, which isolates the others.
func HaarReconstruct(approx []float64, details [][]float64, n int) []float64 {
	cur := append([]float64(nil), approx...)
	for l := len(details) - 1; l >= 0; l-- {
		d := details[l]
		next := make([]float64, 2*len(cur))
		for i := range cur {
			var di float64
			if i < len(d) {
				di = d[i]
			}
			next[2*i] = (cur[i] + di) / math.Sqrt2
			next[2*i+1] = (cur[i] - di) / math.Sqrt2
		}
		// drop the padding added for odd lengths at the next finer level
		if l > 0 && len(next) > len(details[l-1]) {
			next = next[:len(details[l-1])]
		}
		cur = next
	}
	if n >= 0 && n < len(cur) {
		cur = cur[:n]
	}
	return cur
}

// BandEnergy scores a window by the weighted mean energy of selected Haar
// detail bands. Weights is keyed by level (1 = finest).
type BandEnergy struct {
	Levels  int
	Weights map[int]float64
}

func (r BandEnergy) Reduce(x []float64) float64 {
	_, details := HaarDecompose(x, r.Levels)
	var score float64
	for level, w := range r.Weights {
		if level < 1 || level > len(details) {
			continue
		}
		band := details[level-1]
		score += w * floats.Dot(band, band) / float64(len(band))
	}
	return score
}
