package signal

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Reducer collapses a filtered window into one scalar.
type Reducer interface {
	Reduce(x []float64) float64
}

// ContrastRMS is the peak magnitude minus the mean magnitude of the window.
type ContrastRMS struct{}

func (ContrastRMS) Reduce(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	mags := Abs{}.Apply(x)
	return floats.Max(mags) - stat.Mean(mags, nil)
}

// SNR is the signal power over its variance, in decibels. A flat window has
// no measurable response and scores 0.
type SNR struct{}

func (SNR) Reduce(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	_, variance := stat.PopMeanVariance(x, nil)
	if variance <= 0 {
		return 0
	}
	power := floats.Dot(x, x) / float64(len(x))
	return 10 * math.Log10(power/variance)
}
