package signal

import "math"

// Filter is one stage of a conditioning pipeline. Implementations start from
// rest on every call and never modify their input.
type Filter interface {
	Apply(x []float64) []float64
}

// Washout is a first-order washout (high-pass) filter that removes slow
// baseline drift. Zeta is the assumed idle offset.
type Washout struct {
	H    float64 // washout corner, rad/s
	Dt   float64 // sample period, seconds
	Zeta float64
}

func (f Washout) Apply(x []float64) []float64 {
	decay := math.Exp(-f.H * f.Dt)
	y := make([]float64, len(x))
	prev := 0.0
	for i, v := range x {
		prev = (1-decay)*(v-f.Zeta) + decay*prev
		y[i] = prev
	}
	return y
}

// rcAlpha is dt/(RC+dt) with RC = 1/(2π·cutoff).
func rcAlpha(cutoff, dt float64) float64 {
	if cutoff <= 0 || dt <= 0 {
		return 1
	}
	rc := 1 / (2 * math.Pi * cutoff)
	return dt / (rc + dt)
}

// LowPass is a first-order recursive low-pass filter.
type LowPass struct {
	Cutoff float64 // Hz
	Dt     float64 // seconds
}

func (f LowPass) Apply(x []float64) []float64 {
	y := make([]float64, len(x))
	if len(x) == 0 {
		return y
	}
	alpha := rcAlpha(f.Cutoff, f.Dt)
	y[0] = alpha * x[0]
	for i := 1; i < len(x); i++ {
		y[i] = y[i-1] + alpha*(x[i]-y[i-1])
	}
	return y
}

// HighPass is the complement of LowPass: the input minus its low-passed copy.
type HighPass struct {
	Cutoff float64 // Hz
	Dt     float64 // seconds
}

func (f HighPass) Apply(x []float64) []float64 {
	low := LowPass{Cutoff: f.Cutoff, Dt: f.Dt}.Apply(x)
	y := make([]float64, len(x))
	for i := range x {
		y[i] = x[i] - low[i]
	}
	return y
}

// BandPass cascades a high-pass at Low and a low-pass at High.
type BandPass struct {
	Low  float64 // Hz
	High float64 // Hz
	Dt   float64 // seconds
}

func (f BandPass) Apply(x []float64) []float64 {
	return LowPass{Cutoff: f.High, Dt: f.Dt}.Apply(HighPass{Cutoff: f.Low, Dt: f.Dt}.Apply(x))
}

// Power raises each sample's magnitude to P while keeping its sign, which
// stretches large excursions relative to small ones.
type Power struct {
	P float64
}

func (f Power) Apply(x []float64) []float64 {
	y := make([]float64, len(x))
	for i, v := range x {
		mag := math.Pow(math.Abs(v), f.P)
		if v < 0 {
			mag = -mag
		}
		y[i] = mag
	}
	return y
}

// Abs rectifies the signal.
type Abs struct{}

func (Abs) Apply(x []float64) []float64 {
	y := make([]float64, len(x))
	for i, v := range x {
		y[i] = math.Abs(v)
	}
	return y
}
