package signal

import (
	"fmt"
	"math"
	"strings"
)

// Conditioner maps one channel's window to a non-negative activation score.
type Conditioner interface {
	Condition(window []float64) float64
}

// Family names accepted by NewConditioner.
const (
	FamilyContrast = "contrast"
	FamilySNR      = "snr"
	FamilyWavelet  = "wavelet"
)

// Families lists the supported conditioner families.
func Families() []string {
	return []string{FamilyContrast, FamilySNR, FamilyWavelet}
}

// Pipeline applies Stages in order and reduces the result with Reduce.
type Pipeline struct {
	Name       string
	Stages     []Filter
	Reduce     Reducer
	MinSamples int
}

// Condition never fails: short windows and non-finite results score 0.
func (p Pipeline) Condition(window []float64) float64 {
	need := p.MinSamples
	if need < 1 {
		need = 1
	}
	if len(window) < need || p.Reduce == nil {
		return 0
	}
	y := window
	for _, s := range p.Stages {
		y = s.Apply(y)
	}
	v := p.Reduce.Reduce(y)
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

// Score conditions both channels and keeps the stronger response.
func Score(c Conditioner, ch1, ch2 []float64) float64 {
	return math.Max(c.Condition(ch1), c.Condition(ch2))
}

// Params are the tunables shared by the conditioner families. Zero values
// disable the corresponding stage.
type Params struct {
	SampleRate    float64         // Hz
	WashoutH      float64         // rad/s
	WashoutZeta   float64         // idle offset
	BandLow       float64         // Hz
	BandHigh      float64         // Hz
	Power         float64         // contrast exponent
	WaveletLevels int             // 2–3
	BandWeights   map[int]float64 // wavelet level -> weight
}

// DefaultParams returns the values used when no tuning file overrides them.
func DefaultParams() Params {
	return Params{
		SampleRate:    100,
		WashoutH:      0,
		BandLow:       1,
		BandHigh:      20,
		Power:         2,
		WaveletLevels: 3,
		BandWeights:   map[int]float64{2: 1, 3: 1},
	}
}

func (p Params) dt() float64 {
	if p.SampleRate <= 0 {
		return 0.01
	}
	return 1 / p.SampleRate
}

func (p Params) preStages() []Filter {
	var stages []Filter
	if p.WashoutH > 0 {
		stages = append(stages, Washout{H: p.WashoutH, Dt: p.dt(), Zeta: p.WashoutZeta})
	}
	if p.BandLow > 0 && p.BandHigh > p.BandLow {
		stages = append(stages, BandPass{Low: p.BandLow, High: p.BandHigh, Dt: p.dt()})
	} else if p.BandHigh > 0 {
		stages = append(stages, LowPass{Cutoff: p.BandHigh, Dt: p.dt()})
	}
	return stages
}

// NewConditioner builds the named family from params.
func NewConditioner(family string, p Params) (Conditioner, error) {
	switch strings.ToLower(strings.TrimSpace(family)) {
	case FamilyContrast, "":
		power := p.Power
		if power <= 0 {
			power = 2
		}
		if power < 1.5 || power > 2.5 {
			return nil, fmt.Errorf("contrast power must be between 1.5 and 2.5, got %g", power)
		}
		return Pipeline{
			Name:       FamilyContrast,
			Stages:     append(p.preStages(), Power{P: power}),
			Reduce:     ContrastRMS{},
			MinSamples: 2,
		}, nil
	case FamilySNR:
		return Pipeline{
			Name:       FamilySNR,
			Stages:     p.preStages(),
			Reduce:     SNR{},
			MinSamples: 2,
		}, nil
	case FamilyWavelet:
		levels := p.WaveletLevels
		if levels < 2 || levels > 3 {
			return nil, fmt.Errorf("wavelet levels must be 2 or 3, got %d", levels)
		}
		weights := p.BandWeights
		if len(weights) == 0 {
			weights = map[int]float64{2: 1, 3: 1}
		}
		for level := range weights {
			if level < 1 || level > levels {
				return nil, fmt.Errorf("wavelet band weight for level %d outside 1..%d", level, levels)
			}
		}
		// washout only: the band split is the wavelet's job
		var stages []Filter
		if p.WashoutH > 0 {
			stages = append(stages, Washout{H: p.WashoutH, Dt: p.dt(), Zeta: p.WashoutZeta})
		}
		return Pipeline{
			Name:       FamilyWavelet,
			Stages:     append(stages, Abs{}),
			Reduce:     BandEnergy{Levels: levels, Weights: weights},
			MinSamples: 2,
		}, nil
	default:
		return nil, fmt.Errorf("unknown conditioner family %q", family)
	}
}
