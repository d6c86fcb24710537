// Package simulate provides a synthetic limb for running the optimiser
// without hardware, and replay of recorded sensor sessions.
package simulate

import (
	"math"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/stimtune/internal/electrode"
)

// DefaultOptimum is the pair the synthetic muscle responds to best.
var DefaultOptimum = electrode.NewPair(3, 5)

// DistanceMode selects how far a pair is from the optimum.
type DistanceMode string

const (
	// DistanceIndex is |a-a*| + |b-b*| on electrode ids.
	DistanceIndex DistanceMode = "index"
	// DistanceGrid sums the physical grid distance of both electrodes.
	DistanceGrid DistanceMode = "grid"
)

// Muscle models activation as exp(-0.5·d)·(1-exp(-0.3·I)) plus Gaussian
// noise, clipped at zero.
type Muscle struct {
	Optimum electrode.Pair
	Mode    DistanceMode

	mu    sync.Mutex
	noise distuv.Normal
}

// NewMuscle creates a muscle with noise standard deviation sigma drawn from
// a PCG source seeded with seed.
func NewMuscle(optimum electrode.Pair, mode DistanceMode, sigma float64, seed uint64) *Muscle {
	return &Muscle{
		Optimum: optimum,
		Mode:    mode,
		noise: distuv.Normal{
			Mu:    0,
			Sigma: sigma,
			Src:   rand.NewPCG(seed, seed^0x9e3779b97f4a7c15),
		},
	}
}

// Distance is how far p is from the optimum under the configured mode.
func (m *Muscle) Distance(p electrode.Pair) float64 {
	if m.Mode == DistanceGrid {
		direct := electrode.Distance(p.A, m.Optimum.A) + electrode.Distance(p.B, m.Optimum.B)
		crossed := electrode.Distance(p.A, m.Optimum.B) + electrode.Distance(p.B, m.Optimum.A)
		return math.Min(direct, crossed)
	}
	return math.Abs(float64(p.A-m.Optimum.A)) + math.Abs(float64(p.B-m.Optimum.B))
}

// Expected is the noise-free activation.
func (m *Muscle) Expected(p electrode.Pair, current int) float64 {
	if current <= 0 {
		return 0
	}
	return math.Exp(-0.5*m.Distance(p)) * (1 - math.Exp(-0.3*float64(current)))
}

// Activation is Expected plus one noise draw, never negative.
func (m *Muscle) Activation(p electrode.Pair, current int) float64 {
	return math.Max(m.Expected(p, current)+m.Noise(), 0)
}

// Noise draws one sample of sensor noise.
func (m *Muscle) Noise() float64 {
	if m.noise.Sigma <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.noise.Rand()
}
