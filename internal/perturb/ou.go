// Package perturb generates the Ornstein–Uhlenbeck dither used by the
// extremum-seeking controller to explore electrode pairs and currents.
package perturb

import (
	"errors"
	"math"
	"math/rand"
	"sync"
)

// State is the raw and smoothed value of the process.
type State struct {
	Eta         float64 `json:"eta"`
	EtaSmoothed float64 `json:"eta_smoothed"`
}

// Params tune exploration aggressiveness against stability.
type Params struct {
	Lambda     float64 `json:"lambda"`      // mean-reversion rate
	Q          float64 `json:"q"`           // noise variance
	Dt         float64 `json:"dt"`          // integration step
	Alpha      float64 `json:"alpha"`       // smoothing factor for EtaSmoothed, (0,1]
	PairJitter float64 `json:"pair_jitter"` // scale of the pair-index noise draw
}

// DefaultParams mirrors the values the first bench prototype was tuned with.
func DefaultParams() Params {
	return Params{
		Lambda:     0.1,
		Q:          0.7,
		Dt:         0.1,
		Alpha:      0.3,
		PairJitter: 1,
	}
}

// Validate checks the parameters are usable.
func (p Params) Validate() error {
	if p.Lambda < 0 {
		return errors.New("lambda must be >= 0")
	}
	if p.Q < 0 {
		return errors.New("q must be >= 0")
	}
	if p.Dt <= 0 {
		return errors.New("dt must be > 0")
	}
	if p.Alpha <= 0 || p.Alpha > 1 {
		return errors.New("alpha must be in (0, 1]")
	}
	if p.PairJitter < 0 {
		return errors.New("pair jitter must be >= 0")
	}
	return nil
}

// OU is a discretised Ornstein–Uhlenbeck process with an exponential moving
// average on top. It is safe for concurrent use.
type OU struct {
	params Params
	mu     sync.Mutex
	rng    *rand.Rand
	state  State
}

// New creates a process at rest. rng must not be nil.
func New(params Params, rng *rand.Rand) (*OU, error) {
	if rng == nil {
		return nil, errors.New("random source is required")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &OU{params: params, rng: rng}, nil
}

// Step advances the process by one iteration and returns the new state.
func (o *OU) Step() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.params
	eta := o.state.Eta
	eta = eta - p.Lambda*eta*p.Dt + math.Sqrt(p.Q)*(o.rng.Float64()-0.5)
	o.state.Eta = eta
	o.state.EtaSmoothed = p.Alpha*eta + (1-p.Alpha)*o.state.EtaSmoothed
	return o.state
}

// State returns the current values without advancing.
func (o *OU) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Reset returns the process to rest for a new run.
func (o *OU) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = State{}
}

// JitterIndex draws fresh noise and moves current by up to half the index
// range in either direction, clamped to [0, numPairs-1].
func (o *OU) JitterIndex(current, numPairs int) int {
	if numPairs <= 1 {
		return 0
	}
	o.mu.Lock()
	noise := (o.rng.Float64() - 0.5) * o.params.PairJitter
	o.mu.Unlock()

	next := int(math.Floor(float64(current) + noise*float64(numPairs)))
	return clamp(next, 0, numPairs-1)
}

// Gradient is the correlation estimate |etaSmoothed·score|.
func (o *OU) Gradient(score float64) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return math.Abs(o.state.EtaSmoothed * score)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
