// Package ses implements the stochastic extremum-seeking controller that
// locks a stimulation current and then surveys electrode pairs until one
// pair clearly outperforms the rest.
package ses

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/banshee-data/stimtune/internal/electrode"
	"github.com/banshee-data/stimtune/internal/monitoring"
	"github.com/banshee-data/stimtune/internal/signal"
	"github.com/banshee-data/stimtune/internal/timeutil"
)

var (
	// ErrCancelled is returned when a run was stopped before converging.
	ErrCancelled = errors.New("optimisation cancelled")
	// ErrAborted is returned when the device link went away mid-run.
	ErrAborted = errors.New("optimisation aborted")
	// ErrDisconnected must be wrapped by Actuator implementations when the
	// transport is permanently gone. Other errors are treated as transient.
	ErrDisconnected = errors.New("stimulator disconnected")
)

// Actuator drives the stimulator hardware.
type Actuator interface {
	SendStimulation(ctx context.Context, current, a, b int, enabled bool) error
	StopStimulation(ctx context.Context) error
}

// SampleSource exposes the most recent sensor deltas. Implementations must
// not block waiting for new samples.
type SampleSource interface {
	Snapshot(n int) (ch1, ch2 []float64)
}

// Exporter persists the outcome of a run. Failures are logged only.
type Exporter interface {
	Export(ctx context.Context, report Report) error
}

// IterationObserver receives a record for every completed probe.
type IterationObserver interface {
	ObserveIteration(rec IterationRecord)
}

// Option customises an Optimizer.
type Option func(*Optimizer)

// WithClock replaces the clock used for settling delays.
func WithClock(c timeutil.Clock) Option {
	return func(o *Optimizer) { o.clock = c }
}

// WithExporter sets the collaborator that receives run reports.
func WithExporter(e Exporter) Option {
	return func(o *Optimizer) { o.exporter = e }
}

// WithObserver sets the per-iteration diagnostics sink.
func WithObserver(obs IterationObserver) Option {
	return func(o *Optimizer) { o.observer = obs }
}

// WithSeed makes every run draw from a fixed random sequence.
func WithSeed(seed int64) Option {
	return func(o *Optimizer) {
		o.newRand = func() *rand.Rand { return rand.New(rand.NewSource(seed)) }
	}
}

// WithConditionerName labels reports with the active conditioner family.
func WithConditionerName(name string) Option {
	return func(o *Optimizer) { o.conditionerName = name }
}

// Optimizer owns at most one active run at a time.
type Optimizer struct {
	cfg             Config
	act             Actuator
	src             SampleSource
	cond            signal.Conditioner
	conditionerName string
	clock           timeutil.Clock
	exporter        Exporter
	observer        IterationObserver
	newRand         func() *rand.Rand

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	state  RunState

	// cmdMu orders stimulation commands against the disable sent by Stop.
	cmdMu sync.Mutex
}

// New validates cfg and wires the collaborators.
func New(cfg Config, act Actuator, src SampleSource, cond signal.Conditioner, opts ...Option) (*Optimizer, error) {
	if act == nil || src == nil || cond == nil {
		return nil, fmt.Errorf("%w: actuator, sample source and conditioner are required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Optimizer{
		cfg:   cfg,
		act:   act,
		src:   src,
		cond:  cond,
		clock: timeutil.RealClock{},
		newRand: func() *rand.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano()))
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Config returns the optimiser's default configuration.
func (o *Optimizer) Config() Config {
	return o.cfg
}

// ValidateRange reports whether a run with the given current bounds would be
// accepted.
func (o *Optimizer) ValidateRange(minCurrent, maxCurrent int) error {
	cfg := o.cfg
	cfg.MinCurrent, cfg.MaxCurrent = minCurrent, maxCurrent
	return cfg.Validate()
}

// Start runs one optimisation to completion and returns the winning pair and
// current. Any run already in progress is cancelled and waited out first.
// Callbacks run on the control loop and may call Stop.
func (o *Optimizer) Start(ctx context.Context, minCurrent, maxCurrent int, onPairUpdate func(electrode.Pair), onCurrentUpdate func(int)) (Result, error) {
	cfg := o.cfg
	cfg.MinCurrent, cfg.MaxCurrent = minCurrent, maxCurrent
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r, err := o.newRun(cfg, onPairUpdate, onCurrentUpdate)
	if err != nil {
		return Result{}, err
	}

	o.mu.Lock()
	for o.cancel != nil {
		cancel, done := o.cancel, o.done
		o.mu.Unlock()
		cancel()
		<-done
		o.mu.Lock()
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	o.cancel, o.done = cancel, done
	o.state = r.st
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		o.cancel, o.done = nil, nil
		o.mu.Unlock()
		close(done)
	}()

	return r.execute(runCtx)
}

// Stop cancels the active run, if any, and commands the stimulator off. It is
// safe to call at any time and from callbacks. A stimulation command already
// in flight completes before the disable is sent.
func (o *Optimizer) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.disable()
}

// Running reports whether a run is active.
func (o *Optimizer) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancel != nil
}

// State returns a copy of the live run state.
func (o *Optimizer) State() RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Optimizer) publish(st RunState) {
	o.mu.Lock()
	o.state = st
	o.mu.Unlock()
}

func (o *Optimizer) disable() {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CommandTimeout)
	defer cancel()
	if err := o.act.StopStimulation(ctx); err != nil {
		monitoring.Logf("[ses] failed to disable stimulation: %v", err)
	}
}
