package ses

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/banshee-data/stimtune/internal/electrode"
	"github.com/banshee-data/stimtune/internal/monitoring"
	"github.com/banshee-data/stimtune/internal/perturb"
	"github.com/banshee-data/stimtune/internal/signal"
	"github.com/banshee-data/stimtune/internal/timeutil"
)

// run is the state of one Start call. It is only touched by the control
// loop; observers receive copies via Optimizer.publish.
type run struct {
	o       *Optimizer
	cfg     Config
	pairs   []electrode.Pair
	ou      *perturb.OU
	tracker *electrode.Tracker
	st      RunState

	onPair    func(electrode.Pair)
	onCurrent func(int)
}

func (o *Optimizer) newRun(cfg Config, onPair func(electrode.Pair), onCurrent func(int)) (*run, error) {
	rng := o.newRand()
	ou, err := perturb.New(cfg.Perturb, rng)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	pairs := electrode.Pairs(cfg.Electrodes)
	idx := rng.Intn(len(pairs))
	return &run{
		o:       o,
		cfg:     cfg,
		pairs:   pairs,
		ou:      ou,
		tracker: electrode.NewTracker(cfg.Electrodes),
		st: RunState{
			RunID:      uuid.NewString(),
			Phase:      PhaseCurrentSearch,
			PairIndex:  idx,
			Pair:       pairs[idx],
			Current:    cfg.MinCurrent,
			MinCurrent: cfg.MinCurrent,
			MaxCurrent: cfg.MaxCurrent,
		},
		onPair:    onPair,
		onCurrent: onCurrent,
	}, nil
}

// execute drives both phases and always leaves the stimulator disabled.
func (r *run) execute(ctx context.Context) (Result, error) {
	started := r.o.clock.Now()
	monitoring.Logf("[ses] run %s started: current [%d,%d], %d pairs",
		r.st.RunID, r.cfg.MinCurrent, r.cfg.MaxCurrent, len(r.pairs))

	var decision Decision
	err := r.searchCurrent(ctx)
	if err == nil {
		decision, err = r.surveyPairs(ctx)
	}

	r.o.disable()

	report := Report{
		RunID:       r.st.RunID,
		Current:     r.st.Current,
		MinCurrent:  r.cfg.MinCurrent,
		MaxCurrent:  r.cfg.MaxCurrent,
		Conditioner: r.o.conditionerName,
		Iterations:  r.st.Iteration,
		Stats:       r.tracker.Snapshot(),
		StartedAt:   started,
	}
	switch {
	case err == nil:
		r.st.Phase = PhaseConverged
		report.Outcome = OutcomeConverged
		report.Pair = &decision.Pair
	case errors.Is(err, ErrAborted):
		r.st.Phase = PhaseStopped
		report.Outcome = OutcomeAborted
	default:
		r.st.Phase = PhaseStopped
		report.Outcome = OutcomeCancelled
	}
	r.o.publish(r.st)
	report.FinishedAt = r.o.clock.Now()
	r.export(report)

	if err != nil {
		monitoring.Logf("[ses] run %s ended after %d iterations: %v", r.st.RunID, r.st.Iteration, err)
		return Result{}, err
	}
	monitoring.Logf("[ses] run %s converged on %s at %d after %d iterations (top %.2f, rest %.2f)",
		r.st.RunID, decision.Pair, r.st.Current, r.st.Iteration, decision.TopMean, decision.RestMean)
	return Result{
		RunID:      r.st.RunID,
		Pair:       decision.Pair,
		Current:    r.st.Current,
		Iterations: r.st.Iteration,
		Stats:      report.Stats,
	}, nil
}

func (r *run) export(report Report) {
	if r.o.exporter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CommandTimeout)
	defer cancel()
	if err := r.o.exporter.Export(ctx, report); err != nil {
		monitoring.Logf("[ses] export of run %s failed: %v", report.RunID, err)
	}
}

// probe performs one perturb-command-settle-measure iteration at the working
// current, optionally dithered by the smoothed perturbation, and returns the
// score. A transient actuator failure yields ok=false and no score.
func (r *run) probe(ctx context.Context, dither bool) (score float64, ok bool, err error) {
	if ctx.Err() != nil {
		return 0, false, ErrCancelled
	}

	eta := r.ou.Step()
	r.st.PairIndex = r.ou.JitterIndex(r.st.PairIndex, len(r.pairs))
	r.st.Pair = r.pairs[r.st.PairIndex]
	r.st.Perturbation = eta
	r.st.Iteration++
	current := r.st.Current
	if dither {
		current = r.cfg.clampCurrent(int(math.Round(float64(current) + r.cfg.CurrentDither*eta.EtaSmoothed)))
	}
	r.o.publish(r.st)
	if r.onPair != nil {
		r.onPair(r.st.Pair)
	}

	err = r.stimulate(ctx, current)
	switch {
	case err == nil:
	case errors.Is(err, ErrCancelled):
		return 0, false, ErrCancelled
	case errors.Is(err, ErrDisconnected):
		return 0, false, fmt.Errorf("%w: %v", ErrAborted, err)
	case ctx.Err() != nil:
		return 0, false, ErrCancelled
	default:
		monitoring.Logf("[ses] iteration %d: stimulation command failed: %v", r.st.Iteration, err)
		if err := timeutil.Wait(ctx, r.o.clock, r.cfg.SettleDelay); err != nil {
			return 0, false, ErrCancelled
		}
		return 0, false, nil
	}

	if err := timeutil.Wait(ctx, r.o.clock, r.cfg.SettleDelay); err != nil {
		return 0, false, ErrCancelled
	}

	ch1, ch2 := r.o.src.Snapshot(r.cfg.WindowSize)
	score = signal.Score(r.o.cond, ch1, ch2)
	r.st.LastScore = score

	if r.o.observer != nil {
		r.o.observer.ObserveIteration(IterationRecord{
			RunID:     r.st.RunID,
			Iteration: r.st.Iteration,
			Phase:     r.st.Phase,
			Pair:      r.st.Pair,
			Current:   current,
			Score:     score,
			Gradient:  r.ou.Gradient(score),
			Eta:       eta.Eta,
			At:        r.o.clock.Now(),
		})
	}
	return score, true, nil
}

// stimulate sends one enable command unless ctx has been cancelled. Holding
// cmdMu across the check and the write keeps a concurrent Stop's disable from
// landing before it.
func (r *run) stimulate(ctx context.Context, current int) error {
	r.o.cmdMu.Lock()
	defer r.o.cmdMu.Unlock()
	// Stop may have been called from the callback or another goroutine.
	if ctx.Err() != nil {
		return ErrCancelled
	}
	cmdCtx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()
	return r.o.act.SendStimulation(cmdCtx, current, int(r.st.Pair.A), int(r.st.Pair.B), true)
}

// setCurrent moves the working level and notifies the caller on change.
func (r *run) setCurrent(level int) {
	level = r.cfg.clampCurrent(level)
	if level == r.st.Current {
		return
	}
	r.st.Current = level
	r.o.publish(r.st)
	if r.onCurrent != nil {
		r.onCurrent(level)
	}
}
