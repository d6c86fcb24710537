package ses

import (
	"context"
	"errors"
	"sync"
	"time"
)

// RunStatus is the coarse lifecycle of a background run.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusConverged RunStatus = "converged"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusError     RunStatus = "error"
)

// RunnerState is what the HTTP layer reports for the background run.
type RunnerState struct {
	Status      RunStatus  `json:"status"`
	Live        RunState   `json:"live"`
	Result      *Result    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Runner starts optimisation runs in the background so that a request
// handler can return immediately and poll for progress.
type Runner struct {
	opt     *Optimizer
	startMu sync.Mutex

	mu     sync.RWMutex
	state  RunnerState
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner wraps opt.
func NewRunner(opt *Optimizer) *Runner {
	return &Runner{
		opt:   opt,
		state: RunnerState{Status: RunStatusIdle},
	}
}

// Config is the optimiser's default configuration.
func (r *Runner) Config() Config {
	return r.opt.Config()
}

// Start validates the current range and launches a run. A run that is
// already active is cancelled and waited out first.
func (r *Runner) Start(ctx context.Context, minCurrent, maxCurrent int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := r.opt.ValidateRange(minCurrent, maxCurrent); err != nil {
		return err
	}
	r.startMu.Lock()
	defer r.startMu.Unlock()

	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	prev := r.done
	r.mu.Unlock()
	if prev != nil {
		<-prev
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	now := time.Now()
	r.mu.Lock()
	r.state = RunnerState{Status: RunStatusRunning, StartedAt: &now}
	r.cancel, r.done = cancel, done
	r.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		res, err := r.opt.Start(runCtx, minCurrent, maxCurrent, nil, nil)
		r.finish(res, err)
	}()
	return nil
}

func (r *Runner) finish(res Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.state.CompletedAt = &now
	switch {
	case err == nil:
		r.state.Status = RunStatusConverged
		r.state.Result = &res
	case errors.Is(err, ErrCancelled):
		r.state.Status = RunStatusCancelled
	default:
		r.state.Status = RunStatusError
		r.state.Error = err.Error()
	}
}

// Stop cancels the background run and disables stimulation.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	r.opt.Stop()
}

// Wait blocks until the most recently launched run has returned.
func (r *Runner) Wait() {
	r.mu.RLock()
	done := r.done
	r.mu.RUnlock()
	if done != nil {
		<-done
	}
}

// State returns a copy of the runner state including the live run state.
func (r *Runner) State() RunnerState {
	r.mu.RLock()
	st := r.state
	r.mu.RUnlock()
	if st.Result != nil {
		res := *st.Result
		st.Result = &res
	}
	st.Live = r.opt.State()
	return st
}
