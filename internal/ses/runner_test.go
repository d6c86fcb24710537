package ses

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/stimtune/internal/electrode"
)

func TestRunnerConverges(t *testing.T) {
	target := electrode.NewPair(2, 4)
	b := &bench{score: func(p electrode.Pair) float64 {
		if p == target {
			return 40
		}
		return 0
	}}
	cfg := testConfig()
	cfg.Electrodes = []electrode.ID{1, 2, 3, 4, 5}
	cfg.Phase2 = Phase2Config{MinUsage: 3, TopN: 2, Margin: 1}
	r := NewRunner(newTestOptimizer(t, cfg, b))

	assert.Equal(t, RunStatusIdle, r.State().Status)
	require.NoError(t, r.Start(context.Background(), 6, 6))
	r.Wait()

	st := r.State()
	require.Equal(t, RunStatusConverged, st.Status, st.Error)
	require.NotNil(t, st.Result)
	assert.Equal(t, target, st.Result.Pair)
	assert.Equal(t, 6, st.Result.Current)
	assert.NotNil(t, st.CompletedAt)
	assert.Equal(t, PhaseConverged, st.Live.Phase)
}

func TestRunnerStop(t *testing.T) {
	b := &bench{}
	cfg := testConfig()
	cfg.SettleDelay = 10 * time.Millisecond
	r := NewRunner(newTestOptimizer(t, cfg, b))

	require.NoError(t, r.Start(context.Background(), 1, 3))
	require.Eventually(t, func() bool { return r.State().Live.Iteration > 0 }, 5*time.Second, time.Millisecond)
	r.Stop()
	r.Wait()

	st := r.State()
	assert.Equal(t, RunStatusCancelled, st.Status)
	assert.Nil(t, st.Result)
	assert.Equal(t, PhaseStopped, st.Live.Phase)
}

func TestRunnerRejectsInvalidRange(t *testing.T) {
	r := NewRunner(newTestOptimizer(t, testConfig(), &bench{}))
	err := r.Start(context.Background(), 10, 2)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, RunStatusIdle, r.State().Status)
}

func TestRunnerRestartKeepsLatestStatus(t *testing.T) {
	b := &bench{}
	cfg := testConfig()
	cfg.SettleDelay = 5 * time.Millisecond
	r := NewRunner(newTestOptimizer(t, cfg, b))

	require.NoError(t, r.Start(context.Background(), 1, 1))
	require.NoError(t, r.Start(context.Background(), 1, 1))
	require.Eventually(t, func() bool { return r.State().Live.Iteration > 0 }, 5*time.Second, time.Millisecond)

	// The first run's cancellation must not overwrite the second's status.
	assert.Equal(t, RunStatusRunning, r.State().Status)
	r.Stop()
	r.Wait()
	assert.Equal(t, RunStatusCancelled, r.State().Status)
}
