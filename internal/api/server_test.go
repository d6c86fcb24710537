package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/stimtune/internal/config"
	"github.com/banshee-data/stimtune/internal/db"
	"github.com/banshee-data/stimtune/internal/electrode"
	"github.com/banshee-data/stimtune/internal/monitoring"
	"github.com/banshee-data/stimtune/internal/serialmux"
	"github.com/banshee-data/stimtune/internal/ses"
	"github.com/banshee-data/stimtune/internal/signal"
)

// quietBench accepts every command and never produces a response, so runs
// keep going until stopped.
type quietBench struct{}

func (quietBench) SendStimulation(context.Context, int, int, int, bool) error { return nil }
func (quietBench) StopStimulation(context.Context) error                      { return nil }
func (quietBench) Snapshot(int) ([]float64, []float64)                        { return nil, nil }

type fakeFirmware struct{}

func (fakeFirmware) Config() map[string]any { return map[string]any{"firmware": "1.4.2"} }
func (fakeFirmware) Frames() uint64         { return 42 }

type testEnv struct {
	server *Server
	mux    *http.ServeMux
	serial *serialmux.DisabledSerialMux
	store  *db.Store
	runner *ses.Runner
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	monitoring.SetLogger(func(string, ...any) {})
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	database, err := db.NewDB(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	store := db.NewStore(database)

	cfg := ses.DefaultConfig()
	cfg.SettleDelay = 2 * time.Millisecond
	cond, err := signal.NewConditioner(signal.FamilyContrast, signal.DefaultParams())
	require.NoError(t, err)
	opt, err := ses.New(cfg, quietBench{}, quietBench{}, cond,
		ses.WithSeed(7), ses.WithExporter(store), ses.WithObserver(store))
	require.NoError(t, err)
	runner := ses.NewRunner(opt)
	t.Cleanup(func() {
		runner.Stop()
		runner.Wait()
	})

	serial := serialmux.NewDisabledSerialMux()
	server := NewServer(serial, store, runner, config.EmptyTuningConfig(), fakeFirmware{})
	return &testEnv{server: server, mux: server.ServeMux(), serial: serial, store: store, runner: runner}
}

func (e *testEnv) do(t *testing.T, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func seedRun(t *testing.T, store *db.Store, id string) {
	t.Helper()
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_000)
	for i := 1; i <= 12; i++ {
		store.ObserveIteration(ses.IterationRecord{
			RunID:     id,
			Iteration: i,
			Phase:     ses.PhasePairSurvey,
			Pair:      electrode.NewPair(3, 5),
			Current:   7,
			Score:     float64(i),
			At:        at.Add(time.Duration(i) * time.Second),
		})
	}
	pair := electrode.NewPair(3, 5)
	require.NoError(t, store.Export(ctx, ses.Report{
		RunID:   id,
		Outcome: ses.OutcomeConverged,
		Pair:    &pair,
		Current: 7,
		Stats: map[electrode.ID]electrode.Stats{
			3: {ID: 3, Usage: 12, Aggregated: 78, Average: 6.5, History: []float64{1, 2}},
			5: {ID: 5, Usage: 12, Aggregated: 78, Average: 6.5, History: []float64{1, 2}},
		},
		StartedAt:  at,
		FinishedAt: at.Add(time.Minute),
	}))
}

func TestSendCommand(t *testing.T) {
	env := setupTestServer(t)

	form := url.Values{"command": {"IMU,ON"}}
	req := httptest.NewRequest(http.MethodPost, "/command", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"IMU,ON"}, env.serial.Sent())

	w = env.do(t, http.MethodGet, "/command", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = env.do(t, http.MethodPost, "/command", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestShowConfig(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[map[string]any](t, w)
	assert.Equal(t, signal.FamilyWavelet, resp["conditioner"])
	assert.Equal(t, float64(42), resp["sensor_frames"])
	assert.Equal(t, map[string]any{"firmware": "1.4.2"}, resp["firmware"])
	optimizer, ok := resp["optimizer"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(ses.DefaultConfig().MaxCurrent), optimizer["max_current"])
	build, ok := resp["version"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "dev", build["version"])
}

func TestOptimizeLifecycle(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodGet, "/api/optimize", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ses.RunStatusIdle, decode[ses.RunnerState](t, w).Status)

	w = env.do(t, http.MethodPost, "/api/optimize", `{"min_current": 2, "max_current": 6}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, ses.RunStatusRunning, decode[ses.RunnerState](t, w).Status)

	require.Eventually(t, func() bool {
		return env.runner.State().Live.Iteration > 2
	}, 5*time.Second, time.Millisecond)

	w = env.do(t, http.MethodGet, "/api/optimize", "")
	live := decode[ses.RunnerState](t, w).Live
	assert.Equal(t, 2, live.MinCurrent)
	assert.Equal(t, 6, live.MaxCurrent)
	assert.NotEmpty(t, live.RunID)

	w = env.do(t, http.MethodPost, "/api/optimize/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[ses.RunnerState](t, w)
	assert.Equal(t, ses.RunStatusCancelled, st.Status)
	assert.Equal(t, ses.PhaseStopped, st.Live.Phase)

	// The cancelled run was exported with its iterations.
	w = env.do(t, http.MethodGet, "/api/runs", "")
	require.Equal(t, http.StatusOK, w.Code)
	runs := decode[[]db.RunSummary](t, w)
	require.Len(t, runs, 1)
	assert.Equal(t, live.RunID, runs[0].RunID)
	assert.Equal(t, "cancelled", runs[0].Outcome)
	assert.Nil(t, runs[0].Pair)
}

func TestOptimizeDefaultsAndValidation(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodPost, "/api/optimize", `{"min_current": 9, "max_current": 3}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode[map[string]string](t, w)["error"], "min current")

	w = env.do(t, http.MethodPost, "/api/optimize", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, "/api/optimize", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = env.do(t, http.MethodGet, "/api/optimize/stop", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = env.do(t, http.MethodPost, "/api/optimize", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool {
		return env.runner.State().Live.Iteration > 0
	}, 5*time.Second, time.Millisecond)
	live := env.runner.State().Live
	assert.Equal(t, ses.DefaultConfig().MinCurrent, live.MinCurrent)
	assert.Equal(t, ses.DefaultConfig().MaxCurrent, live.MaxCurrent)
}

func TestRunStats(t *testing.T) {
	env := setupTestServer(t)
	seedRun(t, env.store, "run-1")

	w := env.do(t, http.MethodGet, "/api/runs/stats?run_id=run-1&iterations=true", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stats := decode[RunStats](t, w)
	assert.Equal(t, "converged", stats.Run.Outcome)
	require.NotNil(t, stats.Run.Pair)
	assert.Equal(t, electrode.NewPair(3, 5), *stats.Run.Pair)
	require.Len(t, stats.Electrodes, 2)
	assert.Equal(t, 6.5, stats.Electrodes[0].Average)
	assert.Len(t, stats.Iterations, 12)

	w = env.do(t, http.MethodGet, "/api/runs/stats?run_id=run-1", "")
	assert.Empty(t, decode[RunStats](t, w).Iterations)

	w = env.do(t, http.MethodGet, "/api/runs/stats?run_id=nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/runs/stats", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListRunsLimit(t *testing.T) {
	env := setupTestServer(t)
	seedRun(t, env.store, "a")
	seedRun(t, env.store, "b")

	w := env.do(t, http.MethodGet, "/api/runs?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]db.RunSummary](t, w), 1)

	w = env.do(t, http.MethodGet, "/api/runs?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteRun(t *testing.T) {
	env := setupTestServer(t)
	seedRun(t, env.store, "gone")

	w := env.do(t, http.MethodDelete, "/api/runs?run_id=gone", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodDelete, "/api/runs?run_id=gone", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPlotRunHistory(t *testing.T) {
	env := setupTestServer(t)
	seedRun(t, env.store, "run-1")

	w := env.do(t, http.MethodGet, "/api/runs/plot.png?run_id=run-1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))

	w = env.do(t, http.MethodGet, "/api/runs/plot.png?run_id=unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestElectrodeChart(t *testing.T) {
	env := setupTestServer(t)
	seedRun(t, env.store, "run-1")

	w := env.do(t, http.MethodGet, "/api/runs/electrodes?run_id=run-1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	body := w.Body.String()
	assert.Contains(t, body, "E3")
	assert.Contains(t, body, "pair=(3,5)")

	w = env.do(t, http.MethodGet, "/api/runs/electrodes?run_id=unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunsWithoutDatabase(t *testing.T) {
	env := setupTestServer(t)
	server := NewServer(env.serial, nil, env.runner, nil, nil)
	mux := server.ServeMux()

	for _, target := range []string{"/api/runs", "/api/runs/stats?run_id=x", "/api/runs/plot.png?run_id=x", "/api/runs/electrodes?run_id=x"} {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, target)
	}

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "sensor_frames")
}

func TestLoggingMiddleware(t *testing.T) {
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)

	assert.Contains(t, statusCodeColor(200), "200")
	assert.Contains(t, statusCodeColor(302), colorYellow)
	assert.Contains(t, statusCodeColor(503), colorBoldRed)
}
