package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/stimtune/internal/config"
	"github.com/banshee-data/stimtune/internal/db"
	"github.com/banshee-data/stimtune/internal/electrode"
	"github.com/banshee-data/stimtune/internal/httputil"
	"github.com/banshee-data/stimtune/internal/report"
	"github.com/banshee-data/stimtune/internal/serialmux"
	"github.com/banshee-data/stimtune/internal/ses"
	"github.com/banshee-data/stimtune/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// FirmwareInfo exposes what the attached stimulator reported about itself.
type FirmwareInfo interface {
	Config() map[string]any
	Frames() uint64
}

type Server struct {
	m        serialmux.Mux
	store    *db.Store
	runner   *ses.Runner
	tuning   *config.TuningConfig
	firmware FirmwareInfo
}

// NewServer wires the HTTP surface. store and firmware may be nil; the
// endpoints that need them then answer 503 or omit the data.
func NewServer(m serialmux.Mux, store *db.Store, runner *ses.Runner, tuning *config.TuningConfig, firmware FirmwareInfo) *Server {
	if tuning == nil {
		tuning = config.EmptyTuningConfig()
	}
	return &Server{
		m:        m,
		store:    store,
		runner:   runner,
		tuning:   tuning,
		firmware: firmware,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/command", s.sendCommandHandler)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/optimize", s.handleOptimize)
	mux.HandleFunc("/api/optimize/stop", s.stopOptimize)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/stats", s.showRunStats)
	mux.HandleFunc("/api/runs/plot.png", s.plotRunHistory)
	mux.HandleFunc("/api/runs/electrodes", s.electrodeChart)
	return mux
}

func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	command := r.FormValue("command")
	if command == "" {
		http.Error(w, "Missing command", http.StatusBadRequest)
		return
	}

	if err := s.m.SendCommand(command); err != nil {
		http.Error(w, "Failed to send command", http.StatusInternalServerError)
		return
	}
	io.WriteString(w, "Command sent successfully")
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	resp := map[string]any{
		"tuning":      s.tuning,
		"optimizer":   s.runner.Config(),
		"conditioner": s.tuning.GetConditioner(),
		"version":     version.Get(),
	}
	if s.firmware != nil {
		resp["firmware"] = s.firmware.Config()
		resp["sensor_frames"] = s.firmware.Frames()
	}
	httputil.WriteJSONOK(w, resp)
}

// OptimizeRequest is the body of POST /api/optimize. Omitted bounds fall
// back to the configured range.
type OptimizeRequest struct {
	MinCurrent *int `json:"min_current,omitempty"`
	MaxCurrent *int `json:"max_current,omitempty"`
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.runner.State())
	case http.MethodPost:
		s.startOptimize(w, r)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) startOptimize(w http.ResponseWriter, r *http.Request) {
	var req OptimizeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httputil.BadRequest(w, fmt.Sprintf("Invalid request body: %v", err))
			return
		}
	}

	cfg := s.runner.Config()
	minCurrent, maxCurrent := cfg.MinCurrent, cfg.MaxCurrent
	if req.MinCurrent != nil {
		minCurrent = *req.MinCurrent
	}
	if req.MaxCurrent != nil {
		maxCurrent = *req.MaxCurrent
	}

	// The run outlives the request, so it must not inherit its context.
	if err := s.runner.Start(context.Background(), minCurrent, maxCurrent); err != nil {
		if errors.Is(err, ses.ErrInvalidConfig) {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.InternalServerError(w, fmt.Sprintf("Failed to start optimisation: %v", err))
		return
	}
	log.Printf("optimisation started, current range [%d, %d] mA", minCurrent, maxCurrent)
	httputil.WriteJSON(w, http.StatusAccepted, s.runner.State())
}

func (s *Server) stopOptimize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.runner.Stop()
	s.runner.Wait()
	httputil.WriteJSONOK(w, s.runner.State())
}

// requireStore answers 503 when no database is attached.
func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		httputil.ServiceUnavailable(w, "No database configured")
		return false
	}
	return true
}

// runID reads the run_id query parameter, answering 400 when it is absent.
func (s *Server) runID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.URL.Query().Get("run_id")
	if id == "" {
		httputil.BadRequest(w, "Missing 'run_id' parameter")
		return "", false
	}
	return id, true
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.listRuns(w, r)
	case http.MethodDelete:
		s.deleteRun(w, r)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > 1000 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	runs, err := s.store.Runs(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to list runs: %v", err))
		return
	}
	httputil.WriteJSONOK(w, runs)
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteRun(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrRunNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.InternalServerError(w, err.Error())
}

// RunStats is the body of GET /api/runs/stats.
type RunStats struct {
	Run        db.RunSummary         `json:"run"`
	Electrodes []electrode.Stats     `json:"electrodes"`
	Iterations []ses.IterationRecord `json:"iterations,omitempty"`
}

func (s *Server) showRunStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.requireStore(w) {
		return
	}
	id, ok := s.runID(w, r)
	if !ok {
		return
	}

	run, err := s.store.Run(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	stats, err := s.store.ElectrodeStats(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	resp := RunStats{Run: run, Electrodes: stats}
	if r.URL.Query().Get("iterations") == "true" {
		if resp.Iterations, err = s.store.Iterations(r.Context(), id); err != nil {
			s.writeStoreError(w, err)
			return
		}
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) plotRunHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.requireStore(w) {
		return
	}
	id, ok := s.runID(w, r)
	if !ok {
		return
	}

	recs, err := s.store.Iterations(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	wt, err := report.PlotHistory(recs, report.DefaultWidth, report.DefaultHeight)
	if errors.Is(err, report.ErrNoHistory) {
		httputil.NotFound(w, fmt.Sprintf("No iterations recorded for run %s", id))
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to plot run: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		log.Printf("failed to write plot for run %s: %v", id, err)
	}
}

func (s *Server) electrodeChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.requireStore(w) {
		return
	}
	id, ok := s.runID(w, r)
	if !ok {
		return
	}

	run, err := s.store.Run(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	stats, err := s.store.ElectrodeStats(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	subtitle := fmt.Sprintf("run=%s outcome=%s", run.RunID, run.Outcome)
	if run.Pair != nil {
		subtitle += fmt.Sprintf(" pair=%s current=%dmA", run.Pair, run.Current)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := report.RenderElectrodeChart(w, stats, subtitle); err != nil {
		log.Printf("failed to render electrode chart for run %s: %v", id, err)
	}
}
