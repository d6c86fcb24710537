package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/banshee-data/stimtune/internal/electrode"
	"github.com/banshee-data/stimtune/internal/perturb"
	"github.com/banshee-data/stimtune/internal/ses"
	"github.com/banshee-data/stimtune/internal/signal"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig is the optimiser configuration as read from disk. The schema
// matches GET /api/config so the same JSON can be saved and reloaded.
// Omitted fields fall back to the Get* defaults.
type TuningConfig struct {
	// Run params
	Electrodes     []int   `json:"electrodes,omitempty"`
	MinCurrent     *int    `json:"min_current,omitempty"`
	MaxCurrent     *int    `json:"max_current,omitempty"`
	WindowSize     *int    `json:"window_size,omitempty"`
	SettleDelay    *string `json:"settle_delay,omitempty"`    // duration string like "300ms"
	CommandTimeout *string `json:"command_timeout,omitempty"` // duration string like "2s"
	Seed           *int64  `json:"seed,omitempty"`            // 0 draws a fresh seed per process

	// Perturbation params
	OULambda      *float64 `json:"ou_lambda,omitempty"`
	OUQ           *float64 `json:"ou_q,omitempty"`
	OUDt          *float64 `json:"ou_dt,omitempty"`
	OUAlpha       *float64 `json:"ou_alpha,omitempty"`
	PairJitter    *float64 `json:"pair_jitter,omitempty"`
	CurrentDither *float64 `json:"current_dither,omitempty"`

	// Phase 1 (current search) params
	Phase1MaxIterations      *int     `json:"phase1_max_iterations,omitempty"`
	Phase1MinEffect          *float64 `json:"phase1_min_effect,omitempty"`
	Phase1IneffectiveLimit   *int     `json:"phase1_ineffective_limit,omitempty"`
	Phase1StabilityThreshold *float64 `json:"phase1_stability_threshold,omitempty"`
	Phase1StableCount        *int     `json:"phase1_stable_count,omitempty"`
	Phase1LearningRate       *float64 `json:"phase1_learning_rate,omitempty"`

	// Phase 2 (pair survey) params
	Phase2MinUsage *int     `json:"phase2_min_usage,omitempty"`
	Phase2TopN     *int     `json:"phase2_top_n,omitempty"`
	Phase2Margin   *float64 `json:"phase2_margin,omitempty"`

	// Conditioner params
	Conditioner   *string         `json:"conditioner,omitempty"` // contrast, snr or wavelet
	SampleRate    *float64        `json:"sample_rate,omitempty"`
	WashoutH      *float64        `json:"washout_h,omitempty"`
	WashoutZeta   *float64        `json:"washout_zeta,omitempty"`
	BandLow       *float64        `json:"band_low,omitempty"`
	BandHigh      *float64        `json:"band_high,omitempty"`
	ContrastPower *float64        `json:"contrast_power,omitempty"`
	WaveletLevels *int            `json:"wavelet_levels,omitempty"`
	BandWeights   map[int]float64 `json:"band_weights,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

func orDefault[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

func durationOr(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from cmd/tools/imu-analyse/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid. Durations must
// parse, the conditioner must build and the resulting optimiser config must
// pass ses validation.
func (c *TuningConfig) Validate() error {
	for name, d := range map[string]*string{
		"settle_delay":    c.SettleDelay,
		"command_timeout": c.CommandTimeout,
	} {
		if d != nil && *d != "" {
			if _, err := time.ParseDuration(*d); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *d, err)
			}
		}
	}

	if c.Conditioner != nil && !slices.Contains(signal.Families(), *c.Conditioner) {
		return fmt.Errorf("conditioner must be one of %v, got %q", signal.Families(), *c.Conditioner)
	}
	if c.SampleRate != nil && *c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %f", *c.SampleRate)
	}
	if _, err := c.BuildConditioner(); err != nil {
		return err
	}

	return c.SESConfig().Validate()
}

// GetElectrodes returns the electrodes to survey, or the full grid.
func (c *TuningConfig) GetElectrodes() []electrode.ID {
	if len(c.Electrodes) == 0 {
		return electrode.All()
	}
	ids := make([]electrode.ID, len(c.Electrodes))
	for i, id := range c.Electrodes {
		ids[i] = electrode.ID(id)
	}
	return ids
}

// GetMinCurrent returns the min_current value or the default.
func (c *TuningConfig) GetMinCurrent() int {
	return orDefault(c.MinCurrent, ses.DefaultConfig().MinCurrent)
}

// GetMaxCurrent returns the max_current value or the default.
func (c *TuningConfig) GetMaxCurrent() int {
	return orDefault(c.MaxCurrent, ses.DefaultConfig().MaxCurrent)
}

// GetSettleDelay parses and returns the SettleDelay as a time.Duration.
func (c *TuningConfig) GetSettleDelay() time.Duration {
	return durationOr(c.SettleDelay, ses.DefaultConfig().SettleDelay)
}

// GetCommandTimeout parses and returns the CommandTimeout as a time.Duration.
func (c *TuningConfig) GetCommandTimeout() time.Duration {
	return durationOr(c.CommandTimeout, ses.DefaultConfig().CommandTimeout)
}

// GetSeed returns the seed value; 0 means unseeded.
func (c *TuningConfig) GetSeed() int64 {
	return orDefault(c.Seed, 0)
}

// GetConditioner returns the conditioner family or the default.
func (c *TuningConfig) GetConditioner() string {
	return orDefault(c.Conditioner, signal.FamilyWavelet)
}

// GetWindowSize returns the window_size value or the default.
func (c *TuningConfig) GetWindowSize() int {
	return orDefault(c.WindowSize, ses.DefaultConfig().WindowSize)
}

// SESConfig converts the tuning file into optimiser parameters.
func (c *TuningConfig) SESConfig() ses.Config {
	def := ses.DefaultConfig()
	return ses.Config{
		Electrodes:     c.GetElectrodes(),
		MinCurrent:     c.GetMinCurrent(),
		MaxCurrent:     c.GetMaxCurrent(),
		WindowSize:     c.GetWindowSize(),
		SettleDelay:    c.GetSettleDelay(),
		CommandTimeout: c.GetCommandTimeout(),
		Perturb: perturb.Params{
			Lambda:     orDefault(c.OULambda, def.Perturb.Lambda),
			Q:          orDefault(c.OUQ, def.Perturb.Q),
			Dt:         orDefault(c.OUDt, def.Perturb.Dt),
			Alpha:      orDefault(c.OUAlpha, def.Perturb.Alpha),
			PairJitter: orDefault(c.PairJitter, def.Perturb.PairJitter),
		},
		CurrentDither: orDefault(c.CurrentDither, def.CurrentDither),
		Phase1: ses.Phase1Config{
			MaxIterations:      orDefault(c.Phase1MaxIterations, def.Phase1.MaxIterations),
			MinEffect:          orDefault(c.Phase1MinEffect, def.Phase1.MinEffect),
			IneffectiveLimit:   orDefault(c.Phase1IneffectiveLimit, def.Phase1.IneffectiveLimit),
			StabilityThreshold: orDefault(c.Phase1StabilityThreshold, def.Phase1.StabilityThreshold),
			StableCount:        orDefault(c.Phase1StableCount, def.Phase1.StableCount),
			LearningRate:       orDefault(c.Phase1LearningRate, def.Phase1.LearningRate),
		},
		Phase2: ses.Phase2Config{
			MinUsage: orDefault(c.Phase2MinUsage, def.Phase2.MinUsage),
			TopN:     orDefault(c.Phase2TopN, def.Phase2.TopN),
			Margin:   orDefault(c.Phase2Margin, def.Phase2.Margin),
		},
	}
}

// SignalParams converts the conditioner fields into signal.Params.
func (c *TuningConfig) SignalParams() signal.Params {
	def := signal.DefaultParams()
	p := signal.Params{
		SampleRate:    orDefault(c.SampleRate, def.SampleRate),
		WashoutH:      orDefault(c.WashoutH, def.WashoutH),
		WashoutZeta:   orDefault(c.WashoutZeta, def.WashoutZeta),
		BandLow:       orDefault(c.BandLow, def.BandLow),
		BandHigh:      orDefault(c.BandHigh, def.BandHigh),
		Power:         orDefault(c.ContrastPower, def.Power),
		WaveletLevels: orDefault(c.WaveletLevels, def.WaveletLevels),
		BandWeights:   def.BandWeights,
	}
	if len(c.BandWeights) > 0 {
		p.BandWeights = c.BandWeights
	}
	return p
}

// BuildConditioner builds the configured conditioner family.
func (c *TuningConfig) BuildConditioner() (signal.Conditioner, error) {
	return signal.NewConditioner(c.GetConditioner(), c.SignalParams())
}
