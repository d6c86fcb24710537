package ses

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/stimtune/internal/electrode"
	"github.com/banshee-data/stimtune/internal/perturb"
)

// ErrInvalidConfig wraps every configuration rejection so callers can tell a
// bad request from a failed run.
var ErrInvalidConfig = errors.New("invalid optimiser configuration")

// Phase1Config holds the current-search thresholds.
type Phase1Config struct {
	MaxIterations      int     `json:"max_iterations"`
	MinEffect          float64 `json:"min_effect"`
	IneffectiveLimit   int     `json:"ineffective_limit"`
	StabilityThreshold float64 `json:"stability_threshold"`
	StableCount        int     `json:"stable_count"`
	LearningRate       float64 `json:"learning_rate"`
}

// Phase2Config holds the survey stopping rule.
type Phase2Config struct {
	MinUsage int     `json:"min_usage"`
	TopN     int     `json:"top_n"`
	Margin   float64 `json:"margin"`
}

// Config is the full set of run parameters. MinCurrent and MaxCurrent are the
// defaults; Start overrides them per run.
type Config struct {
	Electrodes     []electrode.ID `json:"electrodes"`
	MinCurrent     int            `json:"min_current"`
	MaxCurrent     int            `json:"max_current"`
	WindowSize     int            `json:"window_size"`
	SettleDelay    time.Duration  `json:"settle_delay"`
	CommandTimeout time.Duration  `json:"command_timeout"`
	Perturb        perturb.Params `json:"perturb"`
	CurrentDither  float64        `json:"current_dither"`
	Phase1         Phase1Config   `json:"phase1"`
	Phase2         Phase2Config   `json:"phase2"`
}

// DefaultConfig returns a configuration that works with the simulated device
// and is a sane starting point on hardware.
func DefaultConfig() Config {
	return Config{
		Electrodes:     electrode.All(),
		MinCurrent:     1,
		MaxCurrent:     15,
		WindowSize:     10,
		SettleDelay:    300 * time.Millisecond,
		CommandTimeout: 2 * time.Second,
		Perturb:        perturb.DefaultParams(),
		CurrentDither:  1,
		Phase1: Phase1Config{
			MaxIterations:      80,
			MinEffect:          0.05,
			IneffectiveLimit:   3,
			StabilityThreshold: 0.4,
			StableCount:        3,
			LearningRate:       2,
		},
		Phase2: Phase2Config{
			MinUsage: 5,
			TopN:     4,
			Margin:   3.5,
		},
	}
}

// Validate rejects configurations a run could not honour.
func (c Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c Config) validate() error {
	if c.MinCurrent < 0 {
		return fmt.Errorf("min current must be >= 0, got %d", c.MinCurrent)
	}
	if c.MinCurrent > c.MaxCurrent {
		return fmt.Errorf("min current %d exceeds max current %d", c.MinCurrent, c.MaxCurrent)
	}
	seen := make(map[electrode.ID]bool, len(c.Electrodes))
	for _, id := range c.Electrodes {
		if !id.Valid() {
			return fmt.Errorf("electrode %d outside [%d,%d]", id, electrode.MinID, electrode.MaxID)
		}
		if seen[id] {
			return fmt.Errorf("electrode %d listed twice", id)
		}
		seen[id] = true
	}
	if len(seen) < 2 {
		return fmt.Errorf("at least 2 electrodes are required, got %d", len(seen))
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("window size must be > 0, got %d", c.WindowSize)
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("settle delay must be >= 0, got %s", c.SettleDelay)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be > 0, got %s", c.CommandTimeout)
	}
	if err := c.Perturb.Validate(); err != nil {
		return err
	}
	if c.CurrentDither < 0 {
		return fmt.Errorf("current dither must be >= 0, got %g", c.CurrentDither)
	}
	p1 := c.Phase1
	if p1.MaxIterations < 0 {
		return fmt.Errorf("phase 1 max iterations must be >= 0, got %d", p1.MaxIterations)
	}
	if p1.IneffectiveLimit <= 0 || p1.StableCount <= 0 {
		return errors.New("phase 1 ineffective limit and stable count must be > 0")
	}
	if p1.StabilityThreshold < p1.MinEffect {
		return fmt.Errorf("stability threshold %g below minimum effect %g", p1.StabilityThreshold, p1.MinEffect)
	}
	if p1.LearningRate < 0 {
		return fmt.Errorf("learning rate must be >= 0, got %g", p1.LearningRate)
	}
	p2 := c.Phase2
	if p2.MinUsage < 1 {
		return fmt.Errorf("minimum usage must be >= 1, got %d", p2.MinUsage)
	}
	if p2.TopN < 2 {
		return fmt.Errorf("top set must hold at least 2 electrodes, got %d", p2.TopN)
	}
	if p2.Margin < 0 {
		return fmt.Errorf("score margin must be >= 0, got %g", p2.Margin)
	}
	return nil
}

func (c Config) clampCurrent(level int) int {
	if level < c.MinCurrent {
		return c.MinCurrent
	}
	if level > c.MaxCurrent {
		return c.MaxCurrent
	}
	return level
}
