package ses

import (
	"time"

	"github.com/banshee-data/stimtune/internal/electrode"
	"github.com/banshee-data/stimtune/internal/perturb"
)

// Phase is the controller's position in the two-phase protocol.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCurrentSearch
	PhasePairSurvey
	PhaseConverged
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseCurrentSearch:
		return "current_search"
	case PhasePairSurvey:
		return "pair_survey"
	case PhaseConverged:
		return "converged"
	case PhaseStopped:
		return "stopped"
	default:
		return "idle"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// ParsePhase is the inverse of Phase.String. Unknown names map to PhaseIdle.
func ParsePhase(s string) Phase {
	for _, p := range []Phase{PhaseCurrentSearch, PhasePairSurvey, PhaseConverged, PhaseStopped} {
		if p.String() == s {
			return p
		}
	}
	return PhaseIdle
}

func (p *Phase) UnmarshalText(b []byte) error {
	*p = ParsePhase(string(b))
	return nil
}

// RunState is the controller-owned state of one optimisation run. Observers
// only ever see copies.
type RunState struct {
	RunID            string         `json:"run_id,omitempty"`
	Phase            Phase          `json:"phase"`
	Iteration        int            `json:"iteration"`
	PairIndex        int            `json:"pair_index"`
	Pair             electrode.Pair `json:"pair"`
	Current          int            `json:"current"`
	MinCurrent       int            `json:"min_current"`
	MaxCurrent       int            `json:"max_current"`
	StableCount      int            `json:"stable_count"`
	IneffectiveCount int            `json:"ineffective_count"`
	Perturbation     perturb.State  `json:"perturbation"`
	LastScore        float64        `json:"last_score"`
}

// IterationRecord describes one completed probe, for diagnostics.
type IterationRecord struct {
	RunID     string         `json:"run_id"`
	Iteration int            `json:"iteration"`
	Phase     Phase          `json:"phase"`
	Pair      electrode.Pair `json:"pair"`
	Current   int            `json:"current"`
	Score     float64        `json:"score"`
	Gradient  float64        `json:"gradient"`
	Eta       float64        `json:"eta"`
	At        time.Time      `json:"at"`
}

// Outcome names how a run ended.
type Outcome string

const (
	OutcomeConverged Outcome = "converged"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeAborted   Outcome = "aborted"
)

// Result is returned by a run that declared a winner.
type Result struct {
	RunID      string                           `json:"run_id"`
	Pair       electrode.Pair                   `json:"pair"`
	Current    int                              `json:"current"`
	Iterations int                              `json:"iterations"`
	Stats      map[electrode.ID]electrode.Stats `json:"stats"`
}

// Report is handed to the Exporter when a run ends, whatever the outcome.
type Report struct {
	RunID       string                           `json:"run_id"`
	Outcome     Outcome                          `json:"outcome"`
	Pair        *electrode.Pair                  `json:"pair,omitempty"`
	Current     int                              `json:"current"`
	MinCurrent  int                              `json:"min_current"`
	MaxCurrent  int                              `json:"max_current"`
	Conditioner string                           `json:"conditioner"`
	Iterations  int                              `json:"iterations"`
	Stats       map[electrode.ID]electrode.Stats `json:"stats"`
	StartedAt   time.Time                        `json:"started_at"`
	FinishedAt  time.Time                        `json:"finished_at"`
}
