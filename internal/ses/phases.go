package ses

import (
	"context"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/stimtune/internal/electrode"
	"github.com/banshee-data/stimtune/internal/monitoring"
)

// searchCurrent runs phase 1. On nil return r.st.Current holds the locked
// level, always within [MinCurrent, MaxCurrent].
func (r *run) searchCurrent(ctx context.Context) error {
	if r.onCurrent != nil {
		r.onCurrent(r.st.Current)
	}
	if r.cfg.MinCurrent == r.cfg.MaxCurrent {
		monitoring.Logf("[ses] current fixed at %d, skipping current search", r.st.Current)
		return nil
	}

	p := r.cfg.Phase1
	for i := 0; i < p.MaxIterations; i++ {
		score, ok, err := r.probe(ctx, true)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		grad := r.ou.Gradient(score)

		switch {
		case grad < p.MinEffect:
			r.st.StableCount = 0
			r.st.IneffectiveCount++
			if r.st.IneffectiveCount >= p.IneffectiveLimit {
				if r.st.Current >= r.cfg.MaxCurrent {
					monitoring.Logf("[ses] no effective gradient up to max current, locking at %d", r.st.Current)
					return nil
				}
				r.st.IneffectiveCount = 0
				r.setCurrent(r.st.Current + 1)
			}
		case grad >= p.StabilityThreshold:
			r.st.IneffectiveCount = 0
			r.st.StableCount++
			if r.st.StableCount >= p.StableCount {
				monitoring.Logf("[ses] gradient stable, locking current at %d", r.st.Current)
				return nil
			}
		default:
			r.st.IneffectiveCount = 0
			r.st.StableCount = 0
			r.setCurrent(int(math.Round(float64(r.st.Current) + p.LearningRate*grad)))
		}
		r.o.publish(r.st)
	}
	monitoring.Logf("[ses] current search budget exhausted, locking at %d", r.st.Current)
	return nil
}

// surveyPairs runs phase 2 until a winner is declared or ctx is cancelled.
func (r *run) surveyPairs(ctx context.Context) (Decision, error) {
	r.st.Phase = PhasePairSurvey
	r.st.StableCount, r.st.IneffectiveCount = 0, 0
	r.o.publish(r.st)

	gateLogged := false
	for {
		score, ok, err := r.probe(ctx, false)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			continue
		}
		r.tracker.Record(r.st.Pair, score)

		d, won := Decide(r.tracker, r.cfg.Phase2)
		if d.GateOpen && !gateLogged {
			gateLogged = true
			monitoring.Logf("[ses] every electrode reached %d uses after %d iterations", r.cfg.Phase2.MinUsage, r.st.Iteration)
		}
		if won {
			return d, nil
		}
	}
}

// Decision is the outcome of one stopping test.
type Decision struct {
	Pair     electrode.Pair
	GateOpen bool
	TopMean  float64
	RestMean float64
}

// Decide applies the two-tier stopping rule. The usage gate must be open
// before any ranking happens; the winner is then the pair of the two best
// electrodes, provided the mean of the top set beats the mean of the rest by
// more than the margin. The top set holds at most len(electrodes)-1 entries
// so the rest is never empty.
func Decide(t *electrode.Tracker, p Phase2Config) (Decision, bool) {
	if !t.AllMeetMinimumUsage(p.MinUsage) {
		return Decision{}, false
	}
	ranked := t.RankedByAverageScore()
	if len(ranked) < 2 {
		return Decision{GateOpen: true}, false
	}
	topN := min(p.TopN, len(ranked)-1)

	avgs := make([]float64, len(ranked))
	for i, s := range ranked {
		avgs[i] = s.Average
	}
	d := Decision{
		Pair:     electrode.NewPair(ranked[0].ID, ranked[1].ID),
		GateOpen: true,
		TopMean:  stat.Mean(avgs[:topN], nil),
		RestMean: stat.Mean(avgs[topN:], nil),
	}
	return d, d.TopMean > d.RestMean+p.Margin
}
