package electrode

import (
	"sort"
	"sync"
)

// Stats is the running aggregate for one electrode.
type Stats struct {
	ID         ID        `json:"id"`
	Usage      int       `json:"usage"`
	Aggregated float64   `json:"aggregated_score"`
	Average    float64   `json:"average_score"`
	History    []float64 `json:"score_history"`
}

func (s Stats) clone() Stats {
	s.History = append([]float64(nil), s.History...)
	return s
}

// Tracker accumulates activation scores per electrode. Every recorded pair
// contributes the same score to both of its electrodes.
type Tracker struct {
	mu    sync.RWMutex
	order []ID
	stats map[ID]*Stats
}

// NewTracker creates a tracker with zeroed stats for each of ids.
func NewTracker(ids []ID) *Tracker {
	t := &Tracker{stats: make(map[ID]*Stats, len(ids))}
	for _, id := range ids {
		if _, ok := t.stats[id]; ok {
			continue
		}
		t.order = append(t.order, id)
		t.stats[id] = &Stats{ID: id}
	}
	return t
}

// Record adds score to both electrodes of pair. Electrodes the tracker was
// not created with are ignored.
func (t *Tracker) Record(pair Pair, score float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range [2]ID{pair.A, pair.B} {
		s, ok := t.stats[id]
		if !ok {
			continue
		}
		s.Usage++
		s.Aggregated += score
		s.Average = s.Aggregated / float64(s.Usage)
		s.History = append(s.History, score)
	}
}

// AllMeetMinimumUsage reports whether every tracked electrode has been used
// at least threshold times.
func (t *Tracker) AllMeetMinimumUsage(threshold int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.stats) == 0 {
		return false
	}
	for _, s := range t.stats {
		if s.Usage < threshold {
			return false
		}
	}
	return true
}

// RankedByAverageScore returns copies of all stats ordered by average score,
// highest first. Ties keep the lower electrode ID first.
func (t *Tracker) RankedByAverageScore() []Stats {
	t.mu.RLock()
	ranked := make([]Stats, 0, len(t.order))
	for _, id := range t.order {
		ranked = append(ranked, t.stats[id].clone())
	}
	t.mu.RUnlock()

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Average != ranked[j].Average {
			return ranked[i].Average > ranked[j].Average
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked
}

// Snapshot returns a copy of the stats keyed by electrode.
func (t *Tracker) Snapshot() map[ID]Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[ID]Stats, len(t.stats))
	for id, s := range t.stats {
		out[id] = s.clone()
	}
	return out
}

// Get returns the stats for one electrode.
func (t *Tracker) Get(id ID) (Stats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stats[id]
	if !ok {
		return Stats{}, false
	}
	return s.clone(), true
}

// TotalUsage is the sum of usage across all electrodes.
func (t *Tracker) TotalUsage() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := 0
	for _, s := range t.stats {
		total += s.Usage
	}
	return total
}

// MinUsage is the smallest usage count across tracked electrodes.
func (t *Tracker) MinUsage() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	lowest := -1
	for _, s := range t.stats {
		if lowest < 0 || s.Usage < lowest {
			lowest = s.Usage
		}
	}
	if lowest < 0 {
		return 0
	}
	return lowest
}
