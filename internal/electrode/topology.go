// Package electrode describes the 3×3 electrode grid worn on the skin and
// keeps per-electrode response statistics during a survey.
package electrode

import (
	"fmt"
	"math"
	"slices"
)

// ID identifies one electrode on the grid. Valid IDs are MinID..MaxID.
type ID int

const (
	MinID ID = 1
	MaxID ID = 9

	gridCols = 3
)

// Coordinate is the (row, col) position of an electrode on the grid.
type Coordinate struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Valid reports whether id is on the grid.
func (id ID) Valid() bool {
	return id >= MinID && id <= MaxID
}

// Coordinate returns the grid position of id. Electrode 1 sits at (0,0) and
// numbering continues row-major.
func (id ID) Coordinate() Coordinate {
	idx := int(id - MinID)
	return Coordinate{Row: idx / gridCols, Col: idx % gridCols}
}

// All returns every electrode on the grid in ascending order.
func All() []ID {
	ids := make([]ID, 0, int(MaxID-MinID)+1)
	for id := MinID; id <= MaxID; id++ {
		ids = append(ids, id)
	}
	return ids
}

// Distance is the Euclidean distance between two electrodes in grid units.
func Distance(a, b ID) float64 {
	ca, cb := a.Coordinate(), b.Coordinate()
	return math.Hypot(float64(ca.Row-cb.Row), float64(ca.Col-cb.Col))
}

// Pair is an unordered pair of distinct electrodes, stored with the smaller
// ID first.
type Pair struct {
	A ID `json:"a"`
	B ID `json:"b"`
}

// NewPair builds a Pair from two electrode IDs in either order.
func NewPair(a, b ID) Pair {
	if b < a {
		a, b = b, a
	}
	return Pair{A: a, B: b}
}

// Validate checks that both components are on the grid, distinct and ordered.
func (p Pair) Validate() error {
	if !p.A.Valid() || !p.B.Valid() {
		return fmt.Errorf("electrode pair %s: ids must be within [%d,%d]", p, MinID, MaxID)
	}
	if p.A == p.B {
		return fmt.Errorf("electrode pair %s: electrodes must be distinct", p)
	}
	if p.A > p.B {
		return fmt.Errorf("electrode pair %s: smaller id must come first", p)
	}
	return nil
}

// Contains reports whether id is one of the pair's electrodes.
func (p Pair) Contains(id ID) bool {
	return p.A == id || p.B == id
}

// Span is the grid distance between the two electrodes.
func (p Pair) Span() float64 {
	return Distance(p.A, p.B)
}

func (p Pair) String() string {
	return fmt.Sprintf("(%d,%d)", p.A, p.B)
}

// Pairs enumerates every unordered pair drawn from ids in lexical order.
// Duplicate IDs are ignored. Nine electrodes yield 36 pairs.
func Pairs(ids []ID) []Pair {
	seen := make(map[ID]bool, len(ids))
	uniq := make([]ID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}
	slices.Sort(uniq)

	pairs := make([]Pair, 0, len(uniq)*(len(uniq)-1)/2)
	for i := 0; i < len(uniq); i++ {
		for j := i + 1; j < len(uniq); j++ {
			pairs = append(pairs, Pair{A: uniq[i], B: uniq[j]})
		}
	}
	return pairs
}
