package report

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/stimtune/internal/electrode"
	"github.com/banshee-data/stimtune/internal/ses"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

func sampleHistory() []ses.IterationRecord {
	at := time.Unix(1_700_000_000, 0)
	var recs []ses.IterationRecord
	for i := 1; i <= 40; i++ {
		phase, current := ses.PhaseCurrentSearch, 2+i/3
		if i > 12 {
			phase, current = ses.PhasePairSurvey, 6
		}
		recs = append(recs, ses.IterationRecord{
			RunID:     "r1",
			Iteration: i,
			Phase:     phase,
			Pair:      electrode.NewPair(1, 2),
			Current:   current,
			Score:     float64(i % 7),
			At:        at.Add(time.Duration(i) * time.Second),
		})
	}
	return recs
}

func TestPlotHistoryWritesPNG(t *testing.T) {
	wt, err := PlotHistory(sampleHistory(), 6*vg.Inch, 4*vg.Inch)
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = wt.WriteTo(&buf)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(buf.Bytes(), pngMagic))
}

func TestPlotHistorySinglePhase(t *testing.T) {
	recs := sampleHistory()[:3]
	wt, err := PlotHistory(recs, 4*vg.Inch, 3*vg.Inch)
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = wt.WriteTo(&buf)
	require.NoError(t, err)
	assert.NotZero(t, buf.Len())
}

func TestPlotHistoryEmpty(t *testing.T) {
	_, err := PlotHistory(nil, DefaultWidth, DefaultHeight)
	assert.ErrorIs(t, err, ErrNoHistory)
	assert.ErrorIs(t, SaveHistoryPNG(filepath.Join(t.TempDir(), "x.png"), nil), ErrNoHistory)
}

func TestSaveHistoryPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.png")
	require.NoError(t, SaveHistoryPNG(path, sampleHistory()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, pngMagic))
}

func TestRenderElectrodeChart(t *testing.T) {
	stats := []electrode.Stats{
		{ID: 1, Usage: 4, Average: 2.5},
		{ID: 3, Usage: 6, Average: 41},
		{ID: 5, Usage: 5, Average: 38},
	}
	var buf bytes.Buffer
	require.NoError(t, RenderElectrodeChart(&buf, stats, "run r1"))

	html := buf.String()
	assert.True(t, strings.Contains(html, "<html"), "expected a full page")
	for _, want := range []string{"Electrode statistics", "run r1", "E1", "E3", "E5", "average score"} {
		assert.Contains(t, html, want)
	}
}
