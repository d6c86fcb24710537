// Package report renders the diagnostics of an optimisation run: a PNG of
// the per-iteration history and an HTML bar chart of electrode statistics.
package report

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/banshee-data/stimtune/internal/ses"
)

// ErrNoHistory is returned when there are no iterations to draw.
var ErrNoHistory = errors.New("no iterations recorded")

// Default image size for history plots.
const (
	DefaultWidth  = 12 * vg.Inch
	DefaultHeight = 7 * vg.Inch
)

// PlotHistory draws two stacked panels sharing the iteration axis: the
// activation score of every probe, split by phase, and the current applied.
// The returned value writes a PNG.
func PlotHistory(records []ses.IterationRecord, w, h vg.Length) (io.WriterTo, error) {
	if len(records) == 0 {
		return nil, ErrNoHistory
	}

	title := "Optimisation history"
	if id := records[0].RunID; id != "" {
		title = fmt.Sprintf("Run %s", id)
	}

	pScore := plot.New()
	pScore.Title.Text = title
	pScore.Y.Label.Text = "Activation score"
	pScore.Add(plotter.NewGrid())

	pCurrent := plot.New()
	pCurrent.X.Label.Text = "Iteration"
	pCurrent.Y.Label.Text = "Current (mA)"
	pCurrent.Add(plotter.NewGrid())

	byPhase := make(map[ses.Phase]plotter.XYs)
	current := make(plotter.XYs, 0, len(records))
	for _, rec := range records {
		x := float64(rec.Iteration)
		byPhase[rec.Phase] = append(byPhase[rec.Phase], plotter.XY{X: x, Y: rec.Score})
		current = append(current, plotter.XY{X: x, Y: float64(rec.Current)})
	}

	for i, phase := range []ses.Phase{ses.PhaseCurrentSearch, ses.PhasePairSurvey} {
		pts := byPhase[phase]
		if len(pts) == 0 {
			continue
		}
		line, scatter, err := plotter.NewLinePoints(pts)
		if err != nil {
			return nil, fmt.Errorf("score line: %w", err)
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1)
		scatter.Color = plotutil.Color(i)
		scatter.Radius = vg.Points(1.5)
		pScore.Add(line, scatter)
		pScore.Legend.Add(phase.String(), line, scatter)
	}
	pScore.Legend.Top = true

	currentLine, err := plotter.NewLine(current)
	if err != nil {
		return nil, fmt.Errorf("current line: %w", err)
	}
	currentLine.Color = plotutil.Color(2)
	currentLine.Width = vg.Points(1.5)
	currentLine.StepStyle = plotter.PostStep
	pCurrent.Add(currentLine)

	// Share the iteration range so the panels line up.
	pScore.X.Min, pScore.X.Max = current[0].X, current[len(current)-1].X
	pCurrent.X.Min, pCurrent.X.Max = pScore.X.Min, pScore.X.Max

	img := vgimg.New(w, h)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows:      2,
		Cols:      1,
		PadTop:    vg.Millimeter * 2,
		PadBottom: vg.Millimeter * 2,
		PadLeft:   vg.Millimeter * 2,
		PadRight:  vg.Millimeter * 2,
		PadY:      vg.Millimeter * 4,
	}
	plots := [][]*plot.Plot{{pScore}, {pCurrent}}
	canvases := plot.Align(plots, tiles, dc)
	for row := range plots {
		plots[row][0].Draw(canvases[row][0])
	}
	return vgimg.PngCanvas{Canvas: img}, nil
}

// SaveHistoryPNG writes the history plot of records to path.
func SaveHistoryPNG(path string, records []ses.IterationRecord) error {
	wt, err := PlotHistory(records, DefaultWidth, DefaultHeight)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := wt.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
