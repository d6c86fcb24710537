package report

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/stimtune/internal/electrode"
)

// ElectrodeChart builds a bar chart of average score and usage per
// electrode, in the order given.
func ElectrodeChart(stats []electrode.Stats, subtitle string) *charts.Bar {
	x := make([]string, 0, len(stats))
	avg := make([]opts.BarData, 0, len(stats))
	usage := make([]opts.BarData, 0, len(stats))
	for _, st := range stats {
		x = append(x, fmt.Sprintf("E%d", st.ID))
		avg = append(avg, opts.BarData{Value: st.Average})
		usage = append(usage, opts.BarData{Value: st.Usage})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Electrode statistics", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Electrode statistics", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
	)
	bar.SetXAxis(x).
		AddSeries("average score", avg,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		).
		AddSeries("usage", usage)
	return bar
}

// RenderElectrodeChart writes the chart as a standalone HTML page.
func RenderElectrodeChart(w io.Writer, stats []electrode.Stats, subtitle string) error {
	return ElectrodeChart(stats, subtitle).Render(w)
}
