// Command imu-analyse inspects a recorded IMU session offline: per-band Haar
// energies, the |D3+D2| twitch envelope and the activation score every
// conditioner family would assign to it.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/stimtune/internal/config"
	"github.com/banshee-data/stimtune/internal/signal"
	"github.com/banshee-data/stimtune/internal/simulate"
)

// ChannelAnalysis describes one IMU channel.
type ChannelAnalysis struct {
	Samples      int       `json:"samples"`
	BandEnergy   []float64 `json:"band_energy"` // D1 first
	ApproxEnergy float64   `json:"approx_energy"`
	EnvelopeMax  float64   `json:"envelope_max"`
	EnvelopeMean float64   `json:"envelope_mean"`
}

// Analysis is the tool's full output.
type Analysis struct {
	Frames   int                `json:"frames"`
	Levels   int                `json:"levels"`
	Channels [2]ChannelAnalysis `json:"channels"`
	Scores   map[string]float64 `json:"scores"`
}

func energy(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return floats.Dot(x, x) / float64(len(x))
}

func analyseChannel(x []float64, levels int) ChannelAnalysis {
	ca := ChannelAnalysis{Samples: len(x)}
	approx, details := signal.HaarDecompose(x, levels)
	ca.ApproxEnergy = energy(approx)
	for _, d := range details {
		ca.BandEnergy = append(ca.BandEnergy, energy(d))
	}

	// Keep only D2 and D3 to isolate the twitch band.
	kept := make([][]float64, len(details))
	for i := 1; i < len(details) && i < 3; i++ {
		kept[i] = details[i]
	}
	env := signal.HaarReconstruct(make([]float64, len(approx)), kept, len(x))
	for i, v := range env {
		if v < 0 {
			env[i] = -v
		}
	}
	if len(env) > 0 {
		ca.EnvelopeMax = floats.Max(env)
		ca.EnvelopeMean = stat.Mean(env, nil)
	}
	return ca
}

func analyse(ch1, ch2 []float64, levels int, params signal.Params) (Analysis, error) {
	a := Analysis{
		Frames: len(ch1),
		Levels: levels,
		Scores: make(map[string]float64),
	}
	a.Channels[0] = analyseChannel(ch1, levels)
	a.Channels[1] = analyseChannel(ch2, levels)
	for _, family := range signal.Families() {
		c, err := signal.NewConditioner(family, params)
		if err != nil {
			return a, fmt.Errorf("%s conditioner: %w", family, err)
		}
		a.Scores[family] = signal.Score(c, ch1, ch2)
	}
	return a, nil
}

func printAnalysis(w io.Writer, a Analysis) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "frames\t%d\n", a.Frames)
	fmt.Fprintf(tw, "levels\t%d\n\n", a.Levels)
	fmt.Fprintln(tw, "channel\tband\tenergy")
	for i, ch := range a.Channels {
		for lvl, e := range ch.BandEnergy {
			fmt.Fprintf(tw, "imu%d\tD%d\t%.4f\n", i+1, lvl+1, e)
		}
		fmt.Fprintf(tw, "imu%d\tA%d\t%.4f\n", i+1, len(ch.BandEnergy), ch.ApproxEnergy)
		fmt.Fprintf(tw, "imu%d\t|D3+D2| max\t%.4f\n", i+1, ch.EnvelopeMax)
		fmt.Fprintf(tw, "imu%d\t|D3+D2| mean\t%.4f\n", i+1, ch.EnvelopeMean)
	}
	fmt.Fprintln(tw, "\nconditioner\tscore\t")
	for _, family := range signal.Families() {
		fmt.Fprintf(tw, "%s\t%.4f\t\n", family, a.Scores[family])
	}
	tw.Flush()
}

func main() {
	in := flag.String("in", "", "Recorded session: JSON array of {\"imu1\":[x,y,z],\"imu2\":[x,y,z]} frames")
	levels := flag.Int("levels", 3, "Haar decomposition levels")
	window := flag.Int("window", 0, "Analyse only the last N frames (0 = all)")
	configPath := flag.String("config", "", "Tuning config JSON for conditioner parameters")
	asJSON := flag.Bool("json", false, "Print JSON instead of a table")
	flag.Parse()

	if *in == "" {
		log.Fatal("-in is required")
	}

	tuning := config.EmptyTuningConfig()
	if *configPath != "" {
		var err error
		if tuning, err = config.LoadTuningConfig(*configPath); err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
	}

	frames, err := simulate.LoadRecording(*in)
	if err != nil {
		log.Fatalf("failed to load recording: %v", err)
	}
	if *window > 0 && *window < len(frames) {
		frames = frames[len(frames)-*window:]
	}
	ch1, ch2 := simulate.Magnitudes(frames)

	a, err := analyse(ch1, ch2, *levels, tuning.SignalParams())
	if err != nil {
		log.Fatal(err)
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(a); err != nil {
			log.Fatal(err)
		}
		return
	}
	printAnalysis(os.Stdout, a)
}
