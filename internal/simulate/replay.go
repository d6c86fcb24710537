package simulate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/banshee-data/stimtune/internal/signal"
	"github.com/banshee-data/stimtune/internal/stimulator"
	"github.com/banshee-data/stimtune/internal/timeutil"
)

// maxRecordingSize caps recordings read from disk.
const maxRecordingSize = 64 << 20

// LoadRecording reads a JSON array of sensor frames, the same shape the
// firmware streams line by line.
func LoadRecording(path string) ([]stimulator.Frame, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat recording: %w", err)
	}
	if info.Size() > maxRecordingSize {
		return nil, fmt.Errorf("recording %s is %d bytes, limit is %d", path, info.Size(), maxRecordingSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recording: %w", err)
	}
	var frames []stimulator.Frame
	if err := json.Unmarshal(data, &frames); err != nil {
		return nil, fmt.Errorf("parse recording %s: %w", path, err)
	}
	return frames, nil
}

// Magnitudes converts frames to per-channel magnitude series.
func Magnitudes(frames []stimulator.Frame) (ch1, ch2 []float64) {
	ch1 = make([]float64, len(frames))
	ch2 = make([]float64, len(frames))
	for i, f := range frames {
		ch1[i], ch2[i] = f.Magnitudes()
	}
	return ch1, ch2
}

// Replay appends one frame to window every interval, looping over frames
// until ctx is done. It returns ctx.Err().
func Replay(ctx context.Context, clock timeutil.Clock, frames []stimulator.Frame, window *signal.Window, interval time.Duration) error {
	if len(frames) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; ; i = (i + 1) % len(frames) {
		m1, m2 := frames[i].Magnitudes()
		window.Append([]float64{m1}, []float64{m2})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}
