package simulate

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/banshee-data/stimtune/internal/electrode"
	"github.com/banshee-data/stimtune/internal/ses"
	"github.com/banshee-data/stimtune/internal/signal"
)

// DefaultBurstSamples is how many sensor samples one stimulation produces.
const DefaultBurstSamples = 10

// DefaultGain maps activation onto sensor units. The default survey margin
// is reachable at every current from 1 to 15 mA at this scale.
const DefaultGain = 50

// Device is an in-process stimulator driving a Muscle. Each enabled command
// writes a twitch-shaped burst into the window; STOP writes idle noise.
type Device struct {
	muscle *Muscle
	window *signal.Window

	// BurstSamples is the burst length; DefaultBurstSamples when <= 0.
	BurstSamples int
	// Gain scales activation into sensor units.
	Gain float64
	// CrossTalk is the fraction of the response seen by the second IMU.
	CrossTalk float64

	mu           sync.Mutex
	commands     int
	enabled      bool
	last         electrode.Pair
	current      int
	disconnected bool
}

// NewDevice wires a synthetic stimulator to window.
func NewDevice(m *Muscle, window *signal.Window) *Device {
	return &Device{
		muscle:    m,
		window:    window,
		Gain:      DefaultGain,
		CrossTalk: 0.4,
	}
}

func (d *Device) SendStimulation(ctx context.Context, current, a, b int, enabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pair := electrode.NewPair(electrode.ID(a), electrode.ID(b))
	if err := pair.Validate(); err != nil {
		return err
	}
	if current < 0 {
		return fmt.Errorf("current must be >= 0, got %d", current)
	}

	d.mu.Lock()
	if d.disconnected {
		d.mu.Unlock()
		return fmt.Errorf("simulated link: %w", ses.ErrDisconnected)
	}
	d.commands++
	d.enabled = enabled
	d.last, d.current = pair, current
	d.mu.Unlock()

	if !enabled {
		d.idle()
		return nil
	}
	d.burst(d.muscle.Activation(pair, current))
	return nil
}

func (d *Device) StopStimulation(ctx context.Context) error {
	d.mu.Lock()
	if d.disconnected {
		d.mu.Unlock()
		return fmt.Errorf("simulated link: %w", ses.ErrDisconnected)
	}
	d.commands++
	d.enabled = false
	d.mu.Unlock()
	d.idle()
	return nil
}

// Snapshot implements ses.SampleSource.
func (d *Device) Snapshot(n int) ([]float64, []float64) {
	return d.window.Snapshot(n)
}

// Disconnect makes every later command fail as if the cable were pulled.
func (d *Device) Disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected = true
}

// Status reports the last command applied.
func (d *Device) Status() (pair electrode.Pair, current int, enabled bool, commands int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last, d.current, d.enabled, d.commands
}

func (d *Device) samples() int {
	if d.BurstSamples <= 0 {
		return DefaultBurstSamples
	}
	return d.BurstSamples
}

func (d *Device) burst(activation float64) {
	n := d.samples()
	ch1 := make([]float64, n)
	ch2 := make([]float64, n)
	for i := range ch1 {
		envelope := math.Sin(math.Pi * (float64(i) + 0.5) / float64(n))
		ch1[i] = math.Abs(d.Gain*activation*envelope + d.muscle.Noise())
		ch2[i] = math.Abs(d.CrossTalk*d.Gain*activation*envelope + d.muscle.Noise())
	}
	d.window.Append(ch1, ch2)
}

func (d *Device) idle() {
	n := d.samples()
	ch1 := make([]float64, n)
	ch2 := make([]float64, n)
	for i := range ch1 {
		ch1[i] = math.Abs(d.muscle.Noise())
		ch2[i] = math.Abs(d.muscle.Noise())
	}
	d.window.Append(ch1, ch2)
}
