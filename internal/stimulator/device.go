// Package stimulator speaks the stimulator firmware's line protocol over a
// serial mux. It implements ses.Actuator and feeds sensor frames into a
// signal.Window for the optimiser to sample.
package stimulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/stimtune/internal/electrode"
	"github.com/banshee-data/stimtune/internal/monitoring"
	"github.com/banshee-data/stimtune/internal/serialmux"
	"github.com/banshee-data/stimtune/internal/ses"
	"github.com/banshee-data/stimtune/internal/signal"
)

// DefaultTimeout bounds a command when the caller's context has no deadline.
const DefaultTimeout = 2 * time.Second

var (
	ErrTimeout     = errors.New("timed out waiting for stimulator reply")
	ErrNotRunning  = errors.New("stimulator reader is not running")
	errInvalidPair = errors.New("invalid electrode pair")
)

var logf = monitoring.Tagged("stimulator")

// NakError is returned when the firmware rejects a command.
type NakError struct {
	Command string
	Reason  string
}

func (e *NakError) Error() string {
	return fmt.Sprintf("stimulator rejected %s: %s", e.Command, e.Reason)
}

// StimulationCommand formats the firmware's STIM line. The trailing field is
// reserved and always 0.
func StimulationCommand(current, a, b int, enabled bool) string {
	en := 0
	if enabled {
		en = 1
	}
	return fmt.Sprintf("STIM,%d,%d,%d,%d,0", current, a, b, en)
}

// StopCommand disables every channel.
const StopCommand = "STOP"

type reply struct {
	Ack   string `json:"ack"`
	Nak   string `json:"nak"`
	Error string `json:"error"`
}

// Frame is one sensor notification: baseline-subtracted 3-axis deltas for
// each IMU.
type Frame struct {
	IMU1 []float64 `json:"imu1"`
	IMU2 []float64 `json:"imu2"`
}

// Magnitudes reduces each IMU delta to its Euclidean norm.
func (f Frame) Magnitudes() (float64, float64) {
	return floats.Norm(f.IMU1, 2), floats.Norm(f.IMU2, 2)
}

// Device is a stimulator attached through a serial mux. Commands are
// serialised: one request is in flight at a time.
type Device struct {
	mux    serialmux.Mux
	window *signal.Window

	reqMu   sync.Mutex
	mu      sync.Mutex
	pending *request
	running bool
	gone    chan struct{}

	configMu sync.RWMutex
	config   map[string]any

	frames atomic.Uint64
}

type request struct {
	name  string
	reply chan reply
}

// New creates a device that writes to mux and appends sensor magnitudes to
// window.
func New(mux serialmux.Mux, window *signal.Window) *Device {
	return &Device{
		mux:    mux,
		window: window,
		gone:   make(chan struct{}),
		config: make(map[string]any),
	}
}

// Run consumes firmware lines until ctx is done or the mux stops delivering.
// Commands fail fast with ses.ErrDisconnected once Run has returned.
func (d *Device) Run(ctx context.Context) error {
	id, lines := d.mux.Subscribe()
	defer d.mux.Unsubscribe(id)

	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
	defer d.markGone()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				logf("line stream closed")
				return ses.ErrDisconnected
			}
			d.handleLine(line)
		}
	}
}

func (d *Device) markGone() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	select {
	case <-d.gone:
	default:
		close(d.gone)
	}
}

func (d *Device) handleLine(line string) {
	switch serialmux.ClassifyPayload(line) {
	case serialmux.EventTypeSensorFrame:
		var f Frame
		if err := json.Unmarshal([]byte(line), &f); err != nil {
			logf("bad sensor frame %q: %v", line, err)
			return
		}
		m1, m2 := f.Magnitudes()
		d.window.Append([]float64{m1}, []float64{m2})
		d.frames.Add(1)
	case serialmux.EventTypeAck, serialmux.EventTypeNak:
		var r reply
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			logf("bad reply %q: %v", line, err)
			return
		}
		d.deliver(r)
	case serialmux.EventTypeConfig:
		var cfg map[string]any
		if err := json.Unmarshal([]byte(line), &cfg); err != nil {
			logf("bad config line %q: %v", line, err)
			return
		}
		d.configMu.Lock()
		maps.Copy(d.config, cfg)
		d.configMu.Unlock()
		logf("firmware config: %s", line)
	default:
		logf("unrecognised line: %s", line)
	}
}

func (d *Device) deliver(r reply) {
	name := r.Ack
	if r.Nak != "" {
		name = r.Nak
	}
	d.mu.Lock()
	p := d.pending
	d.mu.Unlock()
	if p == nil || !strings.EqualFold(name, p.name) {
		logf("unsolicited reply for %q", name)
		return
	}
	select {
	case p.reply <- r:
	default:
	}
}

// SendStimulation commands current on pair (a, b) and waits for the ack.
func (d *Device) SendStimulation(ctx context.Context, current, a, b int, enabled bool) error {
	if err := electrode.NewPair(electrode.ID(a), electrode.ID(b)).Validate(); err != nil {
		return fmt.Errorf("%w: %v", errInvalidPair, err)
	}
	if current < 0 {
		return fmt.Errorf("current must be >= 0, got %d", current)
	}
	return d.do(ctx, StimulationCommand(current, a, b, enabled))
}

// StopStimulation disables all outputs.
func (d *Device) StopStimulation(ctx context.Context) error {
	return d.do(ctx, StopCommand)
}

func (d *Device) do(ctx context.Context, command string) error {
	d.reqMu.Lock()
	defer d.reqMu.Unlock()

	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	select {
	case <-d.gone:
		// Still try to write so a final STOP reaches the firmware.
		if err := d.mux.SendCommand(command); err != nil {
			return fmt.Errorf("%w: %v", ses.ErrDisconnected, err)
		}
		return fmt.Errorf("%w: %v", ses.ErrDisconnected, ErrNotRunning)
	default:
	}
	if !running {
		return ErrNotRunning
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	name, _, _ := strings.Cut(command, ",")
	req := &request{name: name, reply: make(chan reply, 1)}
	d.mu.Lock()
	d.pending = req
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.pending = nil
		d.mu.Unlock()
	}()

	if err := d.mux.SendCommand(command); err != nil {
		if serialmux.IsPortClosed(err) {
			return fmt.Errorf("%w: %v", ses.ErrDisconnected, err)
		}
		return fmt.Errorf("write %s: %w", name, err)
	}

	select {
	case r := <-req.reply:
		if r.Nak != "" {
			return &NakError{Command: r.Nak, Reason: r.Error}
		}
		return nil
	case <-d.gone:
		return fmt.Errorf("%w: reader stopped waiting for %s", ses.ErrDisconnected, name)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", name, ErrTimeout)
		}
		return ctx.Err()
	}
}

// Config returns the most recent firmware configuration values.
func (d *Device) Config() map[string]any {
	d.configMu.RLock()
	defer d.configMu.RUnlock()
	return maps.Clone(d.config)
}

// Frames is the number of sensor frames received.
func (d *Device) Frames() uint64 {
	return d.frames.Load()
}

// Snapshot implements ses.SampleSource.
func (d *Device) Snapshot(n int) ([]float64, []float64) {
	return d.window.Snapshot(n)
}
