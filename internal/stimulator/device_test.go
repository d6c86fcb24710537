package stimulator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/stimtune/internal/serialmux"
	"github.com/banshee-data/stimtune/internal/ses"
	"github.com/banshee-data/stimtune/internal/signal"
)

// firmware answers each written command with the reply produced by respond.
func firmware(t *testing.T, respond func(cmd string) string) (*serialmux.TestableSerialPort, *serialmux.SerialMux[*serialmux.TestableSerialPort]) {
	t.Helper()
	port := serialmux.NewTestableSerialPort()
	port.OnWrite = func(p []byte) {
		if line := respond(strings.TrimSpace(string(p))); line != "" {
			port.Feed(line + "\n")
		}
	}
	mux := serialmux.NewSerialMux(port)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		mux.Close()
	})
	go mux.Monitor(ctx)
	return port, mux
}

func ackAll(cmd string) string {
	name, _, _ := strings.Cut(cmd, ",")
	return `{"ack":"` + name + `"}`
}

func startDevice(t *testing.T, mux serialmux.Mux, window *signal.Window) (*Device, <-chan error) {
	t.Helper()
	d := New(mux, window)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.running
	}, 2*time.Second, time.Millisecond)
	return d, errc
}

func TestStimulationCommandFormat(t *testing.T) {
	assert.Equal(t, "STIM,8,3,5,1,0", StimulationCommand(8, 3, 5, true))
	assert.Equal(t, "STIM,0,1,2,0,0", StimulationCommand(0, 1, 2, false))
}

func TestSendStimulationWaitsForAck(t *testing.T) {
	port, mux := firmware(t, ackAll)
	d, _ := startDevice(t, mux, signal.NewWindow(0))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.SendStimulation(ctx, 8, 3, 5, true))
	require.NoError(t, d.StopStimulation(ctx))

	assert.Equal(t, "STIM,8,3,5,1,0\nSTOP\n", port.Written())
}

func TestNakIsReported(t *testing.T) {
	_, mux := firmware(t, func(cmd string) string {
		return `{"nak":"STIM","error":"current above limit"}`
	})
	d, _ := startDevice(t, mux, signal.NewWindow(0))

	err := d.SendStimulation(context.Background(), 40, 1, 2, true)
	var nak *NakError
	require.ErrorAs(t, err, &nak)
	assert.Equal(t, "current above limit", nak.Reason)
	assert.NotErrorIs(t, err, ses.ErrDisconnected)
}

func TestMissingReplyTimesOut(t *testing.T) {
	_, mux := firmware(t, func(string) string { return "" })
	d, _ := startDevice(t, mux, signal.NewWindow(0))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := d.SendStimulation(ctx, 5, 1, 2, true)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestInvalidPairRejectedBeforeWrite(t *testing.T) {
	port, mux := firmware(t, ackAll)
	d, _ := startDevice(t, mux, signal.NewWindow(0))

	assert.Error(t, d.SendStimulation(context.Background(), 5, 4, 4, true))
	assert.Error(t, d.SendStimulation(context.Background(), 5, 0, 4, true))
	assert.Error(t, d.SendStimulation(context.Background(), -1, 1, 4, true))
	assert.Empty(t, port.Written())
}

func TestSensorFramesFillWindow(t *testing.T) {
	port, mux := firmware(t, ackAll)
	w := signal.NewWindow(16)
	d, _ := startDevice(t, mux, w)

	port.Feed(`{"imu1":[3,4,0],"imu2":[0,0,2]}` + "\n")
	port.Feed(`{"imu1":[0,0,1],"imu2":[6,8,0]}` + "\n")
	port.Feed("not json\n")

	require.Eventually(t, func() bool { return d.Frames() == 2 }, 2*time.Second, time.Millisecond)
	ch1, ch2 := d.Snapshot(10)
	assert.InDeltaSlice(t, []float64{5, 1}, ch1, 1e-9)
	assert.InDeltaSlice(t, []float64{2, 10}, ch2, 1e-9)
}

func TestConfigLinesAreMerged(t *testing.T) {
	port, mux := firmware(t, ackAll)
	d, _ := startDevice(t, mux, signal.NewWindow(0))

	port.Feed(`{"firmware":"1.4.2","max_current":20}` + "\n")
	require.Eventually(t, func() bool { return len(d.Config()) == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, "1.4.2", d.Config()["firmware"])
}

func TestClosedPortDisconnects(t *testing.T) {
	port, mux := firmware(t, ackAll)
	d, errc := startDevice(t, mux, signal.NewWindow(0))

	require.NoError(t, mux.Close())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ses.ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after mux closed")
	}
	assert.True(t, port.Closed())

	err := d.SendStimulation(context.Background(), 5, 1, 2, true)
	assert.ErrorIs(t, err, ses.ErrDisconnected)
}

func TestCommandBeforeRunIsTransient(t *testing.T) {
	d := New(serialmux.NewDisabledSerialMux(), signal.NewWindow(0))
	err := d.StopStimulation(context.Background())
	assert.True(t, errors.Is(err, ErrNotRunning))
	assert.False(t, errors.Is(err, ses.ErrDisconnected))
}
