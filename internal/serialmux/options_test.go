package serialmux

import (
	"errors"
	"testing"

	"go.bug.st/serial"
)

func TestPortOptionsNormalize(t *testing.T) {
	got, err := PortOptions{}.Normalize()
	if err != nil {
		t.Fatal(err)
	}
	want := PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}
	if got != want {
		t.Errorf("Normalize() = %+v, want %+v", got, want)
	}

	for _, bad := range []PortOptions{
		{DataBits: 9},
		{StopBits: 3},
		{Parity: "mark"},
	} {
		if _, err := bad.Normalize(); err == nil {
			t.Errorf("Normalize(%+v) should fail", bad)
		}
	}
}

func TestPortOptionsEqual(t *testing.T) {
	if !(PortOptions{}).Equal(PortOptions{BaudRate: 115200, Parity: "none"}) {
		t.Error("defaults should equal explicit 115200 8N1")
	}
	if (PortOptions{BaudRate: 9600}).Equal(PortOptions{}) {
		t.Error("different baud rates should not be equal")
	}
	if (PortOptions{Parity: "x"}).Equal(PortOptions{Parity: "x"}) {
		t.Error("invalid options are never equal")
	}
}

func TestPortOptionsSerialMode(t *testing.T) {
	mode, err := PortOptions{BaudRate: 57600, StopBits: 2, Parity: "even"}.SerialMode()
	if err != nil {
		t.Fatal(err)
	}
	if mode.BaudRate != 57600 || mode.DataBits != 8 || mode.StopBits != serial.TwoStopBits || mode.Parity != serial.EvenParity {
		t.Errorf("unexpected mode %+v", mode)
	}
	if s := (PortOptions{}).String(); s != "115200 8N1" {
		t.Errorf("String() = %q", s)
	}
}

func TestNewRealSerialMuxUsesOpener(t *testing.T) {
	orig := OpenPort
	defer func() { OpenPort = orig }()

	var gotPath string
	var gotMode *serial.Mode
	OpenPort = func(path string, mode *serial.Mode) (serial.Port, error) {
		gotPath, gotMode = path, mode
		return nil, &serial.PortError{}
	}
	if _, err := NewRealSerialMux("/dev/ttyACM0", PortOptions{}); err == nil {
		t.Fatal("expected open error")
	}
	if gotPath != "/dev/ttyACM0" || gotMode.BaudRate != 115200 {
		t.Errorf("opened %q with %+v", gotPath, gotMode)
	}

	if _, err := NewRealSerialMux("/dev/ttyACM0", PortOptions{DataBits: 4}); err == nil {
		t.Error("invalid options should fail before opening")
	}
}

func TestIsPortClosed(t *testing.T) {
	if IsPortClosed(errors.New("timeout")) {
		t.Error("plain errors are transient")
	}
	if IsPortClosed(nil) {
		t.Error("nil is not a closed port")
	}
}
