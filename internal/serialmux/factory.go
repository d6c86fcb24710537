package serialmux

import (
	"errors"
	"fmt"

	"go.bug.st/serial"
)

// Opener opens a serial port. Tests substitute their own.
type Opener func(path string, mode *serial.Mode) (serial.Port, error)

// OpenPort is the Opener used by NewRealSerialMux.
var OpenPort Opener = serial.Open

// NewRealSerialMux opens path with opts and wraps it in a SerialMux.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := OpenPort(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s at %s: %w", path, opts, err)
	}
	return NewSerialMux[serial.Port](port), nil
}

// IsPortClosed reports whether err means the port went away for good: a
// closed handle or an unplugged device.
func IsPortClosed(err error) bool {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortClosed, serial.PortNotFound, serial.InvalidSerialPort:
			return true
		}
	}
	return errors.Is(err, ErrClosed)
}

// ListPorts returns the names of serial ports present on the host.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
