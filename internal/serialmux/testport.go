package serialmux

import (
	"bytes"
	"errors"
	"sync"
)

// ErrTestPortClosed is returned by TestableSerialPort after Close.
var ErrTestPortClosed = errors.New("serial port closed")

// TestableSerialPort is an in-memory SerialPorter. Reads block until data
// is fed with Feed or the port is closed.
type TestableSerialPort struct {
	mu      sync.Mutex
	cond    *sync.Cond
	read    bytes.Buffer
	written bytes.Buffer
	closed  bool

	// WriteError, when set, is returned by every Write.
	WriteError error
	// OnWrite is called with each complete write, outside the lock. Tests
	// use it to answer commands.
	OnWrite func(p []byte)
}

func NewTestableSerialPort() *TestableSerialPort {
	t := &TestableSerialPort{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for !t.closed && t.read.Len() == 0 {
		t.cond.Wait()
	}
	if t.read.Len() == 0 {
		return 0, ErrTestPortClosed
	}
	return t.read.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrTestPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.mu.Unlock()
		return 0, err
	}
	n, _ := t.written.Write(p)
	hook := t.OnWrite
	t.mu.Unlock()
	if hook != nil {
		hook(append([]byte(nil), p...))
	}
	return n, nil
}

func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.cond.Broadcast()
	return nil
}

// Feed queues data for subsequent reads.
func (t *TestableSerialPort) Feed(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.read.WriteString(data)
	t.cond.Broadcast()
}

// Written returns everything written so far.
func (t *TestableSerialPort) Written() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written.String()
}

func (t *TestableSerialPort) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
