// Package serialmux multiplexes a single serial link to the stimulator
// firmware. Any number of readers can subscribe to the line stream while
// writers share one newline-framed command channel.
package serialmux

import (
	"bufio"
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/banshee-data/stimtune/internal/monitoring"
)

var (
	ErrWriteFailed = errors.New("short write to serial port")
	ErrClosed      = errors.New("serial mux closed")
)

// SubscriberBuffer is the number of lines a slow subscriber may lag behind
// before lines are dropped for it.
const SubscriberBuffer = 64

//go:embed templates/*
var adminTemplateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-command.html.tmpl"))

// SerialPorter is the minimal surface needed from a serial port.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// Mux is implemented by SerialMux and DisabledSerialMux.
type Mux interface {
	// Subscribe returns an ID and a buffered channel carrying every line read
	// from the port. The channel is closed on Unsubscribe or Close.
	Subscribe() (string, chan string)
	Unsubscribe(string)
	// SendCommand writes one newline-terminated command.
	SendCommand(string) error
	// Monitor reads lines until ctx is done or the port fails.
	Monitor(context.Context) error
	Close() error
	Initialize() error
	// AttachAdminRoutes mounts debug pages under /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

// SerialMux fans lines from one port out to many subscribers.
type SerialMux[T SerialPorter] struct {
	port T

	subscriberMu sync.Mutex
	subscribers  map[string]chan string
	closing      bool

	commandMu sync.Mutex
	dropped   atomic.Uint64
}

// NewSerialMux wraps port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := uuid.NewString()
	ch := make(chan string, SubscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.closing {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Dropped is the number of lines discarded because a subscriber was full.
func (s *SerialMux[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Initialize puts the firmware into a known state: stimulation off, sensor
// streaming on and the configuration echoed back once.
func (s *SerialMux[T]) Initialize() error {
	for _, command := range []string{
		"STOP",    // make sure no channel is left enabled
		"IMU,ON",  // start streaming baseline-subtracted sensor frames
		"CONFIG?", // ask for the firmware configuration line
	} {
		if err := s.SendCommand(command); err != nil {
			return fmt.Errorf("failed to send init command %q: %w", command, err)
		}
	}
	return nil
}

func (s *SerialMux[T]) SendCommand(command string) error {
	s.subscriberMu.Lock()
	closing := s.closing
	s.subscriberMu.Unlock()
	if closing {
		return ErrClosed
	}

	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor blocks reading lines from the port. It returns nil on EOF, the
// read error if the port fails, or ctx.Err() when cancelled.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)

	lines := make(chan string)
	scanErr := make(chan error, 1)

	// Scan blocks in the port read, so it runs apart from the select below.
	go func() {
		defer close(lines)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErr <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErr:
			return err

		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimRight(line, "\r")
			if line == "" {
				continue
			}
			if !s.publish(line) {
				return nil
			}
		}
	}
}

// publish hands line to every subscriber without blocking. It reports false
// once the mux is closing.
func (s *SerialMux[T]) publish(line string) bool {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.closing {
		return false
	}
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			if s.dropped.Add(1)%100 == 1 {
				monitoring.Logf("[serialmux] subscriber full, dropped %d lines so far", s.dropped.Load())
			}
		}
	}
	return true
}

func (s *SerialMux[T]) Close() error {
	s.subscriberMu.Lock()
	if s.closing {
		s.subscriberMu.Unlock()
		return nil
	}
	s.closing = true
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, s)
}

// attachAdminRoutes serves a small console: a page to type commands, a form
// endpoint that writes them, and an SSE tail of the line stream.
func attachAdminRoutes(mux *http.ServeMux, m Mux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("send-command", "send a command to the stimulator", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendCommandTemplate.Execute(buf, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := m.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Wrote command %q to serial port", command)
	})

	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := m.Subscribe()
		defer m.Unsubscribe(id)

		io.WriteString(w, ": ping\n\n")
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ClassifyPayload(payload), payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleSilentFunc("tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")
		f, err := adminTemplateFS.Open("templates/tail.js")
		if err != nil {
			http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})
}
