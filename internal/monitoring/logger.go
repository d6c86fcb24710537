// Package monitoring holds the process-wide diagnostic logger.
package monitoring

import (
	"io"
	"log"
	"sync/atomic"
)

type logFunc = func(format string, v ...interface{})

var current atomic.Pointer[logFunc]

func init() {
	SetLogger(log.Printf)
}

// Logf writes a diagnostic line through the installed logger. Callers prefix
// their messages with a bracketed component tag such as "[ses]".
func Logf(format string, v ...interface{}) {
	(*current.Load())(format, v...)
}

// SetLogger replaces the logger. nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	current.Store(&f)
}

// SetOutput sends log lines to w with standard timestamps.
func SetOutput(w io.Writer) {
	SetLogger(log.New(w, "", log.LstdFlags|log.Lmicroseconds).Printf)
}

// Tagged returns a logger that prefixes every line with "[tag] ".
func Tagged(tag string) func(format string, v ...interface{}) {
	prefix := "[" + tag + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
