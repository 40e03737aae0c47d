// Package walog is the shared logging backend every wacore package logs
// through, and the place waerror.Sink values get their logging wired in so
// callers don't each reimplement "log it, then forward it".
package walog

import (
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/angleto/wacore/waerror"
)

var levelFormat = logging.MustStringFormatter("%{time:15:04:05.000} %{level:.4s} %{module}: %{message}")

var namedLevels = map[string]logging.Level{
	"ERROR":   logging.ERROR,
	"WARNING": logging.WARNING,
	"NOTICE":  logging.NOTICE,
	"INFO":    logging.INFO,
	"DEBUG":   logging.DEBUG,
}

// Backend is a shared logging backend; each package obtains a named
// sub-logger from it via GetLogger rather than using the global log package.
type Backend struct {
	mu sync.RWMutex

	leveled logging.LeveledBackend
	w       io.WriteCloser
}

// New opens a Backend writing to f ("" means stdout, level one of
// ERROR/WARNING/NOTICE/INFO/DEBUG). A disabled Backend discards everything.
func New(f string, level string, disabled bool) (*Backend, error) {
	lvl, ok := namedLevels[levelUpper(level)]
	if !ok {
		return nil, fmt.Errorf("walog: invalid level: %q", level)
	}

	var w io.WriteCloser
	switch {
	case disabled:
		w = discardWriteCloser{}
	case f == "":
		w = os.Stdout
	default:
		var err error
		w, err = os.OpenFile(f, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("walog: open log file: %w", err)
		}
	}

	base := logging.NewBackendFormatter(logging.NewLogBackend(w, "", 0), levelFormat)
	leveled := logging.AddModuleLevel(base)
	leveled.SetLevel(lvl, "")

	return &Backend{leveled: leveled, w: w}, nil
}

func levelUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

// Log implements the logging.Backend interface.
func (b *Backend) Log(level logging.Level, calldepth int, record *logging.Record) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.leveled.Log(level, calldepth, record)
}

// GetLevel implements the logging.Leveled interface.
func (b *Backend) GetLevel(module string) logging.Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.leveled.GetLevel(module)
}

// SetLevel implements the logging.Leveled interface.
func (b *Backend) SetLevel(level logging.Level, module string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leveled.SetLevel(level, module)
}

// IsEnabledFor implements the logging.Leveled interface.
func (b *Backend) IsEnabledFor(level logging.Level, module string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.leveled.IsEnabledFor(level, module)
}

// GetLogger returns a per-module logger bound to this backend. Package
// constructors call this once with their own package name, e.g.
// "wacore/noise" or "wacore/appstate".
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b)
	return l
}

// ErrorReporter builds a waerror.Sink that logs every error it receives at
// warning level through module's logger, then forwards it to next (which may
// be nil). appstate.Engine, dispatcher.Dispatcher, and session.Session each
// need exactly this "log it, then propagate it" shape for their error sink,
// so it lives here once instead of three times.
//
// A nil Backend returns next unchanged: the caller still propagates errors,
// it just has nothing to log them through.
func (b *Backend) ErrorReporter(module string, next waerror.Sink) waerror.Sink {
	if b == nil {
		return next
	}
	log := b.GetLogger(module)
	return waerror.SinkFunc(func(e *waerror.Error) {
		log.Warningf("%v", e)
		if next != nil {
			next.OnError(e)
		}
	})
}

type discardWriteCloser struct{}

func (discardWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardWriteCloser) Close() error                { return nil }
