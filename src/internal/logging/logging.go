// Package logging configures the process-wide structured logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(zerolog.InfoLevel).
		With().Timestamp().Logger()
)

// SetupLogger configures the global logger.
// structured switches from the human console format to JSON lines.
func SetupLogger(debug, structured bool) {
	SetupLoggerWithWriter(os.Stderr, debug, structured)
}

// SetupLoggerWithWriter is SetupLogger with an explicit destination.
func SetupLoggerWithWriter(w io.Writer, debug, structured bool) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	out := w
	if !structured {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}

	mu.Lock()
	logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	mu.Unlock()
}

// Logger returns the current global logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debug logs at debug level. kv are alternating key/value pairs.
func Debug(msg string, kv ...any) {
	l := Logger()
	emit(l.Debug(), msg, kv)
}

// Info logs at info level.
func Info(msg string, kv ...any) {
	l := Logger()
	emit(l.Info(), msg, kv)
}

// Warn logs at warn level.
func Warn(msg string, kv ...any) {
	l := Logger()
	emit(l.Warn(), msg, kv)
}

// Error logs at error level.
func Error(msg string, kv ...any) {
	l := Logger()
	emit(l.Error(), msg, kv)
}

func emit(ev *zerolog.Event, msg string, kv []any) {
	if ev == nil {
		return
	}
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		if i+1 >= len(kv) {
			ev = ev.Interface(key, nil)
			break
		}
		switch v := kv[i+1].(type) {
		case error:
			ev = ev.AnErr(key, v)
		case time.Duration:
			ev = ev.Dur(key, v)
		default:
			ev = ev.Interface(key, v)
		}
	}
	ev.Msg(msg)
}
