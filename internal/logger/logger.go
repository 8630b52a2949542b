// Package logger builds the zerolog.Logger used throughout the proxy,
// rendering events in the syslog-style priority-prefixed line format the
// service manager expects: "<N>target: message".
package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	"golang.org/x/term"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}

// priorityWriter decodes each zerolog JSON event and re-renders it as a
// single "<N>target: message" line. Decoding rather than scanning the raw
// bytes is the teacher's approach in logger/console.go, applied here to a
// different target format (syslog-style prefix instead of re-encoded
// JSON).
type priorityWriter struct {
	out    io.Writer
	colors bool
}

func newPriorityWriter(out *os.File) *priorityWriter {
	return &priorityWriter{
		out:    colorable.NewColorable(out),
		colors: isTerminal(),
	}
}

func (w *priorityWriter) Write(p []byte) (n int, err error) {
	var evt map[string]any
	d := json.NewDecoder(bytes.NewReader(p))
	d.UseNumber()
	if err := d.Decode(&evt); err != nil {
		return 0, fmt.Errorf("cannot decode log event: %w", err)
	}

	level, _ := evt["level"].(string)
	message, _ := evt["message"].(string)
	target, _ := evt["component"].(string)
	if target == "" {
		target = "udpproxy"
	}

	prefix := fmt.Sprintf("<%d>", priority(level))
	if w.colors {
		prefix = colorFor(level) + prefix + "\x1b[0m"
	}

	line := fmt.Sprintf("%s%s: %s\n", prefix, target, message)
	if _, err := io.WriteString(w.out, line); err != nil {
		return 0, err
	}
	return len(p), nil
}

// colorFor picks an ANSI color for interactive (--dev) use only; the
// service-manager log sink never sees these since it is not a terminal.
func colorFor(level string) string {
	switch level {
	case "error", "fatal", "panic":
		return "\x1b[31m"
	case "warn":
		return "\x1b[33m"
	case "info":
		return "\x1b[36m"
	default:
		return "\x1b[90m"
	}
}

// priority maps a zerolog level name to the syslog-style severity the
// spec requires: 3 error, 4 warn, 6 info, 7 debug/trace.
func priority(level string) int {
	switch level {
	case "error", "fatal", "panic":
		return 3
	case "warn":
		return 4
	case "info":
		return 6
	default:
		return 7
	}
}

// New builds the process logger at the given level name (zerolog level
// strings: "debug", "info", "warn", "error"). Default level is warn,
// matching the spec's default when an unparseable level is given. Output
// always goes to stderr in the priority-prefix format regardless of
// whether it is a terminal, since the consumer is a service manager log
// sink rather than an interactive shell.
func New(levelName string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.WarnLevel
	}

	return zerolog.New(newPriorityWriter(os.Stderr)).Level(level).With().Timestamp().Logger()
}

// isTerminal reports whether stderr is attached to a terminal, used to
// decide whether the priority prefix should be colorized for interactive
// (--dev) use.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}
