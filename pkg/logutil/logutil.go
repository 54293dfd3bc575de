// Package logutil builds the relay's slog output.
//
// INFO/DEBUG lines go to stdout and WARN/ERROR lines go to stderr. When
// stdout is a terminal the JSON is indented for humans; when piped it stays
// one object per line for log shippers.
package logutil

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
)

// isTTY is set once at init time (checks stdout for piping detection).
var isTTY bool

func init() {
	stat, err := os.Stdout.Stat()
	if err == nil {
		isTTY = (stat.Mode() & os.ModeCharDevice) != 0
	}
}

// IsTTY reports whether stdout appears to be a terminal.
func IsTTY() bool {
	return isTTY
}

// Output returns a writer that routes JSON log lines by their "level" field:
// INFO/DEBUG to stdout (pretty-printed if stdout is a TTY), WARN/ERROR to
// stderr (always compact).
//
// Pass the return value to slog.NewJSONHandler.
func Output(stdout, stderr io.Writer) io.Writer {
	return &levelRoutingWriter{
		stdout: maybeWrapPretty(stdout, stdout == io.Writer(os.Stdout) && isTTY),
		stderr: stderr,
	}
}

// NewLogger returns the relay's JSON logger at the named level.
func NewLogger(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(
		Output(os.Stdout, os.Stderr),
		&slog.HandlerOptions{Level: ParseLevel(level)},
	))
}

// ParseLevel maps debug|info|warn|error (any case) to a slog level.
// Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func maybeWrapPretty(w io.Writer, pretty bool) io.Writer {
	if !pretty {
		return w
	}
	return &prettyJSONWriter{w: w}
}

type levelRoutingWriter struct {
	stdout io.Writer
	stderr io.Writer
}

func (lw *levelRoutingWriter) Write(p []byte) (int, error) {
	var entry struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(p, &entry); err != nil {
		// Not JSON: stderr, so it is not lost in a log pipeline.
		return lw.stderr.Write(p)
	}

	switch entry.Level {
	case "WARN", "ERROR":
		return lw.stderr.Write(p)
	default:
		return lw.stdout.Write(p)
	}
}

// prettyJSONWriter re-indents each JSON line written to it.
type prettyJSONWriter struct {
	w io.Writer
}

func (pw *prettyJSONWriter) Write(p []byte) (int, error) {
	trimmed := bytes.TrimRight(p, "\n")
	var buf bytes.Buffer
	if err := json.Indent(&buf, trimmed, "", "  "); err != nil {
		return pw.w.Write(p)
	}
	buf.WriteByte('\n')
	_, err := pw.w.Write(buf.Bytes())
	return len(p), err // original length, per io.Writer
}
