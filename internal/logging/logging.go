package logging

import (
	"io"
	"os"
	"strings"

	"github.com/labstack/gommon/log"
)

const header = `${time_rfc3339} ${level} ${prefix} ${short_file}:${line}`

// New returns a leveled logger writing to stderr.
func New(prefix, level string) *log.Logger {
	return NewWithOutput(prefix, level, os.Stderr)
}

func NewWithOutput(prefix, level string, w io.Writer) *log.Logger {
	l := log.New(prefix)
	l.SetOutput(w)
	l.SetHeader(header)
	SetLevel(l, level)
	return l
}

// Discard returns a logger that prints nothing; handy for tests.
func Discard() *log.Logger {
	l := log.New("-")
	l.SetOutput(io.Discard)
	l.SetLevel(log.OFF)
	return l
}

// SetLevel applies a level name. Unknown names fall back to warn.
func SetLevel(l *log.Logger, level string) {
	switch strings.ToLower(level) {
	case "debug":
		l.SetLevel(log.DEBUG)
	case "info":
		l.SetLevel(log.INFO)
	case "warn", "":
		l.SetLevel(log.WARN)
	case "error":
		l.SetLevel(log.ERROR)
	case "off":
		l.SetLevel(log.OFF)
	default:
		l.SetLevel(log.WARN)
		l.Warnf("unknown loglevel: %s. fall back to warn", level)
	}
}
