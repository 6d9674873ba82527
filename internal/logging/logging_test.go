package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/labstack/gommon/log"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOutput("test", "warn", &buf)
	l.Infof("hidden")
	l.Warnf("shown %d", 1)
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info should be filtered at warn: %q", out)
	}
	if !strings.Contains(out, "shown 1") {
		t.Fatalf("warn should be printed: %q", out)
	}
}

func TestUnknownLevelFallsBack(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOutput("test", "loud", &buf)
	if l.Level() != log.WARN {
		t.Fatalf("expected WARN, got %v", l.Level())
	}
	if !strings.Contains(buf.String(), "unknown loglevel") {
		t.Fatalf("expected a warning about the level, got %q", buf.String())
	}
}
