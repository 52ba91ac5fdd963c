package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]logrus.Level{
		"debug":   logrus.DebugLevel,
		" WARN ":  logrus.WarnLevel,
		"error":   logrus.ErrorLevel,
		"":        logrus.InfoLevel,
		"verbose": logrus.InfoLevel,
	}
	for raw, want := range tests {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestForComponentWritesKeyValueLine(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "info")
	ForComponent(logger, "lifecycle").WithField("benefit_id", "b-1").Info("benefit activated")

	line := buf.String()
	for _, want := range []string{"level=info", "component=lifecycle", "benefit_id=b-1", `msg="benefit activated"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in log line %q", want, line)
		}
	}
}
