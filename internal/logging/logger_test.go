package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{DEBUG, "DEBUG"},
		{INFO, "INFO"},
		{WARN, "WARN"},
		{ERROR, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"":        INFO,
		"bogus":   INFO,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func captureJSON(t *testing.T, level Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Setup(level, "json", &buf)
	t.Cleanup(func() { Setup(INFO, "json", os.Stdout) })
	return &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid json line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLevelFiltering(t *testing.T) {
	buf := captureJSON(t, WARN)

	Debug("hidden")
	Info("hidden")
	Warn("shown %d", 1)
	Error("shown %d", 2)

	lines := decodeLines(t, buf)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %s", len(lines), buf.String())
	}
	if lines[0]["message"] != "shown 1" {
		t.Errorf("message = %v, want %q", lines[0]["message"], "shown 1")
	}
	if lines[1]["level"] != "error" {
		t.Errorf("level = %v, want error", lines[1]["level"])
	}
}

func TestWithFields(t *testing.T) {
	buf := captureJSON(t, DEBUG)

	log := Component("calsync").WithFields(map[string]interface{}{
		"connection_id": "c1",
		"attempt":       2,
	})
	log.WithError(errors.New("boom")).Info("retrying")

	lines := decodeLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	got := lines[0]
	if got["component"] != "calsync" {
		t.Errorf("component = %v", got["component"])
	}
	if got["connection_id"] != "c1" {
		t.Errorf("connection_id = %v", got["connection_id"])
	}
	if got["error"] != "boom" {
		t.Errorf("error = %v", got["error"])
	}
}

func TestWithField_DoesNotMutateParent(t *testing.T) {
	buf := captureJSON(t, INFO)

	parent := WithField("a", 1)
	_ = parent.WithField("b", 2)
	parent.Info("parent")

	lines := decodeLines(t, buf)
	if _, ok := lines[0]["b"]; ok {
		t.Error("child field leaked into parent logger")
	}
}

func TestNop(t *testing.T) {
	buf := captureJSON(t, DEBUG)
	Nop().Error("nothing")
	if buf.Len() != 0 {
		t.Errorf("Nop logger wrote %q", buf.String())
	}
}
