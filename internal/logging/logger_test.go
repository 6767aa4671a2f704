package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestConsoleHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Output: &buf})

	logger.Info("interface up", "interface", "wg0")

	out := buf.String()
	if !strings.Contains(out, "[info]") {
		t.Errorf("expected level tag in output: %q", out)
	}
	if !strings.Contains(out, "interface up") {
		t.Errorf("expected message in output: %q", out)
	}
	if !strings.Contains(out, "interface=wg0") {
		t.Errorf("expected key=value attr in output: %q", out)
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Output: &buf})

	logger.WithComponent("commit").Info("transaction started")

	out := buf.String()
	if !strings.Contains(out, "commit: transaction started") {
		t.Errorf("expected component prefix in output: %q", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf})

	logger.Debug("hidden")
	logger.Info("hidden too")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("messages below level leaked: %q", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("warn message missing: %q", out)
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &buf})

	logger.SetLevel(LevelDebug)
	if logger.GetLevel() != LevelDebug {
		t.Errorf("expected level debug, got %v", logger.GetLevel())
	}

	logger.Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Error("debug message missing after SetLevel")
	}
}
