package log

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	if err := Setup(Options{Level: "debug", NoColors: true}); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	id := NewContextID()
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("Expected a uuid, got %q", id)
	}

	WithContext("detector", id).Debug("Context created")
	out := buf.String()
	if !strings.Contains(out, id) || !strings.Contains(out, "detector") || !strings.Contains(out, "Context created") {
		t.Errorf("Unexpected log line %q", out)
	}
}

func TestSetupLevel(t *testing.T) {
	var buf bytes.Buffer
	if err := Setup(Options{Level: "warn", NoColors: true}); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	Info(nil, "hidden")
	Warn(Fields{"k": "v"}, "shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("Level filter not applied: %q", buf.String())
	}

	if err := Setup(Options{Level: "loud"}); err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestSetupFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "face.log")
	if err := Setup(Options{Level: "info", File: file, NoColors: true}); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer Setup(Options{Level: "info"})

	Info(Fields{"frame": 1}, "written to file")
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("Expected message in log file, got %q", string(data))
	}
}
