package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "app.log")
	logger, err := New(Options{Path: path})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Named("worker").Info("model ready")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, `"message":"model ready"`) {
		t.Fatalf("missing message field: %s", line)
	}
	if !strings.Contains(line, `"level":"INFO"`) {
		t.Fatalf("missing capital level: %s", line)
	}
}

func TestDebugLevelGate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	logger, err := New(Options{Path: path})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Debug("hidden")
	_ = logger.Sync()
	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "hidden") {
		t.Fatalf("debug line written without Debug option")
	}
}

func TestDefaultPathHonorsStateHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_STATE_HOME", dir)
	want := filepath.Join(dir, "pagechat", "pagechat.log")
	if got := DefaultPath(); got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}
