package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNew_Disabled(t *testing.T) {
	logger, err := New(false, "", true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if logger.Core().Enabled(zap.ErrorLevel) {
		t.Error("disabled logger should drop every level")
	}
	if zap.L() != logger {
		t.Error("logger should be installed as the global")
	}
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "se.log")

	logger, err := New(true, path, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("channel opened", zap.Uint8("channel", 1))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"msg":"channel opened"`) || !strings.Contains(out, `"channel":1`) {
		t.Errorf("unexpected log content: %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Error("debug entry written without debug enabled")
	}
}

func TestNew_FileDebug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "se.log")

	logger, err := New(true, path, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Debug("apdu")
	_ = logger.Sync()

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), `"msg":"apdu"`) {
		t.Errorf("debug entry missing: %s", data)
	}
}
