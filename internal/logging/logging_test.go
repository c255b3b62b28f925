package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"":        zapcore.InfoLevel,
		"DEBUG":   zapcore.DebugLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
	}
	for raw, want := range cases {
		got, err := ParseLevel(raw)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", raw, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected unknown level error")
	}
}

func TestConsoleRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log, closeFn, err := New(Options{Level: "warn", Console: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Infow("hidden")
	log.Warnw("shown", "step", "probe")
	closeFn()

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info entry leaked at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "probe") {
		t.Fatalf("expected warn entry with fields, got %q", out)
	}
}

func TestFileSinkWritesJSONAtDebug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "provision.log")
	var console bytes.Buffer
	log, closeFn, err := New(Options{Level: "error", File: path, Console: &console})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Debugw("service step", "step", "sysctl")
	closeFn()

	if console.Len() != 0 {
		t.Fatalf("console should be quiet at error level, got %q", console.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("log file is not JSON: %v: %q", err, data)
	}
	if entry["msg"] != "service step" || entry["step"] != "sysctl" {
		t.Fatalf("unexpected entry %v", entry)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected log file mode 0600, got %o", info.Mode().Perm())
	}
}
