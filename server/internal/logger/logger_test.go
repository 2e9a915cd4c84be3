package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogger_FileLevelAndComponent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	log, err := New(Config{Level: "warn", Format: "json", File: path})
	if err != nil {
		t.Fatal(err)
	}

	child := log.Component("reaper")
	child.Info("hidden at warn")
	child.Warn("visible", "sandbox_id", "sb-1")

	log.SetLevel("debug")
	child.Debug("visible after SetLevel")
	_ = log.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, "hidden at warn") {
		t.Errorf("info entry logged at warn level: %s", out)
	}
	for _, want := range []string{`"msg":"visible"`, `"component":"reaper"`, `"sandbox_id":"sb-1"`, "visible after SetLevel"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug": "debug",
		"warn":  "warn",
		"error": "error",
		"info":  "info",
		"":      "info",
		"loud":  "info",
	}
	for in, want := range tests {
		if got := parseLevel(in).String(); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestNop(t *testing.T) {
	log := Nop().Component("x").With("k", "v")
	log.Info("discarded")
	log.SetLevel("debug")
	if err := log.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}
