package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/qqbridge/qqbridge/internal/config"
)

// clearUmask sets the process umask to 0 so file permission assertions
// are deterministic. It restores the original umask when the test
// completes.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInitFreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, filepath.Join(dir, "ws")); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	// config.yaml exists with restricted permissions (it may hold a
	// gateway token).
	cfgPath := filepath.Join(dir, "ws", "config.yaml")
	info, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}

	if !strings.Contains(buf.String(), "config.yaml") {
		t.Errorf("expected config.yaml in output, got:\n%s", buf.String())
	}
}

func TestRunInitNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("qq: \"424242\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	data, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "qq: \"424242\"\n" {
		t.Errorf("existing config.yaml was overwritten:\n%s", data)
	}
}

func TestDefaultConfigLoads(t *testing.T) {
	// The template init writes must come back as a valid config once
	// the account number is filled in (the template ships a placeholder
	// that already validates).
	dir := t.TempDir()
	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("generated config did not load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("generated config did not validate: %v", err)
	}
	if cfg.BufferSize != 100 {
		t.Errorf("buffer_size = %d, want 100", cfg.BufferSize)
	}
	if cfg.Friends == nil || len(cfg.Friends) != 0 {
		t.Errorf("friends should be an explicit empty list, got %v", cfg.Friends)
	}
	if cfg.Groups != nil {
		t.Errorf("groups should be absent (observe all), got %v", cfg.Groups)
	}
}
