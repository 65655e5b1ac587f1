package bootcfg

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != Defaults() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadOverlaysPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.yaml")
	contents := "thread_pool_capacity: 8\nports:\n  ssh: 2222\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ThreadPoolCapacity != 8 {
		t.Fatalf("expected overlay to set thread_pool_capacity=8, got %d", cfg.ThreadPoolCapacity)
	}
	if cfg.Ports.SSH != 2222 {
		t.Fatalf("expected overlay to set ssh port, got %d", cfg.Ports.SSH)
	}
	if cfg.Ports.HTTP != Defaults().Ports.HTTP {
		t.Fatalf("expected un-overlaid field to keep its default")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Defaults()
	cfg.ThreadPoolCapacity = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero thread pool capacity")
	}

	cfg = Defaults()
	cfg.HeapFractionPercent = 150
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-range heap fraction")
	}

	cfg = Defaults()
	cfg.Ports.SSH = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-range port")
	}
}
