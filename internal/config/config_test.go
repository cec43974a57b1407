package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.DBPath != "rivalscope.db" {
		t.Fatalf("DBPath = %q, want rivalscope.db", cfg.DBPath)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("addr: \":9000\"\ndb_path: from-file.db\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RIVALSCOPE_CONFIG", path)
	t.Setenv("RIVALSCOPE_DB_PATH", "from-env.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("Addr = %q, want file value :9000", cfg.Addr)
	}
	if cfg.DBPath != "from-env.db" {
		t.Fatalf("DBPath = %q, want env value from-env.db", cfg.DBPath)
	}
}

func TestLoadRejectsEmptyAddr(t *testing.T) {
	t.Setenv("RIVALSCOPE_ADDR", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for empty addr")
	}
}
