package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.PageSize != 1024 {
		t.Errorf("PageSize = %d, want 1024", cfg.PageSize)
	}
	if cfg.SortWorkers != 1 {
		t.Errorf("SortWorkers = %d, want 1", cfg.SortWorkers)
	}
	if cfg.SortMinFlushBytes != 4<<20 {
		t.Errorf("SortMinFlushBytes = %d, want %d", cfg.SortMinFlushBytes, 4<<20)
	}
	if cfg.SortMaxFlushBytes != 16<<20 {
		t.Errorf("SortMaxFlushBytes = %d, want %d", cfg.SortMaxFlushBytes, 16<<20)
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "embeddb.yaml")
	dbPath := filepath.Join(dir, "db.dat")
	content := "path: " + dbPath + "\n" +
		"page_size: 4096\n" +
		"checkpoint_cron: \"*/5 * * * *\"\n"
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Path != dbPath {
		t.Errorf("Path = %q, want %q", cfg.Path, dbPath)
	}
	if cfg.PageSize != 4096 {
		t.Errorf("PageSize = %d, want 4096", cfg.PageSize)
	}
	if cfg.CheckpointCron != "*/5 * * * *" {
		t.Errorf("CheckpointCron = %q, want %q", cfg.CheckpointCron, "*/5 * * * *")
	}

	// Fields the file never mentions fall back to Default's values.
	def := Default()
	if cfg.SortMinFlushBytes != def.SortMinFlushBytes {
		t.Errorf("SortMinFlushBytes = %d, want default %d", cfg.SortMinFlushBytes, def.SortMinFlushBytes)
	}
	if cfg.SortMaxFlushBytes != def.SortMaxFlushBytes {
		t.Errorf("SortMaxFlushBytes = %d, want default %d", cfg.SortMaxFlushBytes, def.SortMaxFlushBytes)
	}
	if cfg.SortWorkers != def.SortWorkers {
		t.Errorf("SortWorkers = %d, want default %d", cfg.SortWorkers, def.SortWorkers)
	}
}

func TestLoad_MissingPathErrors(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "embeddb.yaml")
	if err := os.WriteFile(p, []byte("page_size: 2048\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(p); err == nil {
		t.Fatal("expected error when path is missing from the config file")
	}
}

func TestLoad_FileNotFoundErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Fatal("expected error for a missing config file")
	}
}
