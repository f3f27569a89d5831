package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kindlyrobotics/boardkeeper/internal/config"
)

func TestLoadDefaultsWithoutFileOrEnv(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != "memory" {
		t.Errorf("Backend = %q, want memory", cfg.Backend)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
}

func TestLoadReadsINIFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boardkeeper.ini")
	ini := "[board]\nbackend = flatfile\nlisten_addr = :9090\n\n[flatfile]\ndir = /tmp/boardkeeper-data\n"
	if err := os.WriteFile(path, []byte(ini), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != "flatfile" {
		t.Errorf("Backend = %q, want flatfile", cfg.Backend)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.ListenAddr)
	}
	if cfg.FlatfileDir != "/tmp/boardkeeper-data" {
		t.Errorf("FlatfileDir = %q, want /tmp/boardkeeper-data", cfg.FlatfileDir)
	}
}

func TestEnvOverridesINI(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boardkeeper.ini")
	ini := "[board]\nbackend = flatfile\n"
	if err := os.WriteFile(path, []byte(ini), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("BOARDKEEPER_BACKEND", "sqlstore")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != "sqlstore" {
		t.Errorf("env override did not take effect: Backend = %q, want sqlstore", cfg.Backend)
	}
}

func TestS3EnvVarsEnableArchive(t *testing.T) {
	t.Setenv("S3_ENDPOINT", "minio.internal:9000")
	t.Setenv("S3_BUCKET", "boardkeeper-archives")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.ArchiveEnabled {
		t.Error("expected S3_ENDPOINT to enable the archive")
	}
	if cfg.ArchiveBucket != "boardkeeper-archives" {
		t.Errorf("ArchiveBucket = %q, want boardkeeper-archives", cfg.ArchiveBucket)
	}
}
