// Package config loads operator configuration from an INI file, with the
// environment variables read by applyEnv overriding the file — the same
// precedence db.NewDB and storage.NewService give os.Getenv defaults,
// applied here to a proper config file instead of scattered Getenv calls.
package config

import (
	"fmt"
	"os"

	"gopkg.in/ini.v1"
)

// Config holds every setting an operator process needs to start a board.
type Config struct {
	// Backend selects which board.Backend implementation to construct:
	// "memory", "flatfile", or "sqlstore".
	Backend string

	// FlatfileDir is the journal directory for the flatfile backend.
	FlatfileDir string

	// PostgresDSN is the connection string for the sqlstore backend.
	PostgresDSN string

	// RedisAddr, if set, backs the publish lease in internal/httpapi.
	RedisAddr     string
	RedisPassword string

	// ListenAddr is the address the REST/JSON server binds to.
	ListenAddr string

	// SigningKeyPath, if set, is a PEM file loaded into a board.Signer so
	// every published root is co-signed.
	SigningKeyPath string

	// ArchiveEnabled turns on S3 snapshot upload after every publication.
	ArchiveEnabled          bool
	ArchiveEndpoint         string
	ArchiveAccessKey        string
	ArchiveSecretKey        string
	ArchiveBucket           string
	ArchiveUseSSL           bool
	ArchiveEncryptionKeyHex string
}

func defaults() *Config {
	return &Config{
		Backend:    "memory",
		ListenAddr: ":8080",
	}
}

// Load reads path (an INI file) and applies BOARDKEEPER_* environment
// overrides on top of it. A missing file is not an error: Load falls back
// to defaults so `BOARDKEEPER_BACKEND=memory` alone is enough to start.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			file, err := ini.Load(path)
			if err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
			applyINI(cfg, file)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyINI(cfg *Config, file *ini.File) {
	board := file.Section("board")
	if v := board.Key("backend").String(); v != "" {
		cfg.Backend = v
	}
	if v := board.Key("listen_addr").String(); v != "" {
		cfg.ListenAddr = v
	}
	if v := board.Key("signing_key_path").String(); v != "" {
		cfg.SigningKeyPath = v
	}

	flatfile := file.Section("flatfile")
	if v := flatfile.Key("dir").String(); v != "" {
		cfg.FlatfileDir = v
	}

	sqlstore := file.Section("sqlstore")
	if v := sqlstore.Key("dsn").String(); v != "" {
		cfg.PostgresDSN = v
	}

	redis := file.Section("redis")
	if v := redis.Key("addr").String(); v != "" {
		cfg.RedisAddr = v
	}
	if v := redis.Key("password").String(); v != "" {
		cfg.RedisPassword = v
	}

	archive := file.Section("archive")
	cfg.ArchiveEnabled = archive.Key("enabled").MustBool(false)
	cfg.ArchiveEndpoint = archive.Key("endpoint").String()
	cfg.ArchiveAccessKey = archive.Key("access_key").String()
	cfg.ArchiveSecretKey = archive.Key("secret_key").String()
	cfg.ArchiveBucket = archive.Key("bucket").String()
	cfg.ArchiveUseSSL = archive.Key("use_ssl").MustBool(false)
	cfg.ArchiveEncryptionKeyHex = archive.Key("encryption_key_hex").String()
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("BOARDKEEPER_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("BOARDKEEPER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("BOARDKEEPER_FLATFILE_DIR"); v != "" {
		cfg.FlatfileDir = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("BOARDKEEPER_SIGNING_KEY"); v != "" {
		cfg.SigningKeyPath = v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		cfg.ArchiveEndpoint = v
		cfg.ArchiveEnabled = true
	}
	if v := os.Getenv("S3_ACCESS_KEY"); v != "" {
		cfg.ArchiveAccessKey = v
	}
	if v := os.Getenv("S3_SECRET_KEY"); v != "" {
		cfg.ArchiveSecretKey = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.ArchiveBucket = v
	}
	if os.Getenv("S3_USE_SSL") == "true" {
		cfg.ArchiveUseSSL = true
	}
}
