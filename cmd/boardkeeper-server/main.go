// Command boardkeeper-server runs a bulletin-board engine behind the
// REST/JSON surface in internal/httpapi, backed by whichever board.Backend
// the operator's configuration selects.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kindlyrobotics/boardkeeper/internal/board"
	"github.com/kindlyrobotics/boardkeeper/internal/board/archive"
	"github.com/kindlyrobotics/boardkeeper/internal/board/backends/flatfile"
	"github.com/kindlyrobotics/boardkeeper/internal/board/backends/memory"
	"github.com/kindlyrobotics/boardkeeper/internal/board/backends/sqlstore"
	"github.com/kindlyrobotics/boardkeeper/internal/config"
	"github.com/kindlyrobotics/boardkeeper/internal/httpapi"
)

func main() {
	configPath := flag.String("config", "boardkeeper.ini", "path to an INI configuration file")
	flag.Parse()

	log.Println("[Board] Starting boardkeeper-server...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[Board] Failed to load configuration: %v", err)
	}

	ctx := context.Background()

	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		log.Fatalf("[Board] Failed to open backend %q: %v", cfg.Backend, err)
	}
	defer closeBackend()

	var opts []board.EngineOption
	if cfg.SigningKeyPath != "" {
		pemData, err := os.ReadFile(cfg.SigningKeyPath)
		if err != nil {
			// BOARDKEEPER_SIGNING_KEY may carry the PEM content itself
			// rather than a path to it.
			pemData = []byte(cfg.SigningKeyPath)
		}
		signer, err := board.NewSignerFromPEM(pemData)
		if err != nil {
			log.Printf("[WARN] Board: signing disabled: %v", err)
		} else {
			opts = append(opts, board.WithSigner(signer))
		}
	}

	engine, err := board.NewEngine(ctx, backend, opts...)
	if err != nil {
		log.Fatalf("[Board] Failed to initialize engine: %v", err)
	}

	var lease *httpapi.PublishLease
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("[WARN] Board: Redis unavailable, publication lease disabled: %v", err)
		} else {
			lease = httpapi.NewPublishLease(client, "boardkeeper:publish-lease", 30*time.Second, uuid.NewString())
		}
	}

	server := httpapi.NewServer(engine, lease)

	if cfg.ArchiveEnabled {
		uploader, err := archive.NewUploader(ctx, cfg.ArchiveEndpoint, cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, cfg.ArchiveBucket, cfg.ArchiveUseSSL)
		if err != nil {
			log.Printf("[WARN] Board: archive disabled, could not reach S3 endpoint: %v", err)
		} else {
			var key *[32]byte
			if cfg.ArchiveEncryptionKeyHex != "" {
				raw, err := hex.DecodeString(cfg.ArchiveEncryptionKeyHex)
				if err != nil || len(raw) != 32 {
					log.Printf("[WARN] Board: [archive] encryption_key_hex must be 32 raw bytes in hex; uploading snapshots unencrypted")
				} else {
					key = new([32]byte)
					copy(key[:], raw)
				}
			}
			server.SetArchiver(archive.NewArchiver(backend, uploader, key))
			log.Printf("[Board] Archival enabled: bucket=%s encrypted=%v", cfg.ArchiveBucket, key != nil)
		}
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("[Board] HTTP server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Board] Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[Board] Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("[Board] Server forced to shutdown: %v", err)
	}

	log.Println("[Board] Server exited gracefully")
}

func openBackend(ctx context.Context, cfg *config.Config) (board.Backend, func(), error) {
	switch cfg.Backend {
	case "flatfile":
		dir := cfg.FlatfileDir
		if dir == "" {
			dir = "boardkeeper-data"
		}
		b, err := flatfile.Open(dir)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { b.Close() }, nil

	case "sqlstore":
		b, err := sqlstore.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { b.Close() }, nil

	case "memory", "":
		return memory.New(), func() {}, nil

	default:
		log.Fatalf("[Board] Unknown backend %q (want memory, flatfile, or sqlstore)", cfg.Backend)
		return nil, nil, nil
	}
}
