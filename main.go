package main

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"agency/pkg/avatar"
	"agency/pkg/cache"
	"agency/pkg/ingest"
)

func main() {
	// Auto-load ./.env if present (no external dependency) before reading vars
	loadDotEnv()
	cfg := loadConfig()

	db, err := openDB(cfg.DBDSN)
	if err != nil {
		log.Fatal("failed to connect postgres database:", err)
	}

	// Support a lightweight migrate command: `./agency migrate`
	// It runs AutoMigrate and seeding then exits. Useful for CI or manual DB setup.
	migrateDB(db)
	seedDB(db)
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		log.Println("migration and seeding completed")
		return
	}

	store, err := ingest.NewChunkStore(db, cfg.ChunkBase)
	if err != nil {
		log.Fatal("chunk store init:", err)
	}
	registry := ingest.NewRegistry(db)
	subs := ingest.NewSubmissionStore(db)

	events := ingest.FanoutSink{ingest.LogSink{}}
	ctrl := ingest.NewController(store, registry, subs, events, ingest.Limits{
		MaxChunks:       cfg.MaxChunks,
		MaxTotalBytes:   cfg.MaxTotalBytes,
		OpenTTL:         cfg.OpenTTL,
		MaxOpenPerOwner: cfg.MaxOpenUploads,
	})
	playback := ingest.NewPlayback(store, registry, subs)

	var cacheSvc cache.Service = cache.Noop{}
	if cfg.RedisAddr != "" {
		cacheSvc = cache.NewRedis(cfg.RedisAddr)
	}

	janitor := ingest.NewJanitor(store, registry, subs, cfg.JanitorInterval, cfg.TerminalRetention)
	janitor.Start()

	watcher, err := avatar.New(db, cfg.AvatarBase, 2)
	if err != nil {
		log.Fatal("avatar watcher init:", err)
	}
	if err := watcher.Start(); err != nil {
		log.Fatal("avatar watcher start:", err)
	}

	r := gin.Default()
	server := newServer(cfg, db, ctrl, playback, subs, cacheSvc)
	server.setupRoutes(r)
	r.GET("/healthz", func(c *gin.Context) {
		status := "ok"
		if !janitor.Healthy() {
			status = "janitor stalled"
		}
		c.JSON(http.StatusOK, gin.H{"status": status})
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen:", err)
		}
	}()
	log.Printf("listening on %s", cfg.ListenAddr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	watcher.Stop()
	janitor.Stop()
	log.Println("shutdown complete")
}

// loadDotEnv loads key=value pairs from a local .env file into the environment
// without overwriting variables that are already set. Lines starting with # are ignored.
func loadDotEnv() {
	path := ".env"
	if _, err := os.Stat(path); err != nil {
		return // no .env file
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// split on first '='
		if eq := strings.IndexByte(line, '='); eq > 0 {
			key := strings.TrimSpace(line[:eq])
			val := strings.TrimSpace(line[eq+1:])
			if _, exists := os.LookupEnv(key); !exists {
				_ = os.Setenv(key, val)
			}
		}
	}
}
