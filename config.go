package main

import (
	"os"
	"strconv"
	"time"
)

// Config collects every recognized option. Values come from the environment
// (after the optional .env auto-load) with production-ish defaults.
type Config struct {
	ListenAddr string
	DBDSN      string
	JWTSecret  string
	RedisAddr  string // empty disables caching

	ChunkBase  string
	AvatarBase string

	MaxChunks         int           // upper bound on expected_chunks
	MaxTotalBytes     int64         // upper bound on a declared upload size
	OpenTTL           time.Duration // OPEN upload lifetime
	TerminalRetention time.Duration // how long terminal uploads linger before reclamation
	JanitorInterval   time.Duration
	MaxOpenUploads    int // per-owner quota of OPEN uploads
}

func loadConfig() Config {
	return Config{
		ListenAddr: envStr("LISTEN_ADDR", ":8081"),
		DBDSN:      os.Getenv("DB_DSN"),
		JWTSecret:  envStr("JWT_SECRET", "dev-insecure-secret-change"),
		RedisAddr:  os.Getenv("REDIS_ADDR"),

		ChunkBase:  envStr("CHUNK_BASE", "chunks"),
		AvatarBase: envStr("AVATAR_BASE", "avatars"),

		MaxChunks:         envInt("MAX_CHUNKS", 10_000),
		MaxTotalBytes:     envInt64("MAX_TOTAL_BYTES", 2<<30),
		OpenTTL:           envDuration("UPLOAD_OPEN_TTL", 24*time.Hour),
		TerminalRetention: envDuration("TERMINAL_RETENTION", 7*24*time.Hour),
		JanitorInterval:   envDuration("JANITOR_INTERVAL", time.Minute),
		MaxOpenUploads:    envInt("MAX_OPEN_UPLOADS", 5),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
