// Package config provides runtime configuration for the filechat service,
// populated from environment variables with sanitized defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// RateLimitConfig defines the parameters for per-connection frame rate
// limiting on the chat server.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the settings for the chat server, the file transfer server,
// and the upload catalog.
type Config struct {
	ChatAddr   string
	HTTPAddr   string
	UploadRoot string

	ChunkSize   int64
	MaxBodySize int64

	MaxTextSize  int
	MaxFrameSize int
	SendBufLimit int64
	RateLimit    RateLimitConfig
	IdleTimeout  time.Duration

	TempMaxAge time.Duration

	AllowedOrigins []string
}

// New creates a Config populated with default values for all settings.
func New() *Config {
	cfg := defaultConfig()
	return &cfg
}

func defaultConfig() Config {
	return Config{
		ChatAddr:     ":9000",
		HTTPAddr:     ":9080",
		UploadRoot:   "uploads",
		ChunkSize:    256 * 1024,
		MaxBodySize:  256 * 1024 * 1024,
		MaxTextSize:  4096,
		MaxFrameSize: 1024 * 1024,
		SendBufLimit: 1024 * 1024,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		IdleTimeout: 10 * time.Minute,
		TempMaxAge:  24 * time.Hour,
		AllowedOrigins: []string{
			"http://localhost:9080",
		},
	}
}

// NewFromEnv creates a Config from environment variables, falling back to
// default values for anything unset or unparsable.
func NewFromEnv() *Config {
	cfg := defaultConfig()

	if addr := os.Getenv("CHAT_ADDR"); addr != "" {
		cfg.ChatAddr = addr
	}
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}
	if root := os.Getenv("UPLOAD_ROOT"); root != "" {
		cfg.UploadRoot = root
	}
	if v := os.Getenv("CHUNK_SIZE"); v != "" {
		cfg.ChunkSize = parseSize(v, cfg.ChunkSize)
	}
	if v := os.Getenv("MAX_BODY_SIZE"); v != "" {
		cfg.MaxBodySize = parseSize(v, cfg.MaxBodySize)
	}
	if v := os.Getenv("MAX_TEXT_SIZE"); v != "" {
		cfg.MaxTextSize = parseInt(v, cfg.MaxTextSize)
	}
	if v := os.Getenv("MAX_FRAME_SIZE"); v != "" {
		cfg.MaxFrameSize = parseInt(v, cfg.MaxFrameSize)
	}
	if v := os.Getenv("SENDBUF_LIMIT"); v != "" {
		cfg.SendBufLimit = parseSize(v, cfg.SendBufLimit)
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		cfg.RateLimit.Burst = parseInt(v, cfg.RateLimit.Burst)
	}
	if v := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); v != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(v, cfg.RateLimit.RefillInterval)
	}
	if v, ok := os.LookupEnv("IDLE_TIMEOUT"); ok {
		cfg.IdleTimeout = parseDuration(v, cfg.IdleTimeout)
	}
	if v, ok := os.LookupEnv("TEMP_MAX_AGE"); ok {
		cfg.TempMaxAge = parseDuration(v, cfg.TempMaxAge)
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	cfg.sanitize()
	return &cfg
}

// sanitize replaces values that would break the servers with their
// defaults. Zero is preserved for the two settings where it means
// "disabled" (IdleTimeout, TempMaxAge).
func (c *Config) sanitize() {
	def := defaultConfig()

	if c.ChatAddr == "" {
		c.ChatAddr = def.ChatAddr
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = def.HTTPAddr
	}
	if c.UploadRoot == "" {
		c.UploadRoot = def.UploadRoot
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.MaxBodySize < c.ChunkSize {
		c.MaxBodySize = def.MaxBodySize
	}
	if c.MaxTextSize <= 0 {
		c.MaxTextSize = def.MaxTextSize
	}
	if c.MaxFrameSize <= c.MaxTextSize {
		c.MaxFrameSize = def.MaxFrameSize
	}
	if c.SendBufLimit <= 0 {
		c.SendBufLimit = def.SendBufLimit
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.TempMaxAge < 0 {
		c.TempMaxAge = def.TempMaxAge
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseInt(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

// parseDuration accepts Go duration syntax ("90s", "10m"). "0" disables the
// corresponding feature.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if value == "0" {
		return 0
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
