package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

var Version = "dev"

const (
	DiskSpaceMinGB    = 2
	CleanupInterval   = 60 * time.Second
	ReadHeaderTimeout = 10 * time.Second
	IdleTimeout       = 120 * time.Second
	ShutdownTimeout   = 15 * time.Second
	MultipartMemory   = 32 << 20
	MaxFileNameLength = 200
	ServedPrefix      = "/uploads/"
)

type Config struct {
	Port    string
	EnvMode string

	TempDir   string
	PublicDir string
	StaticDir string
	DataDir   string

	ChunkSizeLimit int64
	MaxChunks      int
	ChunkTimeout   time.Duration

	// TranscodeMap maps a lower-case source extension (".mov") to the
	// extension of the playable container it is converted into (".mp4").
	TranscodeMap     map[string]string
	TranscodeLimit   int
	TranscodeTimeout time.Duration
	FFmpegPath       string
	FFprobePath      string

	DiscordWebhookURL string
	DiscordPingUserID string

	CORSFile string
	LogLevel string
}

func (c *Config) ChunkDir() string {
	return filepath.Join(c.TempDir, "chunks")
}

func (c *Config) IndexPath() string {
	return filepath.Join(c.DataDir, "artifacts.db")
}

func (c *Config) DiscordAlerts() bool {
	return c.DiscordWebhookURL != ""
}

func (c *Config) IsDevelopment() bool {
	return c.EnvMode == "development"
}

// TranscodeExtensions returns the configured source extensions in a stable order.
func (c *Config) TranscodeExtensions() []string {
	exts := make([]string, 0, len(c.TranscodeMap))
	for ext := range c.TranscodeMap {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:    envOrDefault("PORT", "3001"),
		EnvMode: envOrDefault("NODE_ENV", "development"),

		TempDir:   envOrDefault("TEMP_DIR", "/var/tmp/uploader"),
		PublicDir: envOrDefault("PUBLIC_DIR", "./uploads"),
		StaticDir: envOrDefault("STATIC_DIR", "./public"),
		DataDir:   envOrDefault("DATA_DIR", "./data"),

		FFmpegPath:  envOrDefault("FFMPEG_PATH", "ffmpeg"),
		FFprobePath: envOrDefault("FFPROBE_PATH", "ffprobe"),

		DiscordWebhookURL: os.Getenv("DISCORD_WEBHOOK_URL"),
		DiscordPingUserID: os.Getenv("DISCORD_PING_USER_ID"),

		CORSFile: envOrDefault("CORS_FILE", "cors-origins.txt"),
		LogLevel: envOrDefault("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.ChunkSizeLimit, err = int64OrDefault("CHUNK_SIZE_LIMIT", 50*1024*1024); err != nil {
		return nil, err
	}
	if cfg.MaxChunks, err = intOrDefault("MAX_CHUNKS", 100000); err != nil {
		return nil, err
	}
	if cfg.TranscodeLimit, err = intOrDefault("TRANSCODE_LIMIT", 2); err != nil {
		return nil, err
	}
	if cfg.ChunkTimeout, err = durationOrDefault("CHUNK_TIMEOUT", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.TranscodeTimeout, err = durationOrDefault("TRANSCODE_TIMEOUT", time.Hour); err != nil {
		return nil, err
	}
	if cfg.TranscodeMap, err = ParseTranscodeMap(envOrDefault("TRANSCODE_MAP", "mov:mp4")); err != nil {
		return nil, err
	}

	if cfg.ChunkSizeLimit <= 0 {
		return nil, fmt.Errorf("CHUNK_SIZE_LIMIT must be positive")
	}
	if cfg.MaxChunks <= 0 {
		return nil, fmt.Errorf("MAX_CHUNKS must be positive")
	}
	if cfg.TranscodeLimit < 1 {
		cfg.TranscodeLimit = 1
	}
	return cfg, nil
}

// ParseTranscodeMap parses "mov:mp4,avi:mp4" into {".mov": ".mp4", ".avi": ".mp4"}.
func ParseTranscodeMap(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		from, to, ok := strings.Cut(pair, ":")
		from = normalizeExt(from)
		to = normalizeExt(to)
		if !ok || from == "" || to == "" {
			return nil, fmt.Errorf("invalid TRANSCODE_MAP entry %q, want src:dst", pair)
		}
		if from == to {
			return nil, fmt.Errorf("invalid TRANSCODE_MAP entry %q, source and target are the same", pair)
		}
		out[from] = to
	}
	return out, nil
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intOrDefault(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func int64OrDefault(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func durationOrDefault(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
