package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the observer.
type Config struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int

	// Tab matching and behavior
	TabURLFilter   string
	ReloadOnAttach bool

	// Decode behavior
	CandidServiceURL    string
	CorrelationCapacity int
	CorrelationTTL      time.Duration

	// Persistence
	DataDir       string
	ArchivePath   string
	MaxFileSizeMB int
	BufferSize    int

	// Presentation
	APIAddr string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:          getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:             getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		TabURLFilter:        getEnvOrDefault("ICSCOPE_TAB_URL_FILTER", "ic0.app"),
		ReloadOnAttach:      getEnvBoolOrDefault("ICSCOPE_RELOAD_ON_ATTACH", true),
		CandidServiceURL:    getEnvOrDefault("ICSCOPE_CANDID_SERVICE_URL", ""),
		CorrelationCapacity: getEnvIntOrDefault("ICSCOPE_CORRELATION_CAPACITY", 4096),
		CorrelationTTL:      time.Duration(getEnvIntOrDefault("ICSCOPE_CORRELATION_TTL_MINUTES", 0)) * time.Minute,
		DataDir:             getEnvOrDefault("ICSCOPE_DATA_DIR", "./icscope_data"),
		ArchivePath:         getEnvOrDefault("ICSCOPE_ARCHIVE_PATH", "./icscope_data/calls.db"),
		MaxFileSizeMB:       getEnvIntOrDefault("ICSCOPE_MAX_FILE_SIZE_MB", 200),
		BufferSize:          getEnvIntOrDefault("ICSCOPE_BUFFER_SIZE", 5000),
		APIAddr:             getEnvOrDefault("ICSCOPE_API_ADDR", "127.0.0.1:8188"),
	}

	return cfg, nil
}

// CDPURL returns the full CDP HTTP endpoint used by chromedp remote allocator.
func (c *Config) CDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
