package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the monetization agent.
type Config struct {
	// CDP connection settings
	CDPAddress   string
	CDPPort      int
	TabURLFilter string
	EvalTimeout  time.Duration

	// HTTP API
	BindAddr          string
	BindAddrFallbacks []string

	// Receiver and auth endpoints
	ReceiverURL string
	AuthURL     string
	AuthToken   string

	// Payment pacing
	TokenInterval  time.Duration
	AttemptTimeout time.Duration
	RetryDelay     time.Duration

	// Journal settings
	DataDir       string
	MaxFileSizeMB int
	BufferSize    int

	// Notifications
	NTFYEndpoint string

	// Logging
	LogLevel string
	LogFile  string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:   getEnvOrDefault("WM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:      getEnvIntOrDefault("WM_CDP_PORT", 9220),
		TabURLFilter: getEnvOrDefault("WM_TAB_URL_FILTER", ""),
		EvalTimeout:  getEnvDurationOrDefault("WM_EVAL_TIMEOUT", 10*time.Second),

		BindAddr: getEnvOrDefault("WM_API_BIND", "127.0.0.1:8288"),
		BindAddrFallbacks: splitList(getEnvOrDefault("WM_API_BIND_FALLBACKS",
			"127.0.0.1:8289,127.0.0.1:8290")),

		ReceiverURL: getEnvOrDefault("WM_RECEIVER_URL", "ws://127.0.0.1:7768/pay"),
		AuthURL:     getEnvOrDefault("WM_AUTH_URL", "https://coil.com/gateway"),
		AuthToken:   os.Getenv("WM_AUTH_TOKEN"),

		TokenInterval:  getEnvDurationOrDefault("WM_TOKEN_INTERVAL", time.Minute),
		AttemptTimeout: getEnvDurationOrDefault("WM_ATTEMPT_TIMEOUT", 30*time.Second),
		RetryDelay:     getEnvDurationOrDefault("WM_RETRY_DELAY", 2*time.Second),

		DataDir:       getEnvOrDefault("WM_DATA_DIR", "./wm_data"),
		MaxFileSizeMB: getEnvIntOrDefault("WM_MAX_FILE_SIZE_MB", 50),
		BufferSize:    getEnvIntOrDefault("WM_BUFFER_SIZE", 1000),

		NTFYEndpoint: os.Getenv("WM_NTFY_ENDPOINT"),

		LogLevel: strings.ToLower(getEnvOrDefault("WM_LOG_LEVEL", "info")),
		LogFile:  getEnvOrDefault("WM_LOG_FILE", "logs/wm_agent.log"),
	}

	if cfg.AttemptTimeout < time.Second {
		cfg.AttemptTimeout = time.Second
	}

	return cfg, nil
}

// GetCDPURL returns the CDP HTTP endpoint used by the chromedp remote
// allocator.
func (c *Config) GetCDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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

func getEnvDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
