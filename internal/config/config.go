package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"courier/internal/domain"
)

// Config holds all runtime settings for the worker process.
type Config struct {
	StoreURL string
	StoreKey string

	WorkerName   string
	WorkerType   string
	WorkerEmail  string
	WorkerAPIKey string

	EncryptionKey string

	Headless       bool
	BrowserTimeout time.Duration
	RetryCount     int
	ChromePath     string
	ScreenshotDir  string

	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	TaskGap           time.Duration
	BatchSize         int

	RedisAddr  string
	StatusAddr string

	LogLevel  string
	LogFormat string
}

const (
	defaultWorkerType        = "browser_automation"
	defaultBrowserTimeout    = 30 * time.Second
	defaultRetryCount        = 3
	defaultHeartbeatInterval = 30 * time.Second
	defaultPollInterval      = 10 * time.Second
	defaultTaskGap           = 2 * time.Second
	defaultBatchSize         = 10
	defaultStatusAddr        = ":8080"
)

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(val)
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(val)); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvMillis reads a bare integer as milliseconds, falling back to a Go
// duration string.
func getEnvMillis(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if ms, err := strconv.Atoi(val); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Load reads .env files, the environment and finally command line flags.
// Priority: CLI flags > environment > .env file > defaults.
func Load(args []string) (*Config, error) {
	_ = godotenv.Load() // optional

	cfg := FromEnv()

	fs := flag.NewFlagSet("courier", flag.ContinueOnError)
	storeURL := fs.String("store", "", "task store URL (overrides STORE_URL)")
	name := fs.String("name", "", "worker name (overrides WORKER_NAME)")
	statusAddr := fs.String("addr", cfg.StatusAddr, "status HTTP bind address, empty disables")
	headless := fs.Bool("headless", cfg.Headless, "run the browser headless")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *storeURL != "" {
		cfg.StoreURL = *storeURL
	}
	if *name != "" {
		cfg.WorkerName = *name
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.StatusAddr = *statusAddr
		case "headless":
			cfg.Headless = *headless
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a Config from environment variables only.
func FromEnv() *Config {
	cfg := &Config{
		StoreURL:          getEnvString("STORE_URL", ""),
		StoreKey:          getEnvString("STORE_KEY", ""),
		WorkerName:        getEnvString("WORKER_NAME", ""),
		WorkerType:        getEnvString("WORKER_TYPE", defaultWorkerType),
		WorkerEmail:       getEnvString("WORKER_EMAIL", ""),
		WorkerAPIKey:      getEnvString("WORKER_API_KEY", ""),
		EncryptionKey:     getEnvString("ENCRYPTION_KEY", ""),
		Headless:          getEnvBool("HEADLESS", true),
		BrowserTimeout:    getEnvMillis("BROWSER_TIMEOUT", defaultBrowserTimeout),
		RetryCount:        getEnvInt("RETRY_COUNT", defaultRetryCount),
		ChromePath:        getEnvString("CHROME_PATH", ""),
		ScreenshotDir:     getEnvString("SCREENSHOT_DIR", ""),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", defaultHeartbeatInterval),
		PollInterval:      getEnvDuration("POLL_INTERVAL", defaultPollInterval),
		TaskGap:           getEnvDuration("TASK_GAP", defaultTaskGap),
		BatchSize:         getEnvInt("BATCH_SIZE", defaultBatchSize),
		RedisAddr:         getEnvString("REDIS_ADDR", ""),
		StatusAddr:        getEnvString("STATUS_ADDR", defaultStatusAddr),
		LogLevel:          getEnvString("LOG_LEVEL", "info"),
		LogFormat:         getEnvString("LOG_FORMAT", "console"),
	}
	if cfg.WorkerName == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.WorkerName = "worker-" + host
		}
	}
	return cfg
}

// Validate reports every missing required setting at once and clamps
// numeric settings to usable values.
func (c *Config) Validate() error {
	var missing []string
	if c.StoreURL == "" {
		missing = append(missing, "STORE_URL")
	}
	if c.StoreKey == "" && IsPostgresURL(c.StoreURL) {
		missing = append(missing, "STORE_KEY")
	}
	if c.WorkerName == "" && c.WorkerEmail == "" {
		missing = append(missing, "WORKER_NAME")
	}
	if c.EncryptionKey == "" {
		missing = append(missing, "ENCRYPTION_KEY")
	}
	if len(missing) > 0 {
		return &domain.ConfigError{Missing: missing}
	}
	if c.WorkerName == "" {
		c.WorkerName = "worker-" + c.WorkerEmail
	}
	if c.StoreURL != "" && !IsPostgresURL(c.StoreURL) && !IsSQLiteURL(c.StoreURL) {
		return fmt.Errorf("unsupported STORE_URL scheme: %q", c.StoreURL)
	}
	if c.RetryCount < 1 {
		c.RetryCount = defaultRetryCount
	}
	if c.BatchSize < 1 {
		c.BatchSize = defaultBatchSize
	}
	if c.BrowserTimeout <= 0 {
		c.BrowserTimeout = defaultBrowserTimeout
	}
	switch {
	case c.HeartbeatInterval <= 0:
		c.HeartbeatInterval = defaultHeartbeatInterval
	case c.HeartbeatInterval < time.Second:
		// cron @every cannot go below one second
		c.HeartbeatInterval = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.TaskGap <= 0 {
		c.TaskGap = defaultTaskGap
	}
	return nil
}

func IsPostgresURL(u string) bool {
	return strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://")
}

func IsSQLiteURL(u string) bool {
	return strings.HasPrefix(u, "sqlite://") || strings.HasPrefix(u, "file:")
}

// SQLitePath strips the sqlite:// scheme; file: URIs pass through unchanged.
func SQLitePath(u string) string {
	return strings.TrimPrefix(u, "sqlite://")
}
