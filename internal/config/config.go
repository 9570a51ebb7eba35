// Package config provides configuration management for the application.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the crawler binary.
type Config struct {
	Storage StorageConfig
	Email   EmailConfig
	Crawl   CrawlConfig
	State   StateConfig
	Log     LogConfig
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	Endpoint          string
	AccessKeyID       string
	SecretAccessKey   string
	JudgmentsBucket   string
	LegislationBucket string
	UseSSL            bool
	Region            string
}

// EmailConfig holds SMTP and recipient-directory configuration.
type EmailConfig struct {
	Host         string
	Port         int
	Username     string
	Password     string
	AdminAddress string
	UsersAPIURL  string
	SendDelay    time.Duration
}

// CrawlConfig holds orchestrator and browser tuning.
type CrawlConfig struct {
	DIFCBaseURL        string
	LegislationBaseURL string
	UserAgent          string
	ItemDelay          time.Duration
	RecycleEvery       int
	MaxRetries         int
	RetryDelay         time.Duration
	NavigationTimeout  time.Duration
	DownloadTimeout    time.Duration
	Headless           bool
	DownloadDir        string
}

// StateConfig holds ledger file locations.
type StateConfig struct {
	MainFile        string
	IncrementalFile string
	LegislationFile string
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level     string
	Format    string
	AddSource bool
	Dir       string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Storage: StorageConfig{
			Endpoint:          getEnv("STORAGE_ENDPOINT", "localhost:9000"),
			AccessKeyID:       getEnv("STORAGE_ACCESS_KEY", ""),
			SecretAccessKey:   getEnv("STORAGE_SECRET_KEY", ""),
			JudgmentsBucket:   getEnv("STORAGE_JUDGMENTS_BUCKET", "uae-judgements"),
			LegislationBucket: getEnv("STORAGE_LEGISLATION_BUCKET", "uae-bareacts"),
			UseSSL:            getEnvAsBool("STORAGE_USE_SSL", false),
			Region:            getEnv("STORAGE_REGION", "us-east-1"),
		},
		Email: EmailConfig{
			Host:         getEnv("EMAIL_HOST", "smtp.gmail.com"),
			Port:         getEnvAsInt("EMAIL_PORT", 587),
			Username:     getEnv("EMAIL_HOST_USER", ""),
			Password:     getEnv("EMAIL_HOST_PASSWORD", ""),
			AdminAddress: getEnv("EMAIL_ADMIN_ADDRESS", ""),
			UsersAPIURL:  getEnv("USERS_API_URL", ""),
			SendDelay:    getEnvAsDuration("EMAIL_SEND_DELAY", time.Second),
		},
		Crawl: CrawlConfig{
			DIFCBaseURL:        getEnv("DIFC_BASE_URL", "https://www.difccourts.ae"),
			LegislationBaseURL: getEnv("LEGISLATION_BASE_URL", "https://uaelegislation.gov.ae"),
			UserAgent: getEnv("CRAWLER_USER_AGENT",
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"),
			ItemDelay:         getEnvAsDuration("CRAWLER_ITEM_DELAY", time.Second),
			RecycleEvery:      getEnvAsInt("CRAWLER_RECYCLE_EVERY", 40),
			MaxRetries:        getEnvAsInt("CRAWLER_MAX_RETRIES", 3),
			RetryDelay:        getEnvAsDuration("CRAWLER_RETRY_DELAY", 2*time.Second),
			NavigationTimeout: getEnvAsDuration("CRAWLER_NAV_TIMEOUT", 30*time.Second),
			DownloadTimeout:   getEnvAsDuration("CRAWLER_DOWNLOAD_TIMEOUT", 60*time.Second),
			Headless:          getEnvAsBool("CRAWLER_HEADLESS", true),
			DownloadDir:       getEnv("CRAWLER_DOWNLOAD_DIR", "downloads"),
		},
		State: StateConfig{
			MainFile:        getEnv("STATE_MAIN_FILE", "scraper_state.json"),
			IncrementalFile: getEnv("STATE_INCREMENTAL_FILE", "crawler_state.json"),
			LegislationFile: getEnv("STATE_LEGISLATION_FILE", "legislation_state.json"),
		},
		Log: LogConfig{
			Level:     getEnv("LOG_LEVEL", "info"),
			Format:    getEnv("LOG_FORMAT", "json"),
			AddSource: getEnvAsBool("LOG_ADD_SOURCE", false),
			Dir:       getEnv("LOG_DIR", "logs"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Crawl.RecycleEvery <= 0 {
		return fmt.Errorf("CRAWLER_RECYCLE_EVERY must be positive, got %d", c.Crawl.RecycleEvery)
	}
	if c.Crawl.ItemDelay < 0 {
		return fmt.Errorf("CRAWLER_ITEM_DELAY must not be negative")
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
