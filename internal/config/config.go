package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Storage    StorageConfig    `yaml:"storage"`
	Drive      DriveConfig      `yaml:"drive"`
	Crawl      CrawlConfig      `yaml:"crawl"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	BasePath string `yaml:"base_path"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig selects and configures the crawl state backend.
// Backend is "sqlite" (default, shares the main database) or "file"
// (flat JSON files under DataDir).
type StorageConfig struct {
	Backend string `yaml:"backend"`
	DataDir string `yaml:"data_dir"`
}

// DriveConfig holds remote drive API settings.
type DriveConfig struct {
	BaseURL      string `yaml:"base_url"`
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// CrawlConfig holds crawl tuning knobs.
type CrawlConfig struct {
	FolderDelayMS   int `yaml:"folder_delay_ms"`
	SubtreeDelayMS  int `yaml:"subtree_delay_ms"`
	LockTTLMinutes  int `yaml:"lock_ttl_minutes"`
	StalledAfterSec int `yaml:"stalled_after_sec"`
}

// EncryptionConfig holds encryption key settings.
type EncryptionConfig struct {
	Key string `yaml:"key"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	FilePath string `yaml:"file_path"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8080,
			BasePath: "",
		},
		Database: DatabaseConfig{
			Path: "/data/tidepool.db",
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			DataDir: "/data/state",
		},
		Drive: DriveConfig{
			BaseURL:  "https://graph.microsoft.com/v1.0/me/drive",
			TokenURL: "https://login.microsoftonline.com/common/oauth2/v2.0/token",
		},
		Crawl: CrawlConfig{
			FolderDelayMS:   50,
			SubtreeDelayMS:  150,
			LockTTLMinutes:  30,
			StalledAfterSec: 120,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads config from a YAML file (if it exists) and overrides with
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("TP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("TP_BASE_PATH"); v != "" {
		c.Server.BasePath = v
	}
	if v := os.Getenv("TP_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("TP_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("TP_STORAGE_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("TP_DRIVE_BASE_URL"); v != "" {
		c.Drive.BaseURL = v
	}
	if v := os.Getenv("TP_DRIVE_TOKEN_URL"); v != "" {
		c.Drive.TokenURL = v
	}
	if v := os.Getenv("TP_DRIVE_CLIENT_ID"); v != "" {
		c.Drive.ClientID = v
	}
	if v := os.Getenv("TP_DRIVE_CLIENT_SECRET"); v != "" {
		c.Drive.ClientSecret = v
	}
	if v := os.Getenv("TP_ENCRYPTION_KEY"); v != "" {
		c.Encryption.Key = v
	}
	if v := os.Getenv("TP_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TP_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("TP_LOG_FILE"); v != "" {
		c.Logging.FilePath = v
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	switch c.Storage.Backend {
	case "sqlite", "file":
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "file" && c.Storage.DataDir == "" {
		return fmt.Errorf("storage data_dir is required for the file backend")
	}
	if c.Drive.BaseURL == "" {
		return fmt.Errorf("drive base_url is required")
	}
	if c.Crawl.FolderDelayMS <= 0 {
		c.Crawl.FolderDelayMS = 50
	}
	if c.Crawl.SubtreeDelayMS <= 0 {
		c.Crawl.SubtreeDelayMS = 150
	}
	if c.Crawl.LockTTLMinutes <= 0 {
		c.Crawl.LockTTLMinutes = 30
	}
	if c.Crawl.StalledAfterSec <= 0 {
		c.Crawl.StalledAfterSec = 120
	}
	c.Server.BasePath = strings.TrimRight(c.Server.BasePath, "/")
	return nil
}
