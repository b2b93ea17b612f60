package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Storage   StorageConfig   `yaml:"storage"`
	Retention RetentionConfig `yaml:"retention"`
	Tree      TreeConfig      `yaml:"tree"`
	Export    ExportConfig    `yaml:"export"`
	Log       LogConfig       `yaml:"log"`
	Auth      AuthConfig      `yaml:"auth"`
}

type ServerConfig struct {
	Port               int      `yaml:"port"`
	Host               string   `yaml:"host"`
	ShutdownTimeout    int      `yaml:"shutdown_timeout_seconds"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

type DatabaseConfig struct {
	Driver        string `yaml:"driver"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	Database      string `yaml:"database"`
	Charset       string `yaml:"charset"`
	SSLMode       string `yaml:"sslmode"`
	MaxIdleConns  int    `yaml:"max_idle_conns"`
	MaxOpenConns  int    `yaml:"max_open_conns"`
	MaxTxAttempts int    `yaml:"max_tx_attempts"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StorageConfig struct {
	BasePath string `yaml:"base_path"`
	// StagingDir holds temporary export archives on local disk.
	StagingDir       string `yaml:"staging_dir"`
	StagingRetention int    `yaml:"staging_retention"`
}

type RetentionConfig struct {
	Enabled        bool   `yaml:"enabled"`
	WindowDays     int    `yaml:"window_days"`
	SweepInterval  int    `yaml:"sweep_interval"`
	SweepBatchSize int    `yaml:"sweep_batch_size"`
	LockKey        string `yaml:"lock_key"`
	LockTTL        int    `yaml:"lock_ttl"`
}

type TreeConfig struct {
	MaxDepth int `yaml:"max_depth"`
}

type ExportConfig struct {
	Staged           bool `yaml:"staged"`
	CompressionLevel int  `yaml:"compression_level"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

var AppConfig *Config

func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = &cfg
	return &cfg, nil
}

// Default returns a configuration with every default applied and no file behind it.
func Default() *Config {
	var cfg Config
	cfg.Retention.Enabled = true
	applyDefaults(&cfg)
	return &cfg
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GD_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("GD_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("GD_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("GD_STORAGE_BASE_PATH"); v != "" {
		cfg.Storage.BasePath = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 15
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "mysql"
	}
	if cfg.Database.Charset == "" {
		cfg.Database.Charset = "utf8mb4"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxTxAttempts <= 0 {
		cfg.Database.MaxTxAttempts = 5
	}
	if cfg.Storage.BasePath == "" {
		cfg.Storage.BasePath = "./data/files"
	}
	if cfg.Storage.StagingDir == "" {
		cfg.Storage.StagingDir = os.TempDir()
	}
	if cfg.Storage.StagingRetention <= 0 {
		cfg.Storage.StagingRetention = 3600
	}
	if cfg.Retention.WindowDays == 0 {
		cfg.Retention.WindowDays = 30
	}
	if cfg.Retention.SweepInterval == 0 {
		cfg.Retention.SweepInterval = 3600
	}
	if cfg.Retention.SweepBatchSize <= 0 {
		cfg.Retention.SweepBatchSize = 500
	}
	if cfg.Retention.LockKey == "" {
		cfg.Retention.LockKey = "grantdocs:retention:sweep"
	}
	if cfg.Retention.LockTTL <= 0 {
		cfg.Retention.LockTTL = 900
	}
	if cfg.Tree.MaxDepth == 0 {
		cfg.Tree.MaxDepth = 256
	}
	if cfg.Export.CompressionLevel == 0 {
		cfg.Export.CompressionLevel = 6
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

func (c *Config) Validate() error {
	if err := validation.ValidateStruct(&c.Database,
		validation.Field(&c.Database.Driver, validation.Required, validation.In("mysql", "postgres")),
		validation.Field(&c.Database.MaxTxAttempts, validation.Min(1)),
	); err != nil {
		return err
	}
	if err := validation.ValidateStruct(&c.Retention,
		validation.Field(&c.Retention.WindowDays, validation.Min(1)),
		validation.Field(&c.Retention.SweepInterval, validation.Min(1)),
	); err != nil {
		return err
	}
	if err := validation.ValidateStruct(&c.Tree,
		validation.Field(&c.Tree.MaxDepth, validation.Min(1), validation.Max(4096)),
	); err != nil {
		return err
	}
	if err := validation.ValidateStruct(&c.Export,
		validation.Field(&c.Export.CompressionLevel, validation.Min(-1), validation.Max(9)),
	); err != nil {
		return err
	}
	return validation.ValidateStruct(&c.Storage,
		validation.Field(&c.Storage.BasePath, validation.Required),
	)
}

// RetentionWindow is the delay between soft delete and purge eligibility.
func (c RetentionConfig) RetentionWindow() time.Duration {
	return time.Duration(c.WindowDays) * 24 * time.Hour
}

func (c RetentionConfig) Interval() time.Duration {
	return time.Duration(c.SweepInterval) * time.Second
}

func (c RetentionConfig) LockDuration() time.Duration {
	return time.Duration(c.LockTTL) * time.Second
}

func (c StorageConfig) StagingMaxAge() time.Duration {
	return time.Duration(c.StagingRetention) * time.Second
}
