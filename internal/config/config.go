package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Storage backends understood by storage.NewImageStore.
const (
	StorageDisk   = "disk"
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

type HTTPConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" validate:"gt=0"`
	MaxUploadBytes  int64         `yaml:"maxUploadBytes" validate:"gt=0"`
}

type ClassifierConfig struct {
	// Endpoint is the hosted service that runs the model against an image URL.
	Endpoint string        `yaml:"endpoint" validate:"required,url"`
	ModelURL string        `yaml:"modelUrl" validate:"required,url"`
	Timeout  time.Duration `yaml:"timeout" validate:"gt=0"`
}

type StorageConfig struct {
	Type      string `yaml:"type" validate:"oneof=disk memory sqlite"`
	UploadDir string `yaml:"uploadDir" validate:"required_if=Type disk"`
	SQLiteDSN string `yaml:"sqliteDsn" validate:"required_if=Type sqlite"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	CacheTTL time.Duration `yaml:"cacheTtl" validate:"gte=0"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type AuthConfig struct {
	JWTSecret   string `yaml:"jwtSecret"`
	JWTAudience string `yaml:"jwtAudience"`
}

// Config is the full service configuration.
type Config struct {
	HTTP          HTTPConfig       `yaml:"http"`
	PublicBaseURL string           `yaml:"publicBaseUrl" validate:"required,url"`
	DownloadPath  string           `yaml:"downloadPath" validate:"required,startswith=/,endswith=/"`
	Classifier    ClassifierConfig `yaml:"classifier"`
	Storage       StorageConfig    `yaml:"storage"`
	Redis         RedisConfig      `yaml:"redis"`
	Database      DatabaseConfig   `yaml:"database"`
	Auth          AuthConfig       `yaml:"auth"`
}

// Default returns the configuration used when no file or env override is given.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
			MaxUploadBytes:  10 << 20,
		},
		PublicBaseURL: "http://localhost:8080",
		DownloadPath:  "/api/download/",
		Classifier: ClassifierConfig{
			Endpoint: "http://localhost:3001/classify",
			ModelURL: "https://teachablemachine.withgoogle.com/models/bB3YHn5r/",
			Timeout:  30 * time.Second,
		},
		Storage: StorageConfig{
			Type:      StorageDisk,
			UploadDir: "public/uploads",
		},
		Redis: RedisConfig{
			CacheTTL: 24 * time.Hour,
		},
	}
}

// Load reads the YAML file at path (if any) on top of Default, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ImageURL builds the public URL the classifier fetches a stored image from.
func (c *Config) ImageURL(filename string) string {
	return strings.TrimRight(c.PublicBaseURL, "/") + c.DownloadPath + filename
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("HTTP_ADDR", &c.HTTP.Addr)
	str("PUBLIC_BASE_URL", &c.PublicBaseURL)
	str("CLASSIFIER_ENDPOINT", &c.Classifier.Endpoint)
	str("CLASSIFIER_MODEL_URL", &c.Classifier.ModelURL)
	str("STORAGE_TYPE", &c.Storage.Type)
	str("UPLOAD_DIR", &c.Storage.UploadDir)
	str("SQLITE_DSN", &c.Storage.SQLiteDSN)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("DATABASE_DSN", &c.Database.DSN)
	str("JWT_SECRET", &c.Auth.JWTSecret)
	str("JWT_AUDIENCE", &c.Auth.JWTAudience)

	if err := dur("CLASSIFIER_TIMEOUT", &c.Classifier.Timeout); err != nil {
		return err
	}
	return dur("SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)
}
