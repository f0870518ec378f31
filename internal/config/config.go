package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port             string `yaml:"port"`
	DatabaseURL      string `yaml:"databaseURL"`
	LogLevel         string `yaml:"logLevel"`
	RedisAddr        string `yaml:"redisAddr"`
	RedisPassword    string `yaml:"redisPassword"`
	ReconcileStream  string `yaml:"reconcileStream"`
	ReconcileWorkers int    `yaml:"reconcileWorkers"`
	RagflowURL       string `yaml:"ragflowURL"`
	RagflowAPIKey    string `yaml:"ragflowAPIKey"`
	OpenRouterURL    string `yaml:"openRouterURL"`
	OpenRouterAPIKey string `yaml:"openRouterAPIKey"`
	KBChatModel      string `yaml:"kbChatModel"`
	MinioEndpoint    string `yaml:"minioEndpoint"`
	MinioAccessKey   string `yaml:"minioAccessKey"`
	MinioSecretKey   string `yaml:"minioSecretKey"`
	MinioBucket      string `yaml:"minioBucket"`
	MinioUseSSL      bool   `yaml:"minioUseSSL"`
	MaxUploadBytes   int64  `yaml:"maxUploadBytes"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("RAGFLOW_URL"); v != "" {
		cfg.RagflowURL = v
	}
	if v := os.Getenv("RAGFLOW_API_KEY"); v != "" {
		cfg.RagflowAPIKey = v
	}
	if v := os.Getenv("OPENROUTER_URL"); v != "" {
		cfg.OpenRouterURL = v
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.OpenRouterAPIKey = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if cfg.OpenRouterURL == "" {
		cfg.OpenRouterURL = "https://openrouter.ai/api/v1"
	}
	if cfg.KBChatModel == "" {
		cfg.KBChatModel = "openai/gpt-4o"
	}
	if cfg.ReconcileStream == "" {
		cfg.ReconcileStream = "willflow:reconcile"
	}
	if cfg.ReconcileWorkers <= 0 {
		cfg.ReconcileWorkers = 2
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.RagflowURL == "" {
		return errors.New("config: ragflowURL is required (set in config.yaml or RAGFLOW_URL)")
	}
	if cfg.RagflowAPIKey == "" {
		return errors.New("config: ragflowAPIKey is required (set in config.yaml or RAGFLOW_API_KEY)")
	}
	if cfg.OpenRouterAPIKey == "" {
		return errors.New("config: openRouterAPIKey is required (set in config.yaml or OPENROUTER_API_KEY)")
	}
	if cfg.MinioEndpoint == "" {
		return errors.New("config: minioEndpoint is required (set in config.yaml)")
	}
	if cfg.MinioAccessKey == "" {
		return errors.New("config: minioAccessKey is required (set in config.yaml)")
	}
	if cfg.MinioSecretKey == "" {
		return errors.New("config: minioSecretKey is required (set in config.yaml)")
	}
	if cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required (set in config.yaml)")
	}
	return nil
}
