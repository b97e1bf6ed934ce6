package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Catalog   CatalogConfig   `json:"catalog" yaml:"catalog"`
	Executor  ExecutorConfig  `json:"executor" yaml:"executor"`
	Slack     SlackConfig     `json:"slack" yaml:"slack"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
}

type ServerConfig struct {
	Port         string `json:"port" yaml:"port"`
	ReadTimeout  string `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout string `json:"write_timeout" yaml:"write_timeout"`
}

type CatalogConfig struct {
	Path         string `json:"path" yaml:"path"`
	LoadRetries  int    `json:"load_retries" yaml:"load_retries"`
	RetryBackoff string `json:"retry_backoff" yaml:"retry_backoff"`
}

type ExecutorConfig struct {
	Workers           int    `json:"workers" yaml:"workers"`
	HeartbeatInterval string `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	HistoryTTL        string `json:"history_ttl" yaml:"history_ttl"`
	StepDelay         string `json:"step_delay" yaml:"step_delay"`
	OutputDir         string `json:"output_dir" yaml:"output_dir"`
}

type SlackConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// Load reads configPath as JSON, or YAML for .yaml/.yml files. When the file
// cannot be read the configuration comes from the environment instead,
// after loading .env or .env.local if present. Unset values take defaults.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if err := godotenv.Load(); err != nil {
			if err := godotenv.Load(".env.local"); err != nil {
				fmt.Printf("No .env or .env.local file found. Using environment variables.\n")
			}
		}

		cfg := FromEnv()
		cfg.applyDefaults()
		return cfg, nil
	}

	var config Config
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

// FromEnv builds a configuration from environment variables only.
func FromEnv() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
		},
		Catalog: CatalogConfig{
			Path: getEnv("CATALOG_PATH", ""),
		},
		Executor: ExecutorConfig{
			HeartbeatInterval: getEnv("HEARTBEAT_INTERVAL", ""),
			OutputDir:         getEnv("OUTPUT_DIR", ""),
		},
		Slack: SlackConfig{
			WebhookURL: getEnv("SLACK_WEBHOOK_URL", ""),
		},
		Scheduler: SchedulerConfig{
			Enabled: getEnv("SCHEDULER_ENABLED", "true") != "false",
		},
	}

	if n, err := strconv.Atoi(getEnv("EXECUTOR_WORKERS", "")); err == nil {
		cfg.Executor.Workers = n
	}

	return cfg
}

func DefaultConfig() *Config {
	cfg := &Config{Scheduler: SchedulerConfig{Enabled: true}}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeout == "" {
		c.Server.ReadTimeout = "15s"
	}
	// No write timeout by default; the event stream is long-lived.
	if c.Catalog.Path == "" {
		c.Catalog.Path = "data/jobs.json"
	}
	if c.Catalog.LoadRetries <= 0 {
		c.Catalog.LoadRetries = 3
	}
	if c.Catalog.RetryBackoff == "" {
		c.Catalog.RetryBackoff = "100ms"
	}
	if c.Executor.Workers <= 0 {
		c.Executor.Workers = 2
	}
	if c.Executor.HeartbeatInterval == "" {
		c.Executor.HeartbeatInterval = "15s"
	}
	if c.Executor.HistoryTTL == "" {
		c.Executor.HistoryTTL = "1h"
	}
	if c.Executor.StepDelay == "" {
		c.Executor.StepDelay = "2s"
	}
	if c.Executor.OutputDir == "" {
		c.Executor.OutputDir = "data/output"
	}
}

// Duration parses value, returning fallback when it is empty or invalid.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
