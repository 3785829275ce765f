// Package config loads engine configuration from a JSON file with
// environment variable overrides. Precedence: defaults, then file, then
// environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/c360/entitystream/errors"
)

// Store backend selection
const (
	BackendMemory = "memory"
	BackendKV     = "kv"
	BackendRedis  = "redis"
)

// Config is the complete engine configuration
type Config struct {
	Service  ServiceConfig  `json:"service"`
	NATS     NATSConfig     `json:"nats"`
	Redis    RedisConfig    `json:"redis"`
	Store    StoreConfig    `json:"store"`
	Rules    RulesConfig    `json:"rules"`
	Pipeline PipelineConfig `json:"pipeline"`
	Metrics  MetricsConfig  `json:"metrics"`
}

// ServiceConfig identifies the process and its logging
type ServiceConfig struct {
	Name      string `json:"name" env:"SERVICE_NAME"`
	LogLevel  string `json:"log_level" env:"LOG_LEVEL"`
	LogFormat string `json:"log_format" env:"LOG_FORMAT"`
}

// NATSConfig covers the connection and the pipeline subjects
type NATSConfig struct {
	URL      string `json:"url" env:"NATS_URL"`
	Username string `json:"username" env:"NATS_USERNAME"`
	Password string `json:"password" env:"NATS_PASSWORD"`
	Token    string `json:"token" env:"NATS_TOKEN"`

	TelemetrySubject    string `json:"telemetry_subject" env:"TELEMETRY_SUBJECT"`
	QueueGroup          string `json:"queue_group" env:"QUEUE_GROUP"`
	EntitySubject       string `json:"entity_subject" env:"ENTITY_SUBJECT"`
	RelationshipSubject string `json:"relationship_subject" env:"RELATIONSHIP_SUBJECT"`
}

// RedisConfig applies when the redis store backend is selected
type RedisConfig struct {
	Addr     string `json:"addr" env:"REDIS_ADDR"`
	Password string `json:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" env:"REDIS_DB"`
}

// StoreConfig selects and tunes the persistence backend
type StoreConfig struct {
	Backend       string        `json:"backend" env:"STORE_BACKEND"`
	SweepInterval time.Duration `json:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// RulesConfig locates the rule definitions. When Bucket is set the store
// watches the KV key for hot reloads in addition to the initial file load.
type RulesConfig struct {
	Path   string `json:"path" env:"RULES_PATH"`
	Bucket string `json:"bucket" env:"RULES_BUCKET"`
	Key    string `json:"key" env:"RULES_KEY"`
}

// PipelineConfig tunes event processing concurrency
type PipelineConfig struct {
	Workers         int     `json:"workers" env:"PIPELINE_WORKERS"`
	QueueSize       int     `json:"queue_size" env:"PIPELINE_QUEUE_SIZE"`
	LookupRateLimit float64 `json:"lookup_rate_limit" env:"LOOKUP_RATE_LIMIT"`
	LookupBurst     int     `json:"lookup_burst" env:"LOOKUP_BURST"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" env:"METRICS_ENABLED"`
	Addr    string `json:"addr" env:"METRICS_ADDR"`
}

// Default returns the baseline configuration
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "entitystream",
			LogLevel:  "info",
			LogFormat: "json",
		},
		NATS: NATSConfig{
			URL:                 "nats://localhost:4222",
			TelemetrySubject:    "telemetry.events",
			QueueGroup:          "entitystream",
			EntitySubject:       "entity.deltas",
			RelationshipSubject: "entity.relationships",
		},
		Store: StoreConfig{
			Backend:       BackendKV,
			SweepInterval: time.Minute,
		},
		Rules: RulesConfig{
			Path: "rules.yaml",
			Key:  "rules",
		},
		Pipeline: PipelineConfig{
			Workers:         4,
			QueueSize:       1024,
			LookupRateLimit: 100,
			LookupBurst:     50,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// Load builds the effective configuration: defaults, overlaid by the JSON
// file at path (if path is non-empty), overlaid by environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "read "+path)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse "+path)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "apply environment overrides")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "service.name is required")
	}
	switch c.Service.LogFormat {
	case "json", "text":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("service.log_format %q (want json or text)", c.Service.LogFormat))
	}

	if c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "nats.url is required")
	}
	if c.NATS.TelemetrySubject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "nats.telemetry_subject is required")
	}

	switch c.Store.Backend {
	case BackendMemory, BackendKV:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
				"redis.addr is required for the redis backend")
		}
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("store.backend %q (want memory, kv, or redis)", c.Store.Backend))
	}
	if c.Store.SweepInterval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"store.sweep_interval must not be negative")
	}

	if c.Rules.Path == "" && c.Rules.Bucket == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
			"rules.path or rules.bucket is required")
	}
	if c.Rules.Bucket != "" && c.Rules.Key == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
			"rules.key is required when rules.bucket is set")
	}

	if c.Pipeline.Workers <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"pipeline.workers must be positive")
	}
	if c.Pipeline.QueueSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"pipeline.queue_size must be positive")
	}
	if c.Pipeline.LookupRateLimit < 0 || c.Pipeline.LookupBurst < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"pipeline lookup rate limit settings must not be negative")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
			"metrics.addr is required when metrics are enabled")
	}

	return nil
}
