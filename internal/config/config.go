// Package config loads and validates the memory store configuration.
// Environment variables take precedence over the optional YAML file, which
// takes precedence over defaults; dynamic consolidation knobs can also be
// hot-reloaded through the Watcher.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all construction-time settings for the store and its HTTP
// boundary.
type Config struct {
	// Server configuration (boundary glue only).
	ServerAddress string `yaml:"server_address"`
	Environment   string `yaml:"environment" validate:"oneof=development production test"`
	LogLevel      string `yaml:"log_level" validate:"oneof=debug info warn error"`
	EnableMetrics bool   `yaml:"enable_metrics"`
	EnableTracing bool   `yaml:"enable_tracing"`

	// Store configuration.
	Dimension        int     `yaml:"dimension" validate:"gt=0"`
	Capacity         int     `yaml:"capacity" validate:"gt=0"`
	SimilarityMetric string  `yaml:"similarity_metric" validate:"oneof=cosine euclidean manhattan"`
	IndexMode        string  `yaml:"index_mode" validate:"oneof=exact approximate"`
	IndexNProbe      int     `yaml:"index_nprobe" validate:"gte=1"`
	RebuildThreshold float64 `yaml:"rebuild_threshold" validate:"gt=0,lte=1"`
	AutoConsolidate  bool    `yaml:"auto_consolidate"`

	// Cache configuration.
	CacheCapacity      int           `yaml:"cache_capacity" validate:"gt=0"`
	CacheDefaultTTL    time.Duration `yaml:"cache_default_ttl" validate:"gt=0"`
	CacheSweepInterval time.Duration `yaml:"cache_sweep_interval"`

	// Consolidation configuration.
	Consolidation ConsolidationConfig `yaml:"consolidation"`
}

// ConsolidationConfig holds the runtime-tunable consolidation knobs. These
// are the fields the Watcher can hot-reload.
type ConsolidationConfig struct {
	MergeThreshold        float64       `yaml:"merge_threshold" validate:"gt=0,lte=1"`
	KeepDistinctThreshold float64       `yaml:"keep_distinct_threshold" validate:"gt=0,lte=2"`
	RecencyHalfLife       time.Duration `yaml:"recency_half_life" validate:"gt=0"`
	RecencyWeight         float64       `yaml:"recency_weight" validate:"gte=0"`
	FrequencyWeight       float64       `yaml:"frequency_weight" validate:"gte=0"`
	ConnectivityWeight    float64       `yaml:"connectivity_weight" validate:"gte=0"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		ServerAddress:      ":8080",
		Environment:        "development",
		LogLevel:           "info",
		EnableMetrics:      true,
		EnableTracing:      false,
		Dimension:          384,
		Capacity:           10000,
		SimilarityMetric:   "cosine",
		IndexMode:          "exact",
		IndexNProbe:        2,
		RebuildThreshold:   0.20,
		AutoConsolidate:    true,
		CacheCapacity:      1024,
		CacheDefaultTTL:    5 * time.Minute,
		CacheSweepInterval: time.Minute,
		Consolidation: ConsolidationConfig{
			MergeThreshold:        0.95,
			KeepDistinctThreshold: 1.0,
			RecencyHalfLife:       7 * 24 * time.Hour,
			RecencyWeight:         0.5,
			FrequencyWeight:       0.3,
			ConnectivityWeight:    0.2,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment variables, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration with validator tags plus the cross-field
// rules the tags can't express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	weightSum := c.Consolidation.RecencyWeight + c.Consolidation.FrequencyWeight + c.Consolidation.ConnectivityWeight
	if weightSum <= 0 {
		return fmt.Errorf("invalid configuration: importance weights must have a positive sum")
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ServerAddress = getEnv("SERVER_ADDRESS", c.ServerAddress)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.EnableMetrics = getEnvBool("ENABLE_METRICS", c.EnableMetrics)
	c.EnableTracing = getEnvBool("ENABLE_TRACING", c.EnableTracing)

	c.Dimension = getEnvInt("STORE_DIMENSION", c.Dimension)
	c.Capacity = getEnvInt("STORE_CAPACITY", c.Capacity)
	c.SimilarityMetric = getEnv("SIMILARITY_METRIC", c.SimilarityMetric)
	c.IndexMode = getEnv("INDEX_MODE", c.IndexMode)
	c.IndexNProbe = getEnvInt("INDEX_NPROBE", c.IndexNProbe)
	c.RebuildThreshold = getEnvFloat("REBUILD_THRESHOLD", c.RebuildThreshold)
	c.AutoConsolidate = getEnvBool("AUTO_CONSOLIDATE", c.AutoConsolidate)

	c.CacheCapacity = getEnvInt("CACHE_CAPACITY", c.CacheCapacity)
	c.CacheDefaultTTL = getEnvDuration("CACHE_DEFAULT_TTL", c.CacheDefaultTTL)
	c.CacheSweepInterval = getEnvDuration("CACHE_SWEEP_INTERVAL", c.CacheSweepInterval)

	c.Consolidation.MergeThreshold = getEnvFloat("MERGE_THRESHOLD", c.Consolidation.MergeThreshold)
	c.Consolidation.KeepDistinctThreshold = getEnvFloat("KEEP_DISTINCT_THRESHOLD", c.Consolidation.KeepDistinctThreshold)
	c.Consolidation.RecencyHalfLife = getEnvDuration("RECENCY_HALF_LIFE", c.Consolidation.RecencyHalfLife)
	c.Consolidation.RecencyWeight = getEnvFloat("RECENCY_WEIGHT", c.Consolidation.RecencyWeight)
	c.Consolidation.FrequencyWeight = getEnvFloat("FREQUENCY_WEIGHT", c.Consolidation.FrequencyWeight)
	c.Consolidation.ConnectivityWeight = getEnvFloat("CONNECTIVITY_WEIGHT", c.Consolidation.ConnectivityWeight)
}

// getEnv retrieves an environment variable with a fallback.
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
