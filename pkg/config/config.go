// Package config handles memopt configuration via YAML files and environment variables.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags (--writes, --data-dir, etc.)
//  2. Environment variables (MEMOPT_*)
//  3. Config file (memopt.yaml)
//  4. Built-in defaults
//
// Example Usage:
//
//	cfg, err := config.LoadFromFile(config.FindConfigFile())
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	opt, err := optimizer.New(engine, concepts, cfg.OptimizerConfig(cfg.NewLogger(os.Stderr)))
//
// Environment Variables (all use MEMOPT_ prefix):
//
// Optimizer:
//   - MEMOPT_CACHE_SIZE=50
//   - MEMOPT_CACHE_TTL="2h"
//   - MEMOPT_CLUSTERING_THRESHOLD=10
//   - MEMOPT_BATCH_TIMEOUT="5s"
//   - MEMOPT_MAX_DEPENDENCY_DEPTH=3
//   - MEMOPT_FLUSH_WORKERS=2
//   - MEMOPT_IDLE_FLUSH_AFTER="15s" (negative disables)
//
// Storage:
//   - MEMOPT_STORAGE_BACKEND="memory" or "badger"
//   - MEMOPT_DATA_DIR="./data"
//   - MEMOPT_STORAGE_IN_MEMORY=false
//   - MEMOPT_SYNC_WRITES=false
//
// Logging:
//   - MEMOPT_LOG_LEVEL="INFO"
//   - MEMOPT_LOG_FORMAT="text" or "json"
//
// Metrics:
//   - MEMOPT_METRICS_NAMESPACE="memopt"
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/memopt/pkg/batch"
	"github.com/orneryd/memopt/pkg/cache"
	"github.com/orneryd/memopt/pkg/depgraph"
	"github.com/orneryd/memopt/pkg/metrics"
	"github.com/orneryd/memopt/pkg/optimizer"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// Config holds all memopt configuration.
//
// Configuration is organized into logical sections:
//   - Optimizer: cache, batching and traversal limits
//   - Storage: which memory engine backs the optimizer
//   - Logging: slog level and format
//   - Metrics: Prometheus naming
//
// Use LoadFromFile() to apply defaults, file, then env vars.
type Config struct {
	Optimizer OptimizerConfig
	Storage   StorageConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
}

// OptimizerConfig holds cache and batching settings.
type OptimizerConfig struct {
	// CacheSize is the maximum number of resident contexts
	CacheSize int
	// TTL expires idle contexts
	TTL time.Duration
	// ClusteringThreshold is the number of writes per flush
	ClusteringThreshold int
	// BatchTimeout is the batch age that triggers a flush on the next write
	BatchTimeout time.Duration
	// MaxDependencyDepth bounds dependency-chain traversal
	MaxDependencyDepth int
	// FlushWorkers bounds concurrent batch flushes
	FlushWorkers int
	// IdleFlushAfter flushes untouched batches. Zero derives it from
	// BatchTimeout, negative disables.
	IdleFlushAfter time.Duration
}

// StorageConfig selects and configures the memory engine.
type StorageConfig struct {
	// Backend is "memory" or "badger"
	Backend string
	// DataDir for the badger backend
	DataDir string
	// InMemory runs badger without touching disk
	InMemory bool
	// SyncWrites fsyncs every badger commit
	SyncWrites bool
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level (DEBUG, INFO, WARN, ERROR)
	Level string
	// Format (json, text)
	Format string
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Namespace prefixes exported metric names
	Namespace string
}

// LoadDefaults returns a Config populated with built-in defaults.
func LoadDefaults() *Config {
	return &Config{
		Optimizer: OptimizerConfig{
			CacheSize:           cache.DefaultMaxEntries,
			TTL:                 cache.DefaultTTL,
			ClusteringThreshold: batch.DefaultThreshold,
			BatchTimeout:        batch.DefaultTimeout,
			MaxDependencyDepth:  depgraph.DefaultMaxDepth,
			FlushWorkers:        batch.DefaultWorkers,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			DataDir: "./data",
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Namespace: metrics.DefaultNamespace,
		},
	}
}

// LoadFromEnv returns defaults overridden by MEMOPT_* environment variables.
func LoadFromEnv() *Config {
	config := LoadDefaults()
	applyEnvVars(config)
	return config
}

// ApplyEnvVars overrides config with any MEMOPT_* environment variables that
// are set.
func ApplyEnvVars(config *Config) {
	applyEnvVars(config)
}

func applyEnvVars(config *Config) {
	o := &config.Optimizer
	o.CacheSize = getEnvInt("MEMOPT_CACHE_SIZE", o.CacheSize)
	o.TTL = getEnvDuration("MEMOPT_CACHE_TTL", o.TTL)
	o.ClusteringThreshold = getEnvInt("MEMOPT_CLUSTERING_THRESHOLD", o.ClusteringThreshold)
	o.BatchTimeout = getEnvDuration("MEMOPT_BATCH_TIMEOUT", o.BatchTimeout)
	o.MaxDependencyDepth = getEnvInt("MEMOPT_MAX_DEPENDENCY_DEPTH", o.MaxDependencyDepth)
	o.FlushWorkers = getEnvInt("MEMOPT_FLUSH_WORKERS", o.FlushWorkers)
	o.IdleFlushAfter = getEnvDuration("MEMOPT_IDLE_FLUSH_AFTER", o.IdleFlushAfter)

	s := &config.Storage
	s.Backend = strings.ToLower(getEnv("MEMOPT_STORAGE_BACKEND", s.Backend))
	s.DataDir = getEnv("MEMOPT_DATA_DIR", s.DataDir)
	s.InMemory = getEnvBool("MEMOPT_STORAGE_IN_MEMORY", s.InMemory)
	s.SyncWrites = getEnvBool("MEMOPT_SYNC_WRITES", s.SyncWrites)

	config.Logging.Level = getEnv("MEMOPT_LOG_LEVEL", config.Logging.Level)
	config.Logging.Format = getEnv("MEMOPT_LOG_FORMAT", config.Logging.Format)

	config.Metrics.Namespace = getEnv("MEMOPT_METRICS_NAMESPACE", config.Metrics.Namespace)
}

// Validate checks the configuration for errors.
//
// Returns nil if configuration is valid, or an error describing the problem.
func (c *Config) Validate() error {
	o := c.Optimizer
	if o.CacheSize <= 0 {
		return fmt.Errorf("invalid cache size: %d", o.CacheSize)
	}
	if o.ClusteringThreshold <= 0 {
		return fmt.Errorf("invalid clustering threshold: %d", o.ClusteringThreshold)
	}
	if o.BatchTimeout <= 0 {
		return fmt.Errorf("invalid batch timeout: %v", o.BatchTimeout)
	}
	if o.MaxDependencyDepth <= 0 {
		return fmt.Errorf("invalid max dependency depth: %d", o.MaxDependencyDepth)
	}
	if o.FlushWorkers <= 0 {
		return fmt.Errorf("invalid flush workers: %d", o.FlushWorkers)
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendBadger:
		if c.Storage.DataDir == "" && !c.Storage.InMemory {
			return fmt.Errorf("badger backend requires a data dir or in_memory")
		}
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}

	if _, ok := parseLevel(c.Logging.Level); !ok {
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}

	return nil
}

// String returns a compact representation of the Config suitable for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Cache: %d/%v, Threshold: %d, Timeout: %v, Depth: %d, Workers: %d, Storage: %s, Log: %s/%s}",
		c.Optimizer.CacheSize, c.Optimizer.TTL,
		c.Optimizer.ClusteringThreshold, c.Optimizer.BatchTimeout,
		c.Optimizer.MaxDependencyDepth, c.Optimizer.FlushWorkers,
		c.Storage.Backend,
		c.Logging.Level, c.Logging.Format,
	)
}

// OptimizerConfig converts the loaded settings into an optimizer.Config.
// Engine-specific collaborators (loader, dead-letter sink, registerer) are
// left for the caller to set.
func (c *Config) OptimizerConfig(logger *slog.Logger) *optimizer.Config {
	return &optimizer.Config{
		CacheSize:           c.Optimizer.CacheSize,
		TTL:                 c.Optimizer.TTL,
		ClusteringThreshold: c.Optimizer.ClusteringThreshold,
		BatchTimeout:        c.Optimizer.BatchTimeout,
		MaxDependencyDepth:  c.Optimizer.MaxDependencyDepth,
		FlushWorkers:        c.Optimizer.FlushWorkers,
		IdleFlushAfter:      c.Optimizer.IdleFlushAfter,
		MetricsNamespace:    c.Metrics.Namespace,
		Logger:              logger,
	}
}

// NewLogger builds an slog.Logger writing to w at the configured level and
// format. Unknown levels fall back to INFO.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, ok := parseLevel(c.Logging.Level)
	if !ok {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Logging.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO", "":
		return slog.LevelInfo, true
	case "WARN", "WARNING":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// YAMLConfig represents the YAML configuration file structure.
// Durations are strings parsed with time.ParseDuration.
type YAMLConfig struct {
	Optimizer struct {
		CacheSize           int    `yaml:"cache_size"`
		TTL                 string `yaml:"ttl"`
		ClusteringThreshold int    `yaml:"clustering_threshold"`
		BatchTimeout        string `yaml:"batch_timeout"`
		MaxDependencyDepth  int    `yaml:"max_dependency_depth"`
		FlushWorkers        int    `yaml:"flush_workers"`
		IdleFlushAfter      string `yaml:"idle_flush_after"`
	} `yaml:"optimizer"`

	Storage struct {
		Backend    string `yaml:"backend"`
		DataDir    string `yaml:"data_dir"`
		InMemory   bool   `yaml:"in_memory"`
		SyncWrites bool   `yaml:"sync_writes"`
	} `yaml:"storage"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Metrics struct {
		Namespace string `yaml:"namespace"`
	} `yaml:"metrics"`
}

// LoadFromFile loads configuration with precedence defaults, then config
// file, then environment variables. A missing or empty path is not an error.
//
// Example config.yaml:
//
//	optimizer:
//	  cache_size: 100
//	  clustering_threshold: 20
//	  batch_timeout: "2s"
//	storage:
//	  backend: badger
//	  data_dir: ./data
//	logging:
//	  level: debug
//	  format: json
func LoadFromFile(configPath string) (*Config, error) {
	config := LoadDefaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := applyYAML(config, data); err != nil {
				return nil, err
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	applyEnvVars(config)
	return config, nil
}

func applyYAML(config *Config, data []byte) error {
	var yamlCfg YAMLConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	// === Optimizer Settings ===
	y := yamlCfg.Optimizer
	if y.CacheSize > 0 {
		config.Optimizer.CacheSize = y.CacheSize
	}
	if y.ClusteringThreshold > 0 {
		config.Optimizer.ClusteringThreshold = y.ClusteringThreshold
	}
	if y.MaxDependencyDepth > 0 {
		config.Optimizer.MaxDependencyDepth = y.MaxDependencyDepth
	}
	if y.FlushWorkers > 0 {
		config.Optimizer.FlushWorkers = y.FlushWorkers
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"optimizer.ttl", y.TTL, &config.Optimizer.TTL},
		{"optimizer.batch_timeout", y.BatchTimeout, &config.Optimizer.BatchTimeout},
		{"optimizer.idle_flush_after", y.IdleFlushAfter, &config.Optimizer.IdleFlushAfter},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = parsed
	}

	// === Storage Settings ===
	if yamlCfg.Storage.Backend != "" {
		config.Storage.Backend = strings.ToLower(yamlCfg.Storage.Backend)
	}
	if yamlCfg.Storage.DataDir != "" {
		config.Storage.DataDir = yamlCfg.Storage.DataDir
	}
	if yamlCfg.Storage.InMemory {
		config.Storage.InMemory = true
	}
	if yamlCfg.Storage.SyncWrites {
		config.Storage.SyncWrites = true
	}

	// === Logging / Metrics ===
	if yamlCfg.Logging.Level != "" {
		config.Logging.Level = yamlCfg.Logging.Level
	}
	if yamlCfg.Logging.Format != "" {
		config.Logging.Format = yamlCfg.Logging.Format
	}
	if yamlCfg.Metrics.Namespace != "" {
		config.Metrics.Namespace = yamlCfg.Metrics.Namespace
	}
	return nil
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first config file found, or empty string if none found.
// Search order:
//  1. ~/.memopt/config.yaml
//  2. Same directory as the binary (config.yaml, memopt.yaml)
//  3. Current working directory (config.yaml, memopt.yaml)
//  4. ~/.config/memopt/config.yaml (XDG)
func FindConfigFile() string {
	var candidates []string

	home, homeErr := os.UserHomeDir()
	if homeErr == nil {
		candidates = append(candidates, filepath.Join(home, ".memopt", "config.yaml"))
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		candidates = append(candidates,
			filepath.Join(exeDir, "config.yaml"),
			filepath.Join(exeDir, "memopt.yaml"),
		)
	}

	candidates = append(candidates, "config.yaml", "memopt.yaml")

	if homeErr == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "memopt", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
