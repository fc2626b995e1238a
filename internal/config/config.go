// Package config loads controller configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultWorkers    = 1
	defaultEngine     = "simstub"
	defaultWorkerBin  = "simrig-worker"
	defaultListenAddr = ":8080"
	defaultDBPath     = "simrig.db"

	envConfigPath = "SIMRIG_CONFIG"
	envWorkers    = "SIMRIG_WORKERS"
	envEngine     = "SIMRIG_ENGINE"
	envScene      = "SIMRIG_SCENE"
	envWorkerBin  = "SIMRIG_WORKER_BIN"
	envCapacity   = "SIMRIG_CAPACITY"
	envListenAddr = "SIMRIG_LISTEN_ADDR"
	envDBPath     = "SIMRIG_DB_PATH"
	envLogLevel   = "SIMRIG_LOG_LEVEL"
)

// Config holds controller configuration.
type Config struct {
	Workers    int    `yaml:"workers"`
	GUI        []int  `yaml:"gui"`
	Engine     string `yaml:"engine"`
	Scene      string `yaml:"scene"`
	WorkerBin  string `yaml:"worker_bin"`
	Capacity   int    `yaml:"capacity"`
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`
}

// Load reads configuration from the YAML file at SIMRIG_CONFIG (if set),
// then applies environment variable overrides on top of the defaults.
func Load() (Config, error) {
	cfg := Config{
		Workers:    defaultWorkers,
		Engine:     defaultEngine,
		WorkerBin:  defaultWorkerBin,
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
	}

	if path := os.Getenv(envConfigPath); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := os.Getenv(envWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envWorkers, err)
		}
		cfg.Workers = n
	}
	if v := os.Getenv(envEngine); v != "" {
		cfg.Engine = v
	}
	if v := os.Getenv(envScene); v != "" {
		cfg.Scene = v
	}
	if v := os.Getenv(envWorkerBin); v != "" {
		cfg.WorkerBin = v
	}
	if v := os.Getenv(envCapacity); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envCapacity, err)
		}
		cfg.Capacity = n
	}
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = v
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Capacity < 0 {
		return fmt.Errorf("capacity must not be negative, got %d", c.Capacity)
	}
	for _, i := range c.GUI {
		if i < 0 || i >= c.Workers {
			return fmt.Errorf("gui index %d out of range for %d workers", i, c.Workers)
		}
	}
	return nil
}

// Level parses the configured log level, defaulting to info.
func (c Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
