package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		envConfigPath, envWorkers, envEngine, envScene, envWorkerBin,
		envCapacity, envListenAddr, envDBPath, envLogLevel,
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Workers != defaultWorkers {
		t.Errorf("Workers = %d, want %d", cfg.Workers, defaultWorkers)
	}
	if cfg.Engine != defaultEngine {
		t.Errorf("Engine = %q, want %q", cfg.Engine, defaultEngine)
	}
	if cfg.WorkerBin != defaultWorkerBin {
		t.Errorf("WorkerBin = %q, want %q", cfg.WorkerBin, defaultWorkerBin)
	}
	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.Level() != slog.LevelInfo {
		t.Errorf("Level = %v, want %v", cfg.Level(), slog.LevelInfo)
	}
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "simrig.yaml")
	data := []byte(`
workers: 4
gui: [0, 2]
engine: simstub
scene: warehouse
worker_bin: /usr/local/bin/simrig-worker
capacity: 50
listen_addr: ":9191"
db_path: /tmp/simrig-test.db
log_level: debug
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(envConfigPath, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Workers)
	}
	if len(cfg.GUI) != 2 || cfg.GUI[0] != 0 || cfg.GUI[1] != 2 {
		t.Errorf("GUI = %v, want [0 2]", cfg.GUI)
	}
	if cfg.Scene != "warehouse" {
		t.Errorf("Scene = %q, want warehouse", cfg.Scene)
	}
	if cfg.Capacity != 50 {
		t.Errorf("Capacity = %d, want 50", cfg.Capacity)
	}
	if cfg.ListenAddr != ":9191" {
		t.Errorf("ListenAddr = %q, want :9191", cfg.ListenAddr)
	}
	if cfg.Level() != slog.LevelDebug {
		t.Errorf("Level = %v, want debug", cfg.Level())
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "simrig.yaml")
	if err := os.WriteFile(path, []byte("workers: 2\nscene: garage\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(envConfigPath, path)
	t.Setenv(envWorkers, "8")
	t.Setenv(envLogLevel, "warn")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Workers != 8 {
		t.Errorf("Workers = %d, want 8 (env wins over file)", cfg.Workers)
	}
	if cfg.Scene != "garage" {
		t.Errorf("Scene = %q, want garage (from file)", cfg.Scene)
	}
	if cfg.Level() != slog.LevelWarn {
		t.Errorf("Level = %v, want warn", cfg.Level())
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"zero workers", map[string]string{envWorkers: "0"}},
		{"bad workers", map[string]string{envWorkers: "many"}},
		{"negative capacity", map[string]string{envCapacity: "-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("Load succeeded, want error")
			}
		})
	}
}

func TestGUIIndexOutOfRange(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "simrig.yaml")
	if err := os.WriteFile(path, []byte("workers: 2\ngui: [3]\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(envConfigPath, path)

	if _, err := Load(); err == nil {
		t.Error("Load succeeded with out-of-range gui index, want error")
	}
}

func TestLevelParsing(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := Config{LogLevel: tt.input}.Level()
		if got != tt.want {
			t.Errorf("Level(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}
