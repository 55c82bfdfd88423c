// Package config loads config.yaml from GOCREW_HOME and applies environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	otelx "github.com/basket/go-crew/internal/otel"
)

// ReplayConfig tunes the replay engine.
type ReplayConfig struct {
	// Executor names the built-in task executor used by the CLI. Only "echo"
	// ships with the binary; embedding programs supply their own.
	Executor string `yaml:"executor"`
	// TaskTimeout bounds each re-executed task. Zero means no bound.
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// MemoryConfig tunes the memory categories.
type MemoryConfig struct {
	ShortTermMaxEntries int `yaml:"short_term_max_entries"`
	ShortTermMaxTokens  int `yaml:"short_term_max_tokens"`
}

// BackupConfig drives `gocrew backup`.
type BackupConfig struct {
	Dir string `yaml:"dir"`
	// Schedule is a 5-field cron expression; empty disables scheduled backups.
	Schedule string `yaml:"schedule"`
	// Keep is the number of scheduled backups retained; 0 keeps all.
	Keep int `yaml:"keep"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath           string `yaml:"db_path"`
	LogLevel         string `yaml:"log_level"`
	VectorDimensions int    `yaml:"vector_dimensions"`

	Replay ReplayConfig `yaml:"replay"`
	Memory MemoryConfig `yaml:"memory"`
	Backup BackupConfig `yaml:"backup"`
	OTel   otelx.Config `yaml:"otel"`

	// Loaded is false when config.yaml does not exist and defaults are in use.
	Loaded bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that affect stored data.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|log=%s|vec=%d|exec=%s|timeout=%s|stm=%d/%d|backup=%s/%s/%d|otel=%t/%s",
		c.DBPath, c.LogLevel, c.VectorDimensions, c.Replay.Executor, c.Replay.TaskTimeout,
		c.Memory.ShortTermMaxEntries, c.Memory.ShortTermMaxTokens,
		c.Backup.Dir, c.Backup.Schedule, c.Backup.Keep, c.OTel.Enabled, c.OTel.Exporter)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig(homeDir string) Config {
	return Config{
		HomeDir:  homeDir,
		DBPath:   filepath.Join(homeDir, "crew.db"),
		LogLevel: "info",
		Replay:   ReplayConfig{Executor: "echo"},
		Memory: MemoryConfig{
			ShortTermMaxEntries: 20,
			ShortTermMaxTokens:  2000,
		},
		Backup: BackupConfig{
			Dir:  filepath.Join(homeDir, "backups"),
			Keep: 7,
		},
		OTel: otelx.Config{
			Exporter:    "stdout",
			ServiceName: "gocrew",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("GOCREW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gocrew")
}

// Load reads config from HomeDir().
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml over the defaults, then applies env
// overrides. A missing file is not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig(homeDir)

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create gocrew home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	default:
		cfg.Loaded = true
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config.yaml: %w", err)
			}
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "crew.db")
	} else if !filepath.IsAbs(cfg.DBPath) {
		cfg.DBPath = filepath.Join(cfg.HomeDir, cfg.DBPath)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Replay.Executor == "" {
		cfg.Replay.Executor = "echo"
	}
	if cfg.Memory.ShortTermMaxEntries <= 0 {
		cfg.Memory.ShortTermMaxEntries = 20
	}
	if cfg.Memory.ShortTermMaxTokens <= 0 {
		cfg.Memory.ShortTermMaxTokens = 2000
	}
	if strings.TrimSpace(cfg.Backup.Dir) == "" {
		cfg.Backup.Dir = filepath.Join(cfg.HomeDir, "backups")
	} else if !filepath.IsAbs(cfg.Backup.Dir) {
		cfg.Backup.Dir = filepath.Join(cfg.HomeDir, cfg.Backup.Dir)
	}
}

func validate(cfg Config) error {
	if cfg.VectorDimensions < 0 {
		return fmt.Errorf("vector_dimensions must be >= 0, got %d", cfg.VectorDimensions)
	}
	if cfg.Replay.TaskTimeout < 0 {
		return fmt.Errorf("replay.task_timeout must be >= 0, got %s", cfg.Replay.TaskTimeout)
	}
	if cfg.Backup.Keep < 0 {
		return fmt.Errorf("backup.keep must be >= 0, got %d", cfg.Backup.Keep)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if raw := os.Getenv("GOCREW_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("GOCREW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GOCREW_VECTOR_DIMENSIONS"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("GOCREW_VECTOR_DIMENSIONS: %w", err)
		}
		cfg.VectorDimensions = v
	}
	if raw := os.Getenv("GOCREW_REPLAY_TASK_TIMEOUT_SECONDS"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("GOCREW_REPLAY_TASK_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Replay.TaskTimeout = time.Duration(v) * time.Second
	}
	if raw := os.Getenv("GOCREW_BACKUP_SCHEDULE"); raw != "" {
		cfg.Backup.Schedule = raw
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
	return nil
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]any, error) {
	raw := make(map[string]any)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// SetBackupSchedule stores backup.schedule in config.yaml, preserving other
// settings. An empty schedule removes the key.
func SetBackupSchedule(homeDir, schedule string) error {
	path := ConfigPath(homeDir)
	raw, err := loadRawConfig(path)
	if err != nil {
		return err
	}
	backup, _ := raw["backup"].(map[string]any)
	if backup == nil {
		backup = make(map[string]any)
	}
	if schedule == "" {
		delete(backup, "schedule")
	} else {
		backup["schedule"] = schedule
	}
	raw["backup"] = backup

	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}
