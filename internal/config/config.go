package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all strata configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Compactor CompactorConfig `mapstructure:"compactor"`
}

type ServerConfig struct {
	Bind string `mapstructure:"bind"`
	Port int    `mapstructure:"port"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type MemoryConfig struct {
	WorkingSetCapacity int           `mapstructure:"working_set_capacity"` // clamped to [5, 9]
	IntakeTTL          time.Duration `mapstructure:"intake_ttl"`
	GraceWindow        time.Duration `mapstructure:"grace_window"`
	HalfLifeDays       float64       `mapstructure:"half_life_days"`
	UseChromem         bool          `mapstructure:"use_chromem"` // chromem-go ANN index vs brute-force
}

type SchedulerConfig struct {
	CycleSpec      string        `mapstructure:"cycle_spec"`
	BatchSize      int           `mapstructure:"batch_size"`
	Workers        int           `mapstructure:"workers"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	CompactTimeout time.Duration `mapstructure:"compact_timeout"`
}

type CompactorConfig struct {
	Backend     string `mapstructure:"backend"` // "truncate" or "ollama"
	OllamaURL   string `mapstructure:"ollama_url"`
	OllamaModel string `mapstructure:"ollama_model"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 38800,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Memory: MemoryConfig{
			WorkingSetCapacity: 7,
			IntakeTTL:          10 * time.Minute,
			GraceWindow:        24 * time.Hour,
			HalfLifeDays:       30,
			UseChromem:         true,
		},
		Scheduler: SchedulerConfig{
			CycleSpec:      "@every 6h",
			BatchSize:      100,
			Workers:        2,
			StaleAfter:     30 * time.Minute,
			MaxAttempts:    3,
			RetryBackoff:   5 * time.Minute,
			CompactTimeout: 60 * time.Second,
		},
		Compactor: CompactorConfig{
			Backend: "truncate",
		},
	}
}

// Load reads config.yaml from the search paths and applies STRATA_
// environment overrides on top of the defaults.
func Load() (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		v.AddConfigPath(filepath.Join(xdg, "strata"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "strata"))
	}

	v.SetEnvPrefix("STRATA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind keys so AutomaticEnv sees them even without a config file.
	for _, key := range []string{
		"server.bind", "server.port",
		"database.path",
		"memory.working_set_capacity", "memory.intake_ttl", "memory.grace_window",
		"memory.half_life_days", "memory.use_chromem",
		"scheduler.cycle_spec", "scheduler.batch_size", "scheduler.workers",
		"scheduler.stale_after", "scheduler.max_attempts", "scheduler.retry_backoff",
		"scheduler.compact_timeout",
		"compactor.backend", "compactor.ollama_url", "compactor.ollama_model",
	} {
		v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// No config file; defaults + env are enough.
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
