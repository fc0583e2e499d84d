package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries the engine's tunables for a host application to pass on;
// the engine constructors take these values as explicit arguments and do
// not read a Config themselves. Values load in three layers the way the teacher's own config loader
// does: hardcoded defaults, overridden by an optional YAML file, overridden
// last by environment variables.
type Config struct {
	MaxConcurrentTasks int           `yaml:"maxConcurrentTasks" env:"TASKCORE_MAX_CONCURRENT"`
	DequeueTimeout     time.Duration `yaml:"dequeueTimeout" env:"TASKCORE_DEQUEUE_TIMEOUT"`
	ShutdownTimeout    time.Duration `yaml:"shutdownTimeout" env:"TASKCORE_SHUTDOWN_TIMEOUT"`
	PausePollInterval  time.Duration `yaml:"pausePollInterval" env:"TASKCORE_PAUSE_POLL_INTERVAL"`
	HistoryLimit       int           `yaml:"historyLimit" env:"TASKCORE_HISTORY_LIMIT"`
	StorePath          string        `yaml:"storePath" env:"TASKCORE_STORE_PATH"`
	RedisAddr          string        `yaml:"redisAddr" env:"TASKCORE_REDIS_ADDR"`
}

// DefaultConfig mirrors the defaults spec.md assumes throughout its examples.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks: 3,
		DequeueTimeout:      2 * time.Second,
		ShutdownTimeout:     10 * time.Second,
		PausePollInterval:   500 * time.Millisecond,
		HistoryLimit:        1000,
		StorePath:           "taskcore_state.json",
		RedisAddr:           "",
	}
}

// LoadFromYAMLFile overrides cfg's fields from a YAML document at path,
// the middle layer in the default -> yaml -> env chain. A missing file is
// not an error: it simply means this layer contributes nothing.
func LoadFromYAMLFile(path string, cfg Config) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("core: reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("core: parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfig runs the full default -> yaml -> env chain: yamlPath may be
// empty to skip the YAML layer entirely.
func LoadConfig(yamlPath string) (Config, error) {
	cfg := DefaultConfig()
	if yamlPath != "" {
		var err error
		cfg, err = LoadFromYAMLFile(yamlPath, cfg)
		if err != nil {
			return cfg, err
		}
	}
	return LoadFromEnv(cfg), nil
}

// LoadFromEnv overrides cfg's fields from environment variables named by the
// `env` struct tag above, leaving fields untouched when the variable is unset
// or malformed. This is the last layer in the default -> yaml -> env chain.
func LoadFromEnv(cfg Config) Config {
	if v, ok := lookupInt("TASKCORE_MAX_CONCURRENT"); ok {
		cfg.MaxConcurrentTasks = v
	}
	if v, ok := lookupDuration("TASKCORE_DEQUEUE_TIMEOUT"); ok {
		cfg.DequeueTimeout = v
	}
	if v, ok := lookupDuration("TASKCORE_SHUTDOWN_TIMEOUT"); ok {
		cfg.ShutdownTimeout = v
	}
	if v, ok := lookupDuration("TASKCORE_PAUSE_POLL_INTERVAL"); ok {
		cfg.PausePollInterval = v
	}
	if v, ok := lookupInt("TASKCORE_HISTORY_LIMIT"); ok {
		cfg.HistoryLimit = v
	}
	if v := os.Getenv("TASKCORE_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("TASKCORE_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	return cfg
}

func lookupInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func lookupDuration(name string) (time.Duration, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
