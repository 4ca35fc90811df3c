package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/basket/kvflow/internal/otel"
)

// CacheConfig controls the KV cache layout.
type CacheConfig struct {
	// PageSize is the fixed token capacity of a cache page.
	PageSize int `yaml:"page_size"`
}

// StoreConfig selects the shared store backend.
type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver"`
	// Path is the sqlite database file. Ignored by the memory driver.
	Path string `yaml:"path"`
}

// GenerationConfig holds the sampling defaults applied to tasks that
// set no parameters of their own.
type GenerationConfig struct {
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`
	Seed        uint64  `yaml:"seed"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	// WorkflowFile is the default workflow plan loaded by the run command.
	WorkflowFile string `yaml:"workflow_file"`

	Cache      CacheConfig      `yaml:"cache"`
	Store      StoreConfig      `yaml:"store"`
	Generation GenerationConfig `yaml:"generation"`
	Otel       otel.Config      `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "page=%d|store=%s:%s|gen=%d,%g,%g|log=%s",
		c.Cache.PageSize, c.Store.Driver, c.Store.Path,
		c.Generation.MaxTokens, c.Generation.Temperature, c.Generation.TopP, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Cache:    CacheConfig{PageSize: 16},
		Store:    StoreConfig{Driver: "sqlite"},
		Generation: GenerationConfig{
			MaxTokens: 64,
			TopP:      1,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("KVFLOW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".kvflow")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml under homeDir, applying defaults and env
// overrides. A missing file yields the defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create kvflow home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Cache.PageSize <= 0 {
		cfg.Cache.PageSize = 16
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.HomeDir, "kvflow.db")
	}
	if cfg.Generation.MaxTokens <= 0 {
		cfg.Generation.MaxTokens = 64
	}
	if cfg.Generation.TopP <= 0 || cfg.Generation.TopP > 1 {
		cfg.Generation.TopP = 1
	}
}

func validate(cfg *Config) error {
	switch cfg.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store driver %q (supported: sqlite, memory)", cfg.Store.Driver)
	}
	if cfg.Generation.Temperature < 0 {
		return fmt.Errorf("generation temperature must be >= 0, got %g", cfg.Generation.Temperature)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("KVFLOW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("KVFLOW_STORE_DRIVER"); raw != "" {
		cfg.Store.Driver = raw
	}
	if raw := os.Getenv("KVFLOW_STORE_PATH"); raw != "" {
		cfg.Store.Path = raw
	}
	if raw := os.Getenv("KVFLOW_PAGE_SIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Cache.PageSize = v
		}
	}
	if raw := os.Getenv("KVFLOW_MAX_TOKENS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Generation.MaxTokens = v
		}
	}
	if raw := os.Getenv("KVFLOW_WORKFLOW_FILE"); raw != "" {
		cfg.WorkflowFile = raw
	}
}
