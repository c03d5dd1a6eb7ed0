package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultScanInterval is the periodic re-scan tick for watch mode.
const defaultScanInterval = 45 * time.Second

// Duration wraps time.Duration so the config file can say "45s" or "2m".
type Duration time.Duration

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

// Config holds the host configuration.
type Config struct {
	// DataDirs are transcript roots; each subdirectory is one project.
	DataDirs []string `yaml:"data_dirs"`
	// CachePath is the directory usage cache file.
	CachePath string `yaml:"cache_path"`
	// PricingPath optionally overrides the built-in pricing table.
	PricingPath string `yaml:"pricing_path"`
	// HistoryPath is the SQLite scan-history database.
	HistoryPath string `yaml:"history_path"`
	// ScanInterval is the periodic re-scan tick for watch mode.
	ScanInterval Duration `yaml:"scan_interval"`
}

// Interval returns the scan interval as a time.Duration.
func (c *Config) Interval() time.Duration {
	if c.ScanInterval <= 0 {
		return defaultScanInterval
	}
	return time.Duration(c.ScanInterval)
}

// DefaultPath returns the config file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ccost.yaml"), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{ScanInterval: Duration(defaultScanInterval)}
	if home, err := os.UserHomeDir(); err == nil {
		cfg.DataDirs = []string{filepath.Join(home, ".claude", "projects")}
		cfg.CachePath = filepath.Join(home, ".ccost", "cache.json")
		cfg.HistoryPath = filepath.Join(home, ".ccost", "history.db")
	}
	return cfg
}

// Load reads the configuration at path, filling unset fields with defaults.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = Duration(defaultScanInterval)
	}
	return cfg, nil
}

// Save writes the configuration to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o600)
}
