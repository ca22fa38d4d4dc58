package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// configEnv names the YAML file the fleet and the API server load. With the
// variable unset the process runs on env-only defaults.
const configEnv = "WORKER_CONFIG"

// WorkerSpec is one entry of the fleet list: Count copies of one worker
// kind, optionally pinned to a library slug.
type WorkerSpec struct {
	Kind             string `yaml:"kind"`
	Count            int    `yaml:"count"`
	Library          string `yaml:"library"`
	Mode             string `yaml:"mode"`
	Batch            int    `yaml:"batch"`
	Repair           bool   `yaml:"repair"`
	HeartbeatSeconds int    `yaml:"heartbeat_seconds"`
	// Analyzer picks the vision registry entry for ai and video_ai
	// workers. Empty selects the canned analyzer.
	Analyzer string `yaml:"analyzer"`
}

type APIConfig struct {
	Addr         string   `yaml:"addr"`
	AllowOrigins []string `yaml:"allow_origins"`
}

type Config struct {
	DatabaseURL  string       `yaml:"database_url"`
	DataDir      string       `yaml:"data_dir"`
	LogMode      string       `yaml:"log_mode"`
	ForensicsDir string       `yaml:"forensics_dir"`
	API          APIConfig    `yaml:"api"`
	Workers      []WorkerSpec `yaml:"workers"`
}

var workerKinds = map[string]bool{
	"scanner":     true,
	"image_proxy": true,
	"video_proxy": true,
	"ai":          true,
	"video_ai":    true,
	"maintenance": true,
}

// LoadConfig reads the WORKER_CONFIG file when set, then applies env
// overrides (DATABASE_URL, MEDIA_SEARCH_DATA_DIR) and defaults. The data
// dir is refused outright when it would point the janitor at "/" or the
// process working directory; that check must fail before anything claims.
func LoadConfig() (Config, error) {
	var cfg Config
	if path := strings.TrimSpace(os.Getenv(configEnv)); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read %s %q: %w", configEnv, path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s %q: %w", configEnv, path, err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("MEDIA_SEARCH_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}

	if cfg.LogMode == "" {
		cfg.LogMode = "development"
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = ":8080"
	}

	if err := validateDataDir(&cfg); err != nil {
		return Config{}, err
	}
	for i := range cfg.Workers {
		if err := validateWorkerSpec(&cfg.Workers[i]); err != nil {
			return Config{}, fmt.Errorf("workers[%d]: %w", i, err)
		}
	}
	return cfg, nil
}

func validateDataDir(cfg *Config) error {
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("data_dir is required; set it in %s or via MEDIA_SEARCH_DATA_DIR", configEnv)
	}
	abs, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("resolve data_dir %q: %w", cfg.DataDir, err)
	}
	if abs == string(filepath.Separator) {
		return fmt.Errorf("refusing data_dir %q: the janitor deletes stale files under it", abs)
	}
	if cwd, err := os.Getwd(); err == nil && abs == filepath.Clean(cwd) {
		return fmt.Errorf("refusing data_dir %q: it is the process working directory", abs)
	}
	cfg.DataDir = abs
	return nil
}

func validateWorkerSpec(spec *WorkerSpec) error {
	if !workerKinds[spec.Kind] {
		return fmt.Errorf("unknown worker kind %q", spec.Kind)
	}
	if spec.Count <= 0 {
		spec.Count = 1
	}
	switch spec.Kind {
	case "ai", "video_ai":
		switch spec.Mode {
		case "":
			spec.Mode = "light"
		case "light", "full":
		default:
			return fmt.Errorf("mode %q is not light or full", spec.Mode)
		}
	}
	return nil
}
