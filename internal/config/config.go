package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Project struct {
		Root   string `yaml:"root"`    // root project descriptor
		LibDir string `yaml:"lib_dir"` // staging destination
	} `yaml:"project"`
	Stage struct {
		PatchMode    string `yaml:"patch_mode"`    // "strict" or "legacy"
		AllowPartial bool   `yaml:"allow_partial"` // tolerate families with missing members
		ReportPath   string `yaml:"report_path"`
	} `yaml:"stage"`
	Ledger struct {
		Path string `yaml:"path"` // empty disables the ledger
	} `yaml:"ledger"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	cfg.Stage.PatchMode = "strict"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return &cfg
}

// LoadConfig reads .env, then the YAML file at path, then TSSTAGE_*
// environment overrides. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	// 1. Load .env if exists
	_ = godotenv.Load()

	cfg := Default()

	// 2. Load YAML config
	if path != "" {
		file, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(file, cfg); err != nil {
				return nil, err
			}
		}
	}

	// 3. Override with Environment Variables if present
	if v := os.Getenv("TSSTAGE_PROJECT"); v != "" {
		cfg.Project.Root = v
	}
	if v := os.Getenv("TSSTAGE_LIB_DIR"); v != "" {
		cfg.Project.LibDir = v
	}
	if v := os.Getenv("TSSTAGE_PATCH_MODE"); v != "" {
		cfg.Stage.PatchMode = v
	}
	if v := os.Getenv("TSSTAGE_ALLOW_PARTIAL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, err
		}
		cfg.Stage.AllowPartial = b
	}
	if v := os.Getenv("TSSTAGE_LEDGER"); v != "" {
		cfg.Ledger.Path = v
	}
	if v := os.Getenv("TSSTAGE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	return cfg, nil
}
