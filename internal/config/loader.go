package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// envPrefix is the environment variable prefix recognised for config
// overrides, per spec.md §6 ("Env var prefix `smalltalk`").
const envPrefix = "SMALLTALK_"

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config]. A missing file is not an
// error: Load falls back to [defaultConfig] so the service can start with
// environment-only configuration.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := defaultConfig()
			applyEnvOverrides(cfg, os.Environ())
			return cfg, Validate(cfg)
		}
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, layers environment overrides
// on top, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := defaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnvOverrides(cfg, os.Environ())
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers SMALLTALK_-prefixed environment variables on top
// of cfg. Only the handful of scalar settings that are reasonable to flip at
// deploy time without editing the YAML file are covered, matching the
// original configuration system's "env overrides file" rule from spec.md §6.
//
// Recognised variables:
//
//	SMALLTALK_APP_HOST
//	SMALLTALK_APP_PORT
//	SMALLTALK_DIRS_APPDATA_DIR
//	SMALLTALK_POSTGRES_ENABLED
//	SMALLTALK_POSTGRES_DSN
func applyEnvOverrides(cfg *Config, environ []string) {
	lookup := make(map[string]string, len(environ))
	for _, kv := range environ {
		if !strings.HasPrefix(kv, envPrefix) {
			continue
		}
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		lookup[k] = v
	}

	if v, ok := lookup[envPrefix+"APP_HOST"]; ok {
		cfg.App.Host = v
	}
	if v, ok := lookup[envPrefix+"APP_PORT"]; ok {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.App.Port = port
		}
	}
	if v, ok := lookup[envPrefix+"DIRS_APPDATA_DIR"]; ok {
		cfg.Dirs.AppDataDir = v
	}
	if v, ok := lookup[envPrefix+"POSTGRES_ENABLED"]; ok {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Postgres.Enabled = enabled
		}
	}
	if v, ok := lookup[envPrefix+"POSTGRES_DSN"]; ok {
		cfg.Postgres.DSN = v
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Dirs.AppDataDir == "" {
		errs = append(errs, errors.New("dirs.appdata_dir must not be empty"))
	}

	for name, be := range cfg.TTS {
		if !be.Enabled {
			continue
		}
		if be.InstancePath == "" {
			errs = append(errs, fmt.Errorf("tts[%s]: instance_path is required when enabled", name))
		}
		if be.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("tts[%s]: timeout must be positive when enabled", name))
		}
	}

	for name, be := range cfg.RVC {
		if name != "fast" && name != "high_quality" {
			errs = append(errs, fmt.Errorf("rvc[%s]: must be keyed \"fast\" or \"high_quality\"", name))
		}
		if !be.Enabled {
			continue
		}
		if be.LocalPath == "" {
			errs = append(errs, fmt.Errorf("rvc[%s]: local_path is required when enabled", name))
		}
		if be.Timeout <= 0 || be.Timeout > 40*time.Second {
			errs = append(errs, fmt.Errorf("rvc[%s]: timeout must be in (0, 40s] per the hard wall-clock ceiling", name))
		}
	}

	if cfg.Postgres.Enabled && cfg.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required when postgres.enabled is true"))
	}

	return errors.Join(errs...)
}
