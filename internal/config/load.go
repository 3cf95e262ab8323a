package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every configuration environment variable.
const EnvPrefix = "QUERYBATCH"

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"dataset":           "dataset",
	"prompts":           "prompts",
	"output-dir":        "output_dir",
	"rows":              "rows",
	"samples":           "samples",
	"workers":           "workers",
	"backends":          "backends",
	"log-level":         "log.level",
	"log-format":        "log.format",
	"checkpoint-driver": "checkpoint.driver",
	"format":            "output.formats",
	"metrics-addr":      "metrics.addr",
	"batch-backend":     "batch.backend",
}

// Options controls where Load reads from.
type Options struct {
	// Path is an optional YAML config file. A missing file is an error only
	// when Path was set explicitly.
	Path string
	// EnvFile is an optional .env file loaded before environment lookup.
	// Variables already set in the process environment are not overridden.
	EnvFile string
	// Flags are bound on top of every other source when changed.
	Flags *pflag.FlagSet
	// Defaults replace built-in defaults for one command. The config file,
	// environment and changed flags still take precedence.
	Defaults map[string]any
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("output_dir", "responses")
	v.SetDefault("rows", 1)
	v.SetDefault("samples", 1)
	v.SetDefault("workers", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.delay", 5*time.Second)
	v.SetDefault("retry.call_timeout", 10*time.Minute)

	v.SetDefault("batch.backend", "")
	v.SetDefault("batch.poll_interval", 10*time.Second)
	v.SetDefault("batch.job_attempts", 3)
	v.SetDefault("batch.completion_window", "24h")

	v.SetDefault("checkpoint.driver", "jsonl")
	v.SetDefault("checkpoint.sync", true)

	v.SetDefault("output.formats", []string{"csv"})
	v.SetDefault("output.include_correlation_id", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
}

// Load configuration from defaults, the config file, environment variables
// and flags, in increasing order of precedence. Returns a validated Config.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	for key, value := range opts.Defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigType("yaml")
	if opts.Path != "" {
		v.SetConfigFile(opts.Path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", opts.Path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for name, key := range flagKeys {
			f := opts.Flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag --%s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if len(cfg.Catalog) == 0 {
		cfg.Catalog = DefaultCatalog()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs struct validation plus the cross-field checks.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	ids := make(map[string]bool, len(c.Catalog))
	for _, b := range c.Catalog {
		if ids[b.ID] {
			return fmt.Errorf("configuration validation failed: duplicate backend id %q", b.ID)
		}
		ids[b.ID] = true
	}

	if _, err := c.Selected(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if c.Batch.Backend != "" && !ids[c.Batch.Backend] {
		return fmt.Errorf("configuration validation failed: batch backend: %w", &UnknownBackendError{ID: c.Batch.Backend})
	}
	return nil
}

// IsUnknownBackend reports whether err names a backend missing from the catalogue.
func IsUnknownBackend(err error) bool {
	var ube *UnknownBackendError
	return errors.As(err, &ube)
}
