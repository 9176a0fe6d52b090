// Package config loads evolve settings from an optional YAML file,
// EVOLVE_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// FileName is the config file looked up in the working directory and in
// the state root when no explicit path is given.
const FileName = "evolve.yaml"

// EnvPrefix prefixes every environment override, e.g. EVOLVE_ROOT or
// EVOLVE_GATE_CONCURRENCY.
const EnvPrefix = "EVOLVE"

// Config is the resolved configuration.
type Config struct {
	// Root is the state directory holding history, archive, workspace
	// and the registry database.
	Root        string        `mapstructure:"root" validate:"required"`
	Compression string        `mapstructure:"compression" validate:"oneof=none lz4 zstd"`
	SplitMode   string        `mapstructure:"split_mode" validate:"oneof=orchestrator retire"`
	LogLevel    string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	// MetricsFile, when set, receives the Prometheus metrics of each
	// invocation in text exposition format.
	MetricsFile string        `mapstructure:"metrics_file"`
	Gate        GateConfig    `mapstructure:"gate"`
	Archive     ArchiveConfig `mapstructure:"archive"`
}

// GateConfig configures the quality gate.
type GateConfig struct {
	// Policy is a path to a CUE policy file. Empty means the lifecycle
	// status gate alone.
	Policy      string `mapstructure:"policy"`
	Concurrency int    `mapstructure:"concurrency" validate:"min=1,max=64"`
}

// ArchiveConfig configures the archive store.
type ArchiveConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl" validate:"min=0"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Root:        ".evolve",
		Compression: "zstd",
		SplitMode:   "orchestrator",
		LogLevel:    "info",
		Gate:        GateConfig{Concurrency: 4},
		Archive:     ArchiveConfig{CacheTTL: 10 * time.Minute},
	}
}

// HistoryDir is where per-component history logs live.
func (c Config) HistoryDir() string { return filepath.Join(c.Root, "history") }

// ArchiveDir is the archive store root.
func (c Config) ArchiveDir() string { return filepath.Join(c.Root, "archive") }

// WorkspaceDir holds the live artifacts.
func (c Config) WorkspaceDir() string { return filepath.Join(c.Root, "workspace") }

// RegistryPath is the SQLite registry database.
func (c Config) RegistryPath() string { return filepath.Join(c.Root, "registry.db") }

// Load resolves the configuration. Precedence, highest first: flags bound
// from fs, EVOLVE_* environment variables, the config file, defaults.
//
// path names an explicit config file, which must exist. When path is
// empty, FileName is looked up in the working directory; a missing file
// is not an error.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v, Defaults())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if f := fs.Lookup("root"); f != nil {
			if err := v.BindPFlag("root", f); err != nil {
				return Config{}, fmt.Errorf("bind --root: %w", err)
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if _, err := os.Stat(FileName); err == nil {
		v.SetConfigFile(FileName)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", FileName, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("root", d.Root)
	v.SetDefault("compression", d.Compression)
	v.SetDefault("split_mode", d.SplitMode)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("metrics_file", d.MetricsFile)
	v.SetDefault("gate.policy", d.Gate.Policy)
	v.SetDefault("gate.concurrency", d.Gate.Concurrency)
	v.SetDefault("archive.cache_ttl", d.Archive.CacheTTL)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports every invalid field.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(fields))
	for _, fe := range fields {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
