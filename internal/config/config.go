// Package config loads the isolate configuration file and applies
// defaults. Configuration is intentionally small: paths, the session
// ceiling, and lease timings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/lprior-repo/isolate/internal/coord"
)

// Config is the resolved runtime configuration.
type Config struct {
	// DBPath is the consolidated SQLite database file.
	DBPath string `mapstructure:"db_path"`
	// WorkspaceRoot holds one directory per session.
	WorkspaceRoot string `mapstructure:"workspace_root"`

	// MaxSessions is the session-count ceiling; zero disables it.
	MaxSessions int `mapstructure:"max_sessions"`
	// WarnRatio is the ceiling fill fraction that triggers a warning.
	WarnRatio float64 `mapstructure:"warn_ratio"`

	// LockTTL is the lease duration for session locks.
	LockTTL time.Duration `mapstructure:"lock_ttl"`
	// TrainTTL is the lease duration for the train slot.
	TrainTTL time.Duration `mapstructure:"train_ttl"`
	// ValidationTimeout bounds one entry's check during a train pass.
	ValidationTimeout time.Duration `mapstructure:"validation_timeout"`
}

// DefaultDir returns the per-user isolate directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".isolate"
	}
	return filepath.Join(home, ".isolate")
}

func setDefaults(v *viper.Viper) {
	dir := DefaultDir()
	v.SetDefault("db_path", filepath.Join(dir, "isolate.db"))
	v.SetDefault("workspace_root", filepath.Join(dir, "workspaces"))
	v.SetDefault("max_sessions", 32)
	v.SetDefault("warn_ratio", 0.9)
	v.SetDefault("lock_ttl", 5*time.Minute)
	v.SetDefault("train_ttl", 10*time.Minute)
	v.SetDefault("validation_timeout", 2*time.Minute)
}

// Load resolves configuration from isolate.yaml plus ISOLATE_* env vars.
// path names an explicit config file; empty searches the default dir and
// the working directory. A missing file yields the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ISOLATE")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("isolate")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, &coord.Error{
				Category:    coord.CategoryConfiguration,
				Message:     "read config: " + err.Error(),
				Remediation: "fix or remove the isolate.yaml file",
				Err:         err,
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &coord.Error{
			Category:    coord.CategoryConfiguration,
			Message:     "decode config: " + err.Error(),
			Remediation: "check field types in isolate.yaml",
			Err:         err,
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.WarnRatio < 0 || c.WarnRatio > 1 {
		return coord.NewConfiguration(
			fmt.Sprintf("warn_ratio %v outside [0, 1]", c.WarnRatio), "")
	}
	if c.LockTTL <= 0 || c.TrainTTL <= 0 {
		return coord.NewConfiguration("lease TTLs must be positive", "")
	}
	return nil
}

// EnsureInitialized verifies the database file exists, pointing the
// operator at init when it does not.
func (c Config) EnsureInitialized() error {
	if _, err := os.Stat(c.DBPath); err != nil {
		return &coord.Error{
			Category:    coord.CategoryConfiguration,
			Message:     "isolate is not initialized at " + c.DBPath,
			Remediation: "run 'isolate init' first",
			Err:         err,
		}
	}
	return nil
}
