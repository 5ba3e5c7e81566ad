// Package config loads keelctl settings from a config file, KEEL_ environment
// variables and built-in defaults, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything keelctl needs to reach a target and run a plan.
type Config struct {
	Target  TargetConfig  `mapstructure:"target"`
	Run     RunConfig     `mapstructure:"run"`
	Secrets SecretsConfig `mapstructure:"secrets"`
	Output  OutputConfig  `mapstructure:"output"`
}

// TargetConfig selects where resources are reconciled.
type TargetConfig struct {
	// Endpoint of a keeld agent, e.g. "http://host:8335". Empty means the
	// local host.
	Endpoint    string        `mapstructure:"endpoint"`
	ExecTimeout time.Duration `mapstructure:"exec_timeout"`
}

// RunConfig tunes the reconciler.
type RunConfig struct {
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBaseWait time.Duration `mapstructure:"retry_base_wait"`
	RetryMaxWait  time.Duration `mapstructure:"retry_max_wait"`
}

// SecretsConfig controls secret reference resolution.
type SecretsConfig struct {
	// EnvPrefix names the environment variable namespace secrets are read
	// from, e.g. prefix "KEEL_SECRET_" resolves ${secret:github_token} from
	// $KEEL_SECRET_GITHUB_TOKEN.
	EnvPrefix string `mapstructure:"env_prefix"`
}

// OutputConfig tunes report rendering.
type OutputConfig struct {
	NoColor bool `mapstructure:"no_color"`
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/keel/config.yaml"
	}
	return filepath.Join(home, ".config", "keel", "config.yaml")
}

// Load reads configuration from the given file (optional), the KEEL_
// environment and defaults. A missing config file is not an error; a broken
// one is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KEEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		missing := os.IsNotExist(err)
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			missing = true
		}
		// The default config file is optional; one named on the command
		// line is not.
		if explicit || !missing {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("target.endpoint", "")
	v.SetDefault("target.exec_timeout", 60*time.Second)

	v.SetDefault("run.call_timeout", 30*time.Second)
	v.SetDefault("run.retry_attempts", 3)
	v.SetDefault("run.retry_base_wait", 500*time.Millisecond)
	v.SetDefault("run.retry_max_wait", 10*time.Second)

	v.SetDefault("secrets.env_prefix", "KEEL_SECRET_")

	v.SetDefault("output.no_color", false)
}
