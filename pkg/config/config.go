// Package config loads the per-project autolog options from the scope
// directory's .config file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/viper"

	"github.com/holon-run/autolog/pkg/policy"
	"github.com/holon-run/autolog/pkg/redact"
)

const (
	keyEnabled   = "autoLog.enabled"
	keyThreshold = "autoLog.turnThreshold"
	keyRedact    = "autoLog.redact"
	keyRedactKey = "autoLog.redactKeys"

	// EnvEnabled and EnvThreshold override the file values.
	EnvEnabled   = "AUTOLOG_ENABLED"
	EnvThreshold = "AUTOLOG_TURN_THRESHOLD"
	EnvRedact    = "AUTOLOG_REDACT"
)

// Config holds the options one engine run needs.
type Config struct {
	// Enabled opts the project in. Logging is off unless this is true.
	Enabled bool `json:"enabled" yaml:"enabled"`
	// TurnThreshold is the number of new turns a Stop event needs.
	TurnThreshold int `json:"turnThreshold" yaml:"turnThreshold"`
	// Redact controls masking of credentials in written logs.
	Redact redact.Mode `json:"redact" yaml:"redact"`
	// RedactKeys lists extra KEY=value names whose values are masked.
	RedactKeys []string `json:"redactKeys,omitempty" yaml:"redactKeys,omitempty"`
}

// Redactor returns the redactor described by c.
func (c Config) Redactor() *redact.Redactor {
	return redact.New(c.Redact, c.RedactKeys...)
}

// Default returns the configuration of a project without a .config file.
func Default() Config {
	return Config{
		Enabled:       false,
		TurnThreshold: policy.DefaultThreshold,
		Redact:        redact.DefaultMode,
	}
}

// enabled reports the opt-in switch. Only a JSON true turns logging on;
// numbers and strings such as 1 or "true" do not. The environment override
// must be exactly "true" to enable and any other non-empty value disables.
func enabled(v *viper.Viper) bool {
	if env, ok := os.LookupEnv(EnvEnabled); ok && env != "" {
		return env == "true"
	}
	on, ok := v.Get(keyEnabled).(bool)
	return ok && on
}

// Load reads the JSON config at path. A missing file is not an error. An
// unreadable or malformed file is reported, but the returned Config is still
// usable: defaults plus any environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetDefault(keyEnabled, false)
	v.SetDefault(keyThreshold, policy.DefaultThreshold)
	v.SetDefault(keyRedact, string(redact.DefaultMode))
	_ = v.BindEnv(keyThreshold, EnvThreshold)
	_ = v.BindEnv(keyRedact, EnvRedact)

	var loadErr error
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		loadErr = fmt.Errorf("failed to load %s: %w", path, err)
	}

	cfg := Config{
		Enabled:       enabled(v),
		TurnThreshold: v.GetInt(keyThreshold),
	}
	if keys := v.GetStringSlice(keyRedactKey); len(keys) > 0 {
		cfg.RedactKeys = keys
	}
	if cfg.TurnThreshold <= 0 {
		cfg.TurnThreshold = policy.DefaultThreshold
	}
	mode, err := redact.ParseMode(v.GetString(keyRedact))
	if err != nil && loadErr == nil {
		loadErr = err
	}
	cfg.Redact = mode
	return cfg, loadErr
}
