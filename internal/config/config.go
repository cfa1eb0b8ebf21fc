package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "SPLITSYNC"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "splitsync.db"
	defaultLogLevel            = "info"
	defaultTokenTTLMinutes     = 60
	defaultSweepIntervalMins   = 60
	defaultConflictGraceHours  = 48
	defaultSweepMaxAttempts    = 5
	defaultConcurrencyWindowS  = 5 * 60
	defaultPaymentClaimWindowS = 60 * 60
)

// AppConfig captures runtime configuration for the API server and the
// escalation worker.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	SigningSecret     string
	TokenTTL          time.Duration
	SweepInterval     time.Duration
	ConflictGrace     time.Duration
	SweepMaxAttempts  int
	ConcurrencyWindow time.Duration
	PaymentWindow     time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("sweep.interval_minutes", defaultSweepIntervalMins)
	configViper.SetDefault("sweep.max_attempts", defaultSweepMaxAttempts)
	configViper.SetDefault("conflict.grace_hours", defaultConflictGraceHours)
	configViper.SetDefault("conflict.concurrency_window_seconds", defaultConcurrencyWindowS)
	configViper.SetDefault("conflict.payment_window_seconds", defaultPaymentClaimWindowS)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenTTL:          time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		SweepInterval:     time.Duration(configViper.GetInt("sweep.interval_minutes")) * time.Minute,
		ConflictGrace:     time.Duration(configViper.GetInt("conflict.grace_hours")) * time.Hour,
		SweepMaxAttempts:  configViper.GetInt("sweep.max_attempts"),
		ConcurrencyWindow: time.Duration(configViper.GetInt("conflict.concurrency_window_seconds")) * time.Second,
		PaymentWindow:     time.Duration(configViper.GetInt("conflict.payment_window_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep.interval_minutes must be positive")
	}
	if c.ConflictGrace <= 0 {
		return fmt.Errorf("conflict.grace_hours must be positive")
	}
	if c.SweepMaxAttempts <= 0 {
		return fmt.Errorf("sweep.max_attempts must be positive")
	}
	return nil
}
