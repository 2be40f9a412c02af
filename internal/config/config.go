package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "FIELDQUEUE"
	defaultHTTPAddress         = "127.0.0.1:8087"
	defaultDatabasePath        = "fieldqueue.db"
	defaultLogLevel            = "info"
	defaultTokenTTLMinutes     = 1440
	defaultRetentionHours      = 168
	defaultGCIntervalMinutes   = 60
	defaultChangesetAgeMinutes = 20
	defaultAppName             = "FieldQueue"
)

// Viper keys.
const (
	KeyHTTPAddress         = "http.address"
	KeyDatabasePath        = "database.path"
	KeyLogLevel            = "log.level"
	KeyLogFile             = "log.file"
	KeySigningSecret       = "auth.signing_secret"
	KeyTokenTTLMinutes     = "auth.token_ttl_minutes"
	KeyRetentionHours      = "edits.retention_hours"
	KeyGCIntervalMinutes   = "edits.gc_interval_minutes"
	KeyChangesetAgeMinutes = "changesets.max_age_minutes"
	KeyOnlyQuestionNotes   = "notes.only_questions"
	KeyAppName             = "app.name"
)

var (
	ErrMissingSigningSecret = errors.New("auth.signing_secret is required")
	ErrMissingDatabasePath  = errors.New("database.path is required")
	ErrMissingHTTPAddress   = errors.New("http.address is required")
	ErrMissingAppName       = errors.New("app.name is required")
	ErrInvalidDuration      = errors.New("duration must be positive")
)

// AppConfig captures runtime configuration for the sync daemon and CLI.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	LogFile           string
	SigningSecret     string
	TokenTTL          time.Duration
	EditRetention     time.Duration
	GCInterval        time.Duration
	ChangesetMaxAge   time.Duration
	OnlyQuestionNotes bool
	AppName           string
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

	configViper.SetDefault(KeyHTTPAddress, defaultHTTPAddress)
	configViper.SetDefault(KeyDatabasePath, defaultDatabasePath)
	configViper.SetDefault(KeyLogLevel, defaultLogLevel)
	configViper.SetDefault(KeyLogFile, "")
	configViper.SetDefault(KeyTokenTTLMinutes, defaultTokenTTLMinutes)
	configViper.SetDefault(KeyRetentionHours, defaultRetentionHours)
	configViper.SetDefault(KeyGCIntervalMinutes, defaultGCIntervalMinutes)
	configViper.SetDefault(KeyChangesetAgeMinutes, defaultChangesetAgeMinutes)
	configViper.SetDefault(KeyOnlyQuestionNotes, false)
	configViper.SetDefault(KeyAppName, defaultAppName)
}

// Load parses runtime configuration from viper. The signing secret is only
// required when requireSecret is set; the offline subcommands do not need it.
func Load(configViper *viper.Viper, requireSecret bool) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       strings.TrimSpace(configViper.GetString(KeyHTTPAddress)),
		DatabasePath:      strings.TrimSpace(configViper.GetString(KeyDatabasePath)),
		LogLevel:          configViper.GetString(KeyLogLevel),
		LogFile:           strings.TrimSpace(configViper.GetString(KeyLogFile)),
		SigningSecret:     configViper.GetString(KeySigningSecret),
		TokenTTL:          time.Duration(configViper.GetInt64(KeyTokenTTLMinutes)) * time.Minute,
		EditRetention:     time.Duration(configViper.GetInt64(KeyRetentionHours)) * time.Hour,
		GCInterval:        time.Duration(configViper.GetInt64(KeyGCIntervalMinutes)) * time.Minute,
		ChangesetMaxAge:   time.Duration(configViper.GetInt64(KeyChangesetAgeMinutes)) * time.Minute,
		OnlyQuestionNotes: configViper.GetBool(KeyOnlyQuestionNotes),
		AppName:           strings.TrimSpace(configViper.GetString(KeyAppName)),
	}

	if err := cfg.validate(requireSecret); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate(requireSecret bool) error {
	if requireSecret && strings.TrimSpace(c.SigningSecret) == "" {
		return ErrMissingSigningSecret
	}
	if c.DatabasePath == "" {
		return ErrMissingDatabasePath
	}
	if c.HTTPAddress == "" {
		return ErrMissingHTTPAddress
	}
	if c.AppName == "" {
		return ErrMissingAppName
	}
	durations := []struct {
		key   string
		value time.Duration
	}{
		{key: KeyTokenTTLMinutes, value: c.TokenTTL},
		{key: KeyRetentionHours, value: c.EditRetention},
		{key: KeyGCIntervalMinutes, value: c.GCInterval},
		{key: KeyChangesetAgeMinutes, value: c.ChangesetMaxAge},
	}
	for _, duration := range durations {
		if duration.value <= 0 {
			return fmt.Errorf("%w: %s", ErrInvalidDuration, duration.key)
		}
	}
	return nil
}
