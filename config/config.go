// Package config loads the sync client's configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // LoadLocation must work on hosts without a zoneinfo database

	"projectinfo-sync/resolver"
	"projectinfo-sync/signer"
	"projectinfo-sync/syncer"
	"projectinfo-sync/window"
)

// Config holds the application's configuration values.
type Config struct {
	Host      string
	System    string
	Key       string
	ProjectID string

	Mode     signer.Mode
	SortKeys bool

	Direction window.Direction
	Span      int
	Unit      time.Duration
	Offsets   []int
	Location  *time.Location
	Timestamp string
	Date      string

	VerifyTLS                bool
	Timeout                  time.Duration
	ProbeDelay               time.Duration
	RetryDelay               time.Duration
	ContinueOnTransportError bool

	ProgressEndpoint     string
	TypeProgressEndpoint string
	FilesEndpoint        string

	Port string
}

// Load loads configuration from environment variables with sane defaults.
// Required values are not checked here; see Validate.
func Load() (*Config, error) {
	cfg := &Config{
		Host:      strings.TrimSpace(os.Getenv("PROJECTINFO_HOST")),
		System:    os.Getenv("PROJECTINFO_SYSTEM"),
		Key:       os.Getenv("PROJECTINFO_KEY"),
		ProjectID: strings.TrimSpace(os.Getenv("PROJECTINFO_PROJECT_ID")),

		SortKeys: getEnvBool("PROJECTINFO_SORT_KEYS", false),

		Span:      getEnvInt("PROJECTINFO_WINDOW_SPAN", 5),
		Unit:      getEnvDuration("PROJECTINFO_WINDOW_UNIT", time.Minute),
		Timestamp: strings.TrimSpace(os.Getenv("PROJECTINFO_TIMESTAMP")),
		Date:      strings.TrimSpace(os.Getenv("PROJECTINFO_DATE")),

		VerifyTLS:                getEnvBool("PROJECTINFO_VERIFY_TLS", true),
		Timeout:                  getEnvDuration("PROJECTINFO_TIMEOUT", 10*time.Second),
		ProbeDelay:               getEnvDuration("PROJECTINFO_PROBE_DELAY", 0),
		RetryDelay:               getEnvDuration("PROJECTINFO_RETRY_DELAY", time.Second),
		ContinueOnTransportError: getEnvBool("PROJECTINFO_CONTINUE_ON_TRANSPORT_ERROR", false),

		ProgressEndpoint:     getEnv("PROJECTINFO_PROGRESS_ENDPOINT", "dailyreport_progress"),
		TypeProgressEndpoint: getEnv("PROJECTINFO_TYPE_PROGRESS_ENDPOINT", "dailyreport_type_progress"),
		FilesEndpoint:        getEnv("PROJECTINFO_FILES_ENDPOINT", "dailyreport_file_list"),

		Port: getEnv("PORT", "8080"),
	}

	var err error
	if cfg.Mode, err = signer.ParseMode(getEnv("PROJECTINFO_CANONICAL_MODE", string(signer.Spaced))); err != nil {
		return nil, fmt.Errorf("PROJECTINFO_CANONICAL_MODE: %w", err)
	}
	if cfg.Direction, err = window.ParseDirection(getEnv("PROJECTINFO_WINDOW_DIRECTION", string(window.PastOnly))); err != nil {
		return nil, fmt.Errorf("PROJECTINFO_WINDOW_DIRECTION: %w", err)
	}
	if raw, ok := os.LookupEnv("PROJECTINFO_WINDOW_OFFSETS"); ok && strings.TrimSpace(raw) != "" {
		if cfg.Offsets, err = window.ParseOffsets(raw); err != nil {
			return nil, fmt.Errorf("PROJECTINFO_WINDOW_OFFSETS: %w", err)
		}
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("PROJECTINFO_TIMEOUT: must be positive, got %s", cfg.Timeout)
	}
	if cfg.Location, err = time.LoadLocation(getEnv("PROJECTINFO_TIMEZONE", "Asia/Taipei")); err != nil {
		return nil, fmt.Errorf("PROJECTINFO_TIMEZONE: %w", err)
	}

	return cfg, nil
}

// Validate fails fast when required parameters are missing.
func (c *Config) Validate() error {
	rc := c.Resolver()
	return rc.Validate()
}

// Signer returns the canonicalization options.
func (c *Config) Signer() signer.Options {
	return signer.Options{Mode: c.Mode, SortKeys: c.SortKeys}
}

// Resolver returns the clock-skew resolver configuration.
func (c *Config) Resolver() resolver.Config {
	return resolver.Config{
		Host:                     c.Host,
		System:                   c.System,
		Key:                      c.Key,
		ProjectID:                c.ProjectID,
		Endpoint:                 c.ProgressEndpoint,
		Signer:                   c.Signer(),
		ContinueOnTransportError: c.ContinueOnTransportError,
		ProbeDelay:               c.ProbeDelay,
	}
}

// Syncer returns the sync orchestration configuration.
func (c *Config) Syncer() syncer.Config {
	return syncer.Config{
		Host:                 c.Host,
		System:               c.System,
		Key:                  c.Key,
		ProjectID:            c.ProjectID,
		Signer:               c.Signer(),
		ProgressEndpoint:     c.ProgressEndpoint,
		TypeProgressEndpoint: c.TypeProgressEndpoint,
		FilesEndpoint:        c.FilesEndpoint,
		Direction:            c.Direction,
		Span:                 c.Span,
		Offsets:              c.Offsets,
		Unit:                 c.Unit,
		Location:             c.Location,
		Timestamp:            c.Timestamp,
		Date:                 c.Date,
		RetryDelay:           c.RetryDelay,
	}
}

// Helper function to get an environment variable or return a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

// Helper function to get an environment variable as an integer.
func getEnvInt(key string, fallback int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := strconv.Atoi(strings.TrimSpace(valueStr)); err == nil {
			return value
		}
	}
	return fallback
}

// Helper function to get an environment variable as a time.Duration.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := time.ParseDuration(strings.TrimSpace(valueStr)); err == nil {
			return value
		}
	}
	return fallback
}

// Helper function to get an environment variable as a bool.
func getEnvBool(key string, fallback bool) bool {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := strconv.ParseBool(strings.TrimSpace(valueStr)); err == nil {
			return value
		}
	}
	return fallback
}
