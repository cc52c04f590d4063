// Package config holds the TOML configuration for the intake service.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/coverloop/intake/helpers"
)

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", "syslog", or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// StagingConfig holds the staging area configuration.
type StagingConfig struct {
	Path       string `toml:"path"`        // Root directory for staged documents
	LedgerPath string `toml:"ledger_path"` // SQLite ledger location (default: <path>/intake_ledger.db)
}

// GetLedgerPath returns the configured ledger path or its default next to
// the staging root.
func (s *StagingConfig) GetLedgerPath() string {
	if s.LedgerPath != "" {
		return s.LedgerPath
	}
	return s.Path + "/intake_ledger.db"
}

// LimitsConfig holds extraction resource ceilings.
type LimitsConfig struct {
	MaxDepth     int    `toml:"max_depth"`      // Nesting depth for recursive archives (default: 3)
	MaxTotalSize string `toml:"max_total_size"` // Cumulative decompressed bytes per extraction tree (default: "500mib")
	MaxEntrySize string `toml:"max_entry_size"` // Decompressed bytes per archive entry (default: "100mib")
}

// GetMaxDepth returns the archive nesting depth limit.
func (l *LimitsConfig) GetMaxDepth() int {
	if l.MaxDepth <= 0 {
		return 3
	}
	return l.MaxDepth
}

// GetMaxTotalSize parses the cumulative decompressed size ceiling.
func (l *LimitsConfig) GetMaxTotalSize() (int64, error) {
	if l.MaxTotalSize == "" {
		return 500 * 1024 * 1024, nil // Default: 500MiB
	}
	return helpers.ParseSize(l.MaxTotalSize)
}

// GetMaxEntrySize parses the single-entry decompressed size ceiling.
func (l *LimitsConfig) GetMaxEntrySize() (int64, error) {
	if l.MaxEntrySize == "" {
		return 100 * 1024 * 1024, nil // Default: 100MiB
	}
	return helpers.ParseSize(l.MaxEntrySize)
}

// MailConfig holds mail container handling configuration.
type MailConfig struct {
	// AllowedExtensions is the attachment safe-list (lowercase, without dot).
	AllowedExtensions []string `toml:"allowed_extensions"`
}

// GetAllowedExtensions returns the attachment safe-list or its default.
func (m *MailConfig) GetAllowedExtensions() []string {
	if len(m.AllowedExtensions) == 0 {
		return []string{"pdf", "zip", "xml", "jpg", "jpeg", "png", "tif", "tiff"}
	}
	return m.AllowedExtensions
}

// PasswordsConfig configures the password source. An empty candidate list is
// valid: encrypted containers then fail with ErrEncryptionUnresolved.
type PasswordsConfig struct {
	Zip           []string `toml:"zip"`
	Pdf           []string `toml:"pdf"`
	LookupTimeout string   `toml:"lookup_timeout"` // Timeout for one password lookup (default: "5s")
}

// GetLookupTimeout parses the password lookup timeout.
func (p *PasswordsConfig) GetLookupTimeout() (time.Duration, error) {
	if p.LookupTimeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(p.LookupTimeout)
}

// S3Config holds the optional archive sink configuration. A nil section
// disables the sink and the uploader.
type S3Config struct {
	Endpoint   string `toml:"endpoint"`
	DisableTLS bool   `toml:"disable_tls"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	Bucket     string `toml:"bucket"`
	Trace      bool   `toml:"trace"`
}

// UploaderConfig holds the background upload worker configuration.
type UploaderConfig struct {
	BatchSize     int    `toml:"batch_size"`
	Concurrency   int    `toml:"concurrency"`
	MaxAttempts   int    `toml:"max_attempts"`
	RetryInterval string `toml:"retry_interval"`
}

// GetRetryInterval parses the retry interval for failed uploads.
func (u *UploaderConfig) GetRetryInterval() (time.Duration, error) {
	if u.RetryInterval == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(u.RetryInterval)
}

// GetBatchSize returns the upload batch size.
func (u *UploaderConfig) GetBatchSize() int {
	if u.BatchSize <= 0 {
		return 10
	}
	return u.BatchSize
}

// GetConcurrency returns the upload concurrency.
func (u *UploaderConfig) GetConcurrency() int {
	if u.Concurrency <= 0 {
		return 5
	}
	return u.Concurrency
}

// GetMaxAttempts returns the per-file upload attempt limit.
func (u *UploaderConfig) GetMaxAttempts() int {
	if u.MaxAttempts <= 0 {
		return 5
	}
	return u.MaxAttempts
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"` // default ":9090"
}

// GetAddr returns the metrics listen address.
func (m *MetricsConfig) GetAddr() string {
	if m.Addr == "" {
		return ":9090"
	}
	return m.Addr
}

// Config is the root configuration.
type Config struct {
	Logging   LoggingConfig   `toml:"logging"`
	Staging   StagingConfig   `toml:"staging"`
	Limits    LimitsConfig    `toml:"limits"`
	Mail      MailConfig      `toml:"mail"`
	Passwords PasswordsConfig `toml:"passwords"`
	S3        *S3Config       `toml:"s3"`
	Uploader  UploaderConfig  `toml:"uploader"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// NewDefault returns a configuration with application defaults applied.
func NewDefault() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Staging: StagingConfig{
			Path: "./staging",
		},
	}
}

// Load reads and validates a TOML configuration file on top of defaults.
func Load(path string) (Config, error) {
	cfg := NewDefault()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Staging.Path == "" {
		return fmt.Errorf("staging.path cannot be empty")
	}
	if _, err := c.Limits.GetMaxTotalSize(); err != nil {
		return fmt.Errorf("limits.max_total_size: %w", err)
	}
	if _, err := c.Limits.GetMaxEntrySize(); err != nil {
		return fmt.Errorf("limits.max_entry_size: %w", err)
	}
	if _, err := c.Passwords.GetLookupTimeout(); err != nil {
		return fmt.Errorf("passwords.lookup_timeout: %w", err)
	}
	if _, err := c.Uploader.GetRetryInterval(); err != nil {
		return fmt.Errorf("uploader.retry_interval: %w", err)
	}
	if c.S3 != nil {
		if c.S3.Endpoint == "" || c.S3.Bucket == "" {
			return fmt.Errorf("s3.endpoint and s3.bucket are required when [s3] is configured")
		}
	}
	return nil
}
