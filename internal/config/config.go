package config

import (
	"os"
	"strconv"
	"time"

	"accessioning/domain/core"
	"accessioning/internal/errors"
	"accessioning/internal/retry"
)

// Config represents the complete application configuration
type Config struct {
	Database  DatabaseConfig
	Accession AccessionConfig
	Retry     RetryConfig
	Recovery  RecoveryConfig
	QC        QCConfig
	Server    ServerConfig
	Logging   LoggingConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
}

// AccessionConfig holds allocator settings shared by both accession spaces
type AccessionConfig struct {
	InstanceID core.InstanceID
	BlockSize  int64

	SubmittedCategory   string
	SubmittedStartValue int64
	ClusteredCategory   string
	ClusteredStartValue int64
}

// RetryConfig bounds retries of transient store failures
type RetryConfig struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// RecoveryConfig holds block recovery settings
type RecoveryConfig struct {
	Cutoff time.Duration
}

// QCConfig holds duplicate-cluster sweep settings
type QCConfig struct {
	Concurrency int
}

// ServerConfig holds web server settings
type ServerConfig struct {
	Port string
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables and validates it.
// The database URL is not required here; commands that need the database
// check it with RequireDatabase.
func Load() (*Config, error) {
	instanceID := core.InstanceID(getEnvOrDefault("ACCESSION_INSTANCE_ID", ""))
	if instanceID.IsEmpty() {
		instanceID = core.NewInstanceID()
	}

	config := &Config{
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: getEnvIntOrDefault("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns: getEnvIntOrDefault("DB_MAX_IDLE_CONNS", 5),
		},
		Accession: AccessionConfig{
			InstanceID:          instanceID,
			BlockSize:           getEnvInt64OrDefault("ACCESSION_BLOCK_SIZE", 1000),
			SubmittedCategory:   getEnvOrDefault("ACCESSION_SS_CATEGORY", "ss"),
			SubmittedStartValue: getEnvInt64OrDefault("ACCESSION_SS_START", 5000000000),
			ClusteredCategory:   getEnvOrDefault("ACCESSION_RS_CATEGORY", "rs"),
			ClusteredStartValue: getEnvInt64OrDefault("ACCESSION_RS_START", 3000000000),
		},
		Retry: RetryConfig{
			Attempts: getEnvIntOrDefault("ACCESSION_RETRY_ATTEMPTS", 5),
			Initial:  getEnvDurationOrDefault("ACCESSION_RETRY_INITIAL", 100*time.Millisecond),
			Max:      getEnvDurationOrDefault("ACCESSION_RETRY_MAX", 5*time.Second),
		},
		Recovery: RecoveryConfig{
			Cutoff: getEnvDurationOrDefault("RECOVERY_CUTOFF", 7*24*time.Hour),
		},
		QC: QCConfig{
			Concurrency: getEnvIntOrDefault("QC_CONCURRENCY", 4),
		},
		Server: ServerConfig{
			Port: getEnvOrDefault("PORT", "8080"),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "text"),
		},
	}

	if err := validateConfig(config); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}

	return config, nil
}

// RequireDatabase fails unless a database URL is configured
func (c *Config) RequireDatabase() error {
	if c.Database.URL == "" {
		return errors.ConfigInvalid("DATABASE_URL is required")
	}
	return nil
}

// RetryPolicy converts the retry settings
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		Attempts: c.Retry.Attempts,
		Initial:  c.Retry.Initial,
		Max:      c.Retry.Max,
	}
}

func validateConfig(config *Config) error {
	if config.Accession.BlockSize <= 0 {
		return errors.ConfigInvalid("ACCESSION_BLOCK_SIZE must be positive")
	}
	if config.Accession.SubmittedCategory == config.Accession.ClusteredCategory {
		return errors.ConfigInvalid("submitted and clustered categories must differ")
	}
	if config.Accession.SubmittedStartValue <= 0 || config.Accession.ClusteredStartValue <= 0 {
		return errors.ConfigInvalid("accession start values must be positive")
	}
	if config.Retry.Attempts < 1 {
		return errors.ConfigInvalid("ACCESSION_RETRY_ATTEMPTS must be at least 1")
	}
	if config.Recovery.Cutoff < 0 {
		return errors.ConfigInvalid("RECOVERY_CUTOFF must not be negative")
	}
	if config.QC.Concurrency < 1 {
		return errors.ConfigInvalid("QC_CONCURRENCY must be at least 1")
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
