// Package testkit provides synthetic submissions and ready-made settings
// for exercising the accessioning services without a database.
package testkit

import (
	"time"

	"accessioning/domain/core"
	"accessioning/internal/config"
)

// Config returns settings for an in-memory container with small blocks and
// no retry waits
func Config(instance string) *config.Config {
	return &config.Config{
		Accession: config.AccessionConfig{
			InstanceID:          core.InstanceID(instance),
			BlockSize:           10,
			SubmittedCategory:   "ss",
			SubmittedStartValue: 5000000000,
			ClusteredCategory:   "rs",
			ClusteredStartValue: 3000000000,
		},
		Retry:    config.RetryConfig{Attempts: 1, Initial: time.Millisecond, Max: time.Millisecond},
		Recovery: config.RecoveryConfig{Cutoff: time.Hour},
		QC:       config.QCConfig{Concurrency: 2},
		Server:   config.ServerConfig{Port: "8080"},
		Logging:  config.LoggingConfig{Level: "error", Format: "text"},
	}
}
