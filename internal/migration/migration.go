package migration

import (
	"context"

	"accessioning/internal/errors"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// Migrator defines the interface for database migration operations
type Migrator interface {
	Run(ctx context.Context, db *sqlx.DB) error
	Version() string
}

// MigrationRunner creates the accessioning schema. Every statement is
// idempotent, so running it against an up-to-date database is a no-op.
type MigrationRunner struct {
	version string
	log     logrus.FieldLogger
}

// NewRunner creates a new migration runner
func NewRunner(log logrus.FieldLogger) *MigrationRunner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &MigrationRunner{
		version: "1.0.0",
		log:     log,
	}
}

// Version returns the migration version
func (r *MigrationRunner) Version() string {
	return r.version
}

// Run executes all database migrations in the correct order
func (r *MigrationRunner) Run(ctx context.Context, db *sqlx.DB) error {
	if err := r.createBlocksTable(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create contiguous_id_blocks table")
	}

	if err := r.createSubmittedVariantsTable(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create submitted_variants table")
	}

	if err := r.createClusteredVariantsTable(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create clustered_variants table")
	}

	if err := r.createOperationsTable(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create variant_operations table")
	}

	if err := r.createIndexes(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create indexes")
	}

	if err := r.recordVersion(ctx, db); err != nil {
		return errors.Wrap(err, "failed to record schema version")
	}

	r.log.WithField("version", r.version).Info("database schema is up to date")
	return nil
}

func (r *MigrationRunner) createBlocksTable(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS contiguous_id_blocks (
			id BIGSERIAL PRIMARY KEY,
			category VARCHAR(32) NOT NULL,
			first_value BIGINT NOT NULL,
			last_value BIGINT NOT NULL,
			last_committed BIGINT NOT NULL,
			application_instance_id VARCHAR(255) NOT NULL,
			reserved BOOLEAN NOT NULL DEFAULT false,
			last_updated TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			version BIGINT NOT NULL DEFAULT 0,
			CONSTRAINT contiguous_id_blocks_category_first_value_key UNIQUE (category, first_value),
			CONSTRAINT contiguous_id_blocks_watermark_check
				CHECK (first_value <= last_committed + 1 AND last_committed <= last_value)
		)
	`)
	return err
}

func (r *MigrationRunner) createSubmittedVariantsTable(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS submitted_variants (
			hash VARCHAR(40) PRIMARY KEY,
			accession BIGINT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			assembly_accession VARCHAR(64) NOT NULL,
			taxonomy_accession INTEGER NOT NULL,
			project_accession VARCHAR(64) NOT NULL,
			contig VARCHAR(255) NOT NULL,
			start_position BIGINT NOT NULL,
			reference_allele TEXT NOT NULL,
			alternate_allele TEXT NOT NULL,
			clustered_variant_accession BIGINT,
			supported_by_evidence BOOLEAN NOT NULL DEFAULT true,
			assembly_match BOOLEAN NOT NULL DEFAULT true,
			alleles_match BOOLEAN NOT NULL DEFAULT true,
			validated BOOLEAN NOT NULL DEFAULT false,
			remapped_from VARCHAR(64),
			merged_from BIGINT,
			created_date TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (r *MigrationRunner) createClusteredVariantsTable(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS clustered_variants (
			hash VARCHAR(40) PRIMARY KEY,
			accession BIGINT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			assembly_accession VARCHAR(64) NOT NULL,
			taxonomy_accession INTEGER NOT NULL,
			contig VARCHAR(255) NOT NULL,
			start_position BIGINT NOT NULL,
			type VARCHAR(32) NOT NULL,
			validated BOOLEAN NOT NULL DEFAULT false,
			merged_from BIGINT,
			created_date TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (r *MigrationRunner) createOperationsTable(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS variant_operations (
			id VARCHAR(64) PRIMARY KEY,
			record_kind VARCHAR(16) NOT NULL,
			accession BIGINT NOT NULL,
			event_type VARCHAR(16) NOT NULL,
			merged_into BIGINT,
			split_into BIGINT,
			reason TEXT NOT NULL,
			created_date TIMESTAMP WITH TIME ZONE NOT NULL,
			prior_snapshot BYTEA
		)
	`)
	return err
}

// createIndexes fails the run on error: the unique indexes carry the
// accession invariants
func (r *MigrationRunner) createIndexes(ctx context.Context, db *sqlx.DB) error {
	indexes := []string{
		// Accession uniqueness; remapped copies and merged rows share the accession
		"CREATE UNIQUE INDEX IF NOT EXISTS submitted_variants_accession_key ON submitted_variants(accession) WHERE remapped_from IS NULL AND merged_from IS NULL",
		"CREATE UNIQUE INDEX IF NOT EXISTS clustered_variants_accession_key ON clustered_variants(accession) WHERE merged_from IS NULL",

		// Lookups
		"CREATE INDEX IF NOT EXISTS idx_submitted_accession ON submitted_variants(accession)",
		"CREATE INDEX IF NOT EXISTS idx_submitted_cluster ON submitted_variants(clustered_variant_accession) WHERE clustered_variant_accession IS NOT NULL",
		"CREATE INDEX IF NOT EXISTS idx_operations_accession ON variant_operations(record_kind, accession, created_date)",
		"CREATE INDEX IF NOT EXISTS idx_blocks_recoverable ON contiguous_id_blocks(category, last_updated) WHERE last_committed < last_value",
	}

	for _, idxSQL := range indexes {
		if _, err := db.ExecContext(ctx, idxSQL); err != nil {
			return err
		}
	}
	return nil
}

func (r *MigrationRunner) recordVersion(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(32) PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO schema_migrations (version) VALUES ($1)
		ON CONFLICT (version) DO NOTHING
	`, r.version)
	return err
}
