package postgres

import (
	"context"

	"accessioning/domain/core"
	"accessioning/domain/operation"
	"accessioning/ports"

	"github.com/jmoiron/sqlx"
)

// OperationRepositoryImpl is the ledger of one record kind in
// variant_operations
type OperationRepositoryImpl struct {
	db   *sqlx.DB
	kind string
}

// NewOperationRepository creates the ledger for kind ("submitted" or
// "clustered")
func NewOperationRepository(db *sqlx.DB, kind string) ports.OperationRepository {
	return &OperationRepositoryImpl{db: db, kind: kind}
}

// Append inserts op. Entries are never updated.
func (r *OperationRepositoryImpl) Append(ctx context.Context, op operation.Operation) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO variant_operations (id, record_kind, accession, event_type, merged_into, split_into,
			reason, created_date, prior_snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, op.ID, r.kind, int64(op.Accession), string(op.EventType), op.MergedInto, op.SplitInto,
		op.Reason, op.CreatedDate, op.PriorSnapshot)
	return classify("append operation", err)
}

// FindByAccession returns the entries for accession, oldest first
func (r *OperationRepositoryImpl) FindByAccession(ctx context.Context, accession core.Accession) ([]operation.Operation, error) {
	var ops []operation.Operation
	err := r.db.SelectContext(ctx, &ops, `
		SELECT id, accession, event_type, merged_into, split_into, reason, created_date, prior_snapshot
		FROM variant_operations
		WHERE record_kind = $1 AND accession = $2
		ORDER BY created_date, id
	`, r.kind, int64(accession))
	if err != nil {
		return nil, classify("find operations", err)
	}
	return ops, nil
}
