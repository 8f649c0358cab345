package ports

import (
	"context"

	"accessioning/domain/core"
	"accessioning/domain/operation"
)

// OperationRepository is the append-only audit ledger of one record kind.
// There is no update or delete.
type OperationRepository interface {
	Append(ctx context.Context, op operation.Operation) error

	// FindByAccession returns the entries for accession, oldest first.
	FindByAccession(ctx context.Context, accession core.Accession) ([]operation.Operation, error)
}
