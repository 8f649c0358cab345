package memory

import (
	"context"
	"sync"

	"accessioning/domain/core"
	"accessioning/domain/operation"
	"accessioning/ports"
)

// OperationRepository is an in-memory append-only ledger
type OperationRepository struct {
	mu  sync.RWMutex
	ops []operation.Operation
}

// NewOperationRepository creates an empty ledger
func NewOperationRepository() *OperationRepository {
	return &OperationRepository{}
}

var _ ports.OperationRepository = (*OperationRepository)(nil)

// Append adds op to the ledger
func (r *OperationRepository) Append(ctx context.Context, op operation.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	return nil
}

// FindByAccession returns entries for accession, oldest first
func (r *OperationRepository) FindByAccession(ctx context.Context, accession core.Accession) ([]operation.Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []operation.Operation
	for _, op := range r.ops {
		if op.Accession == accession {
			out = append(out, op)
		}
	}
	return out, nil
}

// All returns every entry in append order
func (r *OperationRepository) All() []operation.Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]operation.Operation(nil), r.ops...)
}
