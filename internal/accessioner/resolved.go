package accessioner

import (
	"context"
	"fmt"
	"time"

	"accessioning/domain/core"
	"accessioning/domain/operation"
	"accessioning/domain/variant"
)

// Historical describes an accession taken out of the active set
type Historical[T any] struct {
	EventType  operation.EventType `json:"event_type"`
	MergedInto *core.Accession     `json:"merged_into,omitempty"`
	Reason     string              `json:"reason"`
	Date       time.Time           `json:"date"`
	Snapshot   []T                 `json:"snapshot"`
}

// Resolved is either Active (one or more stored rows) or Historical
type Resolved[T any] struct {
	Accession  core.Accession      `json:"accession"`
	Active     []variant.Record[T] `json:"active,omitempty"`
	Historical *Historical[T]      `json:"historical,omitempty"`
}

// IsActive reports whether the accession still has stored rows
func (r Resolved[T]) IsActive() bool {
	return len(r.Active) > 0
}

// ToHistorical converts a retiring ledger entry into its historical view
func ToHistorical[T any](op operation.Operation) (*Historical[T], error) {
	if !op.Retires() {
		return nil, fmt.Errorf("operation %s (%s) does not retire %s", op.ID, op.EventType, op.Accession)
	}
	snapshot, err := operation.DecodeSnapshot[T](op)
	if err != nil {
		return nil, err
	}
	return &Historical[T]{
		EventType:  op.EventType,
		MergedInto: op.MergedInto,
		Reason:     op.Reason,
		Date:       op.CreatedDate,
		Snapshot:   snapshot,
	}, nil
}

// Get resolves accession to its stored rows or, when retired, to the ledger
// entry that retired it
func (s *Service[T]) Get(ctx context.Context, accession core.Accession) (Resolved[T], error) {
	rows, err := s.activeRows(ctx, accession)
	if err == nil {
		return Resolved[T]{Accession: accession, Active: rows}, nil
	}
	if !core.IsNotFoundError(err) {
		return Resolved[T]{}, err
	}

	var ops []operation.Operation
	err = s.retry.Do(ctx, s.log, "find operations", func(ctx context.Context) error {
		var err error
		ops, err = s.ops.FindByAccession(ctx, accession)
		return err
	})
	if err != nil {
		return Resolved[T]{}, err
	}
	for i := len(ops) - 1; i >= 0; i-- {
		if !ops[i].Retires() {
			continue
		}
		historical, err := ToHistorical[T](ops[i])
		if err != nil {
			return Resolved[T]{}, err
		}
		return Resolved[T]{Accession: accession, Historical: historical}, nil
	}
	return Resolved[T]{}, fmt.Errorf("%w %s", core.ErrAccessionNotFound, accession)
}
