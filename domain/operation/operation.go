package operation

import (
	"fmt"
	"time"

	"accessioning/domain/core"

	"github.com/vmihailenco/msgpack"
)

// EventType names what happened to an accession
type EventType string

const (
	EventUpdated    EventType = "UPDATED"
	EventMerged     EventType = "MERGED"
	EventSplit      EventType = "SPLIT"
	EventDeprecated EventType = "DEPRECATED"
)

// Operation is one append-only ledger entry. PriorSnapshot holds the
// msgpack-encoded state of the affected records before the event.
// Entries are never mutated once appended.
type Operation struct {
	ID            string          `json:"id" db:"id"`
	Accession     core.Accession  `json:"accession" db:"accession"`
	EventType     EventType       `json:"event_type" db:"event_type"`
	MergedInto    *core.Accession `json:"merged_into,omitempty" db:"merged_into"`
	SplitInto     *core.Accession `json:"split_into,omitempty" db:"split_into"`
	Reason        string          `json:"reason" db:"reason"`
	CreatedDate   time.Time       `json:"created_date" db:"created_date"`
	PriorSnapshot []byte          `json:"-" db:"prior_snapshot"`
}

// Fill builds a ledger entry. mergedInto is only meaningful for MERGED;
// use FillSplit for SPLIT events.
func Fill[T any](eventType EventType, accession core.Accession, mergedInto *core.Accession, reason string, priorSnapshots []T, now time.Time) (Operation, error) {
	if eventType == EventMerged && mergedInto == nil {
		return Operation{}, fmt.Errorf("merge of %s needs a target accession", accession)
	}
	snapshot, err := msgpack.Marshal(priorSnapshots)
	if err != nil {
		return Operation{}, fmt.Errorf("failed to encode snapshot of %s: %w", accession, err)
	}
	return Operation{
		ID:            core.NewOperationID(),
		Accession:     accession,
		EventType:     eventType,
		MergedInto:    mergedInto,
		Reason:        reason,
		CreatedDate:   now,
		PriorSnapshot: snapshot,
	}, nil
}

// FillSplit builds a SPLIT entry pointing at the accession that took over
// part of the original's records.
func FillSplit[T any](accession, splitInto core.Accession, reason string, priorSnapshots []T, now time.Time) (Operation, error) {
	op, err := Fill(EventSplit, accession, nil, reason, priorSnapshots, now)
	if err != nil {
		return Operation{}, err
	}
	op.SplitInto = &splitInto
	return op, nil
}

// DecodeSnapshot returns the records captured in the entry.
func DecodeSnapshot[T any](op Operation) ([]T, error) {
	var out []T
	if len(op.PriorSnapshot) == 0 {
		return out, nil
	}
	if err := msgpack.Unmarshal(op.PriorSnapshot, &out); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot of operation %s: %w", op.ID, err)
	}
	return out, nil
}

// Retires reports whether the event takes the accession out of the active set.
func (op Operation) Retires() bool {
	return op.EventType == EventMerged || op.EventType == EventDeprecated
}
