package core

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Accession is a permanent integer identifier issued to a record.
type Accession int64

// String returns the decimal representation
func (a Accession) String() string {
	return strconv.FormatInt(int64(a), 10)
}

// ParseAccession parses a decimal accession, rejecting non-positive values.
func ParseAccession(s string) (Accession, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid accession %q: %w", s, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid accession %q: must be positive", s)
	}
	return Accession(v), nil
}

// Int64s converts accessions for drivers that want []int64.
func Int64s(accessions []Accession) []int64 {
	out := make([]int64, len(accessions))
	for i, a := range accessions {
		out[i] = int64(a)
	}
	return out
}

// InstanceID identifies one running allocator instance.
type InstanceID string

// NewInstanceID creates a new instance identifier using UUID v7 so
// identifiers sort by start time.
func NewInstanceID() InstanceID {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return InstanceID(id.String())
}

// String returns the string representation
func (id InstanceID) String() string {
	return string(id)
}

// IsEmpty checks if the ID is empty
func (id InstanceID) IsEmpty() bool {
	return id == ""
}

// NewOperationID returns a time-ordered identifier for a ledger entry.
func NewOperationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
