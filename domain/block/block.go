package block

import (
	"fmt"
	"time"

	"accessioning/domain/core"
)

// Block is a contiguous range of accessions [FirstValue, LastValue] owned
// by at most one allocator instance at a time. LastCommitted is the
// watermark: every value up to it is durably used or permanently skipped.
type Block struct {
	ID                    int64     `json:"id" db:"id"`
	Category              string    `json:"category" db:"category"`
	FirstValue            int64     `json:"first_value" db:"first_value"`
	LastValue             int64     `json:"last_value" db:"last_value"`
	LastCommitted         int64     `json:"last_committed" db:"last_committed"`
	ApplicationInstanceID string    `json:"application_instance_id" db:"application_instance_id"`
	Reserved              bool      `json:"reserved" db:"reserved"`
	LastUpdated           time.Time `json:"last_updated" db:"last_updated"`
	Version               int64     `json:"version" db:"version"`
}

// New creates a reserved block of size values starting at first.
func New(category string, owner core.InstanceID, first, size int64, now time.Time) Block {
	return Block{
		Category:              category,
		FirstValue:            first,
		LastValue:             first + size - 1,
		LastCommitted:         first - 1,
		ApplicationInstanceID: owner.String(),
		Reserved:              true,
		LastUpdated:           now,
	}
}

// Size is the number of values in the block
func (b Block) Size() int64 {
	return b.LastValue - b.FirstValue + 1
}

// IsFull reports whether every value has been committed or skipped.
func (b Block) IsFull() bool {
	return b.LastCommitted >= b.LastValue
}

// Remaining is the count of values above the watermark.
func (b Block) Remaining() int64 {
	return b.LastValue - b.LastCommitted
}

// Contains reports whether v lies in the block's range
func (b Block) Contains(v int64) bool {
	return v >= b.FirstValue && v <= b.LastValue
}

// OwnedBy reports whether the block is reserved by owner
func (b Block) OwnedBy(owner core.InstanceID) bool {
	return b.Reserved && b.ApplicationInstanceID == owner.String()
}

// Validate checks FirstValue <= LastCommitted+1 <= LastValue+1.
func (b Block) Validate() error {
	if b.LastValue < b.FirstValue {
		return core.NewInvariantViolation("block %d: last value %d before first value %d", b.ID, b.LastValue, b.FirstValue)
	}
	if b.LastCommitted+1 < b.FirstValue || b.LastCommitted > b.LastValue {
		return core.NewInvariantViolation("block %d: watermark %d outside [%d, %d]", b.ID, b.LastCommitted, b.FirstValue-1, b.LastValue)
	}
	return nil
}

func (b Block) String() string {
	return fmt.Sprintf("block{id=%d category=%s range=[%d,%d] committed=%d reserved=%t owner=%s}",
		b.ID, b.Category, b.FirstValue, b.LastValue, b.LastCommitted, b.Reserved, b.ApplicationInstanceID)
}
