package ports

import (
	"context"
	"time"

	"accessioning/domain/block"
	"accessioning/domain/core"
)

// BlockRepository is the shared store of accession blocks. Every write is
// conditional so that two instances can never own the same block.
type BlockRepository interface {
	// ReserveBlock hands owner the lowest unreserved block of category that
	// still has values above its watermark, or creates a new block of size
	// values past the current maximum (starting at initialValue for an
	// empty category). Returns core.ErrBlockConflict when another instance
	// won the race; callers retry.
	ReserveBlock(ctx context.Context, category string, owner core.InstanceID, size, initialValue int64) (*block.Block, error)

	// CommitWatermark advances LastCommitted to value. No-op if value is not
	// above the current watermark.
	CommitWatermark(ctx context.Context, blockID int64, value int64) error

	// ReleaseBlock clears the reservation held by owner.
	// Returns core.ErrNotBlockOwner if owner does not hold it.
	ReleaseBlock(ctx context.Context, blockID int64, owner core.InstanceID) error

	// FindRecoverableBlocks lists blocks of category, ascending by first
	// value, not touched since cutoff and not yet full.
	FindRecoverableBlocks(ctx context.Context, category string, cutoff time.Time) ([]block.Block, error)

	// UpdateRecovered writes a recovered watermark and clears the
	// reservation, provided the block's version is still b.Version.
	// Returns core.ErrBlockConflict if it changed underneath.
	UpdateRecovered(ctx context.Context, b block.Block) error

	// FindBlocks lists every block of category, ascending by first value.
	FindBlocks(ctx context.Context, category string) ([]block.Block, error)
}
