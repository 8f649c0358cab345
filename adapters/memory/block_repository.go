// Package memory implements the ports against process memory. It mirrors
// the Postgres adapter's semantics (conditional writes, unique indexes) so
// the services can be exercised without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"accessioning/domain/block"
	"accessioning/domain/core"
	"accessioning/ports"
)

// BlockRepository keeps blocks in a slice guarded by a mutex
type BlockRepository struct {
	mu     sync.Mutex
	blocks []block.Block
	nextID int64
	clock  core.Clock
}

// NewBlockRepository creates an empty block store
func NewBlockRepository(clock core.Clock) *BlockRepository {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &BlockRepository{clock: clock, nextID: 1}
}

var _ ports.BlockRepository = (*BlockRepository)(nil)

// ReserveBlock reserves the lowest free block or appends a new one
func (r *BlockRepository) ReserveBlock(ctx context.Context, category string, owner core.InstanceID, size, initialValue int64) (*block.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	free := -1
	maxLast := initialValue - 1
	for i, b := range r.blocks {
		if b.Category != category {
			continue
		}
		if b.LastValue > maxLast {
			maxLast = b.LastValue
		}
		if b.Reserved || b.IsFull() {
			continue
		}
		if free == -1 || b.FirstValue < r.blocks[free].FirstValue {
			free = i
		}
	}

	if free >= 0 {
		b := &r.blocks[free]
		b.Reserved = true
		b.ApplicationInstanceID = owner.String()
		b.LastUpdated = now
		b.Version++
		out := *b
		return &out, nil
	}

	b := block.New(category, owner, maxLast+1, size, now)
	b.ID = r.nextID
	r.nextID++
	r.blocks = append(r.blocks, b)
	return &b, nil
}

// CommitWatermark advances the watermark if value is above it
func (r *BlockRepository) CommitWatermark(ctx context.Context, blockID int64, value int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.find(blockID)
	if err != nil {
		return err
	}
	if value <= b.LastCommitted {
		return nil
	}
	if value > b.LastValue {
		return core.NewInvariantViolation("watermark %d beyond block %d end %d", value, blockID, b.LastValue)
	}
	b.LastCommitted = value
	b.LastUpdated = r.clock.Now()
	b.Version++
	return nil
}

// ReleaseBlock clears owner's reservation
func (r *BlockRepository) ReleaseBlock(ctx context.Context, blockID int64, owner core.InstanceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.find(blockID)
	if err != nil {
		return err
	}
	if !b.OwnedBy(owner) {
		return core.ErrNotBlockOwner
	}
	b.Reserved = false
	b.LastUpdated = r.clock.Now()
	b.Version++
	return nil
}

// FindRecoverableBlocks lists stale, non-full blocks
func (r *BlockRepository) FindRecoverableBlocks(ctx context.Context, category string, cutoff time.Time) ([]block.Block, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []block.Block
	for _, b := range r.blocks {
		if b.Category == category && b.LastUpdated.Before(cutoff) && !b.IsFull() {
			out = append(out, b)
		}
	}
	sortBlocks(out)
	return out, nil
}

// UpdateRecovered writes the recovered watermark if the version matches
func (r *BlockRepository) UpdateRecovered(ctx context.Context, updated block.Block) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.find(updated.ID)
	if err != nil {
		return err
	}
	if b.Version != updated.Version {
		return core.ErrBlockConflict
	}
	if updated.LastCommitted > b.LastCommitted {
		b.LastCommitted = updated.LastCommitted
	}
	b.Reserved = false
	b.LastUpdated = r.clock.Now()
	b.Version++
	return nil
}

// FindBlocks lists all blocks of category
func (r *BlockRepository) FindBlocks(ctx context.Context, category string) ([]block.Block, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []block.Block
	for _, b := range r.blocks {
		if b.Category == category {
			out = append(out, b)
		}
	}
	sortBlocks(out)
	return out, nil
}

// Put stores b as is, replacing any block with the same ID. Tests use it to
// stage crashed-instance state.
func (r *BlockRepository) Put(b block.Block) block.Block {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b.ID == 0 {
		b.ID = r.nextID
	}
	if b.ID >= r.nextID {
		r.nextID = b.ID + 1
	}
	for i := range r.blocks {
		if r.blocks[i].ID == b.ID {
			r.blocks[i] = b
			return b
		}
	}
	r.blocks = append(r.blocks, b)
	return b
}

func (r *BlockRepository) find(id int64) (*block.Block, error) {
	for i := range r.blocks {
		if r.blocks[i].ID == id {
			return &r.blocks[i], nil
		}
	}
	return nil, core.ErrBlockNotFound
}

func sortBlocks(blocks []block.Block) {
	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].FirstValue < blocks[j].FirstValue
	})
}
