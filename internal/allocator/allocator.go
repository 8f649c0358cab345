// Package allocator issues accessions from contiguous blocks reserved in the
// shared block store. One Allocator serves one accession category for one
// running instance.
//
// Values are issued from a local cursor under a mutex. A block's watermark
// in the store only moves once the caller confirms, through Commit, that
// the values were durably persisted downstream; anything issued but not yet
// committed is lost on a crash and picked up again by the recovery pass.
package allocator

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"

	"accessioning/domain/block"
	"accessioning/domain/core"
	"accessioning/internal/retry"
	"accessioning/ports"

	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by an allocator after Shutdown
var ErrClosed = stderrors.New("allocator is shut down")

// Config identifies the accession space and the instance drawing from it
type Config struct {
	Category     string
	InstanceID   core.InstanceID
	BlockSize    int64
	InitialValue int64
	Retry        retry.Policy
}

// Allocator hands out accessions for one category
type Allocator struct {
	cfg    Config
	blocks ports.BlockRepository
	prober ports.AccessionRangeProber
	log    logrus.FieldLogger

	mu     sync.Mutex
	active []*activeBlock
	closed bool
}

// activeBlock is a reserved block plus the instance-local issue state.
type activeBlock struct {
	block     block.Block
	next      int64          // lowest value never issued
	released  []int64        // issued then handed back, ascending
	confirmed map[int64]bool // committed downstream, above the watermark
}

func (a *activeBlock) hasCapacity() bool {
	return len(a.released) > 0 || a.next <= a.block.LastValue
}

func (a *activeBlock) take() int64 {
	if len(a.released) > 0 {
		v := a.released[0]
		a.released = a.released[1:]
		return v
	}
	v := a.next
	a.next++
	return v
}

// drained reports whether nothing is left to issue or confirm
func (a *activeBlock) drained() bool {
	return a.block.IsFull()
}

// New creates an allocator. prober is the record store of the category and
// is consulted when a block is taken over from another instance.
func New(cfg Config, blocks ports.BlockRepository, prober ports.AccessionRangeProber, log logrus.FieldLogger) (*Allocator, error) {
	if cfg.Category == "" {
		return nil, fmt.Errorf("allocator: category is required")
	}
	if cfg.InstanceID.IsEmpty() {
		return nil, fmt.Errorf("allocator: instance id is required")
	}
	if cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("allocator: block size must be positive")
	}
	if cfg.InitialValue <= 0 {
		cfg.InitialValue = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Allocator{
		cfg:    cfg,
		blocks: blocks,
		prober: prober,
		log: log.WithFields(logrus.Fields{
			"category": cfg.Category,
			"instance": cfg.InstanceID.String(),
		}),
	}, nil
}

// Category returns the accession space served
func (a *Allocator) Category() string {
	return a.cfg.Category
}

// Generate issues n accessions. Values handed back through Release are
// reissued first; otherwise values increase monotonically.
func (a *Allocator) Generate(ctx context.Context, n int) ([]core.Accession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}

	out := make([]core.Accession, 0, n)
	for len(out) < n {
		ab := a.withCapacity()
		if ab == nil {
			reserved, err := a.reserve(ctx)
			if err != nil {
				// Values already taken stay issued; hand them back so the
				// next call reuses them.
				a.release(out)
				return nil, err
			}
			a.active = append(a.active, reserved)
			continue
		}
		out = append(out, core.Accession(ab.take()))
	}
	return out, nil
}

// Commit confirms that accessions were durably persisted and advances each
// affected block's watermark over the contiguous confirmed prefix.
func (a *Allocator) Commit(ctx context.Context, accessions []core.Accession) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	touched := make(map[*activeBlock]bool)
	for _, acc := range accessions {
		v := int64(acc)
		ab := a.owning(v)
		if ab == nil {
			return core.NewInvariantViolation("accession %d was not issued by %s allocator %s", v, a.cfg.Category, a.cfg.InstanceID)
		}
		if v <= ab.block.LastCommitted {
			continue
		}
		ab.confirmed[v] = true
		touched[ab] = true
	}

	var errs []error
	for ab := range touched {
		watermark := ab.block.LastCommitted
		for ab.confirmed[watermark+1] {
			watermark++
		}
		if watermark == ab.block.LastCommitted {
			continue
		}
		if err := a.commitWatermark(ctx, ab, watermark); err != nil {
			errs = append(errs, err)
			continue
		}
		for v := range ab.confirmed {
			if v <= watermark {
				delete(ab.confirmed, v)
			}
		}
	}
	if len(errs) > 0 {
		return stderrors.Join(errs...)
	}

	return a.retireDrained(ctx)
}

// Release hands back issued accessions that were never persisted, so they
// are issued again before the cursor moves on.
func (a *Allocator) Release(accessions []core.Accession) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.release(accessions)
}

// Shutdown releases every block this instance holds. Issued but
// uncommitted values are abandoned to the recovery pass.
func (a *Allocator) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	for _, ab := range a.active {
		if err := a.releaseBlock(ctx, ab); err != nil {
			errs = append(errs, err)
		}
	}
	a.active = nil
	return stderrors.Join(errs...)
}

// ActiveBlocks returns the blocks currently held, for reporting
func (a *Allocator) ActiveBlocks() []block.Block {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]block.Block, len(a.active))
	for i, ab := range a.active {
		out[i] = ab.block
	}
	return out
}

func (a *Allocator) release(accessions []core.Accession) {
	for _, acc := range accessions {
		v := int64(acc)
		ab := a.owning(v)
		if ab == nil || v <= ab.block.LastCommitted || ab.confirmed[v] {
			continue
		}
		i := sort.Search(len(ab.released), func(i int) bool { return ab.released[i] >= v })
		if i < len(ab.released) && ab.released[i] == v {
			continue
		}
		ab.released = append(ab.released, 0)
		copy(ab.released[i+1:], ab.released[i:])
		ab.released[i] = v
	}
}

func (a *Allocator) withCapacity() *activeBlock {
	for _, ab := range a.active {
		if ab.hasCapacity() {
			return ab
		}
	}
	return nil
}

func (a *Allocator) owning(v int64) *activeBlock {
	for _, ab := range a.active {
		if ab.block.Contains(v) {
			return ab
		}
	}
	return nil
}

// reserve takes the next block from the store. Values a previous owner
// left above the watermark are probed and skipped so they are never
// issued twice.
func (a *Allocator) reserve(ctx context.Context) (*activeBlock, error) {
	for {
		var reserved *block.Block
		err := a.cfg.Retry.Do(ctx, a.log, "reserve block", func(ctx context.Context) error {
			var err error
			reserved, err = a.blocks.ReserveBlock(ctx, a.cfg.Category, a.cfg.InstanceID, a.cfg.BlockSize, a.cfg.InitialValue)
			return err
		})
		if err != nil {
			return nil, err
		}
		if err := reserved.Validate(); err != nil {
			return nil, err
		}

		ab := &activeBlock{
			block:     *reserved,
			next:      reserved.LastCommitted + 1,
			confirmed: make(map[int64]bool),
		}
		a.log.WithFields(logrus.Fields{
			"block_id":       reserved.ID,
			"first_value":    reserved.FirstValue,
			"last_value":     reserved.LastValue,
			"last_committed": reserved.LastCommitted,
		}).Info("reserved accession block")

		if err := a.skipUsed(ctx, ab); err != nil {
			return nil, err
		}
		if !ab.drained() {
			return ab, nil
		}
		if err := a.releaseBlock(ctx, ab); err != nil {
			return nil, err
		}
	}
}

func (a *Allocator) skipUsed(ctx context.Context, ab *activeBlock) error {
	if a.prober == nil || ab.next > ab.block.LastValue {
		return nil
	}
	var used []core.Accession
	err := a.cfg.Retry.Do(ctx, a.log, "probe block range", func(ctx context.Context) error {
		var err error
		used, err = a.prober.FindByAccessionRange(ctx, core.Accession(ab.next), core.Accession(ab.block.LastValue))
		return err
	})
	if err != nil {
		return err
	}
	if len(used) == 0 {
		return nil
	}

	highest := int64(used[len(used)-1])
	a.log.WithFields(logrus.Fields{
		"block_id": ab.block.ID,
		"before":   ab.block.LastCommitted,
		"after":    highest,
		"used":     len(used),
	}).Info("skipping values used above block watermark")
	ab.next = highest + 1
	return a.commitWatermark(ctx, ab, highest)
}

func (a *Allocator) commitWatermark(ctx context.Context, ab *activeBlock, watermark int64) error {
	err := a.cfg.Retry.Do(ctx, a.log, "commit watermark", func(ctx context.Context) error {
		return a.blocks.CommitWatermark(ctx, ab.block.ID, watermark)
	})
	if err != nil {
		return err
	}
	ab.block.LastCommitted = watermark
	for i := 0; i < len(ab.released); i++ {
		if ab.released[i] > watermark {
			ab.released = ab.released[i:]
			return nil
		}
	}
	ab.released = nil
	return nil
}

// retireDrained releases blocks whose every value is committed
func (a *Allocator) retireDrained(ctx context.Context) error {
	kept := a.active[:0]
	var errs []error
	for _, ab := range a.active {
		if !ab.drained() {
			kept = append(kept, ab)
			continue
		}
		if err := a.releaseBlock(ctx, ab); err != nil {
			errs = append(errs, err)
			kept = append(kept, ab)
		}
	}
	a.active = kept
	return stderrors.Join(errs...)
}

func (a *Allocator) releaseBlock(ctx context.Context, ab *activeBlock) error {
	err := a.cfg.Retry.Do(ctx, a.log, "release block", func(ctx context.Context) error {
		return a.blocks.ReleaseBlock(ctx, ab.block.ID, a.cfg.InstanceID)
	})
	if err != nil {
		return fmt.Errorf("failed to release block %d: %w", ab.block.ID, err)
	}
	a.log.WithFields(logrus.Fields{
		"block_id":       ab.block.ID,
		"last_committed": ab.block.LastCommitted,
		"last_value":     ab.block.LastValue,
	}).Info("released accession block")
	return nil
}
