package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"accessioning/domain/block"
	"accessioning/domain/core"
	"accessioning/ports"

	"github.com/jmoiron/sqlx"
)

const blockColumns = `id, category, first_value, last_value, last_committed,
	application_instance_id, reserved, last_updated, version`

// BlockRepositoryImpl stores blocks in contiguous_id_blocks
type BlockRepositoryImpl struct {
	db    *sqlx.DB
	clock core.Clock
}

// NewBlockRepository creates a PostgreSQL block repository
func NewBlockRepository(db *sqlx.DB, clock core.Clock) ports.BlockRepository {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &BlockRepositoryImpl{db: db, clock: clock}
}

// ReserveBlock claims the lowest free block with a version-checked update,
// or inserts a new block past the category's highest value. Losing either
// race returns core.ErrBlockConflict.
func (r *BlockRepositoryImpl) ReserveBlock(ctx context.Context, category string, owner core.InstanceID, size, initialValue int64) (*block.Block, error) {
	now := r.clock.Now()

	var free block.Block
	err := r.db.GetContext(ctx, &free, `
		SELECT `+blockColumns+`
		FROM contiguous_id_blocks
		WHERE category = $1 AND reserved = false AND last_committed < last_value
		ORDER BY first_value
		LIMIT 1
	`, category)
	switch {
	case err == nil:
		return r.claim(ctx, free, owner, now)
	case !stderrors.Is(err, sql.ErrNoRows):
		return nil, classify("find free block", err)
	}

	var maxLast int64
	err = r.db.GetContext(ctx, &maxLast, `
		SELECT COALESCE(MAX(last_value), $2)
		FROM contiguous_id_blocks
		WHERE category = $1
	`, category, initialValue-1)
	if err != nil {
		return nil, classify("find highest block", err)
	}

	created := block.New(category, owner, maxLast+1, size, now)
	err = r.db.GetContext(ctx, &created, `
		INSERT INTO contiguous_id_blocks (category, first_value, last_value, last_committed,
			application_instance_id, reserved, last_updated, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0)
		RETURNING `+blockColumns,
		created.Category, created.FirstValue, created.LastValue, created.LastCommitted,
		created.ApplicationInstanceID, created.Reserved, created.LastUpdated)
	if isUniqueViolation(err, "contiguous_id_blocks_category_first_value_key") {
		return nil, core.ErrBlockConflict
	}
	if err != nil {
		return nil, classify("create block", err)
	}
	return &created, nil
}

func (r *BlockRepositoryImpl) claim(ctx context.Context, free block.Block, owner core.InstanceID, now time.Time) (*block.Block, error) {
	var claimed block.Block
	err := r.db.GetContext(ctx, &claimed, `
		UPDATE contiguous_id_blocks
		SET reserved = true, application_instance_id = $3, last_updated = $4, version = version + 1
		WHERE id = $1 AND version = $2 AND reserved = false
		RETURNING `+blockColumns,
		free.ID, free.Version, owner.String(), now)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrBlockConflict
	}
	if err != nil {
		return nil, classify("reserve block", err)
	}
	return &claimed, nil
}

// CommitWatermark raises last_committed; lower values are a no-op
func (r *BlockRepositoryImpl) CommitWatermark(ctx context.Context, blockID int64, value int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE contiguous_id_blocks
		SET last_committed = $2, last_updated = $3, version = version + 1
		WHERE id = $1 AND last_committed < $2 AND $2 <= last_value
	`, blockID, value, r.clock.Now())
	if err != nil {
		return classify("commit watermark", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return classify("commit watermark", err)
	}

	b, err := r.get(ctx, blockID)
	if err != nil {
		return err
	}
	if value > b.LastValue {
		return core.NewInvariantViolation("watermark %d beyond block %d end %d", value, blockID, b.LastValue)
	}
	return nil
}

// ReleaseBlock clears owner's reservation
func (r *BlockRepositoryImpl) ReleaseBlock(ctx context.Context, blockID int64, owner core.InstanceID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE contiguous_id_blocks
		SET reserved = false, last_updated = $3, version = version + 1
		WHERE id = $1 AND application_instance_id = $2 AND reserved = true
	`, blockID, owner.String(), r.clock.Now())
	if err != nil {
		return classify("release block", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return classify("release block", err)
	}
	if _, err := r.get(ctx, blockID); err != nil {
		return err
	}
	return core.ErrNotBlockOwner
}

// FindRecoverableBlocks lists blocks of category untouched since cutoff
// that still have values above the watermark, lowest first
func (r *BlockRepositoryImpl) FindRecoverableBlocks(ctx context.Context, category string, cutoff time.Time) ([]block.Block, error) {
	var blocks []block.Block
	err := r.db.SelectContext(ctx, &blocks, `
		SELECT `+blockColumns+`
		FROM contiguous_id_blocks
		WHERE category = $1 AND last_updated < $2 AND last_committed < last_value
		ORDER BY first_value
	`, category, cutoff)
	if err != nil {
		return nil, classify("find recoverable blocks", err)
	}
	return blocks, nil
}

// UpdateRecovered writes a recovered watermark and clears the reservation
// if nobody touched the block since it was read
func (r *BlockRepositoryImpl) UpdateRecovered(ctx context.Context, updated block.Block) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE contiguous_id_blocks
		SET last_committed = GREATEST(last_committed, $2), reserved = false,
			last_updated = $3, version = version + 1
		WHERE id = $1 AND version = $4
	`, updated.ID, updated.LastCommitted, r.clock.Now(), updated.Version)
	if err != nil {
		return classify("update recovered block", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return classify("update recovered block", err)
	}
	if _, err := r.get(ctx, updated.ID); err != nil {
		return err
	}
	return core.ErrBlockConflict
}

// FindBlocks lists every block of category, lowest first
func (r *BlockRepositoryImpl) FindBlocks(ctx context.Context, category string) ([]block.Block, error) {
	var blocks []block.Block
	err := r.db.SelectContext(ctx, &blocks, `
		SELECT `+blockColumns+`
		FROM contiguous_id_blocks
		WHERE category = $1
		ORDER BY first_value
	`, category)
	if err != nil {
		return nil, classify("find blocks", err)
	}
	return blocks, nil
}

func (r *BlockRepositoryImpl) get(ctx context.Context, id int64) (block.Block, error) {
	var b block.Block
	err := r.db.GetContext(ctx, &b, `SELECT `+blockColumns+` FROM contiguous_id_blocks WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return b, core.ErrBlockNotFound
	}
	if err != nil {
		return b, classify("get block", err)
	}
	return b, nil
}
