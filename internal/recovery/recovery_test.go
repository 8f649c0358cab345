package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"accessioning/adapters/memory"
	"accessioning/domain/block"
	"accessioning/domain/core"
	"accessioning/domain/variant"
	"accessioning/internal/allocator"
	"accessioning/internal/logging"
	"accessioning/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func noWait() retry.Policy {
	return retry.Policy{Attempts: 2, Sleep: func(context.Context, time.Duration) error { return nil }}
}

func span(lo, hi int64) []core.Accession {
	var out []core.Accession
	for v := lo; v <= hi; v++ {
		out = append(out, core.Accession(v))
	}
	return out
}

func storeRecords(t *testing.T, repo *memory.SubmittedVariantRepository, accs []core.Accession) {
	t.Helper()
	var records []variant.Record[variant.SubmittedVariant]
	for _, acc := range accs {
		sv := variant.NewSubmittedVariant("GCA_1", 9606, "PRJ", "chr1", int64(acc), "C", "G")
		records = append(records, variant.Record[variant.SubmittedVariant]{
			Accession: acc, Hash: variant.SubmittedHash(sv), Version: 1, Data: sv,
		})
	}
	_, err := repo.InsertRecords(context.Background(), records)
	require.NoError(t, err)
}

func staleBlock(first, last, committed int64) block.Block {
	return block.Block{
		Category:              "ss",
		FirstValue:            first,
		LastValue:             last,
		LastCommitted:         committed,
		ApplicationInstanceID: "crashed-instance",
		Reserved:              true,
		LastUpdated:           now.Add(-10 * 24 * time.Hour),
	}
}

func getBlock(t *testing.T, repo *memory.BlockRepository, id int64) block.Block {
	t.Helper()
	all, err := repo.FindBlocks(context.Background(), "ss")
	require.NoError(t, err)
	for _, b := range all {
		if b.ID == id {
			return b
		}
	}
	t.Fatalf("block %d not found", id)
	return block.Block{}
}

func TestContiguousWatermark(t *testing.T) {
	tests := []struct {
		name      string
		watermark int64
		used      []core.Accession
		want      int64
		beyond    int
	}{
		{"nothing used", 99, nil, 99, 0},
		{"full prefix", 99, span(100, 129), 129, 0},
		{"gap at 116", 99, append(span(100, 115), span(117, 120)...), 115, 4},
		{"gap right after watermark", 99, span(101, 105), 99, 5},
		{"values at or below watermark ignored", 110, span(100, 112), 112, 0},
	}

	for _, test := range tests {
		got, beyond := ContiguousWatermark(test.watermark, test.used)
		assert.Equal(t, test.want, got, test.name)
		assert.Len(t, beyond, test.beyond, test.name)
	}
}

func TestRecoverGapStopsWatermark(t *testing.T) {
	blocks := memory.NewBlockRepository(core.NewFixedClock(now))
	records := memory.NewSubmittedVariantRepository()
	b := blocks.Put(staleBlock(100, 129, 99))
	storeRecords(t, records, append(span(100, 115), span(117, 120)...))

	agent := NewAgent(blocks, records, core.NewFixedClock(now), noWait(), logging.Discard())
	result, err := agent.Run(context.Background(), "ss", 7*24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Examined)
	assert.Equal(t, 1, result.Partial)
	assert.Equal(t, 1, result.Recovered())
	assert.Equal(t, b.ID, result.StoppedAtBlock)

	recovered := getBlock(t, blocks, b.ID)
	assert.Equal(t, int64(115), recovered.LastCommitted)
	assert.False(t, recovered.Reserved)

	// a new owner issues 121..129; 116 is never used and used values are never reissued
	alloc, err := allocator.New(allocator.Config{
		Category: "ss", InstanceID: "worker-new", BlockSize: 30, InitialValue: 100, Retry: noWait(),
	}, blocks, records, logging.Discard())
	require.NoError(t, err)
	issued, err := alloc.Generate(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, span(121, 129), issued)
}

func TestRecoverReleasesFullyAccountedBlocks(t *testing.T) {
	blocks := memory.NewBlockRepository(core.NewFixedClock(now))
	records := memory.NewSubmittedVariantRepository()
	full := blocks.Put(staleBlock(100, 109, 101))
	partial := blocks.Put(staleBlock(110, 119, 109))
	storeRecords(t, records, span(102, 109))
	storeRecords(t, records, span(110, 112))

	agent := NewAgent(blocks, records, core.NewFixedClock(now), noWait(), logging.Discard())
	result, err := agent.Run(context.Background(), "ss", 7*24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Released)
	assert.Zero(t, result.Partial)

	b1 := getBlock(t, blocks, full.ID)
	assert.Equal(t, int64(109), b1.LastCommitted)
	assert.True(t, b1.IsFull())
	assert.False(t, b1.Reserved)

	b2 := getBlock(t, blocks, partial.ID)
	assert.Equal(t, int64(112), b2.LastCommitted)
	assert.False(t, b2.Reserved)
}

func TestRecoverStopsScanAfterPartialBlock(t *testing.T) {
	blocks := memory.NewBlockRepository(core.NewFixedClock(now))
	records := memory.NewSubmittedVariantRepository()
	first := blocks.Put(staleBlock(100, 109, 99))
	second := blocks.Put(staleBlock(110, 119, 109))
	storeRecords(t, records, []core.Accession{100, 102})
	storeRecords(t, records, span(110, 119))

	agent := NewAgent(blocks, records, core.NewFixedClock(now), noWait(), logging.Discard())
	result, err := agent.Run(context.Background(), "ss", 7*24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Examined)
	assert.Equal(t, first.ID, result.StoppedAtBlock)
	assert.Equal(t, int64(100), getBlock(t, blocks, first.ID).LastCommitted)

	untouched := getBlock(t, blocks, second.ID)
	assert.Equal(t, int64(109), untouched.LastCommitted)
	assert.True(t, untouched.Reserved)
}

func TestRecoverIgnoresRecentBlocks(t *testing.T) {
	blocks := memory.NewBlockRepository(core.NewFixedClock(now))
	records := memory.NewSubmittedVariantRepository()
	recent := staleBlock(100, 109, 99)
	recent.LastUpdated = now.Add(-time.Hour)
	b := blocks.Put(recent)
	storeRecords(t, records, span(100, 105))

	agent := NewAgent(blocks, records, core.NewFixedClock(now), noWait(), logging.Discard())
	result, err := agent.Run(context.Background(), "ss", 7*24*time.Hour)
	require.NoError(t, err)

	assert.Zero(t, result.Examined)
	assert.Equal(t, int64(99), getBlock(t, blocks, b.ID).LastCommitted)
}

// failingProber fails for one block range and delegates otherwise
type failingProber struct {
	*memory.SubmittedVariantRepository
	failFrom core.Accession
}

func (p failingProber) FindByAccessionRange(ctx context.Context, lo, hi core.Accession) ([]core.Accession, error) {
	if lo == p.failFrom {
		return nil, errors.New("probe failed")
	}
	return p.SubmittedVariantRepository.FindByAccessionRange(ctx, lo, hi)
}

func TestRecoverSkipsFailingBlocks(t *testing.T) {
	blocks := memory.NewBlockRepository(core.NewFixedClock(now))
	records := memory.NewSubmittedVariantRepository()
	broken := blocks.Put(staleBlock(100, 109, 99))
	healthy := blocks.Put(staleBlock(110, 119, 109))
	storeRecords(t, records, span(110, 114))

	agent := NewAgent(blocks, failingProber{records, 100}, core.NewFixedClock(now), noWait(), logging.Discard())
	result, err := agent.Run(context.Background(), "ss", 7*24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Examined)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Released)
	assert.True(t, getBlock(t, blocks, broken.ID).Reserved)
	assert.Equal(t, int64(114), getBlock(t, blocks, healthy.ID).LastCommitted)
}
