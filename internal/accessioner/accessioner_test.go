package accessioner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"accessioning/adapters/memory"
	"accessioning/domain/core"
	"accessioning/domain/operation"
	"accessioning/domain/variant"
	"accessioning/internal/allocator"
	"accessioning/internal/logging"
	"accessioning/internal/retry"
	"accessioning/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	records *memory.SubmittedVariantRepository
	ops     *memory.OperationRepository
	blocks  *memory.BlockRepository
	alloc   *allocator.Allocator
	service *Service[variant.SubmittedVariant]
}

func noWait() retry.Policy {
	return retry.Policy{Attempts: 3, Sleep: func(context.Context, time.Duration) error { return nil }}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		records: memory.NewSubmittedVariantRepository(),
		ops:     memory.NewOperationRepository(),
		blocks:  memory.NewBlockRepository(core.NewFixedClock(now)),
	}
	alloc, err := allocator.New(allocator.Config{
		Category:     "ss",
		InstanceID:   "test-instance",
		BlockSize:    50,
		InitialValue: 5000000000,
		Retry:        noWait(),
	}, f.blocks, f.records, logging.Discard())
	require.NoError(t, err)
	f.alloc = alloc
	f.service = f.newService(f.records, alloc)
	return f
}

func (f *fixture) newService(repo ports.RecordRepository[variant.SubmittedVariant], gen Generator) *Service[variant.SubmittedVariant] {
	return New[variant.SubmittedVariant](repo, f.ops, gen, variant.SubmittedHash,
		WithClock[variant.SubmittedVariant](core.NewFixedClock(now)),
		WithRetry[variant.SubmittedVariant](noWait()),
		WithLogger[variant.SubmittedVariant](logging.Discard()),
	)
}

func submission(start int64, ref, alt string) variant.SubmittedVariant {
	return variant.NewSubmittedVariant("GCA_000001405.15", 9606, "PRJEB1", "chr1", start, ref, alt)
}

func TestGetOrCreateAssignsDistinctAccessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.service.GetOrCreate(ctx, []variant.SubmittedVariant{
		submission(100, "A", "C"),
		submission(100, "A", "G"),
		submission(101, "A", "C"),
	})
	require.NoError(t, err)
	require.Len(t, out, 3)

	seen := make(map[core.Accession]bool)
	for _, w := range out {
		assert.True(t, w.IsNew)
		assert.Equal(t, 1, w.Version)
		assert.False(t, seen[w.Accession], "accession %s issued twice", w.Accession)
		seen[w.Accession] = true
	}
	assert.Equal(t, core.Accession(5000000000), out[0].Accession)
	assert.Equal(t, 3, f.records.Len())
	assert.Equal(t, int64(5000000002), f.alloc.ActiveBlocks()[0].LastCommitted)
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.GetOrCreate(ctx, []variant.SubmittedVariant{submission(100, "A", "C")})
	require.NoError(t, err)

	changed := submission(100, "a", "c")
	changed.AllelesMatch = false
	changed.Validated = true
	second, err := f.service.GetOrCreate(ctx, []variant.SubmittedVariant{changed})
	require.NoError(t, err)

	assert.Equal(t, first[0].Accession, second[0].Accession)
	assert.True(t, first[0].IsNew)
	assert.False(t, second[0].IsNew)
	// stored metadata wins over the resubmission
	assert.True(t, second[0].Data.AllelesMatch)
	assert.Equal(t, 1, f.records.Len())
}

func TestGetOrCreateDeduplicatesWithinBatch(t *testing.T) {
	f := newFixture(t)

	out, err := f.service.GetOrCreate(context.Background(), []variant.SubmittedVariant{
		submission(100, "A", "C"),
		submission(100, "A", "C"),
	})
	require.NoError(t, err)
	assert.Equal(t, out[0].Accession, out[1].Accession)
	assert.Equal(t, 1, f.records.Len())
}

func TestGetOrCreateConcurrentSameHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const callers = 16
	results := make([]core.Accession, callers)
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.service.GetOrCreate(ctx, []variant.SubmittedVariant{submission(100, "A", "T")})
			if err != nil {
				errs <- err
				return
			}
			results[i] = out[0].Accession
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, acc := range results {
		assert.Equal(t, results[0], acc)
	}
	assert.Equal(t, 1, f.records.Len())

	next, err := f.service.GetOrCreate(ctx, []variant.SubmittedVariant{submission(200, "A", "T")})
	require.NoError(t, err)
	assert.NotEqual(t, results[0], next[0].Accession)
	assert.Equal(t, 2, f.records.Len())
}

func TestGetOrCreateConcurrentDistinctHashes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[core.Accession]core.Hash)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				out, err := f.service.GetOrCreate(ctx, []variant.SubmittedVariant{
					submission(int64(1000*w+i), "A", "G"),
				})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				if prev, ok := seen[out[0].Accession]; ok {
					assert.Equal(t, prev, out[0].Hash)
				}
				seen[out[0].Accession] = out[0].Hash
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, seen, 160)
	assert.Equal(t, 160, f.records.Len())
}

// stuckGenerator always issues the same values
type stuckGenerator struct{ values []core.Accession }

func (g stuckGenerator) Generate(ctx context.Context, n int) ([]core.Accession, error) {
	return g.values[:n], nil
}
func (stuckGenerator) Commit(context.Context, []core.Accession) error { return nil }
func (stuckGenerator) Release([]core.Accession)                      {}

func TestGetOrCreateReissuedAccessionIsInvariantViolation(t *testing.T) {
	f := newFixture(t)
	service := f.newService(f.records, stuckGenerator{values: []core.Accession{42}})
	ctx := context.Background()

	_, err := service.GetOrCreate(ctx, []variant.SubmittedVariant{submission(100, "A", "C")})
	require.NoError(t, err)

	_, err = service.GetOrCreate(ctx, []variant.SubmittedVariant{submission(100, "A", "G")})
	require.Error(t, err)
	assert.True(t, core.IsInvariantViolation(err))
}

// flakyInsert stores the batch and then reports a transient failure once,
// like a commit whose acknowledgement was lost
type flakyInsert struct {
	*memory.SubmittedVariantRepository
	failed bool
}

func (r *flakyInsert) InsertRecords(ctx context.Context, records []variant.Record[variant.SubmittedVariant]) (ports.InsertResult, error) {
	result, err := r.SubmittedVariantRepository.InsertRecords(ctx, records)
	if err != nil || r.failed {
		return result, err
	}
	r.failed = true
	return ports.InsertResult{}, core.NewTransientError("insert", errors.New("connection reset"))
}

func TestGetOrCreateRetriedInsertKeepsOwnAccession(t *testing.T) {
	f := newFixture(t)
	service := f.newService(&flakyInsert{SubmittedVariantRepository: f.records}, f.alloc)

	out, err := service.GetOrCreate(context.Background(), []variant.SubmittedVariant{
		submission(100, "A", "C"),
		submission(101, "A", "C"),
	})
	require.NoError(t, err)
	assert.True(t, out[0].IsNew)
	assert.Equal(t, core.Accession(5000000000), out[0].Accession)
	assert.Equal(t, core.Accession(5000000001), out[1].Accession)
	assert.Equal(t, int64(5000000001), f.alloc.ActiveBlocks()[0].LastCommitted)
}

func TestGetOrCreateFailedInsertReleasesAccessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.records.FailNextWrite(errors.New("disk full"))
	_, err := f.service.GetOrCreate(ctx, []variant.SubmittedVariant{submission(100, "A", "C")})
	require.Error(t, err)
	assert.Zero(t, f.records.Len())

	out, err := f.service.GetOrCreate(ctx, []variant.SubmittedVariant{submission(100, "A", "C")})
	require.NoError(t, err)
	assert.Equal(t, core.Accession(5000000000), out[0].Accession)
}

func TestGetByHashes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.service.GetOrCreate(ctx, []variant.SubmittedVariant{submission(100, "A", "C")})
	require.NoError(t, err)

	missing := variant.SubmittedHash(submission(999, "A", "C"))
	found, err := f.service.GetByHashes(ctx, []core.Hash{missing, created[0].Hash})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, created[0].Accession, found[0].Accession)
	assert.False(t, found[0].IsNew)
}

func TestMergeAndResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.service.GetOrCreate(ctx, []variant.SubmittedVariant{
		submission(100, "A", "C"),
		submission(200, "G", "T"),
	})
	require.NoError(t, err)
	from, into := out[0].Accession, out[1].Accession

	require.NoError(t, f.service.Merge(ctx, from, into, "same submission under two hashes"))

	resolved, err := f.service.Get(ctx, from)
	require.NoError(t, err)
	assert.False(t, resolved.IsActive())
	require.NotNil(t, resolved.Historical)
	assert.Equal(t, operation.EventMerged, resolved.Historical.EventType)
	require.NotNil(t, resolved.Historical.MergedInto)
	assert.Equal(t, into, *resolved.Historical.MergedInto)
	require.Len(t, resolved.Historical.Snapshot, 1)
	assert.Equal(t, int64(100), resolved.Historical.Snapshot[0].Start)

	target, err := f.service.Get(ctx, into)
	require.NoError(t, err)
	assert.True(t, target.IsActive())

	assert.Error(t, f.service.Merge(ctx, from, into, "again"))
	assert.Error(t, f.service.Merge(ctx, into, into, "self"))
}

func TestMergeKeepsHashResolvingToTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var hooked []core.Accession
	var ledgerAtHook int
	service := New[variant.SubmittedVariant](f.records, f.ops, f.alloc, variant.SubmittedHash,
		WithClock[variant.SubmittedVariant](core.NewFixedClock(now)),
		WithRetry[variant.SubmittedVariant](noWait()),
		WithLogger[variant.SubmittedVariant](logging.Discard()),
		WithMergeHook[variant.SubmittedVariant](func(ctx context.Context, from, into core.Accession) error {
			hooked = append(hooked, from, into)
			ops, err := f.ops.FindByAccession(ctx, from)
			ledgerAtHook = len(ops)
			return err
		}),
	)

	out, err := service.GetOrCreate(ctx, []variant.SubmittedVariant{
		submission(100, "A", "C"),
		submission(200, "G", "T"),
	})
	require.NoError(t, err)
	from, into := out[0].Accession, out[1].Accession

	require.NoError(t, service.Merge(ctx, from, into, "duplicate"))
	assert.Equal(t, []core.Accession{from, into}, hooked)
	assert.Equal(t, 1, ledgerAtHook)

	again, err := service.GetOrCreate(ctx, []variant.SubmittedVariant{submission(100, "A", "C")})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, into, again[0].Accession)
	assert.False(t, again[0].IsNew)

	target, err := service.Get(ctx, into)
	require.NoError(t, err)
	assert.Len(t, target.Active, 2)

	fresh, err := service.GetOrCreate(ctx, []variant.SubmittedVariant{submission(300, "A", "C")})
	require.NoError(t, err)
	assert.True(t, fresh[0].IsNew)
	assert.NotEqual(t, from, fresh[0].Accession)
}

func TestMergeHookFailureKeepsSourceActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	service := New[variant.SubmittedVariant](f.records, f.ops, f.alloc, variant.SubmittedHash,
		WithRetry[variant.SubmittedVariant](noWait()),
		WithLogger[variant.SubmittedVariant](logging.Discard()),
		WithMergeHook[variant.SubmittedVariant](func(context.Context, core.Accession, core.Accession) error {
			return errors.New("links unavailable")
		}),
	)
	out, err := service.GetOrCreate(ctx, []variant.SubmittedVariant{
		submission(100, "A", "C"),
		submission(200, "G", "T"),
	})
	require.NoError(t, err)

	assert.Error(t, service.Merge(ctx, out[0].Accession, out[1].Accession, "duplicate"))
	resolved, err := service.Get(ctx, out[0].Accession)
	require.NoError(t, err)
	assert.True(t, resolved.IsActive())
}

func TestDeprecate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.service.GetOrCreate(ctx, []variant.SubmittedVariant{submission(100, "A", "C")})
	require.NoError(t, err)

	require.NoError(t, f.service.Deprecate(ctx, out[0].Accession, "withdrawn by submitter"))

	resolved, err := f.service.Get(ctx, out[0].Accession)
	require.NoError(t, err)
	require.NotNil(t, resolved.Historical)
	assert.Equal(t, operation.EventDeprecated, resolved.Historical.EventType)
	assert.Equal(t, "withdrawn by submitter", resolved.Historical.Reason)
	assert.Equal(t, now, resolved.Historical.Date)
}

func TestGetUnknownAccession(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Get(context.Background(), 123)
	require.Error(t, err)
	assert.True(t, core.IsNotFoundError(err))
	assert.True(t, errors.Is(err, core.ErrAccessionNotFound), fmt.Sprint(err))
}
