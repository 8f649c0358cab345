package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"accessioning/domain/core"
	"accessioning/domain/operation"
	"accessioning/domain/variant"
	"accessioning/internal/logging"
	"accessioning/internal/migration"
	"accessioning/ports"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		duplicate bool
		transient bool
	}{
		{"unique violation", &pq.Error{Code: "23505", Constraint: "submitted_variants_pkey"}, true, false},
		{"connection failure", &pq.Error{Code: "08006"}, false, true},
		{"admin shutdown", &pq.Error{Code: "57P01"}, false, true},
		{"serialization failure", &pq.Error{Code: "40001"}, false, true},
		{"syntax error", &pq.Error{Code: "42601"}, false, false},
		{"network", &net.OpError{Op: "dial", Err: errors.New("refused")}, false, true},
		{"other", errors.New("boom"), false, false},
	}

	for _, test := range tests {
		err := classify("op", test.err)
		assert.Equal(t, test.duplicate, core.IsDuplicateKey(err), test.name)
		assert.Equal(t, test.transient, core.IsTransient(err), test.name)
	}
	assert.NoError(t, classify("op", nil))
}

// openTestDB connects to ACCESSION_TEST_DATABASE_URL, creates the schema and
// empties the tables
func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	url := os.Getenv("ACCESSION_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Skipping database test: ACCESSION_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, url, 4, 2)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, migration.NewRunner(logging.Discard()).Run(ctx, db))
	_, err = db.ExecContext(ctx, `TRUNCATE contiguous_id_blocks, submitted_variants, clustered_variants, variant_operations`)
	require.NoError(t, err)
	return db
}

func TestBlockRepositoryLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewBlockRepository(db, nil)

	first, err := repo.ReserveBlock(ctx, "ss", "worker-1", 10, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), first.FirstValue)
	assert.Equal(t, int64(109), first.LastValue)
	assert.Equal(t, int64(99), first.LastCommitted)

	second, err := repo.ReserveBlock(ctx, "ss", "worker-2", 10, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(110), second.FirstValue)

	require.NoError(t, repo.CommitWatermark(ctx, first.ID, 104))
	require.NoError(t, repo.CommitWatermark(ctx, first.ID, 102))
	err = repo.CommitWatermark(ctx, first.ID, 500)
	assert.True(t, core.IsInvariantViolation(err))

	assert.ErrorIs(t, repo.ReleaseBlock(ctx, first.ID, "worker-2"), core.ErrNotBlockOwner)
	require.NoError(t, repo.ReleaseBlock(ctx, first.ID, "worker-1"))

	again, err := repo.ReserveBlock(ctx, "ss", "worker-3", 10, 100)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, int64(104), again.LastCommitted)

	blocks, err := repo.FindBlocks(ctx, "ss")
	require.NoError(t, err)
	require.Len(t, blocks, 2)

	stale, err := repo.FindRecoverableBlocks(ctx, "ss", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 2)

	recovered := stale[0]
	recovered.LastCommitted = 106
	require.NoError(t, repo.UpdateRecovered(ctx, recovered))
	assert.ErrorIs(t, repo.UpdateRecovered(ctx, recovered), core.ErrBlockConflict)
}

func svRecord(accession core.Accession, start int64, remappedFrom string) variant.Record[variant.SubmittedVariant] {
	sv := variant.NewSubmittedVariant(fmt.Sprintf("GCA_%s", remappedFrom), 9606, "PRJ", "chr1", start, "A", "G")
	sv.RemappedFrom = remappedFrom
	return variant.Record[variant.SubmittedVariant]{Accession: accession, Hash: variant.SubmittedHash(sv), Version: 1, Data: sv}
}

func TestMergeIntoKeepsHashesAndProbedAccessions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewSubmittedVariantRepository(db)

	_, err := repo.InsertRecords(ctx, []variant.Record[variant.SubmittedVariant]{
		svRecord(1, 100, ""),
		svRecord(2, 200, ""),
	})
	require.NoError(t, err)

	moved, err := repo.MergeInto(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	rows, err := repo.FindByHashes(ctx, []core.Hash{svRecord(1, 100, "").Hash})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, core.Accession(2), rows[0].Accession)
	assert.Equal(t, 2, rows[0].Version)

	used, err := repo.FindByAccessionRange(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []core.Accession{1, 2}, used)

	result, err := repo.InsertRecords(ctx, []variant.Record[variant.SubmittedVariant]{svRecord(2, 300, "")})
	require.NoError(t, err)
	assert.Equal(t, []ports.DuplicateKeyError{{Index: 0, Field: ports.KeyAccession}}, result.DuplicateKeyErrors)
}

func TestSubmittedVariantRepository(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewSubmittedVariantRepository(db)

	result, err := repo.InsertRecords(ctx, []variant.Record[variant.SubmittedVariant]{
		svRecord(1, 100, ""),
		svRecord(2, 200, ""),
		svRecord(1, 100, "GCA_OLD"),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.InsertedCount)

	result, err = repo.InsertRecords(ctx, []variant.Record[variant.SubmittedVariant]{
		svRecord(3, 100, ""),
		svRecord(2, 300, ""),
		svRecord(4, 400, ""),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.InsertedCount)
	assert.Equal(t, []ports.DuplicateKeyError{
		{Index: 0, Field: ports.KeyHash},
		{Index: 1, Field: ports.KeyAccession},
	}, result.DuplicateKeyErrors)

	used, err := repo.FindByAccessionRange(ctx, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []core.Accession{1, 2}, used)

	rows, err := repo.FindByAccessions(ctx, []core.Accession{1})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	cluster := core.Accession(3000000001)
	require.NoError(t, repo.UpdateClusterLink(ctx, 1, &cluster))
	require.NoError(t, repo.UpdateClusterLink(ctx, 2, &cluster))
	linked, err := repo.FindByClusterAccession(ctx, cluster)
	require.NoError(t, err)
	assert.Len(t, linked, 3)
	assert.Equal(t, 2, linked[0].Version)

	multi, err := repo.FindMultiLocusClusters(ctx)
	require.NoError(t, err)
	assert.Equal(t, []core.Accession{cluster}, multi)

	deleted, err := repo.DeleteByAccession(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
}

func TestOperationRepository(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ledger := NewOperationRepository(db, "submitted")
	other := NewOperationRepository(db, "clustered")

	into := core.Accession(7)
	op, err := operation.Fill(operation.EventMerged, 5, &into, "duplicate", []variant.SubmittedVariant{svRecord(5, 1, "").Data}, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, ledger.Append(ctx, op))

	ops, err := ledger.FindByAccession(ctx, 5)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.NotNil(t, ops[0].MergedInto)
	assert.Equal(t, into, *ops[0].MergedInto)
	assert.Nil(t, ops[0].SplitInto)

	snapshot, err := operation.DecodeSnapshot[variant.SubmittedVariant](ops[0])
	require.NoError(t, err)
	assert.Len(t, snapshot, 1)

	ops, err = other.FindByAccession(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, ops)
}
