package ports

import (
	"context"

	"accessioning/domain/core"
	"accessioning/domain/variant"
)

// KeyField names the unique index a duplicate-key failure came from.
type KeyField string

const (
	KeyHash      KeyField = "hash"
	KeyAccession KeyField = "accession"
)

// DuplicateKeyError describes one rejected row of a bulk insert.
type DuplicateKeyError struct {
	Index int
	Field KeyField
}

// InsertResult is the outcome of an unordered bulk insert.
type InsertResult struct {
	InsertedCount      int
	DuplicateKeyErrors []DuplicateKeyError
}

// AccessionRangeProber reports which accessions in [lo, hi] are in use.
// An accession merged away stays in use.
type AccessionRangeProber interface {
	FindByAccessionRange(ctx context.Context, lo, hi core.Accession) ([]core.Accession, error)
}

// RecordRepository stores accessioned records with unique hash and unique
// accession among original (non-remapped) rows.
type RecordRepository[T any] interface {
	AccessionRangeProber

	// FindByHashes returns the records whose hash is in hashes.
	FindByHashes(ctx context.Context, hashes []core.Hash) ([]variant.Record[T], error)

	// FindByAccessions returns every row with one of the accessions,
	// remapped copies included.
	FindByAccessions(ctx context.Context, accessions []core.Accession) ([]variant.Record[T], error)

	// InsertRecords inserts in no particular order. Rows rejected by a
	// unique index are reported in the result, not as an error; any other
	// failure aborts the batch.
	InsertRecords(ctx context.Context, records []variant.Record[T]) (InsertResult, error)

	// DeleteByAccession removes every row with accession.
	DeleteByAccession(ctx context.Context, accession core.Accession) (int, error)

	// MergeInto moves every row of from under into and bumps their
	// version. The rows keep their hashes, so from's content resolves to
	// into. Moved rows do not count against into's accession uniqueness.
	MergeInto(ctx context.Context, from, into core.Accession) (int, error)
}

// SubmittedVariantRepository adds the cluster link operations.
type SubmittedVariantRepository interface {
	RecordRepository[variant.SubmittedVariant]

	// UpdateClusterLink sets or clears (cluster == nil) the link on every
	// row with accession and bumps their version.
	UpdateClusterLink(ctx context.Context, accession core.Accession, cluster *core.Accession) error

	// FindByClusterAccession returns the rows linked to cluster.
	FindByClusterAccession(ctx context.Context, cluster core.Accession) ([]variant.Record[variant.SubmittedVariant], error)

	// FindMultiLocusClusters returns clusters whose linked rows span more
	// than one (assembly, contig, start) key.
	FindMultiLocusClusters(ctx context.Context) ([]core.Accession, error)
}

// ClusteredVariantRepository stores canonical variants.
type ClusteredVariantRepository interface {
	RecordRepository[variant.ClusteredVariant]
}
