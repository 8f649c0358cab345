package postgres

import (
	"context"
	"fmt"
	"strings"

	"accessioning/domain/core"
	"accessioning/domain/variant"
	"accessioning/ports"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// insertBatchSize keeps bulk inserts well under the bind parameter limit
const insertBatchSize = 1000

// recordTable holds the queries shared by the record kinds. R is the row
// struct sqlx scans into and binds from.
type recordTable[T any, R any] struct {
	db      *sqlx.DB
	table   string
	columns []string
	toRow   func(variant.Record[T]) R
	fromRow func(R) variant.Record[T]
}

func (t *recordTable[T, R]) selectList() string {
	return strings.Join(t.columns, ", ")
}

func (t *recordTable[T, R]) selectRecords(ctx context.Context, op, where string, args ...interface{}) ([]variant.Record[T], error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY accession, hash", t.selectList(), t.table, where)
	var rows []R
	if err := t.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, classify(op, err)
	}
	out := make([]variant.Record[T], len(rows))
	for i, row := range rows {
		out[i] = t.fromRow(row)
	}
	return out, nil
}

// FindByHashes returns the rows with the given hashes
func (t *recordTable[T, R]) FindByHashes(ctx context.Context, hashes []core.Hash) ([]variant.Record[T], error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	return t.selectRecords(ctx, "find by hashes", "hash = ANY($1)", pq.Array(core.Strings(hashes)))
}

// FindByAccessions returns every row carrying one of the accessions
func (t *recordTable[T, R]) FindByAccessions(ctx context.Context, accessions []core.Accession) ([]variant.Record[T], error) {
	if len(accessions) == 0 {
		return nil, nil
	}
	return t.selectRecords(ctx, "find by accessions", "accession = ANY($1)", pq.Array(core.Int64s(accessions)))
}

// FindByAccessionRange returns the distinct accessions in use within [lo, hi],
// counting accessions that were merged away
func (t *recordTable[T, R]) FindByAccessionRange(ctx context.Context, lo, hi core.Accession) ([]core.Accession, error) {
	var used []core.Accession
	query := fmt.Sprintf(`
		SELECT used FROM (
			SELECT accession AS used FROM %[1]s WHERE accession BETWEEN $1 AND $2
			UNION
			SELECT merged_from FROM %[1]s WHERE merged_from BETWEEN $1 AND $2
		) AS u
		ORDER BY used
	`, t.table)
	if err := t.db.SelectContext(ctx, &used, query, int64(lo), int64(hi)); err != nil {
		return nil, classify("find by accession range", err)
	}
	return used, nil
}

// InsertRecords bulk inserts with ON CONFLICT DO NOTHING. Rows that were
// not inserted are reported as hash duplicates when their hash is stored,
// otherwise as accession duplicates.
func (t *recordTable[T, R]) InsertRecords(ctx context.Context, records []variant.Record[T]) (ports.InsertResult, error) {
	var result ports.InsertResult
	for offset := 0; offset < len(records); offset += insertBatchSize {
		end := offset + insertBatchSize
		if end > len(records) {
			end = len(records)
		}
		batch, err := t.insertBatch(ctx, records[offset:end])
		if err != nil {
			return result, err
		}
		result.InsertedCount += batch.InsertedCount
		for _, dup := range batch.DuplicateKeyErrors {
			dup.Index += offset
			result.DuplicateKeyErrors = append(result.DuplicateKeyErrors, dup)
		}
	}
	return result, nil
}

func (t *recordTable[T, R]) insertBatch(ctx context.Context, records []variant.Record[T]) (ports.InsertResult, error) {
	var result ports.InsertResult
	rows := make([]R, len(records))
	for i, rec := range records {
		rows[i] = t.toRow(rec)
	}

	named := make([]string, len(t.columns))
	for i, c := range t.columns {
		named[i] = ":" + c
	}
	query, args, err := sqlx.Named(fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING RETURNING hash",
		t.table, t.selectList(), strings.Join(named, ", ")), rows)
	if err != nil {
		return result, fmt.Errorf("failed to bind %s insert: %w", t.table, err)
	}

	var inserted []string
	if err := t.db.SelectContext(ctx, &inserted, t.db.Rebind(query), args...); err != nil {
		return result, classify("insert records", err)
	}
	result.InsertedCount = len(inserted)
	if len(inserted) == len(records) {
		return result, nil
	}

	done := make(map[string]bool, len(inserted))
	for _, h := range inserted {
		done[h] = true
	}
	var rejected []string
	for _, rec := range records {
		if !done[rec.Hash.String()] {
			rejected = append(rejected, rec.Hash.String())
		}
	}
	var stored []string
	query = fmt.Sprintf("SELECT hash FROM %s WHERE hash = ANY($1)", t.table)
	if err := t.db.SelectContext(ctx, &stored, query, pq.Array(rejected)); err != nil {
		return result, classify("classify rejected rows", err)
	}
	hashTaken := make(map[string]bool, len(stored))
	for _, h := range stored {
		hashTaken[h] = true
	}

	first := make(map[string]bool, len(inserted))
	for i, rec := range records {
		h := rec.Hash.String()
		switch {
		case done[h] && !first[h]:
			first[h] = true
		case done[h] || hashTaken[h]:
			result.DuplicateKeyErrors = append(result.DuplicateKeyErrors, ports.DuplicateKeyError{Index: i, Field: ports.KeyHash})
		default:
			result.DuplicateKeyErrors = append(result.DuplicateKeyErrors, ports.DuplicateKeyError{Index: i, Field: ports.KeyAccession})
		}
	}
	return result, nil
}

// DeleteByAccession removes every row with accession
func (t *recordTable[T, R]) DeleteByAccession(ctx context.Context, accession core.Accession) (int, error) {
	res, err := t.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE accession = $1", t.table), int64(accession))
	if err != nil {
		return 0, classify("delete by accession", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("delete by accession", err)
	}
	return int(n), nil
}

// MergeInto moves every row of from under into. merged_from keeps the
// accession a row was first merged from.
func (t *recordTable[T, R]) MergeInto(ctx context.Context, from, into core.Accession) (int, error) {
	res, err := t.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET accession = $2, merged_from = COALESCE(merged_from, $1), version = version + 1
		WHERE accession = $1
	`, t.table), int64(from), int64(into))
	if err != nil {
		return 0, classify("merge into", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("merge into", err)
	}
	return int(n), nil
}
