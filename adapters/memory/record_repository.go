package memory

import (
	"context"
	"sort"
	"sync"

	"accessioning/domain/core"
	"accessioning/domain/variant"
	"accessioning/ports"
)

// RecordRepository is a generic in-memory record store. Hash is unique
// across all rows; accession is unique among rows isRemapped reports false
// for that were not moved by a merge.
type RecordRepository[T any] struct {
	mu         sync.RWMutex
	byHash     map[core.Hash]variant.Record[T]
	originals  map[core.Accession]core.Hash
	mergedFrom map[core.Hash]core.Accession
	isRemapped func(T) bool

	// failNext, when set, is returned by the next write instead of
	// touching the store.
	failNext error
}

func newRecordRepository[T any](isRemapped func(T) bool) *RecordRepository[T] {
	if isRemapped == nil {
		isRemapped = func(T) bool { return false }
	}
	return &RecordRepository[T]{
		byHash:     make(map[core.Hash]variant.Record[T]),
		originals:  make(map[core.Accession]core.Hash),
		mergedFrom: make(map[core.Hash]core.Accession),
		isRemapped: isRemapped,
	}
}

// FailNextWrite makes the next insert, update or delete return err.
func (r *RecordRepository[T]) FailNextWrite(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = err
}

func (r *RecordRepository[T]) takeFailure() error {
	err := r.failNext
	r.failNext = nil
	return err
}

// FindByHashes returns the rows with the given hashes
func (r *RecordRepository[T]) FindByHashes(ctx context.Context, hashes []core.Hash) ([]variant.Record[T], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []variant.Record[T]
	seen := make(map[core.Hash]bool, len(hashes))
	for _, h := range hashes {
		if seen[h] {
			continue
		}
		seen[h] = true
		if rec, ok := r.byHash[h]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// FindByAccessions returns every row carrying one of the accessions
func (r *RecordRepository[T]) FindByAccessions(ctx context.Context, accessions []core.Accession) ([]variant.Record[T], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	want := make(map[core.Accession]bool, len(accessions))
	for _, a := range accessions {
		want[a] = true
	}
	var out []variant.Record[T]
	for _, rec := range r.byHash {
		if want[rec.Accession] {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

// FindByAccessionRange returns the distinct accessions in use within [lo, hi]
func (r *RecordRepository[T]) FindByAccessionRange(ctx context.Context, lo, hi core.Accession) ([]core.Accession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[core.Accession]bool)
	var out []core.Accession
	use := func(a core.Accession) {
		if a >= lo && a <= hi && !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, rec := range r.byHash {
		use(rec.Accession)
	}
	for _, a := range r.mergedFrom {
		use(a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// InsertRecords inserts rows, reporting unique-index rejections per row
func (r *RecordRepository[T]) InsertRecords(ctx context.Context, records []variant.Record[T]) (ports.InsertResult, error) {
	if err := ctx.Err(); err != nil {
		return ports.InsertResult{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.takeFailure(); err != nil {
		return ports.InsertResult{}, err
	}

	var result ports.InsertResult
	for i, rec := range records {
		if _, ok := r.byHash[rec.Hash]; ok {
			result.DuplicateKeyErrors = append(result.DuplicateKeyErrors, ports.DuplicateKeyError{Index: i, Field: ports.KeyHash})
			continue
		}
		remapped := r.isRemapped(rec.Data)
		if !remapped {
			if _, ok := r.originals[rec.Accession]; ok {
				result.DuplicateKeyErrors = append(result.DuplicateKeyErrors, ports.DuplicateKeyError{Index: i, Field: ports.KeyAccession})
				continue
			}
			r.originals[rec.Accession] = rec.Hash
		}
		r.byHash[rec.Hash] = rec
		result.InsertedCount++
	}
	return result, nil
}

// DeleteByAccession removes every row with accession
func (r *RecordRepository[T]) DeleteByAccession(ctx context.Context, accession core.Accession) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.takeFailure(); err != nil {
		return 0, err
	}
	deleted := 0
	for h, rec := range r.byHash {
		if rec.Accession == accession {
			delete(r.byHash, h)
			delete(r.mergedFrom, h)
			deleted++
		}
	}
	delete(r.originals, accession)
	return deleted, nil
}

// MergeInto moves every row of from under into. A row keeps the accession it
// was first merged from.
func (r *RecordRepository[T]) MergeInto(ctx context.Context, from, into core.Accession) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.takeFailure(); err != nil {
		return 0, err
	}
	moved := 0
	for h, rec := range r.byHash {
		if rec.Accession != from {
			continue
		}
		if _, ok := r.mergedFrom[h]; !ok {
			r.mergedFrom[h] = from
		}
		rec.Accession = into
		rec.Version++
		r.byHash[h] = rec
		moved++
	}
	delete(r.originals, from)
	return moved, nil
}

// Len returns the number of stored rows
func (r *RecordRepository[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHash)
}

// update applies fn to every row with accession
func (r *RecordRepository[T]) update(accession core.Accession, fn func(*variant.Record[T])) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.takeFailure(); err != nil {
		return err
	}
	found := false
	for h, rec := range r.byHash {
		if rec.Accession != accession {
			continue
		}
		fn(&rec)
		rec.Version++
		r.byHash[h] = rec
		found = true
	}
	if !found {
		return core.NewNotFoundError("record", accession.String())
	}
	return nil
}

// all returns a snapshot of every row
func (r *RecordRepository[T]) all() []variant.Record[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]variant.Record[T], 0, len(r.byHash))
	for _, rec := range r.byHash {
		out = append(out, rec)
	}
	sortRecords(out)
	return out
}

func sortRecords[T any](records []variant.Record[T]) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Accession != records[j].Accession {
			return records[i].Accession < records[j].Accession
		}
		return records[i].Hash < records[j].Hash
	})
}
