// Package accessioner maps content hashes to accessions. A hash that is
// already stored keeps its accession forever; a new hash gets the next value
// from the allocator. The store's unique index on hash decides races between
// concurrent callers.
package accessioner

import (
	"context"
	"fmt"

	"accessioning/domain/core"
	"accessioning/domain/operation"
	"accessioning/domain/variant"
	"accessioning/internal/retry"
	"accessioning/ports"

	"github.com/sirupsen/logrus"
)

// Generator issues accessions and learns which of them were persisted.
// *allocator.Allocator implements it.
type Generator interface {
	Generate(ctx context.Context, n int) ([]core.Accession, error)
	Commit(ctx context.Context, accessions []core.Accession) error
	Release(accessions []core.Accession)
}

// Wrapper is the outcome of accessioning one record
type Wrapper[T any] struct {
	Accession core.Accession `json:"accession"`
	Hash      core.Hash      `json:"hash"`
	Version   int            `json:"version"`
	Data      T              `json:"data"`
	IsNew     bool           `json:"is_new"`
}

// Service accessions one record kind
type Service[T any] struct {
	records ports.RecordRepository[T]
	ops     ports.OperationRepository
	gen     Generator
	hash    variant.HashingFunction[T]
	clock   core.Clock
	retry   retry.Policy
	log     logrus.FieldLogger
	onMerge MergeHook
}

// MergeHook moves whatever refers to from over to into. It runs after the
// MERGED entry is appended and before from's rows move, and must be safe to
// repeat.
type MergeHook func(ctx context.Context, from, into core.Accession) error

// Option customizes a Service
type Option[T any] func(*Service[T])

// WithClock sets the clock stamped on ledger entries
func WithClock[T any](clock core.Clock) Option[T] {
	return func(s *Service[T]) { s.clock = clock }
}

// WithRetry sets the policy for store calls
func WithRetry[T any](policy retry.Policy) Option[T] {
	return func(s *Service[T]) { s.retry = policy }
}

// WithLogger sets the logger
func WithLogger[T any](log logrus.FieldLogger) Option[T] {
	return func(s *Service[T]) { s.log = log }
}

// WithMergeHook sets the hook Merge runs before moving from's rows
func WithMergeHook[T any](hook MergeHook) Option[T] {
	return func(s *Service[T]) { s.onMerge = hook }
}

// New creates a service over a record store, its ledger and an accession
// generator
func New[T any](records ports.RecordRepository[T], ops ports.OperationRepository, gen Generator, hash variant.HashingFunction[T], opts ...Option[T]) *Service[T] {
	s := &Service[T]{
		records: records,
		ops:     ops,
		gen:     gen,
		hash:    hash,
		clock:   core.SystemClock{},
		retry:   retry.DefaultPolicy(),
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// pending is a hash that needs a new accession in this call
type pending[T any] struct {
	hash      core.Hash
	data      T
	accession core.Accession
}

// GetOrCreate returns the accession of every record, creating accessions
// for hashes the store has not seen. Results follow the input order and
// records with equal hashes share one result. Only identity fields matter:
// a stored hash keeps its stored data even if the new record's mutable
// fields differ.
func (s *Service[T]) GetOrCreate(ctx context.Context, items []T) ([]Wrapper[T], error) {
	if len(items) == 0 {
		return nil, nil
	}

	hashes := make([]core.Hash, len(items))
	firstOf := make(map[core.Hash]T, len(items))
	var unique []core.Hash
	for i, item := range items {
		h := s.hash(item)
		hashes[i] = h
		if _, ok := firstOf[h]; !ok {
			firstOf[h] = item
			unique = append(unique, h)
		}
	}

	found, err := s.findByHashes(ctx, unique)
	if err != nil {
		return nil, err
	}

	var missing []*pending[T]
	for _, h := range unique {
		if _, ok := found[h]; !ok {
			missing = append(missing, &pending[T]{hash: h, data: firstOf[h]})
		}
	}

	created := make(map[core.Hash]bool, len(missing))
	if len(missing) > 0 {
		stored, err := s.create(ctx, missing)
		if err != nil {
			return nil, err
		}
		for h, rec := range stored {
			found[h] = rec.record
			if rec.isNew {
				created[h] = true
			}
		}
	}

	out := make([]Wrapper[T], len(items))
	for i, h := range hashes {
		rec, ok := found[h]
		if !ok {
			return nil, core.NewInvariantViolation("hash %s has no accession after insert", h)
		}
		out[i] = wrap(rec, created[h])
	}
	return out, nil
}

type storedRecord[T any] struct {
	record variant.Record[T]
	isNew  bool
}

// create allocates, inserts and commits accessions for missing hashes.
// Losers of a hash race get the winner's record and their own value goes
// back to the allocator.
func (s *Service[T]) create(ctx context.Context, missing []*pending[T]) (map[core.Hash]storedRecord[T], error) {
	accessions, err := s.gen.Generate(ctx, len(missing))
	if err != nil {
		return nil, fmt.Errorf("failed to generate %d accessions: %w", len(missing), err)
	}

	records := make([]variant.Record[T], len(missing))
	for i, p := range missing {
		p.accession = accessions[i]
		records[i] = variant.Record[T]{Accession: p.accession, Hash: p.hash, Version: 1, Data: p.data}
	}

	var result ports.InsertResult
	err = s.retry.Do(ctx, s.log, "insert records", func(ctx context.Context) error {
		var err error
		result, err = s.records.InsertRecords(ctx, records)
		return err
	})
	if err != nil {
		s.gen.Release(accessions)
		return nil, fmt.Errorf("failed to insert %d records: %w", len(records), err)
	}

	out := make(map[core.Hash]storedRecord[T], len(missing))
	rejected := make(map[int]bool, len(result.DuplicateKeyErrors))
	var reread []core.Hash
	for _, dup := range result.DuplicateKeyErrors {
		if dup.Field == ports.KeyAccession {
			return nil, core.NewInvariantViolation("accession %s issued for hash %s is already stored under another hash",
				missing[dup.Index].accession, missing[dup.Index].hash)
		}
		rejected[dup.Index] = true
		reread = append(reread, missing[dup.Index].hash)
	}

	var persisted []core.Accession
	for i, p := range missing {
		if rejected[i] {
			continue
		}
		out[p.hash] = storedRecord[T]{record: records[i], isNew: true}
		persisted = append(persisted, p.accession)
	}

	if len(reread) > 0 {
		winners, err := s.findByHashes(ctx, reread)
		if err != nil {
			return nil, err
		}
		var lost []core.Accession
		for i, p := range missing {
			if !rejected[i] {
				continue
			}
			winner, ok := winners[p.hash]
			if !ok {
				return nil, core.NewInvariantViolation("hash %s rejected as duplicate but not found on re-read", p.hash)
			}
			if winner.Accession == p.accession {
				// an earlier attempt of this insert already stored it
				out[p.hash] = storedRecord[T]{record: winner, isNew: true}
				persisted = append(persisted, p.accession)
				continue
			}
			s.log.WithFields(logrus.Fields{
				"hash":      p.hash,
				"accession": winner.Accession,
				"released":  p.accession,
			}).Debug("hash stored concurrently, using existing accession")
			out[p.hash] = storedRecord[T]{record: winner}
			lost = append(lost, p.accession)
		}
		s.gen.Release(lost)
	}

	if len(persisted) > 0 {
		if err := s.gen.Commit(ctx, persisted); err != nil {
			return nil, fmt.Errorf("failed to commit %d accessions: %w", len(persisted), err)
		}
	}
	s.log.WithFields(logrus.Fields{
		"requested": len(missing),
		"inserted":  result.InsertedCount,
		"raced":     len(reread),
	}).Debug("accessioned new records")
	return out, nil
}

// GetByHashes returns the stored records for the hashes found
func (s *Service[T]) GetByHashes(ctx context.Context, hashes []core.Hash) ([]Wrapper[T], error) {
	found, err := s.findByHashes(ctx, hashes)
	if err != nil {
		return nil, err
	}
	var out []Wrapper[T]
	for _, h := range hashes {
		if rec, ok := found[h]; ok {
			out = append(out, wrap(rec, false))
			delete(found, h)
		}
	}
	return out, nil
}

func (s *Service[T]) findByHashes(ctx context.Context, hashes []core.Hash) (map[core.Hash]variant.Record[T], error) {
	var records []variant.Record[T]
	err := s.retry.Do(ctx, s.log, "find by hashes", func(ctx context.Context) error {
		var err error
		records, err = s.records.FindByHashes(ctx, hashes)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find %d hashes: %w", len(hashes), err)
	}
	out := make(map[core.Hash]variant.Record[T], len(records))
	for _, rec := range records {
		if prev, ok := out[rec.Hash]; ok && prev.Accession != rec.Accession {
			return nil, core.NewInvariantViolation("hash %s maps to accessions %s and %s", rec.Hash, prev.Accession, rec.Accession)
		}
		out[rec.Hash] = rec
	}
	return out, nil
}

func wrap[T any](rec variant.Record[T], isNew bool) Wrapper[T] {
	return Wrapper[T]{
		Accession: rec.Accession,
		Hash:      rec.Hash,
		Version:   rec.Version,
		Data:      rec.Data,
		IsNew:     isNew,
	}
}

// Merge retires from in favour of into. The ledger entry is written first,
// then the merge hook runs and from's rows move under into. The moved rows
// keep their hashes, so resubmitting from's content returns into.
func (s *Service[T]) Merge(ctx context.Context, from, into core.Accession, reason string) error {
	if from == into {
		return fmt.Errorf("%w: cannot merge %s into itself", core.ErrInvalidVariant, from)
	}
	prior, err := s.activeRows(ctx, from)
	if err != nil {
		return err
	}
	if _, err := s.activeRows(ctx, into); err != nil {
		return err
	}
	if err := s.appendRetirement(ctx, operation.EventMerged, from, &into, reason, prior); err != nil {
		return err
	}
	if s.onMerge != nil {
		if err := s.onMerge(ctx, from, into); err != nil {
			return fmt.Errorf("failed to move references from %s to %s: %w", from, into, err)
		}
	}
	var moved int
	if err := s.retry.Do(ctx, s.log, "merge records", func(ctx context.Context) error {
		var err error
		moved, err = s.records.MergeInto(ctx, from, into)
		return err
	}); err != nil {
		return fmt.Errorf("failed to merge %s into %s: %w", from, into, err)
	}
	s.log.WithFields(logrus.Fields{
		"accession":   from,
		"merged_into": into,
		"rows":        moved,
	}).Info("accession merged")
	return nil
}

// Deprecate retires accession without a successor
func (s *Service[T]) Deprecate(ctx context.Context, accession core.Accession, reason string) error {
	prior, err := s.activeRows(ctx, accession)
	if err != nil {
		return err
	}
	if err := s.appendRetirement(ctx, operation.EventDeprecated, accession, nil, reason, prior); err != nil {
		return err
	}
	if err := s.retry.Do(ctx, s.log, "delete retired records", func(ctx context.Context) error {
		_, err := s.records.DeleteByAccession(ctx, accession)
		return err
	}); err != nil {
		return fmt.Errorf("failed to retire %s: %w", accession, err)
	}
	s.log.WithFields(logrus.Fields{
		"accession": accession,
		"rows":      len(prior),
	}).Info("accession deprecated")
	return nil
}

func (s *Service[T]) appendRetirement(ctx context.Context, event operation.EventType, accession core.Accession, mergedInto *core.Accession, reason string, prior []variant.Record[T]) error {
	snapshot := make([]T, len(prior))
	for i, rec := range prior {
		snapshot[i] = rec.Data
	}
	op, err := operation.Fill(event, accession, mergedInto, reason, snapshot, s.clock.Now())
	if err != nil {
		return err
	}
	if err := s.retry.Do(ctx, s.log, "append operation", func(ctx context.Context) error {
		return s.ops.Append(ctx, op)
	}); err != nil {
		return fmt.Errorf("failed to record %s of %s: %w", event, accession, err)
	}
	return nil
}

func (s *Service[T]) activeRows(ctx context.Context, accession core.Accession) ([]variant.Record[T], error) {
	var rows []variant.Record[T]
	err := s.retry.Do(ctx, s.log, "find by accession", func(ctx context.Context) error {
		var err error
		rows, err = s.records.FindByAccessions(ctx, []core.Accession{accession})
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w %s", core.ErrAccessionNotFound, accession)
	}
	return rows, nil
}
