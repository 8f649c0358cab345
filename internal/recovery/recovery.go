// Package recovery returns blocks abandoned by crashed instances to the
// pool. For each stale block it probes the record store, moves the
// watermark over the unbroken run of used values that follows it, and
// clears the reservation. It never lowers a watermark and never marks an
// unused value as used, so no value is issued twice.
package recovery

import (
	"context"
	"time"

	"accessioning/domain/block"
	"accessioning/domain/core"
	"accessioning/internal/retry"
	"accessioning/ports"

	"github.com/sirupsen/logrus"
)

// Result summarizes one recovery run
type Result struct {
	Examined int `json:"examined"`
	// Released counts blocks whose remainder was fully accounted for.
	Released int `json:"released"`
	// Partial counts blocks left unreserved below a contiguity gap.
	Partial int `json:"partial"`
	Failed  int `json:"failed"`
	// StoppedAtBlock is the block after which scanning stopped, or 0.
	StoppedAtBlock int64 `json:"stopped_at_block,omitempty"`
}

// Recovered is the number of blocks whose state was rewritten
func (r Result) Recovered() int {
	return r.Released + r.Partial
}

// Agent runs recovery for one category
type Agent struct {
	blocks ports.BlockRepository
	prober ports.AccessionRangeProber
	clock  core.Clock
	retry  retry.Policy
	log    logrus.FieldLogger
}

// NewAgent creates a recovery agent over the block store and the record
// store the category's accessions live in
func NewAgent(blocks ports.BlockRepository, prober ports.AccessionRangeProber, clock core.Clock, policy retry.Policy, log logrus.FieldLogger) *Agent {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Agent{blocks: blocks, prober: prober, clock: clock, retry: policy, log: log}
}

// Run recovers blocks of category untouched for longer than cutoff.
// Per-block failures are logged and skipped.
//
// Scanning stops after the first block that cannot be fully released
// (used values beyond a gap). Later blocks are left for a future run.
func (a *Agent) Run(ctx context.Context, category string, cutoff time.Duration) (Result, error) {
	var result Result
	log := a.log.WithField("category", category)

	threshold := a.clock.Now().Add(-cutoff)
	var candidates []block.Block
	err := a.retry.Do(ctx, log, "find recoverable blocks", func(ctx context.Context) error {
		var err error
		candidates, err = a.blocks.FindRecoverableBlocks(ctx, category, threshold)
		return err
	})
	if err != nil {
		return result, err
	}
	log.WithFields(logrus.Fields{
		"cutoff":     threshold,
		"candidates": len(candidates),
	}).Info("starting block recovery")

	for _, b := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Examined++

		gap, err := a.recoverBlock(ctx, log, b)
		if err != nil {
			result.Failed++
			log.WithField("block_id", b.ID).WithError(err).Error("block recovery failed, skipping")
			continue
		}
		if !gap {
			result.Released++
			continue
		}
		result.Partial++
		result.StoppedAtBlock = b.ID
		log.WithFields(logrus.Fields{
			"block_id":  b.ID,
			"remaining": len(candidates) - result.Examined,
		}).Warn("stopping recovery scan at partially recovered block; later blocks are not examined in this run")
		break
	}

	log.WithFields(logrus.Fields{
		"examined": result.Examined,
		"released": result.Released,
		"partial":  result.Partial,
		"failed":   result.Failed,
	}).Info("block recovery finished")
	return result, nil
}

// recoverBlock rewrites one block. gap reports whether used values exist
// beyond the new watermark.
func (a *Agent) recoverBlock(ctx context.Context, log logrus.FieldLogger, b block.Block) (gap bool, err error) {
	if err := b.Validate(); err != nil {
		return false, err
	}

	var used []core.Accession
	err = a.retry.Do(ctx, log, "probe block range", func(ctx context.Context) error {
		var err error
		used, err = a.prober.FindByAccessionRange(ctx, core.Accession(b.LastCommitted+1), core.Accession(b.LastValue))
		return err
	})
	if err != nil {
		return false, err
	}

	watermark, beyond := ContiguousWatermark(b.LastCommitted, used)

	updated := b
	updated.LastCommitted = watermark
	if err := a.retry.Do(ctx, log, "update recovered block", func(ctx context.Context) error {
		return a.blocks.UpdateRecovered(ctx, updated)
	}); err != nil {
		return false, err
	}

	fields := logrus.Fields{
		"block_id":    b.ID,
		"first_value": b.FirstValue,
		"last_value":  b.LastValue,
		"before":      b.LastCommitted,
		"after":       watermark,
		"owner":       b.ApplicationInstanceID,
	}
	if len(beyond) > 0 {
		fields["next_used"] = beyond[0]
		fields["used_beyond_gap"] = len(beyond)
		log.WithFields(fields).Info("contiguity gap detected, watermark stops before it")
		return true, nil
	}
	log.WithFields(fields).Info("recovered block released")
	return false, nil
}

// ContiguousWatermark advances watermark over used values that follow it
// without a hole. used must be ascending. The values after the first hole
// are returned as beyond.
func ContiguousWatermark(watermark int64, used []core.Accession) (int64, []core.Accession) {
	i := 0
	for i < len(used) && int64(used[i]) <= watermark {
		i++
	}
	for i < len(used) && int64(used[i]) == watermark+1 {
		watermark++
		i++
	}
	return watermark, used[i:]
}
