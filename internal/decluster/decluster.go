// Package decluster severs links between submitted variants and clustered
// variants once the submission no longer supports its cluster. Every
// severed link is recorded in the submitted-variant ledger with the prior
// state and the reasons. The engine never links a record again.
package decluster

import (
	"context"
	"fmt"
	"strings"

	"accessioning/domain/core"
	"accessioning/domain/operation"
	"accessioning/domain/variant"
	"accessioning/internal/retry"
	"accessioning/ports"

	"github.com/sirupsen/logrus"
)

// Reasons recorded in the ledger
const (
	ReasonAllelesMismatch = "alleles mismatch"
	ReasonTypeMismatch    = "type mismatch"
)

// ReasonPrefix starts the reason of every decluster ledger entry
const ReasonPrefix = "Declustered: "

// Decision is the outcome of checking one link
type Decision struct {
	Accession core.Accession  `json:"accession"`
	Cluster   *core.Accession `json:"cluster,omitempty"`
	Reasons   []string        `json:"reasons,omitempty"`
}

// Decluster reports whether the link must be severed
func (d Decision) Decluster() bool {
	return len(d.Reasons) > 0
}

// Reason is the ledger text for the decision
func (d Decision) Reason() string {
	return ReasonPrefix + strings.Join(d.Reasons, ", ")
}

// Evaluate checks a submission against the cluster it is linked to.
// infer classifies the submission's own alleles.
func Evaluate(sv variant.SubmittedVariant, cluster variant.ClusteredVariant, infer variant.TypeInferer) []string {
	var reasons []string
	if !sv.AllelesMatch {
		reasons = append(reasons, ReasonAllelesMismatch)
	}
	if infer(sv.ReferenceAllele, sv.AlternateAllele) != cluster.Type {
		reasons = append(reasons, ReasonTypeMismatch)
	}
	return reasons
}

// IsDeclusterEntry reports whether op was written by this engine
func IsDeclusterEntry(op operation.Operation) bool {
	return op.EventType == operation.EventUpdated && strings.HasPrefix(op.Reason, ReasonPrefix)
}

// Config holds the engine's collaborators that are not stores
type Config struct {
	// InferType classifies submission alleles; defaults to variant.InferType.
	InferType variant.TypeInferer
	Clock     core.Clock
	Retry     retry.Policy
}

// Engine checks and severs cluster links
type Engine struct {
	submitted ports.SubmittedVariantRepository
	clustered ports.ClusteredVariantRepository
	ops       ports.OperationRepository
	infer     variant.TypeInferer
	clock     core.Clock
	retry     retry.Policy
	log       logrus.FieldLogger
}

// NewEngine creates an engine. ops is the submitted-variant ledger.
func NewEngine(cfg Config, submitted ports.SubmittedVariantRepository, clustered ports.ClusteredVariantRepository, ops ports.OperationRepository, log logrus.FieldLogger) *Engine {
	if cfg.InferType == nil {
		cfg.InferType = variant.InferType
	}
	if cfg.Clock == nil {
		cfg.Clock = core.SystemClock{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		submitted: submitted,
		clustered: clustered,
		ops:       ops,
		infer:     cfg.InferType,
		clock:     cfg.Clock,
		retry:     cfg.Retry,
		log:       log,
	}
}

// DeclusterAgainst checks rec against cluster, which must be the record
// rec links to, and severs the link on mismatch. A record without a link
// is left alone.
func (e *Engine) DeclusterAgainst(ctx context.Context, rec variant.Record[variant.SubmittedVariant], cluster variant.Record[variant.ClusteredVariant]) (Decision, error) {
	decision := Decision{Accession: rec.Accession, Cluster: rec.Data.ClusteredVariantAccession}
	if decision.Cluster == nil {
		return decision, nil
	}
	if *decision.Cluster != cluster.Accession {
		return decision, fmt.Errorf("%s links to %s, not %s", rec.Accession, *decision.Cluster, cluster.Accession)
	}
	decision.Reasons = Evaluate(rec.Data, cluster.Data, e.infer)
	if !decision.Decluster() {
		return decision, nil
	}
	return decision, e.sever(ctx, decision, []variant.SubmittedVariant{rec.Data})
}

// Decluster loads accession and the cluster it links to and severs the link
// if any of its rows no longer supports the cluster.
func (e *Engine) Decluster(ctx context.Context, accession core.Accession) (Decision, error) {
	decision := Decision{Accession: accession}

	var rows []variant.Record[variant.SubmittedVariant]
	err := e.retry.Do(ctx, e.log, "find submitted variant", func(ctx context.Context) error {
		var err error
		rows, err = e.submitted.FindByAccessions(ctx, []core.Accession{accession})
		return err
	})
	if err != nil {
		return decision, err
	}
	if len(rows) == 0 {
		return decision, fmt.Errorf("%w %s", core.ErrAccessionNotFound, accession)
	}

	var linked []variant.Record[variant.SubmittedVariant]
	for _, row := range rows {
		if row.Data.ClusteredVariantAccession != nil {
			linked = append(linked, row)
		}
	}
	if len(linked) == 0 {
		return decision, nil
	}
	cluster := *linked[0].Data.ClusteredVariantAccession
	decision.Cluster = &cluster

	var clusterRows []variant.Record[variant.ClusteredVariant]
	err = e.retry.Do(ctx, e.log, "find clustered variant", func(ctx context.Context) error {
		var err error
		clusterRows, err = e.clustered.FindByAccessions(ctx, []core.Accession{cluster})
		return err
	})
	if err != nil {
		return decision, err
	}
	if len(clusterRows) == 0 {
		return decision, core.NewNotFoundError("clustered variant", cluster.String())
	}

	seen := make(map[string]bool)
	for _, row := range linked {
		for _, reason := range Evaluate(row.Data, matchAssembly(clusterRows, row.Data.ReferenceSequenceAccession), e.infer) {
			if !seen[reason] {
				seen[reason] = true
				decision.Reasons = append(decision.Reasons, reason)
			}
		}
	}
	if !decision.Decluster() {
		return decision, nil
	}
	// alleles before type, regardless of which row reported first
	if len(decision.Reasons) == 2 && decision.Reasons[0] == ReasonTypeMismatch {
		decision.Reasons[0], decision.Reasons[1] = decision.Reasons[1], decision.Reasons[0]
	}

	snapshot := make([]variant.SubmittedVariant, len(rows))
	for i, row := range rows {
		snapshot[i] = row.Data
	}
	return decision, e.sever(ctx, decision, snapshot)
}

// matchAssembly picks the cluster row on the submission's assembly
func matchAssembly(rows []variant.Record[variant.ClusteredVariant], assembly string) variant.ClusteredVariant {
	for _, row := range rows {
		if row.Data.AssemblyAccession == assembly {
			return row.Data
		}
	}
	return rows[0].Data
}

// sever appends the ledger entry, then clears the link. A crash in between
// leaves the entry without the effect, and the next run declusters again.
func (e *Engine) sever(ctx context.Context, decision Decision, prior []variant.SubmittedVariant) error {
	op, err := operation.Fill(operation.EventUpdated, decision.Accession, nil, decision.Reason(), prior, e.clock.Now())
	if err != nil {
		return err
	}
	if err := e.retry.Do(ctx, e.log, "append decluster operation", func(ctx context.Context) error {
		return e.ops.Append(ctx, op)
	}); err != nil {
		return fmt.Errorf("failed to record decluster of %s: %w", decision.Accession, err)
	}
	if err := e.retry.Do(ctx, e.log, "clear cluster link", func(ctx context.Context) error {
		return e.submitted.UpdateClusterLink(ctx, decision.Accession, nil)
	}); err != nil {
		return fmt.Errorf("failed to clear cluster link of %s: %w", decision.Accession, err)
	}
	e.log.WithFields(logrus.Fields{
		"accession": decision.Accession,
		"cluster":   *decision.Cluster,
		"reason":    decision.Reason(),
	}).Info("declustered submitted variant")
	return nil
}

// Summary counts the outcome of a batch
type Summary struct {
	Checked     int        `json:"checked"`
	Declustered int        `json:"declustered"`
	Unlinked    int        `json:"unlinked"`
	NotFound    int        `json:"not_found"`
	Decisions   []Decision `json:"decisions,omitempty"`
}

// DeclusterAll runs Decluster over accessions. Missing accessions are
// counted and skipped; any other error stops the batch.
func (e *Engine) DeclusterAll(ctx context.Context, accessions []core.Accession) (Summary, error) {
	var summary Summary
	for _, accession := range accessions {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		decision, err := e.Decluster(ctx, accession)
		if core.IsNotFoundError(err) {
			summary.NotFound++
			e.log.WithField("accession", accession).WithError(err).Warn("skipping missing accession")
			continue
		}
		if err != nil {
			return summary, err
		}
		summary.Checked++
		switch {
		case decision.Cluster == nil:
			summary.Unlinked++
		case decision.Decluster():
			summary.Declustered++
			summary.Decisions = append(summary.Decisions, decision)
		}
	}
	return summary, nil
}
