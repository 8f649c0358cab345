// Package clustering links accessioned submissions to the clustered variant
// at their locus, creating the clustered variant when none exists yet.
package clustering

import (
	"context"
	"fmt"

	"accessioning/domain/core"
	"accessioning/domain/operation"
	"accessioning/domain/variant"
	"accessioning/internal/accessioner"
	"accessioning/internal/decluster"
	"accessioning/internal/retry"
	"accessioning/ports"

	"github.com/sirupsen/logrus"
)

// Summary counts what Link did
type Summary struct {
	Linked        int `json:"linked"`
	AlreadyLinked int `json:"alreadyLinked"`
	// Declustered counts submissions skipped because they were declustered
	// before. A declustered submission stays unlinked.
	Declustered int `json:"declustered"`
	NewClusters int `json:"newClusters"`
}

// Linker clusters submissions
type Linker struct {
	submitted ports.SubmittedVariantRepository
	ops       ports.OperationRepository
	clusters  *accessioner.Service[variant.ClusteredVariant]
	infer     variant.TypeInferer
	retry     retry.Policy
	log       logrus.FieldLogger
}

// NewLinker creates a linker. ops is the submitted-variant ledger; clusters
// accessions the clustered variants.
func NewLinker(submitted ports.SubmittedVariantRepository, ops ports.OperationRepository, clusters *accessioner.Service[variant.ClusteredVariant], infer variant.TypeInferer, policy retry.Policy, log logrus.FieldLogger) *Linker {
	if infer == nil {
		infer = variant.InferType
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Linker{
		submitted: submitted,
		ops:       ops,
		clusters:  clusters,
		infer:     infer,
		retry:     policy,
		log:       log,
	}
}

// Link assigns a clustered variant to every unlinked submission in records
func (l *Linker) Link(ctx context.Context, records []accessioner.Wrapper[variant.SubmittedVariant]) (Summary, error) {
	var summary Summary
	var pending []accessioner.Wrapper[variant.SubmittedVariant]
	seen := make(map[core.Accession]bool)
	for _, rec := range records {
		if seen[rec.Accession] {
			continue
		}
		seen[rec.Accession] = true
		if rec.Data.ClusteredVariantAccession != nil {
			summary.AlreadyLinked++
			continue
		}
		declustered, err := l.wasDeclustered(ctx, rec.Accession)
		if err != nil {
			return summary, err
		}
		if declustered {
			summary.Declustered++
			continue
		}
		pending = append(pending, rec)
	}
	if len(pending) == 0 {
		return summary, nil
	}

	candidates := make([]variant.ClusteredVariant, len(pending))
	for i, rec := range pending {
		candidates[i] = variant.ClusterFor(rec.Data, l.infer)
	}
	clusters, err := l.clusters.GetOrCreate(ctx, candidates)
	if err != nil {
		return summary, fmt.Errorf("failed to accession clustered variants: %w", err)
	}

	newClusters := make(map[core.Accession]bool)
	for i, rec := range pending {
		cluster := clusters[i].Accession
		if clusters[i].IsNew {
			newClusters[cluster] = true
		}
		if err := l.retry.Do(ctx, l.log, "link cluster", func(ctx context.Context) error {
			return l.submitted.UpdateClusterLink(ctx, rec.Accession, &cluster)
		}); err != nil {
			return summary, fmt.Errorf("failed to link %s to %s: %w", rec.Accession, cluster, err)
		}
		summary.Linked++
	}
	summary.NewClusters = len(newClusters)

	l.log.WithFields(logrus.Fields{
		"linked":       summary.Linked,
		"new_clusters": summary.NewClusters,
		"declustered":  summary.Declustered,
	}).Info("clustered submitted variants")
	return summary, nil
}

// Relink moves every submission linked to cluster from over to into. Merging
// clustered variants runs it so no submission points at a retired cluster.
func (l *Linker) Relink(ctx context.Context, from, into core.Accession) (int, error) {
	var linked []variant.Record[variant.SubmittedVariant]
	err := l.retry.Do(ctx, l.log, "find by cluster accession", func(ctx context.Context) error {
		var err error
		linked, err = l.submitted.FindByClusterAccession(ctx, from)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to find submissions linked to %s: %w", from, err)
	}

	moved := 0
	seen := make(map[core.Accession]bool, len(linked))
	for _, rec := range linked {
		if seen[rec.Accession] {
			continue
		}
		seen[rec.Accession] = true
		if err := l.retry.Do(ctx, l.log, "relink cluster", func(ctx context.Context) error {
			return l.submitted.UpdateClusterLink(ctx, rec.Accession, &into)
		}); err != nil {
			return moved, fmt.Errorf("failed to relink %s to %s: %w", rec.Accession, into, err)
		}
		moved++
	}
	l.log.WithFields(logrus.Fields{
		"from":  from,
		"into":  into,
		"moved": moved,
	}).Info("relinked submitted variants")
	return moved, nil
}

func (l *Linker) wasDeclustered(ctx context.Context, accession core.Accession) (bool, error) {
	var ops []operation.Operation
	err := l.retry.Do(ctx, l.log, "find operations", func(ctx context.Context) error {
		var err error
		ops, err = l.ops.FindByAccession(ctx, accession)
		return err
	})
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		if decluster.IsDeclusterEntry(op) {
			return true, nil
		}
	}
	return false, nil
}
