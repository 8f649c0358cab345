// Package qc checks that every clustered variant's submissions form one
// connected group. Submissions are grouped by locus; two loci are connected
// when the same submitted accession appears at both, which is what a
// remapped copy looks like. A cluster whose loci fall apart into several
// components is flagged for manual review. Nothing is changed.
package qc

import (
	"context"
	"fmt"
	"sort"

	"accessioning/domain/core"
	"accessioning/domain/variant"
	"accessioning/internal/retry"
	"accessioning/ports"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Verdict is the outcome for one cluster
type Verdict string

const (
	Consistent   Verdict = "CONSISTENT"
	Inconsistent Verdict = "INCONSISTENT"
)

// Finding is the report row for one cluster
type Finding struct {
	ClusterAccession core.Accession          `json:"clusterAccession"`
	Verdict          Verdict                 `json:"verdict"`
	Groups           []variant.CoordinateKey `json:"groups"`
	Components       int                     `json:"components"`
	Submitted        int                     `json:"submitted"`
}

// Classify groups the rows linked to one cluster by locus and checks that
// the loci are connected. No rows, or a single locus, is consistent.
func Classify(rows []variant.Record[variant.SubmittedVariant]) (Verdict, []variant.CoordinateKey, int) {
	index := make(map[variant.CoordinateKey]int64)
	var groups []variant.CoordinateKey
	lociOf := make(map[core.Accession][]int64)
	for _, row := range rows {
		key := row.Data.Key()
		id, ok := index[key]
		if !ok {
			id = int64(len(groups))
			index[key] = id
			groups = append(groups, key)
		}
		if !containsID(lociOf[row.Accession], id) {
			lociOf[row.Accession] = append(lociOf[row.Accession], id)
		}
	}
	if len(groups) <= 1 {
		return Consistent, groups, len(groups)
	}

	g := simple.NewUndirectedGraph()
	for id := range groups {
		g.AddNode(simple.Node(int64(id)))
	}
	for _, loci := range lociOf {
		// a chain through the loci of one accession connects them all
		for i := 1; i < len(loci); i++ {
			g.SetEdge(g.NewEdge(simple.Node(loci[i-1]), simple.Node(loci[i])))
		}
	}

	components := len(topo.ConnectedComponents(g))
	if components == 1 {
		return Consistent, groups, components
	}
	return Inconsistent, groups, components
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Detector runs the connectivity check over candidate clusters
type Detector struct {
	submitted   ports.SubmittedVariantRepository
	concurrency int
	retry       retry.Policy
	log         logrus.FieldLogger
}

// NewDetector creates a detector checking up to concurrency clusters at once
func NewDetector(submitted ports.SubmittedVariantRepository, concurrency int, policy retry.Policy, log logrus.FieldLogger) *Detector {
	if concurrency < 1 {
		concurrency = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Detector{submitted: submitted, concurrency: concurrency, retry: policy, log: log}
}

// Candidates returns the clusters linked from more than one locus
func (d *Detector) Candidates(ctx context.Context) ([]core.Accession, error) {
	var out []core.Accession
	err := d.retry.Do(ctx, d.log, "find multi-locus clusters", func(ctx context.Context) error {
		var err error
		out, err = d.submitted.FindMultiLocusClusters(ctx)
		return err
	})
	return out, err
}

// Run checks clusters, or every candidate when clusters is empty
func (d *Detector) Run(ctx context.Context, clusters []core.Accession) (*Report, error) {
	if len(clusters) == 0 {
		var err error
		if clusters, err = d.Candidates(ctx); err != nil {
			return nil, fmt.Errorf("failed to list candidate clusters: %w", err)
		}
	}
	d.log.WithField("candidates", len(clusters)).Info("starting duplicate cluster check")

	findings := make([]Finding, len(clusters))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, cluster := range clusters {
		i, cluster := i, cluster
		g.Go(func() error {
			finding, err := d.Check(gctx, cluster)
			if err != nil {
				return err
			}
			findings[i] = finding
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(findings, func(i, j int) bool {
		return findings[i].ClusterAccession < findings[j].ClusterAccession
	})
	report := NewReport(findings)
	d.log.WithFields(logrus.Fields{
		"checked":      report.Summary.Checked,
		"inconsistent": report.Summary.Inconsistent,
	}).Info("duplicate cluster check finished")
	return report, nil
}

// Check classifies one cluster
func (d *Detector) Check(ctx context.Context, cluster core.Accession) (Finding, error) {
	var rows []variant.Record[variant.SubmittedVariant]
	err := d.retry.Do(ctx, d.log, "find by cluster accession", func(ctx context.Context) error {
		var err error
		rows, err = d.submitted.FindByClusterAccession(ctx, cluster)
		return err
	})
	if err != nil {
		return Finding{}, fmt.Errorf("failed to load submissions of cluster %s: %w", cluster, err)
	}

	verdict, groups, components := Classify(rows)
	if verdict == Inconsistent {
		d.log.WithFields(logrus.Fields{
			"cluster":    cluster,
			"groups":     len(groups),
			"components": components,
		}).Warn("cluster submissions are not connected")
	}
	return Finding{
		ClusterAccession: cluster,
		Verdict:          verdict,
		Groups:           groups,
		Components:       components,
		Submitted:        len(rows),
	}, nil
}
