package memory

import (
	"context"
	"sort"

	"accessioning/domain/core"
	"accessioning/domain/variant"
	"accessioning/ports"
)

// SubmittedVariantRepository stores submissions in memory
type SubmittedVariantRepository struct {
	*RecordRepository[variant.SubmittedVariant]
}

// NewSubmittedVariantRepository creates an empty submission store
func NewSubmittedVariantRepository() *SubmittedVariantRepository {
	return &SubmittedVariantRepository{
		RecordRepository: newRecordRepository(func(sv variant.SubmittedVariant) bool {
			return sv.RemappedFrom != ""
		}),
	}
}

var _ ports.SubmittedVariantRepository = (*SubmittedVariantRepository)(nil)

// UpdateClusterLink sets or clears the cluster link of an accession
func (r *SubmittedVariantRepository) UpdateClusterLink(ctx context.Context, accession core.Accession, cluster *core.Accession) error {
	return r.update(accession, func(rec *variant.Record[variant.SubmittedVariant]) {
		if cluster == nil {
			rec.Data.ClusteredVariantAccession = nil
			return
		}
		c := *cluster
		rec.Data.ClusteredVariantAccession = &c
	})
}

// FindByClusterAccession returns rows linked to cluster
func (r *SubmittedVariantRepository) FindByClusterAccession(ctx context.Context, cluster core.Accession) ([]variant.Record[variant.SubmittedVariant], error) {
	var out []variant.Record[variant.SubmittedVariant]
	for _, rec := range r.all() {
		link := rec.Data.ClusteredVariantAccession
		if link != nil && *link == cluster {
			out = append(out, rec)
		}
	}
	return out, nil
}

// FindMultiLocusClusters returns clusters linked from more than one locus
func (r *SubmittedVariantRepository) FindMultiLocusClusters(ctx context.Context) ([]core.Accession, error) {
	loci := make(map[core.Accession]map[variant.CoordinateKey]bool)
	for _, rec := range r.all() {
		link := rec.Data.ClusteredVariantAccession
		if link == nil {
			continue
		}
		if loci[*link] == nil {
			loci[*link] = make(map[variant.CoordinateKey]bool)
		}
		loci[*link][rec.Data.Key()] = true
	}

	var out []core.Accession
	for cluster, keys := range loci {
		if len(keys) > 1 {
			out = append(out, cluster)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ClusteredVariantRepository stores clusters in memory
type ClusteredVariantRepository struct {
	*RecordRepository[variant.ClusteredVariant]
}

// NewClusteredVariantRepository creates an empty cluster store
func NewClusteredVariantRepository() *ClusteredVariantRepository {
	return &ClusteredVariantRepository{RecordRepository: newRecordRepository[variant.ClusteredVariant](nil)}
}

var _ ports.ClusteredVariantRepository = (*ClusteredVariantRepository)(nil)
