package postgres

import (
	"context"
	"database/sql"
	"time"

	"accessioning/domain/core"
	"accessioning/domain/variant"
	"accessioning/ports"

	"github.com/jmoiron/sqlx"
)

type submittedRow struct {
	Accession           int64          `db:"accession"`
	Hash                string         `db:"hash"`
	Version             int            `db:"version"`
	AssemblyAccession   string         `db:"assembly_accession"`
	TaxonomyAccession   int            `db:"taxonomy_accession"`
	ProjectAccession    string         `db:"project_accession"`
	Contig              string         `db:"contig"`
	StartPosition       int64          `db:"start_position"`
	ReferenceAllele     string         `db:"reference_allele"`
	AlternateAllele     string         `db:"alternate_allele"`
	ClusteredVariant    sql.NullInt64  `db:"clustered_variant_accession"`
	SupportedByEvidence bool           `db:"supported_by_evidence"`
	AssemblyMatch       bool           `db:"assembly_match"`
	AllelesMatch        bool           `db:"alleles_match"`
	Validated           bool           `db:"validated"`
	RemappedFrom        sql.NullString `db:"remapped_from"`
	CreatedDate         time.Time      `db:"created_date"`
}

var submittedColumns = []string{
	"accession", "hash", "version", "assembly_accession", "taxonomy_accession", "project_accession",
	"contig", "start_position", "reference_allele", "alternate_allele", "clustered_variant_accession",
	"supported_by_evidence", "assembly_match", "alleles_match", "validated", "remapped_from", "created_date",
}

func toSubmittedRow(rec variant.Record[variant.SubmittedVariant]) submittedRow {
	sv := rec.Data
	row := submittedRow{
		Accession:           int64(rec.Accession),
		Hash:                rec.Hash.String(),
		Version:             rec.Version,
		AssemblyAccession:   sv.ReferenceSequenceAccession,
		TaxonomyAccession:   sv.TaxonomyAccession,
		ProjectAccession:    sv.ProjectAccession,
		Contig:              sv.Contig,
		StartPosition:       sv.Start,
		ReferenceAllele:     sv.ReferenceAllele,
		AlternateAllele:     sv.AlternateAllele,
		SupportedByEvidence: sv.SupportedByEvidence,
		AssemblyMatch:       sv.AssemblyMatch,
		AllelesMatch:        sv.AllelesMatch,
		Validated:           sv.Validated,
		RemappedFrom:        sql.NullString{String: sv.RemappedFrom, Valid: sv.RemappedFrom != ""},
		CreatedDate:         sv.CreatedDate,
	}
	if sv.ClusteredVariantAccession != nil {
		row.ClusteredVariant = sql.NullInt64{Int64: int64(*sv.ClusteredVariantAccession), Valid: true}
	}
	if row.CreatedDate.IsZero() {
		row.CreatedDate = time.Now().UTC()
	}
	return row
}

func fromSubmittedRow(row submittedRow) variant.Record[variant.SubmittedVariant] {
	sv := variant.SubmittedVariant{
		ReferenceSequenceAccession: row.AssemblyAccession,
		TaxonomyAccession:          row.TaxonomyAccession,
		ProjectAccession:           row.ProjectAccession,
		Contig:                     row.Contig,
		Start:                      row.StartPosition,
		ReferenceAllele:            row.ReferenceAllele,
		AlternateAllele:            row.AlternateAllele,
		SupportedByEvidence:        row.SupportedByEvidence,
		AssemblyMatch:              row.AssemblyMatch,
		AllelesMatch:               row.AllelesMatch,
		Validated:                  row.Validated,
		RemappedFrom:               row.RemappedFrom.String,
		CreatedDate:                row.CreatedDate,
	}
	if row.ClusteredVariant.Valid {
		cluster := core.Accession(row.ClusteredVariant.Int64)
		sv.ClusteredVariantAccession = &cluster
	}
	return variant.Record[variant.SubmittedVariant]{
		Accession: core.Accession(row.Accession),
		Hash:      core.Hash(row.Hash),
		Version:   row.Version,
		Data:      sv,
	}
}

// SubmittedVariantRepositoryImpl stores submissions in submitted_variants
type SubmittedVariantRepositoryImpl struct {
	*recordTable[variant.SubmittedVariant, submittedRow]
}

// NewSubmittedVariantRepository creates a PostgreSQL submission repository
func NewSubmittedVariantRepository(db *sqlx.DB) *SubmittedVariantRepositoryImpl {
	return &SubmittedVariantRepositoryImpl{
		recordTable: &recordTable[variant.SubmittedVariant, submittedRow]{
			db:      db,
			table:   "submitted_variants",
			columns: submittedColumns,
			toRow:   toSubmittedRow,
			fromRow: fromSubmittedRow,
		},
	}
}

var _ ports.SubmittedVariantRepository = (*SubmittedVariantRepositoryImpl)(nil)

// UpdateClusterLink sets or clears the cluster link on every row of accession
func (r *SubmittedVariantRepositoryImpl) UpdateClusterLink(ctx context.Context, accession core.Accession, cluster *core.Accession) error {
	var link sql.NullInt64
	if cluster != nil {
		link = sql.NullInt64{Int64: int64(*cluster), Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE submitted_variants
		SET clustered_variant_accession = $2, version = version + 1
		WHERE accession = $1
	`, int64(accession), link)
	if err != nil {
		return classify("update cluster link", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("update cluster link", err)
	}
	if n == 0 {
		return core.NewNotFoundError("submitted variant", accession.String())
	}
	return nil
}

// FindByClusterAccession returns the rows linked to cluster
func (r *SubmittedVariantRepositoryImpl) FindByClusterAccession(ctx context.Context, cluster core.Accession) ([]variant.Record[variant.SubmittedVariant], error) {
	return r.selectRecords(ctx, "find by cluster accession", "clustered_variant_accession = $1", int64(cluster))
}

// FindMultiLocusClusters returns clusters linked from more than one
// (assembly, contig, start) locus
func (r *SubmittedVariantRepositoryImpl) FindMultiLocusClusters(ctx context.Context) ([]core.Accession, error) {
	var clusters []core.Accession
	err := r.db.SelectContext(ctx, &clusters, `
		SELECT clustered_variant_accession
		FROM submitted_variants
		WHERE clustered_variant_accession IS NOT NULL
		GROUP BY clustered_variant_accession
		HAVING COUNT(DISTINCT assembly_accession || ':' || contig || ':' || start_position) > 1
		ORDER BY clustered_variant_accession
	`)
	if err != nil {
		return nil, classify("find multi-locus clusters", err)
	}
	return clusters, nil
}

type clusteredRow struct {
	Accession         int64     `db:"accession"`
	Hash              string    `db:"hash"`
	Version           int       `db:"version"`
	AssemblyAccession string    `db:"assembly_accession"`
	TaxonomyAccession int       `db:"taxonomy_accession"`
	Contig            string    `db:"contig"`
	StartPosition     int64     `db:"start_position"`
	Type              string    `db:"type"`
	Validated         bool      `db:"validated"`
	CreatedDate       time.Time `db:"created_date"`
}

var clusteredColumns = []string{
	"accession", "hash", "version", "assembly_accession", "taxonomy_accession",
	"contig", "start_position", "type", "validated", "created_date",
}

// ClusteredVariantRepositoryImpl stores clusters in clustered_variants
type ClusteredVariantRepositoryImpl struct {
	*recordTable[variant.ClusteredVariant, clusteredRow]
}

// NewClusteredVariantRepository creates a PostgreSQL cluster repository
func NewClusteredVariantRepository(db *sqlx.DB) *ClusteredVariantRepositoryImpl {
	return &ClusteredVariantRepositoryImpl{
		recordTable: &recordTable[variant.ClusteredVariant, clusteredRow]{
			db:      db,
			table:   "clustered_variants",
			columns: clusteredColumns,
			toRow: func(rec variant.Record[variant.ClusteredVariant]) clusteredRow {
				cv := rec.Data
				created := cv.CreatedDate
				if created.IsZero() {
					created = time.Now().UTC()
				}
				return clusteredRow{
					Accession:         int64(rec.Accession),
					Hash:              rec.Hash.String(),
					Version:           rec.Version,
					AssemblyAccession: cv.AssemblyAccession,
					TaxonomyAccession: cv.TaxonomyAccession,
					Contig:            cv.Contig,
					StartPosition:     cv.Start,
					Type:              string(cv.Type),
					Validated:         cv.Validated,
					CreatedDate:       created,
				}
			},
			fromRow: func(row clusteredRow) variant.Record[variant.ClusteredVariant] {
				return variant.Record[variant.ClusteredVariant]{
					Accession: core.Accession(row.Accession),
					Hash:      core.Hash(row.Hash),
					Version:   row.Version,
					Data: variant.ClusteredVariant{
						AssemblyAccession: row.AssemblyAccession,
						TaxonomyAccession: row.TaxonomyAccession,
						Contig:            row.Contig,
						Start:             row.StartPosition,
						Type:              variant.Type(row.Type),
						Validated:         row.Validated,
						CreatedDate:       row.CreatedDate,
					},
				}
			},
		},
	}
}

var _ ports.ClusteredVariantRepository = (*ClusteredVariantRepositoryImpl)(nil)
