package variant

import (
	"fmt"
	"strings"
	"time"

	"accessioning/domain/core"
)

// SubmittedVariant is one submitter's report of a variant at a position.
// Alleles carry no padding base; an empty allele means no bases.
type SubmittedVariant struct {
	ReferenceSequenceAccession string          `json:"referenceSequenceAccession"`
	TaxonomyAccession          int             `json:"taxonomyAccession"`
	ProjectAccession           string          `json:"projectAccession"`
	Contig                     string          `json:"contig"`
	Start                      int64           `json:"start"`
	ReferenceAllele            string          `json:"referenceAllele"`
	AlternateAllele            string          `json:"alternateAllele"`
	ClusteredVariantAccession  *core.Accession `json:"clusteredVariantAccession,omitempty"`
	SupportedByEvidence        bool            `json:"supportedByEvidence"`
	AssemblyMatch              bool            `json:"assemblyMatch"`
	AllelesMatch               bool            `json:"allelesMatch"`
	Validated                  bool            `json:"validated"`
	// RemappedFrom names the source assembly when this row is a remapped
	// copy of an existing submission. Remapped copies keep their accession.
	RemappedFrom string    `json:"remappedFrom,omitempty"`
	CreatedDate  time.Time `json:"createdDate"`
}

// ClusteredVariant is the canonical, submitter-independent representation
// of a variant at a position.
type ClusteredVariant struct {
	AssemblyAccession string    `json:"assemblyAccession"`
	TaxonomyAccession int       `json:"taxonomyAccession"`
	Contig            string    `json:"contig"`
	Start             int64     `json:"start"`
	Type              Type      `json:"type"`
	Validated         bool      `json:"validated"`
	CreatedDate       time.Time `json:"createdDate"`
}

// Record is an accessioned document: content plus the identity the store
// assigned to it.
type Record[T any] struct {
	Accession core.Accession `json:"accession"`
	Hash      core.Hash      `json:"hash"`
	Version   int            `json:"version"`
	Data      T              `json:"data"`
}

// NewSubmittedVariant returns a submission with the default flags a fresh
// submission carries before any QC has run.
func NewSubmittedVariant(assembly string, taxonomy int, project, contig string, start int64, ref, alt string) SubmittedVariant {
	return SubmittedVariant{
		ReferenceSequenceAccession: assembly,
		TaxonomyAccession:          taxonomy,
		ProjectAccession:           project,
		Contig:                     contig,
		Start:                      start,
		ReferenceAllele:            ref,
		AlternateAllele:            alt,
		SupportedByEvidence:        true,
		AssemblyMatch:              true,
		AllelesMatch:               true,
	}
}

// ClusterFor derives the cluster candidate for a submission.
func ClusterFor(sv SubmittedVariant, infer TypeInferer) ClusteredVariant {
	return ClusteredVariant{
		AssemblyAccession: sv.ReferenceSequenceAccession,
		TaxonomyAccession: sv.TaxonomyAccession,
		Contig:            sv.Contig,
		Start:             sv.Start,
		Type:              infer(sv.ReferenceAllele, sv.AlternateAllele),
		Validated:         sv.Validated,
		CreatedDate:       sv.CreatedDate,
	}
}

// CoordinateKey groups variants reported at the same locus.
type CoordinateKey struct {
	Assembly string `json:"assembly"`
	Contig   string `json:"contig"`
	Start    int64  `json:"start"`
}

// Key returns the coordinate key of a submission
func (sv SubmittedVariant) Key() CoordinateKey {
	return CoordinateKey{Assembly: sv.ReferenceSequenceAccession, Contig: sv.Contig, Start: sv.Start}
}

// Validate checks the fields every summary depends on. Only the assembly,
// the first summary field, may contain the summary separator; anywhere else
// it would let two submissions share a summary.
func (sv SubmittedVariant) Validate() error {
	for _, field := range []struct{ name, value string }{
		{"project", sv.ProjectAccession},
		{"contig", sv.Contig},
		{"reference allele", sv.ReferenceAllele},
		{"alternate allele", sv.AlternateAllele},
	} {
		if strings.Contains(field.value, summarySeparator) {
			return fmt.Errorf("%w: %s %q contains %q", core.ErrInvalidVariant, field.name, field.value, summarySeparator)
		}
	}
	switch {
	case sv.ReferenceSequenceAccession == "":
		return core.ErrInvalidVariant
	case sv.Contig == "":
		return core.ErrInvalidVariant
	case sv.Start <= 0:
		return core.ErrInvalidVariant
	case sv.ReferenceAllele == sv.AlternateAllele:
		return core.ErrInvalidVariant
	}
	return nil
}
