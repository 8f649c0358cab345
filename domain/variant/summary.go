package variant

import (
	"strconv"
	"strings"

	"accessioning/domain/core"
)

const summarySeparator = "_"

// SubmittedSummary serializes the identity fields of a submission. The
// cluster link and the evidence/match flags are mutable metadata and are
// left out.
func SubmittedSummary(sv SubmittedVariant) string {
	return strings.Join([]string{
		sv.ReferenceSequenceAccession,
		strconv.Itoa(sv.TaxonomyAccession),
		sv.ProjectAccession,
		sv.Contig,
		strconv.FormatInt(sv.Start, 10),
		strings.ToUpper(sv.ReferenceAllele),
		strings.ToUpper(sv.AlternateAllele),
	}, summarySeparator)
}

// ClusteredSummary serializes the identity fields of a cluster. Taxonomy
// and validation flags are not part of a cluster's identity.
func ClusteredSummary(cv ClusteredVariant) string {
	return strings.Join([]string{
		cv.AssemblyAccession,
		cv.Contig,
		strconv.FormatInt(cv.Start, 10),
		string(cv.Type),
	}, summarySeparator)
}

// HashingFunction maps a record to its identity hash.
type HashingFunction[T any] func(T) core.Hash

// SubmittedHash is the hashing function for submissions
func SubmittedHash(sv SubmittedVariant) core.Hash {
	return core.Digest(SubmittedSummary(sv))
}

// ClusteredHash is the hashing function for clusters
func ClusteredHash(cv ClusteredVariant) core.Hash {
	return core.Digest(ClusteredSummary(cv))
}
