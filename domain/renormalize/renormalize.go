// Package renormalize puts indels into one canonical representation
// before hashing, so that the same event reported at different positions
// inside a repeat produces the same identity hash.
//
// Alleles are handled without a padding base: an insertion has an empty
// reference allele and its start is the first base after the insertion
// point; a deletion's start is the first deleted base.
package renormalize

import (
	"context"
	"fmt"
	"strings"

	"accessioning/domain/variant"
)

// fetchWindow is how many upstream reference bases are read per lookup
// while shifting an indel left.
const fetchWindow = 64

// ReferenceSequence returns reference bases for a 1-based inclusive range.
// FASTA access lives outside this module.
type ReferenceSequence interface {
	Subsequence(ctx context.Context, assembly, contig string, start, end int64) (string, error)
}

// Helper renormalizes submitted variants. A nil reference only trims
// shared allele context; indels are then left as reported.
type Helper struct {
	reference ReferenceSequence
}

// NewHelper creates a helper backed by reference (may be nil)
func NewHelper(reference ReferenceSequence) *Helper {
	return &Helper{reference: reference}
}

// Renormalize returns sv with trimmed, left-aligned alleles.
func (h *Helper) Renormalize(ctx context.Context, sv variant.SubmittedVariant) (variant.SubmittedVariant, error) {
	start, ref, alt := Trim(sv.Start, sv.ReferenceAllele, sv.AlternateAllele)
	if h.reference != nil && (ref == "") != (alt == "") {
		var err error
		start, ref, alt, err = h.leftAlign(ctx, sv.ReferenceSequenceAccession, sv.Contig, start, ref, alt)
		if err != nil {
			return sv, err
		}
	}
	sv.Start = start
	sv.ReferenceAllele = ref
	sv.AlternateAllele = alt
	return sv, nil
}

// Trim removes the common suffix and then the common prefix of the two
// alleles, moving start past any removed leading bases.
func Trim(start int64, ref, alt string) (int64, string, string) {
	ref = strings.ToUpper(ref)
	alt = strings.ToUpper(alt)
	if ref == "-" {
		ref = ""
	}
	if alt == "-" {
		alt = ""
	}
	if ref == alt {
		return start, ref, alt
	}

	for len(ref) > 0 && len(alt) > 0 && ref[len(ref)-1] == alt[len(alt)-1] {
		ref = ref[:len(ref)-1]
		alt = alt[:len(alt)-1]
	}
	for len(ref) > 0 && len(alt) > 0 && ref[0] == alt[0] {
		ref = ref[1:]
		alt = alt[1:]
		start++
	}
	return start, ref, alt
}

// leftAlign shifts a pure insertion or deletion to its leftmost equivalent
// position: while the base before the event equals the event's last base,
// rotate the event one base left.
func (h *Helper) leftAlign(ctx context.Context, assembly, contig string, start int64, ref, alt string) (int64, string, string, error) {
	seq := ref
	if seq == "" {
		seq = alt
	}
	if start <= 1 {
		return start, ref, alt, nil
	}

	var upstream string
	upstreamStart := start
	for start > 1 {
		if start-1 < upstreamStart {
			from := start - fetchWindow
			if from < 1 {
				from = 1
			}
			bases, err := h.reference.Subsequence(ctx, assembly, contig, from, start-1)
			if err != nil {
				return 0, "", "", fmt.Errorf("failed to read %s:%d-%d: %w", contig, from, start-1, err)
			}
			if int64(len(bases)) != start-from {
				return 0, "", "", fmt.Errorf("reference %s:%d-%d returned %d bases", contig, from, start-1, len(bases))
			}
			upstream = strings.ToUpper(bases)
			upstreamStart = from
		}

		prev := upstream[start-1-upstreamStart]
		if prev != seq[len(seq)-1] {
			break
		}
		seq = string(prev) + seq[:len(seq)-1]
		start--
	}

	if ref == "" {
		return start, "", seq, nil
	}
	return start, seq, "", nil
}
