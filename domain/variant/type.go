package variant

import "strings"

// Type classifies the change a pair of alleles describes.
type Type string

const (
	TypeSNV                  Type = "SNV"
	TypeMNV                  Type = "MNV"
	TypeInsertion            Type = "INS"
	TypeDeletion             Type = "DEL"
	TypeIndel                Type = "INDEL"
	TypeTandemRepeat         Type = "TANDEM_REPEAT"
	TypeSequenceAlteration   Type = "SEQUENCE_ALTERATION"
	TypeNoSequenceAlteration Type = "NO_SEQUENCE_ALTERATION"
)

// TypeInferer derives a variant type from reference and alternate alleles.
type TypeInferer func(ref, alt string) Type

// InferType is the default classifier. "-" is read as an empty allele.
// Alleles outside the nucleotide alphabet (symbolic alleles such as <DEL>)
// are sequence alterations.
func InferType(ref, alt string) Type {
	ref = normalizeAllele(ref)
	alt = normalizeAllele(alt)

	if !isNucleotides(ref) || !isNucleotides(alt) {
		return TypeSequenceAlteration
	}

	switch {
	case ref == alt:
		return TypeNoSequenceAlteration
	case ref == "":
		if isTandemRepeat(alt) {
			return TypeTandemRepeat
		}
		return TypeInsertion
	case alt == "":
		if isTandemRepeat(ref) {
			return TypeTandemRepeat
		}
		return TypeDeletion
	case len(ref) == 1 && len(alt) == 1:
		return TypeSNV
	case len(ref) == len(alt):
		return TypeMNV
	default:
		return TypeIndel
	}
}

func normalizeAllele(a string) string {
	a = strings.ToUpper(strings.TrimSpace(a))
	if a == "-" {
		return ""
	}
	return a
}

func isNucleotides(a string) bool {
	for i := 0; i < len(a); i++ {
		switch a[i] {
		case 'A', 'C', 'G', 'T', 'N':
		default:
			return false
		}
	}
	return true
}

// isTandemRepeat reports whether seq is at least two copies of a unit of
// two or more bases, e.g. CACACA.
func isTandemRepeat(seq string) bool {
	n := len(seq)
	for unit := 2; unit <= n/2; unit++ {
		if n%unit == 0 && strings.Repeat(seq[:unit], n/unit) == seq {
			return true
		}
	}
	return false
}
