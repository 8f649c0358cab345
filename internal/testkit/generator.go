package testkit

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"time"

	"accessioning/domain/variant"
)

var bases = []byte("ACGT")

// SubmissionGeneratorConfig configures the synthetic submission generator
type SubmissionGeneratorConfig struct {
	Count      int       `json:"count"`
	Assembly   string    `json:"assembly"`
	Taxonomy   int       `json:"taxonomy"`
	Projects   int       `json:"projects"`
	Contigs    int       `json:"contigs"`
	MaxStart   int64     `json:"max_start"`
	IndelRate  float64   `json:"indel_rate"`
	RepeatRate float64   `json:"repeat_rate"`
	Created    time.Time `json:"created"`
	Seed       int64     `json:"seed"`
}

// DefaultSubmissionConfig returns sensible defaults for synthetic submissions
func DefaultSubmissionConfig() SubmissionGeneratorConfig {
	return SubmissionGeneratorConfig{
		Count:      1000,
		Assembly:   "GCA_000001405.15",
		Taxonomy:   9606,
		Projects:   5,
		Contigs:    3,
		MaxStart:   100000,
		IndelRate:  0.2,
		RepeatRate: 0.1,
		Created:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Seed:       42,
	}
}

// SubmissionGenerator produces deterministic synthetic submissions. The
// same seed always yields the same sequence.
type SubmissionGenerator struct {
	config SubmissionGeneratorConfig
	rng    *rand.Rand
}

// NewSubmissionGenerator creates a new generator
func NewSubmissionGenerator(config SubmissionGeneratorConfig) *SubmissionGenerator {
	if config.Projects < 1 {
		config.Projects = 1
	}
	if config.Contigs < 1 {
		config.Contigs = 1
	}
	if config.MaxStart < 1 {
		config.MaxStart = 1
	}
	return &SubmissionGenerator{
		config: config,
		rng:    rand.New(rand.NewSource(config.Seed)),
	}
}

// Generate returns Count submissions. About RepeatRate of them resubmit an
// earlier variant, so accessioning sees duplicate hashes.
func (g *SubmissionGenerator) Generate() []variant.SubmittedVariant {
	out := make([]variant.SubmittedVariant, 0, g.config.Count)
	for i := 0; i < g.config.Count; i++ {
		if len(out) > 0 && g.rng.Float64() < g.config.RepeatRate {
			out = append(out, out[g.rng.Intn(len(out))])
			continue
		}
		out = append(out, g.next())
	}
	return out
}

func (g *SubmissionGenerator) next() variant.SubmittedVariant {
	project := fmt.Sprintf("PRJEB%05d", g.rng.Intn(g.config.Projects)+1)
	contig := fmt.Sprintf("chr%d", g.rng.Intn(g.config.Contigs)+1)
	start := g.rng.Int63n(g.config.MaxStart) + 1

	ref := g.base()
	alt := g.otherBase(ref)
	if g.rng.Float64() < g.config.IndelRate {
		indel := g.sequence(g.rng.Intn(3) + 1)
		if g.rng.Intn(2) == 0 {
			ref, alt = indel, ""
		} else {
			ref, alt = "", indel
		}
	}

	sv := variant.NewSubmittedVariant(g.config.Assembly, g.config.Taxonomy, project, contig, start, ref, alt)
	sv.CreatedDate = g.config.Created
	return sv
}

func (g *SubmissionGenerator) base() string {
	return string(bases[g.rng.Intn(len(bases))])
}

func (g *SubmissionGenerator) otherBase(not string) string {
	for {
		b := g.base()
		if b != not {
			return b
		}
	}
}

func (g *SubmissionGenerator) sequence(n int) string {
	seq := make([]byte, n)
	for i := range seq {
		seq[i] = bases[g.rng.Intn(len(bases))]
	}
	return string(seq)
}

// WriteJSONLines writes submissions in the ingest input format
func WriteJSONLines(w io.Writer, submissions []variant.SubmittedVariant) error {
	enc := json.NewEncoder(w)
	for i, sv := range submissions {
		if err := enc.Encode(sv); err != nil {
			return fmt.Errorf("failed to write submission %d: %w", i, err)
		}
	}
	return nil
}
