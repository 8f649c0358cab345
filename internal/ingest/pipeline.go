// Package ingest accessions a stream of already-parsed submissions: one
// JSON object per line, each a submitted variant without accession.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"accessioning/domain/core"
	"accessioning/domain/renormalize"
	"accessioning/domain/variant"
	"accessioning/internal/accessioner"
	"accessioning/internal/clustering"

	"github.com/sirupsen/logrus"
)

const defaultBatchSize = 500

// maxLineSize bounds one input line
const maxLineSize = 1 << 20

// Result is written for every accepted input line
type Result struct {
	Line      int            `json:"line"`
	Accession core.Accession `json:"accession"`
	Hash      core.Hash      `json:"hash"`
	IsNew     bool           `json:"isNew"`
}

// Summary counts a run
type Summary struct {
	Read        int `json:"read"`
	Rejected    int `json:"rejected"`
	Accessioned int `json:"accessioned"`
	Created     int `json:"created"`
	Linked      int `json:"linked"`
	Declustered int `json:"declustered"`
}

// Pipeline renormalizes, accessions and clusters submissions in batches
type Pipeline struct {
	renormalizer *renormalize.Helper
	submitted    *accessioner.Service[variant.SubmittedVariant]
	linker       *clustering.Linker
	batchSize    int
	log          logrus.FieldLogger
}

// NewPipeline creates a pipeline. linker may be nil to skip clustering.
func NewPipeline(renormalizer *renormalize.Helper, submitted *accessioner.Service[variant.SubmittedVariant], linker *clustering.Linker, batchSize int, log logrus.FieldLogger) *Pipeline {
	if renormalizer == nil {
		renormalizer = renormalize.NewHelper(nil)
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pipeline{
		renormalizer: renormalizer,
		submitted:    submitted,
		linker:       linker,
		batchSize:    batchSize,
		log:          log,
	}
}

type pendingLine struct {
	line int
	sv   variant.SubmittedVariant
}

// Run reads submissions from r and writes one Result per accepted line to
// w. Malformed or invalid lines are logged and skipped. Store failures stop
// the run.
func (p *Pipeline) Run(ctx context.Context, r io.Reader, w io.Writer) (Summary, error) {
	var summary Summary
	enc := json.NewEncoder(w)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var batch []pendingLine
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		summary.Read++

		sv, err := p.parse(ctx, raw)
		if err != nil {
			summary.Rejected++
			p.log.WithField("line", line).WithError(err).Warn("rejecting submission")
			continue
		}
		batch = append(batch, pendingLine{line: line, sv: sv})
		if len(batch) >= p.batchSize {
			if err := p.flush(ctx, batch, enc, &summary); err != nil {
				return summary, err
			}
			batch = batch[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("failed to read input at line %d: %w", line, err)
	}
	if len(batch) > 0 {
		if err := p.flush(ctx, batch, enc, &summary); err != nil {
			return summary, err
		}
	}

	p.log.WithFields(logrus.Fields{
		"read":        summary.Read,
		"rejected":    summary.Rejected,
		"accessioned": summary.Accessioned,
		"created":     summary.Created,
		"linked":      summary.Linked,
	}).Info("ingest finished")
	return summary, nil
}

func (p *Pipeline) parse(ctx context.Context, raw []byte) (variant.SubmittedVariant, error) {
	// flags a submitter leaves out keep their defaults
	sv := variant.SubmittedVariant{SupportedByEvidence: true, AssemblyMatch: true, AllelesMatch: true}
	if err := json.Unmarshal(raw, &sv); err != nil {
		return sv, fmt.Errorf("%w: %v", core.ErrInvalidVariant, err)
	}
	return p.Prepare(ctx, sv)
}

// Prepare validates and renormalizes one submission. Cluster links and
// remap provenance are assigned by this system and never taken from input.
func (p *Pipeline) Prepare(ctx context.Context, sv variant.SubmittedVariant) (variant.SubmittedVariant, error) {
	sv.ClusteredVariantAccession = nil
	sv.RemappedFrom = ""
	if err := sv.Validate(); err != nil {
		return sv, err
	}

	sv, err := p.renormalizer.Renormalize(ctx, sv)
	if err != nil {
		return sv, err
	}
	return sv, sv.Validate()
}

// Submit accessions prepared submissions and links them to clusters. The
// result has one entry per item, in order.
func (p *Pipeline) Submit(ctx context.Context, items []variant.SubmittedVariant) ([]accessioner.Wrapper[variant.SubmittedVariant], clustering.Summary, error) {
	out, err := p.submitted.GetOrCreate(ctx, items)
	if err != nil {
		return nil, clustering.Summary{}, err
	}
	if p.linker == nil {
		return out, clustering.Summary{}, nil
	}
	linked, err := p.linker.Link(ctx, out)
	if err != nil {
		return out, linked, err
	}
	return out, linked, nil
}

func (p *Pipeline) flush(ctx context.Context, batch []pendingLine, enc *json.Encoder, summary *Summary) error {
	items := make([]variant.SubmittedVariant, len(batch))
	for i, pl := range batch {
		items[i] = pl.sv
	}

	out, linked, err := p.Submit(ctx, items)
	if out == nil && err != nil {
		return fmt.Errorf("failed to accession lines %d-%d: %w", batch[0].line, batch[len(batch)-1].line, err)
	}

	created := make(map[core.Accession]bool)
	for i, w := range out {
		summary.Accessioned++
		if w.IsNew && !created[w.Accession] {
			created[w.Accession] = true
			summary.Created++
		}
		if err := enc.Encode(Result{Line: batch[i].line, Accession: w.Accession, Hash: w.Hash, IsNew: w.IsNew}); err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}
	}
	summary.Linked += linked.Linked
	summary.Declustered += linked.Declustered
	if err != nil {
		return fmt.Errorf("failed to link lines %d-%d: %w", batch[0].line, batch[len(batch)-1].line, err)
	}
	return nil
}
