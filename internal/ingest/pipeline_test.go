package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"accessioning/domain/core"
	"accessioning/domain/variant"
	"accessioning/internal/container"
	"accessioning/internal/logging"
	"accessioning/internal/testkit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeline(t *testing.T, batchSize int) (*Pipeline, *container.Container) {
	t.Helper()
	c, err := container.NewInMemory(testkit.Config("ingest-test"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return NewPipeline(c.Renormalizer, c.SubmittedVariants, c.Linker, batchSize, logging.Discard()), c
}

func readResults(t *testing.T, out *bytes.Buffer) []Result {
	t.Helper()
	var results []Result
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		var r Result
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		results = append(results, r)
	}
	return results
}

const input = `{"referenceSequenceAccession":"GCA_1","taxonomyAccession":9606,"projectAccession":"PRJ1","contig":"chr1","start":100,"referenceAllele":"A","alternateAllele":"T"}
{"referenceSequenceAccession":"GCA_1","taxonomyAccession":9606,"projectAccession":"PRJ2","contig":"chr1","start":100,"referenceAllele":"A","alternateAllele":"G"}

not json
{"referenceSequenceAccession":"GCA_1","taxonomyAccession":9606,"projectAccession":"PRJ1","contig":"chr1","start":100,"referenceAllele":"A","alternateAllele":"A"}
{"referenceSequenceAccession":"GCA_1","taxonomyAccession":9606,"projectAccession":"PRJ1","contig":"chr1","start":100,"referenceAllele":"A","alternateAllele":"T"}
`

func TestRunAccessionsAndLinks(t *testing.T) {
	p, c := newPipeline(t, 2)
	var out bytes.Buffer

	summary, err := p.Run(context.Background(), strings.NewReader(input), &out)
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Read)
	assert.Equal(t, 2, summary.Rejected)
	assert.Equal(t, 3, summary.Accessioned)
	assert.Equal(t, 2, summary.Created)

	results := readResults(t, &out)
	require.Len(t, results, 3)
	assert.Equal(t, 1, results[0].Line)
	assert.Equal(t, 2, results[1].Line)
	assert.Equal(t, 6, results[2].Line)
	assert.NotEqual(t, results[0].Accession, results[1].Accession)
	assert.Equal(t, results[0].Accession, results[2].Accession)
	assert.True(t, results[0].IsNew)
	assert.False(t, results[2].IsNew)

	// both SNVs at chr1:100 share one cluster
	rows, err := c.Submitted.FindByAccessions(context.Background(), []core.Accession{results[0].Accession, results[1].Accession})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.NotNil(t, rows[0].Data.ClusteredVariantAccession)
	require.NotNil(t, rows[1].Data.ClusteredVariantAccession)
	assert.Equal(t, *rows[0].Data.ClusteredVariantAccession, *rows[1].Data.ClusteredVariantAccession)
}

func TestRunDefaultsFlagsAndIgnoresInputLinks(t *testing.T) {
	p, c := newPipeline(t, 10)
	line := `{"referenceSequenceAccession":"GCA_1","taxonomyAccession":9606,"projectAccession":"PRJ1","contig":"chr2","start":5,"referenceAllele":"C","alternateAllele":"T","clusteredVariantAccession":42}`
	var out bytes.Buffer

	_, err := p.Run(context.Background(), strings.NewReader(line), &out)
	require.NoError(t, err)
	results := readResults(t, &out)
	require.Len(t, results, 1)

	rows, err := c.Submitted.FindByAccessions(context.Background(), []core.Accession{results[0].Accession})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	sv := rows[0].Data
	assert.True(t, sv.SupportedByEvidence)
	assert.True(t, sv.AssemblyMatch)
	assert.True(t, sv.AllelesMatch)
	require.NotNil(t, sv.ClusteredVariantAccession)
	assert.NotEqual(t, core.Accession(42), *sv.ClusteredVariantAccession)
}

func TestRunTrimsSharedBases(t *testing.T) {
	p, c := newPipeline(t, 10)
	padded := `{"referenceSequenceAccession":"GCA_1","taxonomyAccession":9606,"projectAccession":"PRJ1","contig":"chr3","start":10,"referenceAllele":"GA","alternateAllele":"G"}`
	trimmed := `{"referenceSequenceAccession":"GCA_1","taxonomyAccession":9606,"projectAccession":"PRJ1","contig":"chr3","start":11,"referenceAllele":"A","alternateAllele":""}`
	var out bytes.Buffer

	summary, err := p.Run(context.Background(), strings.NewReader(padded+"\n"+trimmed+"\n"), &out)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)

	results := readResults(t, &out)
	require.Len(t, results, 2)
	assert.Equal(t, results[0].Accession, results[1].Accession)
	assert.Equal(t, 1, c.Submitted.(interface{ Len() int }).Len())
}

func TestRunWithoutLinker(t *testing.T) {
	_, c := newPipeline(t, 10)
	p := NewPipeline(nil, c.SubmittedVariants, nil, 0, logging.Discard())
	var out bytes.Buffer

	summary, err := p.Run(context.Background(), strings.NewReader(strings.SplitN(input, "\n", 2)[0]), &out)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Accessioned)
	assert.Zero(t, summary.Linked)
}

func TestRunGeneratedSubmissions(t *testing.T) {
	p, c := newPipeline(t, 64)
	gen := testkit.DefaultSubmissionConfig()
	gen.Count = 300
	gen.RepeatRate = 0.2
	submissions := testkit.NewSubmissionGenerator(gen).Generate()

	unique := make(map[core.Hash]bool)
	for _, sv := range submissions {
		unique[variant.SubmittedHash(sv)] = true
	}

	var in, out bytes.Buffer
	require.NoError(t, testkit.WriteJSONLines(&in, submissions))
	summary, err := p.Run(context.Background(), &in, &out)
	require.NoError(t, err)

	assert.Equal(t, gen.Count, summary.Read)
	assert.Zero(t, summary.Rejected)
	assert.Equal(t, gen.Count, summary.Accessioned)
	assert.Equal(t, len(unique), summary.Created)
	assert.Equal(t, len(unique), c.Submitted.(interface{ Len() int }).Len())

	// freshly linked clusters never span two loci
	report, err := c.Detector.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, report.Inconsistent())
}
