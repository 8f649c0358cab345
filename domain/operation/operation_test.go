package operation

import (
	"testing"
	"time"

	"accessioning/domain/core"
	"accessioning/domain/variant"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFillCapturesSnapshot(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cluster := core.Accession(7)
	sv := variant.NewSubmittedVariant("GCA_1", 9606, "PRJ", "chr1", 10, "A", "T")
	sv.ClusteredVariantAccession = &cluster
	prior := []variant.Record[variant.SubmittedVariant]{{Accession: 5000, Hash: variant.SubmittedHash(sv), Version: 1, Data: sv}}

	op, err := Fill(EventUpdated, 5000, nil, "Declustered: type mismatch", prior, now)
	require.NoError(t, err)

	assert.NotEmpty(t, op.ID)
	assert.Equal(t, core.Accession(5000), op.Accession)
	assert.Equal(t, EventUpdated, op.EventType)
	assert.Nil(t, op.MergedInto)
	assert.Equal(t, now, op.CreatedDate)
	assert.False(t, op.Retires())

	decoded, err := DecodeSnapshot[variant.Record[variant.SubmittedVariant]](op)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, core.Accession(5000), decoded[0].Accession)
	require.NotNil(t, decoded[0].Data.ClusteredVariantAccession)
	assert.Equal(t, cluster, *decoded[0].Data.ClusteredVariantAccession)
	assert.Equal(t, "chr1", decoded[0].Data.Contig)
}

func TestFillMergeNeedsTarget(t *testing.T) {
	_, err := Fill[int](EventMerged, 1, nil, "merged", nil, time.Now())
	assert.Error(t, err)

	into := core.Accession(2)
	op, err := Fill[int](EventMerged, 1, &into, "merged", nil, time.Now())
	require.NoError(t, err)
	assert.True(t, op.Retires())
	assert.Equal(t, into, *op.MergedInto)
}

func TestFillSplit(t *testing.T) {
	op, err := FillSplit[int](10, 11, "split by locus", []int{1, 2}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, EventSplit, op.EventType)
	require.NotNil(t, op.SplitInto)
	assert.Equal(t, core.Accession(11), *op.SplitInto)

	decoded, err := DecodeSnapshot[int](op)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, decoded)
}
