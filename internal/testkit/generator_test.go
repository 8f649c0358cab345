package testkit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"accessioning/domain/variant"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateIsDeterministic(t *testing.T) {
	cfg := DefaultSubmissionConfig()
	cfg.Count = 200

	first := NewSubmissionGenerator(cfg).Generate()
	second := NewSubmissionGenerator(cfg).Generate()
	assert.Equal(t, first, second)

	cfg.Seed++
	assert.NotEqual(t, first, NewSubmissionGenerator(cfg).Generate())
}

func TestGeneratedSubmissionsAreValid(t *testing.T) {
	cfg := DefaultSubmissionConfig()
	cfg.Count = 500
	cfg.IndelRate = 0.5

	indels := 0
	for _, sv := range NewSubmissionGenerator(cfg).Generate() {
		require.NoError(t, sv.Validate())
		assert.True(t, sv.AllelesMatch)
		if sv.ReferenceAllele == "" || sv.AlternateAllele == "" {
			indels++
		}
	}
	assert.Greater(t, indels, 0)
}

func TestGenerateRepeatsSubmissions(t *testing.T) {
	cfg := DefaultSubmissionConfig()
	cfg.Count = 300
	cfg.RepeatRate = 0.3

	hashes := make(map[string]bool)
	for _, sv := range NewSubmissionGenerator(cfg).Generate() {
		hashes[variant.SubmittedHash(sv).String()] = true
	}
	assert.Less(t, len(hashes), cfg.Count)
}

func TestWriteJSONLines(t *testing.T) {
	cfg := DefaultSubmissionConfig()
	cfg.Count = 3
	submissions := NewSubmissionGenerator(cfg).Generate()

	var buf bytes.Buffer
	require.NoError(t, WriteJSONLines(&buf, submissions))

	var decoded []variant.SubmittedVariant
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var sv variant.SubmittedVariant
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &sv))
		decoded = append(decoded, sv)
	}
	assert.Equal(t, submissions, decoded)
}
