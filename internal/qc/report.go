package qc

import (
	"encoding/json"
	"io"

	"github.com/montanaflynn/stats"
)

// Summary aggregates a run
type Summary struct {
	Checked      int     `json:"checked"`
	Inconsistent int     `json:"inconsistent"`
	MeanGroups   float64 `json:"meanGroups"`
	MedianGroups float64 `json:"medianGroups"`
	MaxGroups    float64 `json:"maxGroups"`
}

// Report is the advisory output of a run
type Report struct {
	Findings []Finding `json:"findings"`
	Summary  Summary   `json:"summary"`
}

// NewReport summarizes findings
func NewReport(findings []Finding) *Report {
	report := &Report{Findings: findings}
	report.Summary.Checked = len(findings)

	sizes := make([]float64, 0, len(findings))
	for _, f := range findings {
		if f.Verdict == Inconsistent {
			report.Summary.Inconsistent++
		}
		sizes = append(sizes, float64(len(f.Groups)))
	}
	if len(sizes) == 0 {
		return report
	}

	// errors only come from empty input
	report.Summary.MeanGroups, _ = stats.Mean(sizes)
	report.Summary.MedianGroups, _ = stats.Median(sizes)
	report.Summary.MaxGroups, _ = stats.Max(sizes)
	return report
}

// Inconsistent returns the flagged findings
func (r *Report) Inconsistent() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Verdict == Inconsistent {
			out = append(out, f)
		}
	}
	return out
}

// WriteJSONLines writes one line per finding followed by the summary
func (r *Report) WriteJSONLines(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, f := range r.Findings {
		if err := enc.Encode(f); err != nil {
			return err
		}
	}
	return enc.Encode(struct {
		Summary Summary `json:"summary"`
	}{r.Summary})
}
