// Package report summarizes resolution batches and defines the record
// written by result sinks.
package report

import (
	"sort"
	"time"

	"github.com/JakeFAU/scrapebot/internal/scrape"
)

// Record is one persisted result.
type Record struct {
	RunID      string    `json:"run_id"`
	ResolvedAt time.Time `json:"resolved_at"`
	scrape.Result
}

// Summary aggregates a batch of results.
type Summary struct {
	Total          int                      `json:"total"`
	Succeeded      int                      `json:"succeeded"`
	Cached         int                      `json:"cached"`
	Fetched        int                      `json:"fetched"`
	Failed         int                      `json:"failed"`
	FailuresByKind map[scrape.ErrorKind]int `json:"failures_by_kind,omitempty"`
}

// Summarize counts results by outcome.
func Summarize(results []scrape.Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if !r.OK() {
			s.Failed++
			if s.FailuresByKind == nil {
				s.FailuresByKind = make(map[scrape.ErrorKind]int)
			}
			s.FailuresByKind[r.Error.Kind]++
			continue
		}
		s.Succeeded++
		switch r.Provenance {
		case scrape.ProvenanceCached:
			s.Cached++
		case scrape.ProvenanceFetched:
			s.Fetched++
		}
	}
	return s
}

// SuccessRate returns Succeeded/Total, or zero for an empty batch.
func (s Summary) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Total)
}

// Kinds returns the failure kinds in name order.
func (s Summary) Kinds() []scrape.ErrorKind {
	kinds := make([]scrape.ErrorKind, 0, len(s.FailuresByKind))
	for k := range s.FailuresByKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
