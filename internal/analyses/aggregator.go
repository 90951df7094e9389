package analyses

import "sort"

// ChunkResult is the normalized output of one chunk. Score is only
// meaningful for a whole-document chunk.
type ChunkResult struct {
	Index           int
	StartPage       int
	EndPage         int
	CriticalPoints  []Finding
	FinancialRisks  []Finding
	UnusualLanguage []Finding
	Recommendations []Recommendation
	Score           int
}

// Result converts a whole-document chunk into the final result, keeping the
// model's score.
func (c ChunkResult) Result() Result {
	return Merge([]ChunkResult{c}, c.Score)
}

const (
	highPenalty   = 10
	mediumPenalty = 5
	lowPenalty    = 2
)

// Merge concatenates chunk results in chunk order. Nothing is deduplicated
// or reordered within a chunk.
func Merge(chunks []ChunkResult, score int) Result {
	ordered := make([]ChunkResult, len(chunks))
	copy(ordered, chunks)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	out := emptyResult()
	for _, c := range ordered {
		out.CriticalPoints = append(out.CriticalPoints, c.CriticalPoints...)
		out.FinancialRisks = append(out.FinancialRisks, c.FinancialRisks...)
		out.UnusualLanguage = append(out.UnusualLanguage, c.UnusualLanguage...)
		out.Recommendations = append(out.Recommendations, c.Recommendations...)
	}
	out.OverallScore = score
	return out
}

// Score deducts per finding severity from 100 and never goes below 0.
func Score(result Result) int {
	score := 100
	for _, f := range result.Findings() {
		switch f.Severity {
		case SeverityHigh:
			score -= highPenalty
		case SeverityMedium:
			score -= mediumPenalty
		case SeverityLow:
			score -= lowPenalty
		}
	}
	return max(score, 0)
}

// MergeAndScore is the multi-chunk finalization: merge, then score the union.
func MergeAndScore(chunks []ChunkResult) Result {
	result := Merge(chunks, 0)
	result.OverallScore = Score(result)
	return result
}
