package llm

import (
	_ "embed"
	"fmt"
	"strings"
)

var (
	//go:embed prompts/contract_review.txt
	contractReviewPrompt string
	//go:embed prompts/result_schema.txt
	resultSchemaPrompt string
)

// ContractReviewInstructions returns the reviewer system prompt. For a partial
// chunk it adds the page restriction.
func ContractReviewInstructions(startPage, endPage, totalPages int, partial bool) string {
	base := strings.TrimSpace(contractReviewPrompt)
	if !partial {
		return base
	}
	return base + "\n\n" + fmt.Sprintf(
		"This document is reviewed in parts. Analyze ONLY pages %d to %d of %d. "+
			"Ignore content outside this range. Report page numbers as they appear in the full document. "+
			"Set overallScore to 0; the final score is computed from all parts.",
		startPage, endPage, totalPages,
	)
}

// ResultSchemaDescription describes the JSON the model must return.
func ResultSchemaDescription() string {
	return strings.TrimSpace(resultSchemaPrompt)
}
