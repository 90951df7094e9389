package analyses

import "time"

// Finding categories.
const (
	CategoryCriticalPoint   = "CriticalPoint"
	CategoryFinancialRisk   = "FinancialRisk"
	CategoryUnusualLanguage = "UnusualLanguage"
)

// Severities, after normalization.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// Job is one analysis request and its lifecycle.
type Job struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"ownerId,omitempty"`
	Filename      string     `json:"filename"`
	FileType      string     `json:"fileType"`
	FileSizeBytes int64      `json:"fileSizeBytes"`
	StorageKey    string     `json:"-"`
	Status        string     `json:"status"`
	ChunkCount    int        `json:"chunkCount"`
	Result        *Result    `json:"result,omitempty"`
	ErrorCode     string     `json:"errorCode,omitempty"`
	ErrorMessage  *string    `json:"errorMessage,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Result is the merged analysis of a document.
//
//	{
//	  "overallScore": 0-100,
//	  "criticalPoints": [Finding],
//	  "financialRisks": [Finding],
//	  "unusualLanguage": [Finding],
//	  "recommendations": [{"text": "string", "reference": Reference}]
//	}
type Result struct {
	OverallScore    int              `json:"overallScore"`
	CriticalPoints  []Finding        `json:"criticalPoints"`
	FinancialRisks  []Finding        `json:"financialRisks"`
	UnusualLanguage []Finding        `json:"unusualLanguage"`
	Recommendations []Recommendation `json:"recommendations"`
}

type Finding struct {
	Category    string     `json:"category"`
	Severity    string     `json:"severity"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Reference   *Reference `json:"reference,omitempty"`
}

// Reference points into the source document. Page is 1-based.
type Reference struct {
	Page    int    `json:"page,omitempty"`
	Section string `json:"section,omitempty"`
	Excerpt string `json:"excerpt,omitempty"`
}

type Recommendation struct {
	Text      string     `json:"text"`
	Reference *Reference `json:"reference,omitempty"`
}

// Findings returns every finding across categories in result order.
func (r Result) Findings() []Finding {
	out := make([]Finding, 0, len(r.CriticalPoints)+len(r.FinancialRisks)+len(r.UnusualLanguage))
	out = append(out, r.CriticalPoints...)
	out = append(out, r.FinancialRisks...)
	out = append(out, r.UnusualLanguage...)
	return out
}

// emptyResult has non-nil slices so the JSON form always carries arrays.
func emptyResult() Result {
	return Result{
		CriticalPoints:  []Finding{},
		FinancialRisks:  []Finding{},
		UnusualLanguage: []Finding{},
		Recommendations: []Recommendation{},
	}
}
