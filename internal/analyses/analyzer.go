package analyses

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"t3rms-backend/internal/extract"
	"t3rms-backend/internal/llm"
	"t3rms-backend/internal/shared/metrics"
	"t3rms-backend/internal/shared/telemetry"
)

const chunkPrompt = "Review the attached contract and return the JSON object described above."

// SourceDocument is the stored upload a job analyzes.
type SourceDocument struct {
	JobID    string
	Filename string
	MIMEType string
	Data     []byte
}

// Analyzer runs one LLM call per chunk and turns the answer into a
// ChunkResult.
type Analyzer struct {
	LLM            llm.Client
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// chunkPayload is the validated model answer.
type chunkPayload struct {
	OverallScore    *float64         `json:"overallScore"`
	CriticalPoints  []Finding        `json:"criticalPoints"`
	FinancialRisks  []Finding        `json:"financialRisks"`
	UnusualLanguage []Finding        `json:"unusualLanguage"`
	Recommendations []Recommendation `json:"recommendations"`
}

// AnalyzeChunk analyzes one chunk of doc. Any failure is fatal for the job.
func (a *Analyzer) AnalyzeChunk(ctx context.Context, doc SourceDocument, chunk Chunk) (ChunkResult, error) {
	if a.LLM == nil {
		return ChunkResult{}, errors.New("llm client not configured")
	}
	number := chunk.Index + 1

	text, err := a.chunkText(ctx, doc, chunk)
	if err != nil {
		return ChunkResult{}, fmt.Errorf("chunk %d: %w", number, err)
	}

	req := llm.Request{
		Instructions: llm.ContractReviewInstructions(chunk.StartPage, chunk.EndPage, chunk.TotalPages, chunk.Partial()),
		Prompt:       chunkPrompt,
		Document: llm.Document{
			Name:     doc.Filename,
			MIMEType: doc.MIMEType,
			Data:     doc.Data,
			Text:     text,
		},
		Schema: llm.ResultSchemaDescription(),
	}

	client := a.client(doc.JobID, number)
	raw, err := client.Complete(ctx, req)
	if err != nil {
		if errors.Is(err, llm.ErrEmptyResponse) {
			return ChunkResult{}, &UpstreamParseError{Chunk: number, Err: err}
		}
		return ChunkResult{}, &UpstreamCallError{Chunk: number, Err: err}
	}

	result, err := decodeChunkResult(raw, chunk)
	if err != nil {
		return ChunkResult{}, &UpstreamParseError{Chunk: number, Err: err}
	}
	metrics.IncChunksAnalyzed()
	return result, nil
}

func (a *Analyzer) client(jobID string, chunk int) llm.Client {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = defaultLLMTimeout
	}
	retries := a.MaxRetries
	if retries < 0 {
		retries = 0
	}
	delay := a.RetryBaseDelay
	if delay <= 0 {
		delay = defaultLLMRetryBaseDelay
	}
	return retryingLLM{
		base:       a.LLM,
		timeout:    timeout,
		maxRetries: retries,
		baseDelay:  delay,
		jobID:      jobID,
		chunk:      chunk,
	}
}

// chunkText returns the text sent alongside the document. PDF text is
// best-effort since the PDF itself is attached.
func (a *Analyzer) chunkText(ctx context.Context, doc SourceDocument, chunk Chunk) (string, error) {
	if !extract.IsPaginated(doc.MIMEType) {
		return extract.Text(ctx, doc.Data, doc.MIMEType)
	}

	var (
		text string
		err  error
	)
	if chunk.Partial() {
		text, err = extract.PageRangeText(doc.Data, chunk.StartPage, chunk.EndPage)
	} else {
		text, err = extract.Text(ctx, doc.Data, doc.MIMEType)
	}
	if err != nil {
		telemetry.Warn("analysis.pdf_text_unavailable", map[string]any{
			"request_id": requestIDFromContext(ctx),
			"job_id":     doc.JobID,
			"chunk":      chunk.Index + 1,
			"start_page": chunk.StartPage,
			"end_page":   chunk.EndPage,
			"error":      sanitizeError(err),
		})
		return "", nil
	}
	return text, nil
}

func decodeChunkResult(raw string, chunk Chunk) (ChunkResult, error) {
	obj, err := ExtractJSONObject(raw)
	if err != nil {
		return ChunkResult{}, err
	}

	var payload map[string]any
	if err := json.Unmarshal(obj, &payload); err != nil {
		return ChunkResult{}, fmt.Errorf("decode model output: %w", err)
	}
	normalizeChunkPayload(payload)
	if err := validateChunkPayload(payload, !chunk.Partial()); err != nil {
		return ChunkResult{}, err
	}

	normalized, err := json.Marshal(payload)
	if err != nil {
		return ChunkResult{}, fmt.Errorf("encode normalized output: %w", err)
	}
	var parsed chunkPayload
	if err := json.Unmarshal(normalized, &parsed); err != nil {
		return ChunkResult{}, fmt.Errorf("decode normalized output: %w", err)
	}

	out := ChunkResult{
		Index:           chunk.Index,
		StartPage:       chunk.StartPage,
		EndPage:         chunk.EndPage,
		CriticalPoints:  withCategory(parsed.CriticalPoints, CategoryCriticalPoint),
		FinancialRisks:  withCategory(parsed.FinancialRisks, CategoryFinancialRisk),
		UnusualLanguage: withCategory(parsed.UnusualLanguage, CategoryUnusualLanguage),
		Recommendations: trimRecommendations(parsed.Recommendations),
	}
	if !chunk.Partial() && parsed.OverallScore != nil {
		out.Score = clampScore(int(*parsed.OverallScore))
	}
	return out, nil
}

func withCategory(items []Finding, category string) []Finding {
	out := make([]Finding, 0, len(items))
	for _, f := range items {
		f.Category = category
		f.Title = strings.TrimSpace(f.Title)
		f.Description = strings.TrimSpace(f.Description)
		out = append(out, f)
	}
	return out
}

func trimRecommendations(items []Recommendation) []Recommendation {
	out := make([]Recommendation, 0, len(items))
	for _, r := range items {
		r.Text = strings.TrimSpace(r.Text)
		out = append(out, r)
	}
	return out
}
