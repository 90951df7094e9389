package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"t3rms-backend/internal/llm"
	"t3rms-backend/internal/shared/telemetry"
)

const providerName = "gemini"

// Options configures the client.
type Options struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Client implements llm.Client on the Gemini API.
type Client struct {
	client *genai.Client
	model  string
}

// NewClient creates a Gemini client using the official SDK.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("gemini: empty api key")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("gemini: empty model")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: opts.BaseURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Client{client: c, model: opts.Model}, nil
}

func (c *Client) Provider() string { return providerName }

// Complete runs one GenerateContent call with JSON output.
func (c *Client) Complete(ctx context.Context, req llm.Request) (string, error) {
	contents, cfg := buildRequest(req)

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return "", wrapError(err)
	}

	if resp != nil && resp.UsageMetadata != nil {
		telemetry.Info("llm.gemini.response", map[string]any{
			"model":             c.model,
			"prompt_tokens":     resp.UsageMetadata.PromptTokenCount,
			"completion_tokens": resp.UsageMetadata.CandidatesTokenCount,
			"total_tokens":      resp.UsageMetadata.TotalTokenCount,
		})
	}

	text := ""
	if resp != nil {
		text = strings.TrimSpace(resp.Text())
	}
	if text == "" {
		return "", fmt.Errorf("gemini: %w", llm.ErrEmptyResponse)
	}
	return text, nil
}

// buildRequest attaches PDFs as inline data and sends every other type as
// text.
func buildRequest(req llm.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	system := req.Instructions
	if schema := strings.TrimSpace(req.Schema); schema != "" {
		system += "\n\nOutput JSON schema:\n" + schema
	}

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		prompt = "Review the attached document."
	}

	doc := req.Document
	var parts []*genai.Part
	if doc.IsPDF() {
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: doc.MIMEType, Data: doc.Data}})
	}
	text := prompt
	if strings.TrimSpace(doc.Text) != "" {
		text += "\n\nDOCUMENT TEXT:\n" + doc.Text
	}
	parts = append(parts, &genai.Part{Text: text})

	temp := float32(0)
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: system}}},
		ResponseMIMEType:  "application/json",
		Temperature:       &temp,
	}
	return []*genai.Content{{Role: genai.RoleUser, Parts: parts}}, cfg
}

// wrapError maps SDK API errors onto llm.StatusError so retry
// classification works the same for every provider.
func wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &llm.StatusError{Provider: providerName, StatusCode: apiErr.Code, Message: apiErr.Message}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return &llm.StatusError{Provider: providerName, StatusCode: apiErrPtr.Code, Message: apiErrPtr.Message}
	}
	return fmt.Errorf("gemini request: %w", err)
}

var _ llm.Client = (*Client)(nil)
