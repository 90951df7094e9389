package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"t3rms-backend/internal/llm"
	"t3rms-backend/internal/shared/telemetry"
	"t3rms-backend/internal/shared/util"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

// Options configures the client.
type Options struct {
	APIKey  string
	Model   string
	BaseURL string
	// Timeout bounds a single HTTP exchange. Callers normally also bound the
	// context per attempt.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client implements llm.Client using OpenAI Chat Completions.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a new OpenAI client.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Model) == "" {
		return nil, fmt.Errorf("LLM_MODEL is required for OpenAI")
	}
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		apiKey:     opts.APIKey,
		model:      opts.Model,
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

type contentPart struct {
	Type string    `json:"type"`
	Text string    `json:"text,omitempty"`
	File *filePart `json:"file,omitempty"`
}

type filePart struct {
	Filename string `json:"filename,omitempty"`
	FileData string `json:"file_data"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    *float32       `json:"temperature,omitempty"`
	ResponseFormat responseFormat `json:"response_format"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (c *Client) Provider() string { return providerName }

// Complete sends the request and returns the assistant content. A model that
// rejects temperature 0 is retried once with the default temperature.
func (c *Client) Complete(ctx context.Context, req llm.Request) (string, error) {
	messages := buildMessages(req)
	withTemp := !omitsTemperature(c.model)

	content, err := c.completeOnce(ctx, messages, withTemp)
	if err != nil && withTemp && isTemperatureUnsupported(err) {
		telemetry.Warn("llm.openai.temperature_unsupported", map[string]any{"model": c.model})
		content, err = c.completeOnce(ctx, messages, false)
	}
	return content, err
}

func buildMessages(req llm.Request) []chatMessage {
	system := req.Instructions
	if schema := strings.TrimSpace(req.Schema); schema != "" {
		system += "\n\nOutput JSON schema:\n" + schema
	}

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		prompt = "Review the attached document."
	}

	doc := req.Document
	var parts []contentPart
	if doc.IsPDF() {
		parts = append(parts, contentPart{
			Type: "file",
			File: &filePart{
				Filename: doc.Name,
				FileData: "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(doc.Data),
			},
		})
	}
	text := prompt
	if strings.TrimSpace(doc.Text) != "" {
		text += "\n\nDOCUMENT TEXT:\n" + doc.Text
	}
	parts = append(parts, contentPart{Type: "text", Text: text})

	return []chatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: parts},
	}
}

func (c *Client) completeOnce(ctx context.Context, messages []chatMessage, withTemp bool) (string, error) {
	body := chatRequest{
		Model:          c.model,
		Messages:       messages,
		ResponseFormat: responseFormat{Type: "json_object"},
	}
	if withTemp {
		temp := float32(0)
		body.Temperature = &temp
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("openai read body: %w", err)
	}

	var parsed chatResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return "", &llm.StatusError{Provider: providerName, StatusCode: resp.StatusCode, Message: util.TruncateUTF8(msg, 300)}
	}
	if decodeErr != nil {
		return "", fmt.Errorf("openai response parse: %w", decodeErr)
	}
	if parsed.Error != nil {
		return "", &llm.StatusError{Provider: providerName, StatusCode: http.StatusBadRequest, Message: parsed.Error.Message}
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("openai response missing choices: %w", llm.ErrEmptyResponse)
	}

	logUsage(c.model, parsed)

	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("openai: %w", llm.ErrEmptyResponse)
	}
	return content, nil
}

func logUsage(model string, resp chatResponse) {
	fields := map[string]any{"model": model}
	if resp.Usage != nil {
		fields["prompt_tokens"] = resp.Usage.PromptTokens
		fields["completion_tokens"] = resp.Usage.CompletionTokens
		fields["total_tokens"] = resp.Usage.TotalTokens
	}
	if len(resp.Choices) > 0 {
		fields["finish_reason"] = resp.Choices[0].FinishReason
	}
	telemetry.Info("llm.openai.response", fields)
}

// omitsTemperature lists model families that only accept the default
// temperature.
func omitsTemperature(model string) bool {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, prefix := range []string{"gpt-5", "o1", "o3", "o4"} {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

func isTemperatureUnsupported(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "temperature") && (strings.Contains(msg, "unsupported") || strings.Contains(msg, "does not support"))
}

var _ llm.Client = (*Client)(nil)
