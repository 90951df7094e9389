package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Client abstracts LLM providers for contract analysis.
type Client interface {
	// Complete sends one request and returns the raw model output.
	Complete(ctx context.Context, req Request) (string, error)
	// Provider names the backend for logs and metrics.
	Provider() string
}

// Request is a single analysis call.
type Request struct {
	// Instructions is the system prompt.
	Instructions string
	// Prompt is the user turn that accompanies the document.
	Prompt   string
	Document Document
	// Schema describes the expected JSON output.
	Schema string
}

// Document is the payload under review. Data carries the original bytes;
// Text carries extracted text when available.
type Document struct {
	Name     string
	MIMEType string
	Data     []byte
	Text     string
}

// IsPDF reports whether the document should be attached as a binary PDF.
func (d Document) IsPDF() bool {
	return d.MIMEType == "application/pdf" && len(d.Data) > 0
}

// StatusError is returned when the provider answers with a non-2xx status.
type StatusError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, msg)
}

// ErrEmptyResponse is returned when the provider answered without content.
var ErrEmptyResponse = errors.New("llm response empty")

// IsRetryable reports whether err is a transient failure worth another
// attempt: timeouts, throttling, 5xx and dropped connections.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests ||
			statusErr.StatusCode == http.StatusRequestTimeout ||
			statusErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"client.timeout", "connection reset", "connection refused", "unexpected eof"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "client.timeout")
}
