package analyses

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"t3rms-backend/internal/llm"
	"t3rms-backend/internal/shared/storage/object"
	"t3rms-backend/internal/shared/util"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrTerminal              = errors.New("job is in a terminal state")
	ErrLeased                = errors.New("job is being processed by another worker")
	ErrJobQueueNotConfigured = errors.New("job queue not configured")
	ErrQueueUnavailable      = errors.New("queue unavailable")

	ErrMissingFile     = errors.New("missing_file")
	ErrFileTooLarge    = errors.New("file_too_large")
	ErrUnsupportedType = errors.New("unsupported_type")
)

const (
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUpstreamParse = "UPSTREAM_PARSE_ERROR"
	ErrorCodeUpstreamCall  = "UPSTREAM_CALL_ERROR"
	ErrorCodeLLMTimeout    = "LLM_TIMEOUT"
	ErrorCodeStorage       = "STORAGE_ERROR"
	ErrorCodeInternal      = "INTERNAL_ERROR"
)

const maxErrorMessageLength = 500

// ValidationError rejects an upload before any job exists. Kind is one of
// ErrMissingFile, ErrFileTooLarge or ErrUnsupportedType.
type ValidationError struct {
	Kind   error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return "validation: " + e.Kind.Error()
	}
	return "validation: " + e.Kind.Error() + ": " + e.Detail
}

func (e *ValidationError) Unwrap() error { return e.Kind }

// UpstreamParseError means the LLM answered but the answer was unusable.
// Chunk is 1-based.
type UpstreamParseError struct {
	Chunk int
	Err   error
}

func (e *UpstreamParseError) Error() string {
	return fmt.Sprintf("chunk %d: upstream parse: %v", e.Chunk, e.Err)
}

func (e *UpstreamParseError) Unwrap() error { return e.Err }

// UpstreamCallError means the LLM call itself failed after retries.
type UpstreamCallError struct {
	Chunk int
	Err   error
}

func (e *UpstreamCallError) Error() string {
	return fmt.Sprintf("chunk %d: upstream call: %v", e.Chunk, e.Err)
}

func (e *UpstreamCallError) Unwrap() error { return e.Err }

// PersistenceError wraps a rejected store or repository operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func classifyFailure(err error) string {
	var (
		validationErr *ValidationError
		parseErr      *UpstreamParseError
		callErr       *UpstreamCallError
		persistErr    *PersistenceError
	)
	switch {
	case err == nil:
		return ErrorCodeInternal
	case errors.As(err, &validationErr):
		return ErrorCodeValidation
	case errors.As(err, &parseErr):
		return ErrorCodeUpstreamParse
	case errors.As(err, &callErr):
		if llm.IsTimeout(callErr.Err) {
			return ErrorCodeLLMTimeout
		}
		return ErrorCodeUpstreamCall
	case errors.As(err, &persistErr), errors.Is(err, object.ErrNotFound):
		return ErrorCodeStorage
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCodeLLMTimeout
	default:
		return ErrorCodeInternal
	}
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	return util.TruncateUTF8(strings.TrimSpace(msg), maxErrorMessageLength)
}
