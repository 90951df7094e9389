package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	requestIDKey    = "requestId"
	jobIDKey        = "jobId"
	requestIDHeader = "X-Request-Id"
	jobIDHeader     = "X-Job-Id"
	maxRequestIDLen = 128
)

// RequestID attaches a request ID to context and response header. A caller
// supplied id is kept when it is short and printable; otherwise a new one is
// generated so log fields stay safe to index.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

// RequestIDFromContext fetches the request ID stored by RequestID middleware.
func RequestIDFromContext(c *gin.Context) string {
	if c == nil {
		return ""
	}
	return c.GetString(requestIDKey)
}

// TagJob records the job a request touches so the request log and the
// response carry it next to the request id.
func TagJob(c *gin.Context, jobID string) {
	if c == nil || jobID == "" {
		return
	}
	c.Set(jobIDKey, jobID)
	c.Writer.Header().Set(jobIDHeader, jobID)
}

// JobIDFromContext returns the job recorded by TagJob.
func JobIDFromContext(c *gin.Context) string {
	if c == nil {
		return ""
	}
	return c.GetString(jobIDKey)
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		switch ch := id[i]; {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '-', ch == '_', ch == '.', ch == ':':
		default:
			return false
		}
	}
	return true
}
