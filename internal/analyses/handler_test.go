package analyses

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"t3rms-backend/internal/llm"
	"t3rms-backend/internal/shared/auth"
	"t3rms-backend/internal/shared/server/middleware"
)

type handlerFixture struct {
	svc      *Service
	repo     *recordingRepo
	queue    *fakeQueue
	handler  *Handler
	router   *gin.Engine
	verifier *auth.Verifier
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	client := funcLLM(func(context.Context, llm.Request) (string, error) {
		return chunkJSON(74, "Auto-renewal", "low"), nil
	})
	svc, repo, _, q := newTestService(client)
	f := &handlerFixture{
		svc:      svc,
		repo:     repo,
		queue:    q,
		handler:  &Handler{Svc: svc, PollInterval: 5 * time.Millisecond, Heartbeat: time.Hour},
		verifier: auth.NewVerifier("secret"),
	}
	f.router = gin.New()
	f.router.Use(middleware.RequestID(), middleware.Auth(f.verifier))
	f.handler.RegisterRoutes(f.router.Group("/api/v1"))
	return f
}

func (f *handlerFixture) token(t *testing.T, subject string) string {
	t.Helper()
	token, err := f.verifier.Sign(auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: subject}})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return "Bearer " + token
}

func (f *handlerFixture) do(req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)
	return resp
}

func multipartRequest(t *testing.T, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyses", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func jsonRequest(t *testing.T, filename, fileType string, data []byte) *http.Request {
	t.Helper()
	payload, err := json.Marshal(jsonUpload{
		Filename: filename,
		FileType: fileType,
		Data:     base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyses", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", resp.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, resp *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, resp)
	errBody, _ := body["error"].(map[string]any)
	code, _ := errBody["code"].(string)
	return code
}

func TestSubmitMultipartPDFAccepted(t *testing.T) {
	f := newHandlerFixture(t)
	req := multipartRequest(t, "lease.pdf", "application/pdf", []byte("%PDF-1.4 lease"))
	req.Header.Set("Authorization", f.token(t, "user-1"))

	resp := f.do(req)

	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
	body := decodeBody(t, resp)
	if body["status"] != StatusProcessing || body["jobId"] == "" {
		t.Fatalf("unexpected body %v", body)
	}
	if len(f.queue.sent) != 1 || f.queue.sent[0].JobID != body["jobId"] {
		t.Fatalf("expected the job to be queued, got %+v", f.queue.sent)
	}
	if got := resp.Header().Get("X-Job-Id"); got != body["jobId"] {
		t.Fatalf("expected X-Job-Id %v, got %q", body["jobId"], got)
	}
	job, err := f.repo.GetByID(context.Background(), body["jobId"].(string))
	if err != nil || job.OwnerID != "user-1" {
		t.Fatalf("expected stored job for user-1, got %+v (%v)", job, err)
	}
}

func TestSubmitJSONTextRunsSync(t *testing.T) {
	f := newHandlerFixture(t)
	resp := f.do(jsonRequest(t, "terms.txt", "text/plain", []byte("Either party may terminate.")))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	body := decodeBody(t, resp)
	if body["status"] != StatusCompleted {
		t.Fatalf("expected completed, got %v", body)
	}
	result, _ := body["result"].(map[string]any)
	if result["overallScore"] != float64(74) {
		t.Fatalf("unexpected result %v", result)
	}
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*handlerFixture)
		request    func(*testing.T) *http.Request
		wantStatus int
		wantCode   string
	}{
		{
			name: "no file field",
			request: func(t *testing.T) *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/api/v1/analyses", strings.NewReader("--x--\r\n"))
				req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
				return req
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "missing_file",
		},
		{
			name: "empty json body",
			request: func(t *testing.T) *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/api/v1/analyses", strings.NewReader(`{}`))
				req.Header.Set("Content-Type", "application/json")
				return req
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "missing_file",
		},
		{
			name: "bad base64",
			request: func(t *testing.T) *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/api/v1/analyses", strings.NewReader(`{"filename":"a.txt","data":"***"}`))
				req.Header.Set("Content-Type", "application/json")
				return req
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "missing_file",
		},
		{
			name: "image upload",
			request: func(t *testing.T) *http.Request {
				return multipartRequest(t, "scan.png", "image/png", []byte("\x89PNG"))
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "unsupported_type",
		},
		{
			name:  "too large",
			setup: func(f *handlerFixture) { f.svc.MaxFileBytes = 8 },
			request: func(t *testing.T) *http.Request {
				return jsonRequest(t, "a.txt", "text/plain", []byte("this is longer than eight bytes"))
			},
			wantStatus: http.StatusRequestEntityTooLarge,
			wantCode:   "file_too_large",
		},
		{
			name:  "queue down",
			setup: func(f *handlerFixture) { f.queue.err = errors.New("connection refused") },
			request: func(t *testing.T) *http.Request {
				return multipartRequest(t, "a.pdf", "application/pdf", []byte("%PDF-1.4"))
			},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "queue_unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			resp := f.do(tt.request(t))
			if resp.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, resp.Code, resp.Body.String())
			}
			if code := errorCode(t, resp); code != tt.wantCode {
				t.Fatalf("expected code %q, got %q", tt.wantCode, code)
			}
		})
	}
}

func TestGetAnalysisView(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	_ = f.repo.Create(ctx, Job{ID: "job-1", OwnerID: "user-1", Filename: "lease.pdf", FileType: "application/pdf", Status: StatusQueued})
	_ = f.repo.UpdateStatus(ctx, "job-1", StatusProcessing)
	_ = f.repo.Fail(ctx, "job-1", ErrorCodeUpstreamParse, "chunk 2: upstream parse: no JSON object")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/analyses/job-1", nil)
	req.Header.Set("Authorization", f.token(t, "user-1"))
	resp := f.do(req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	body := decodeBody(t, resp)
	if body["status"] != StatusError || body["errorCode"] != ErrorCodeUpstreamParse || body["filename"] != "lease.pdf" {
		t.Fatalf("unexpected view %v", body)
	}
	if _, ok := body["result"]; ok {
		t.Fatalf("error view must not carry a result")
	}

	other := httptest.NewRequest(http.MethodGet, "/api/v1/analyses/job-1", nil)
	other.Header.Set("Authorization", f.token(t, "user-2"))
	if resp := f.do(other); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another owner, got %d", resp.Code)
	}

	missing := httptest.NewRequest(http.MethodGet, "/api/v1/analyses/nope", nil)
	if resp := f.do(missing); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", resp.Code)
	}
}

func TestListRequiresLogin(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		_ = f.repo.Create(ctx, Job{ID: id, OwnerID: "user-1", Status: StatusQueued, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}

	anon := httptest.NewRequest(http.MethodGet, "/api/v1/analyses", nil)
	if resp := f.do(anon); resp.Code != http.StatusUnauthorized || errorCode(t, resp) != "login_required" {
		t.Fatalf("expected 401 login_required for anonymous, got %d", resp.Code)
	}

	guest := httptest.NewRequest(http.MethodGet, "/api/v1/analyses", nil)
	guest.Header.Set("X-Guest-Id", "g1")
	if resp := f.do(guest); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for guest, got %d", resp.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/analyses?limit=2", nil)
	req.Header.Set("Authorization", f.token(t, "user-1"))
	resp := f.do(req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var items []map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(items) != 2 || items[0]["jobId"] != "c" || items[1]["jobId"] != "b" {
		t.Fatalf("expected newest two jobs, got %v", items)
	}
}

func TestEventsStreamTerminalJob(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	_ = f.repo.Create(ctx, Job{ID: "job-1", Status: StatusQueued})
	_ = f.repo.Complete(ctx, "job-1", emptyResult())

	resp := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/analyses/job-1/events", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := resp.Body.String()
	if strings.Count(body, "event:status") != 1 || !strings.Contains(body, `"status":"completed"`) {
		t.Fatalf("expected a single completed event, got %q", body)
	}
}

func TestEventsStreamFollowsTransitions(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	_ = f.repo.Create(ctx, Job{ID: "job-1", Status: StatusQueued})
	_ = f.repo.UpdateStatus(ctx, "job-1", StatusProcessing)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = f.repo.UpdateStatus(ctx, "job-1", StatusChunking)
		time.Sleep(20 * time.Millisecond)
		_ = f.repo.Complete(ctx, "job-1", emptyResult())
	}()

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- f.do(httptest.NewRequest(http.MethodGet, "/api/v1/analyses/job-1/events", nil))
	}()

	select {
	case resp := <-done:
		body := resp.Body.String()
		processing := strings.Index(body, `"status":"processing"`)
		completed := strings.Index(body, `"status":"completed"`)
		if processing < 0 || completed < 0 || processing > completed {
			t.Fatalf("expected processing then completed, got %q", body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after the terminal status")
	}
}

func TestEventsStreamUnknownJob(t *testing.T) {
	f := newHandlerFixture(t)
	resp := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/analyses/missing/events", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}
