package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"t3rms-backend/internal/shared/auth"
)

func TestAuthAllowsOptionsWithoutIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Auth(auth.NewVerifier("secret")))
	router.OPTIONS("/api/v1/analyses", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/analyses", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
}

func TestAuthIdentities(t *testing.T) {
	gin.SetMode(gin.TestMode)
	verifier := auth.NewVerifier("secret")
	token, err := verifier.Sign(auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"}})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	tests := []struct {
		name       string
		header     string
		value      string
		wantStatus int
		wantUser   string
		wantAuth   bool
	}{
		{name: "bearer", header: "Authorization", value: "Bearer " + token, wantStatus: http.StatusOK, wantUser: "user-1", wantAuth: true},
		{name: "guest", header: "X-Guest-Id", value: "abc", wantStatus: http.StatusOK, wantUser: "guest:abc"},
		{name: "anonymous", wantStatus: http.StatusOK},
		{name: "bad token", header: "Authorization", value: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Authorization", value: "Basic abc", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(Auth(verifier))
			router.GET("/whoami", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{
					"user":          UserIDFromContext(c),
					"authenticated": IsAuthenticated(c),
				})
			})

			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, req)

			if resp.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, resp.Code)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			body := resp.Body.String()
			wantUser := `"user":"` + tt.wantUser + `"`
			if !strings.Contains(body, wantUser) {
				t.Fatalf("expected %s in %s", wantUser, body)
			}
			wantAuth := `"authenticated":false`
			if tt.wantAuth {
				wantAuth = `"authenticated":true`
			}
			if !strings.Contains(body, wantAuth) {
				t.Fatalf("expected %s in %s", wantAuth, body)
			}
		})
	}
}
