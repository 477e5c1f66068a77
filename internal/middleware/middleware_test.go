package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/civicpoll/backend/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestCORS(t *testing.T) {
	r := gin.New()
	r.Use(CORS("http://localhost:3000, https://polls.example/"))
	r.GET("/polls", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/polls", nil)
	req.Header.Set("Origin", "https://polls.example")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://polls.example" {
		t.Fatalf("allow origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, PATCH, DELETE, OPTIONS" {
		t.Fatalf("allow methods = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/polls", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unlisted origin: status %d, headers %v", rec.Code, rec.Header())
	}

	wild := gin.New()
	wild.Use(CORS("*"))
	wild.GET("/polls", func(c *gin.Context) { c.Status(http.StatusOK) })
	rec = httptest.NewRecorder()
	wild.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/polls", nil))
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("wildcard headers = %v", rec.Header())
	}
}

func TestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	r := gin.New()
	r.Use(Logger(zap.New(core)))
	r.GET("/polls/:id", func(c *gin.Context) {
		c.Set(ContextUserID, "alice")
		c.Status(http.StatusNotFound)
	})
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/polls/abc", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	miss := entries[0]
	if miss.Level != zapcore.WarnLevel {
		t.Fatalf("404 level = %v, want warn", miss.Level)
	}
	fields := miss.ContextMap()
	if fields["route"] != "/polls/:id" || fields["poll_id"] != "abc" || fields["user_id"] != "alice" {
		t.Fatalf("fields = %v", fields)
	}
	ok := entries[1]
	if ok.Level != zapcore.InfoLevel {
		t.Fatalf("200 level = %v, want info", ok.Level)
	}
	if _, has := ok.ContextMap()["user_id"]; has {
		t.Fatal("anonymous request logged a user id")
	}
}

func TestIdentityAndVoterID(t *testing.T) {
	jwtService := auth.NewJWTService("test-secret", 1)
	token, err := jwtService.Generate("alice", "Alice")
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	r := gin.New()
	r.Use(Identity(jwtService))
	r.GET("/whoami", func(c *gin.Context) { c.String(http.StatusOK, VoterID(c, true)) })
	r.GET("/strict", func(c *gin.Context) { c.String(http.StatusOK, VoterID(c, false)) })

	cases := []struct {
		path, header string
		status       int
		body         string
	}{
		{"/whoami", "Bearer " + token, http.StatusOK, "alice"},
		{"/whoami", "", http.StatusOK, "ip:192.0.2.1"},
		{"/strict", "", http.StatusOK, ""},
		{"/whoami", "Bearer not-a-token", http.StatusUnauthorized, ""},
		{"/whoami", "Token " + token, http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		req.RemoteAddr = "192.0.2.1:4242"
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Errorf("%s %q: status %d, want %d", tc.path, tc.header, rec.Code, tc.status)
			continue
		}
		if tc.status == http.StatusOK && rec.Body.String() != tc.body {
			t.Errorf("%s %q: voter %q, want %q", tc.path, tc.header, rec.Body.String(), tc.body)
		}
	}

	strict := gin.New()
	strict.Use(JWT(jwtService))
	strict.GET("/me", func(c *gin.Context) { c.String(http.StatusOK, UserID(c)) })
	rec := httptest.NewRecorder()
	strict.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status %d, want 401", rec.Code)
	}
}
