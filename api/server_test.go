package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedbackcore.org/auth"
	"feedbackcore.org/chat"
	"feedbackcore.org/common"
	"feedbackcore.org/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := &config.Config{}
	cfg.Security = config.SecurityConfig{
		JWTSecret:      "test-secret",
		TokenLifetime:  time.Hour,
		AdminUsername:  "admin",
		AdminPassword:  "hunter2",
		ViewerUsername: "viewer",
		ViewerPassword: "readonly",
	}
	cfg.CORS.AllowedOrigins = []string{"*"}
	cfg.RateLimit = config.RateLimitConfig{Enabled: false}

	tokens := auth.NewTokenService(cfg.Security.JWTSecret, cfg.Security.TokenLifetime)
	authn := auth.NewAuthenticator(cfg.Security)
	chatSvc := chat.New(&chat.StubLLMClient{}, chat.NewToolset(nil, nil, nil, nil), nil, nil)

	srv := NewServer(cfg, tokens, authn, nil, nil, nil, chatSvc, nil)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(e *echo.Echo, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	e := newTestServer(t).Echo()

	rec := doJSON(e, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "healthy"}`, rec.Body.String())

	rec = doJSON(e, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestMetricsHiddenOutsideDebug(t *testing.T) {
	e := newTestServer(t).Echo()
	rec := doJSON(e, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminLoginIssuesToken(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(s.Echo(), http.MethodPost, "/admin/login",
		`{"username": "admin", "password": "hunter2"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "bearer", resp.TokenType)
	assert.Equal(t, auth.RoleAdmin, resp.Role)
	assert.Equal(t, 3600, resp.ExpiresIn)

	claims, err := s.tokens.Verify(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Subject)
}

func TestAdminLoginRejectsBadCredentials(t *testing.T) {
	e := newTestServer(t).Echo()
	rec := doJSON(e, http.MethodPost, "/admin/login",
		`{"username": "admin", "password": "wrong"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Detail)
}

func TestGatedRoutesRequireToken(t *testing.T) {
	e := newTestServer(t).Echo()
	rec := doJSON(e, http.MethodGet, "/admin/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(e, http.MethodGet, "/admin/stats", "",
		map[string]string{echo.HeaderAuthorization: "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestViewerCannotMutate(t *testing.T) {
	s := newTestServer(t)
	token, err := s.tokens.Issue("viewer", auth.RoleViewer)
	require.NoError(t, err)

	rec := doJSON(s.Echo(), http.MethodPost, "/admin/relabel-topic",
		`{"topic_id": 1, "new_label": "Billing"}`,
		map[string]string{echo.HeaderAuthorization: "Bearer " + token})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestChatQueryValidationMapsTo422(t *testing.T) {
	e := newTestServer(t).Echo()
	rec := doJSON(e, http.MethodPost, "/chat/query", `{"question": ""}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "question must not be empty", resp.Detail)
	assert.Empty(t, resp.CorrelationID)
}

func TestChatSuggestions(t *testing.T) {
	e := newTestServer(t).Echo()
	rec := doJSON(e, http.MethodGet, "/chat/suggestions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Suggestions []string `json:"suggestions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Suggestions, 5)
}

func TestErrorHandlerMasksInternalDetails(t *testing.T) {
	s := newTestServer(t)
	e := s.Echo()

	req := httptest.NewRequest(http.MethodGet, "/whatever", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Response().Header().Set(echo.HeaderXRequestID, "req-123")

	s.errorHandler(errors.New("pq: connection refused to 10.0.0.5"), c)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "internal server error", resp.Detail)
	assert.Equal(t, "req-123", resp.CorrelationID)
}

func TestErrorHandlerMapsTaxonomy(t *testing.T) {
	s := newTestServer(t)
	e := s.Echo()

	cases := []struct {
		kind   common.Kind
		status int
	}{
		{common.KindValidation, http.StatusUnprocessableEntity},
		{common.KindNotFound, http.StatusNotFound},
		{common.KindTooLarge, http.StatusRequestEntityTooLarge},
		{common.KindRateLimited, http.StatusTooManyRequests},
		{common.KindUnavailable, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		s.errorHandler(common.E(tc.kind, "boom"), c)
		assert.Equal(t, tc.status, rec.Code, tc.kind.String())
	}
}

func TestTierLimiterEnforcesBudget(t *testing.T) {
	l := newTierLimiter(config.RateLimitConfig{
		Enabled: true,
		General: 60,
		Burst:   2,
	})

	e := echo.New()
	handler := l.middleware(tierGeneral)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	serve := func() (*httptest.ResponseRecorder, error) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.7:1234"
		rec := httptest.NewRecorder()
		return rec, handler(e.NewContext(req, rec))
	}

	for i := 0; i < 2; i++ {
		rec, err := serve()
		require.NoError(t, err)
		assert.Equal(t, "60", rec.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec, err := serve()
	require.Error(t, err)
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, he.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestTierLimiterDisabledPassesThrough(t *testing.T) {
	l := newTierLimiter(config.RateLimitConfig{Enabled: false, Burst: 1})
	e := echo.New()
	handler := l.middleware(tierGeneral)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		require.NoError(t, handler(e.NewContext(req, rec)))
	}
}

func TestAdminTierKeyedByAuthenticatedSubject(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security = config.SecurityConfig{
		JWTSecret:      "test-secret",
		TokenLifetime:  time.Hour,
		AdminUsername:  "admin",
		AdminPassword:  "hunter2",
		ViewerUsername: "viewer",
		ViewerPassword: "readonly",
	}
	cfg.CORS.AllowedOrigins = []string{"*"}
	cfg.RateLimit = config.RateLimitConfig{
		Enabled: true,
		General: 60,
		Admin:   10,
		Burst:   1,
	}

	tokens := auth.NewTokenService(cfg.Security.JWTSecret, cfg.Security.TokenLifetime)
	authn := auth.NewAuthenticator(cfg.Security)
	chatSvc := chat.New(&chat.StubLLMClient{}, chat.NewToolset(nil, nil, nil, nil), nil, nil)
	s := NewServer(cfg, tokens, authn, nil, nil, nil, chatSvc, nil)
	t.Cleanup(s.Close)
	e := s.Echo()

	get := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/admin/topic-audit", nil)
		req.RemoteAddr = "203.0.113.7:1234"
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	alice, err := s.tokens.Issue("alice", auth.RoleAdmin)
	require.NoError(t, err)
	bob, err := s.tokens.Issue("bob", auth.RoleAdmin)
	require.NoError(t, err)

	// burst 1: each subject draws on its own bucket even when both
	// arrive from the same address
	assert.NotEqual(t, http.StatusTooManyRequests, get(alice))
	assert.NotEqual(t, http.StatusTooManyRequests, get(bob))
	assert.Equal(t, http.StatusTooManyRequests, get(alice))

	// an invalid token is rejected before any admin bucket is touched
	assert.Equal(t, http.StatusUnauthorized, get("garbage"))
}

func TestTierLimiterCloseStopsEviction(t *testing.T) {
	l := newTierLimiter(config.RateLimitConfig{Enabled: true})
	l.close()
	l.close() // idempotent

	select {
	case <-l.done:
	default:
		t.Fatal("eviction loop not signalled to stop")
	}
}

func TestTierLimiterSeparatesSubjects(t *testing.T) {
	l := newTierLimiter(config.RateLimitConfig{Enabled: true, General: 60, Burst: 1})
	e := echo.New()
	handler := l.middleware(tierGeneral)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	serveAs := func(ip string) error {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":1234"
		rec := httptest.NewRecorder()
		return handler(e.NewContext(req, rec))
	}

	require.NoError(t, serveAs("203.0.113.1"))
	assert.Error(t, serveAs("203.0.113.1")) // bucket drained
	assert.NoError(t, serveAs("203.0.113.2"))
}
