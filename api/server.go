// Package api is the HTTP surface of the feedback-core service. It
// wires the echo server, the middleware chain (request id, timing,
// CORS, tiered rate limiting, bearer auth) and the route handlers, and
// maps the internal error taxonomy onto HTTP statuses.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"feedbackcore.org/admin"
	"feedbackcore.org/analytics"
	"feedbackcore.org/auth"
	"feedbackcore.org/chat"
	"feedbackcore.org/config"
	"feedbackcore.org/export"
	"feedbackcore.org/ingest"
	"feedbackcore.org/metrics"
)

// Server bundles the HTTP surface and its dependencies.
type Server struct {
	echo   *echo.Echo
	cfg    *config.Config
	tokens *auth.TokenService
	auth   *auth.Authenticator

	ingest    *ingest.Service
	analytics *analytics.Engine
	admin     *admin.Service
	chat      *chat.Service
	export    *export.Engine

	health  HealthChecker
	limiter *tierLimiter
}

// HealthChecker reports downstream connectivity for the health
// endpoints.
type HealthChecker interface {
	CheckDatabase(ctx context.Context) *admin.DatabaseHealth
}

// NewServer assembles the echo server with the full middleware chain
// and all routes.
func NewServer(
	cfg *config.Config,
	tokens *auth.TokenService,
	authn *auth.Authenticator,
	ingestSvc *ingest.Service,
	analyticsEngine *analytics.Engine,
	adminSvc *admin.Service,
	chatSvc *chat.Service,
	exportEngine *export.Engine,
) *Server {
	s := &Server{
		cfg:       cfg,
		tokens:    tokens,
		auth:      authn,
		ingest:    ingestSvc,
		analytics: analyticsEngine,
		admin:     adminSvc,
		chat:      chatSvc,
		export:    exportEngine,
		health:    adminSvc,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Server.Debug
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.RequestID())
	e.Use(s.timingMiddleware)
	e.Use(middleware.Recover())
	if cfg.Server.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.CORS.AllowedOrigins,
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
		},
	}))

	limiter := newTierLimiter(cfg.RateLimit)
	s.limiter = limiter
	s.registerRoutes(e, limiter)

	s.echo = e
	return s
}

// Close releases the server's background resources. Start calls it on
// its way out; callers that never Start must call it themselves.
func (s *Server) Close() {
	s.limiter.close()
}

// Echo exposes the underlying server, for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start listens until the context is cancelled, then shuts down
// gracefully within the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	defer s.Close()
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		s.echo.Server.ReadTimeout = s.cfg.Server.ReadTimeout
		s.echo.Server.WriteTimeout = s.cfg.Server.WriteTimeout
		errCh <- s.echo.Start(addr)
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}

// timingMiddleware records request latency and outcome counters.
func (s *Server) timingMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)

		path := c.Path()
		if path == "" {
			path = c.Request().URL.Path
		}
		status := c.Response().Status
		if err != nil {
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
		}

		metrics.RequestsTotal.WithLabelValues(c.Request().Method, path, strconv.Itoa(status)).Inc()
		metrics.RequestDuration.WithLabelValues(c.Request().Method, path).Observe(time.Since(start).Seconds())
		return err
	}
}

// registerRoutes wires every route with its rate tier and auth gate.
func (s *Server) registerRoutes(e *echo.Echo, limiter *tierLimiter) {
	// System
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if s.cfg.Server.Debug {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	jwtMiddleware := echojwt.WithConfig(echojwt.Config{
		SigningKey: s.tokens.Secret(),
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid token")
		},
		ParseTokenFunc: func(c echo.Context, tokenString string) (interface{}, error) {
			claims, err := s.tokens.Verify(tokenString)
			if err != nil {
				return nil, err
			}
			c.Set("subject", claims.Subject)
			c.Set("role", claims.Role)
			return claims, nil
		},
	})

	// Ingestion
	ing := e.Group("/ingest", limiter.middleware(tierUpload))
	ing.POST("/feedback", s.handleCreateFeedback)
	ing.POST("/feedback/batch", s.handleCreateBatch)
	ing.POST("/upload/csv", s.handleUploadCSV)
	ing.POST("/upload/json", s.handleUploadJSONL)

	// Analytics, canonical prefix plus the legacy alias.
	for _, prefix := range []string{"/analytics", "/api/analytics"} {
		g := e.Group(prefix, limiter.middleware(tierAnalytics))
		g.GET("/sentiment-trends", s.handleSentimentTrends)
		g.GET("/volume-trends", s.handleVolumeTrends)
		g.GET("/daily-aggregates", s.handleDailyAggregates)
		g.GET("/customers", s.handleCustomerStats)
		g.GET("/sources", s.handleSourceStats)
		g.GET("/toxicity", s.handleToxicityStats)
		g.GET("/summary", s.handleSummary)
		g.GET("/topics", s.handleTopics)
		g.GET("/examples", s.handleExamples)
		g.GET("/dashboard/summary", s.handleDashboard)
	}

	// Single feedback read, used by citation checks.
	e.GET("/api/feedback/:id", s.handleGetFeedback, limiter.middleware(tierGeneral))

	// QA
	qa := e.Group("/chat", limiter.middleware(tierGeneral))
	qa.POST("/query", s.handleChatQuery)
	qa.GET("/conversations", s.handleChatConversations)
	qa.POST("/clear-memory", s.handleChatClearMemory)
	qa.GET("/suggestions", s.handleChatSuggestions)

	// Admin. Login is open; everything else requires a token, and the
	// mutations require the admin role. The admin tier is budgeted per
	// authenticated subject, so its limiter runs after token parsing;
	// the open login routes fall under the general tier.
	adm := e.Group("/admin")
	adm.POST("/login", s.handleAdminLogin, limiter.middleware(tierGeneral))
	adm.POST("/viewer/login", s.handleViewerLogin, limiter.middleware(tierGeneral))

	gated := adm.Group("", jwtMiddleware, limiter.middleware(tierAdmin))
	gated.GET("/stats", s.handleAdminStats, s.requireRole(auth.RoleAdmin))
	gated.GET("/health/database", s.handleDatabaseHealth, s.requireRole(auth.RoleAdmin))
	gated.POST("/maintenance/refresh-materialized-view", s.handleRefreshView, s.requireRole(auth.RoleAdmin))
	gated.GET("/topics", s.handleAdminTopics, s.requireRole(auth.RoleViewer, auth.RoleAdmin))
	gated.POST("/relabel-topic", s.handleRelabelTopic, s.requireRole(auth.RoleAdmin))
	gated.POST("/reassign-feedback", s.handleReassignFeedback, s.requireRole(auth.RoleAdmin))
	gated.GET("/topics/:id/feedback", s.handleTopicFeedback, s.requireRole(auth.RoleViewer, auth.RoleAdmin))
	gated.GET("/topic-audit", s.handleTopicAudit, s.requireRole(auth.RoleViewer, auth.RoleAdmin))
	gated.GET("/topic-audit/:topic_id", s.handleTopicAudit, s.requireRole(auth.RoleViewer, auth.RoleAdmin))
	gated.POST("/cleanup/old-data", s.handleCleanup, s.requireRole(auth.RoleAdmin))
	gated.POST("/cache/clear", s.handleCacheClear, s.requireRole(auth.RoleAdmin))

	// Export
	exp := e.Group("/api/export", limiter.middleware(tierGeneral))
	exp.GET("/export.csv", s.handleExportFeedback)
	exp.GET("/export/topics.csv", s.handleExportTopics)
	exp.GET("/export/analytics.csv", s.handleExportAnalytics)
}

// requireRole gates a route on the authenticated role.
func (s *Server) requireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role, _ := c.Get("role").(string)
			for _, allowed := range roles {
				if role == allowed {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
		}
	}
}
