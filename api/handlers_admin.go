package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"feedbackcore.org/admin"
	"feedbackcore.org/common"
)

type loginRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresIn int    `json:"expires_in"`
	Role      string `json:"role"`
}

func (s *Server) handleAdminLogin(c echo.Context) error {
	return s.login(c, s.auth.VerifyAdmin)
}

func (s *Server) handleViewerLogin(c echo.Context) error {
	return s.login(c, s.auth.VerifyViewer)
}

func (s *Server) login(c echo.Context, verify func(username, password string) (string, error)) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "malformed login body", err)
	}

	role, err := verify(req.Username, req.Password)
	if err != nil {
		return err
	}

	token, err := s.tokens.Issue(req.Username, role)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, loginResponse{
		Token:     token,
		TokenType: "bearer",
		ExpiresIn: int(s.tokens.Lifetime().Seconds()),
		Role:      role,
	})
}

// actor extracts the mutation actor from the authenticated request.
func actor(c echo.Context) admin.Actor {
	subject, _ := c.Get("subject").(string)
	return admin.Actor{
		Username:  subject,
		IP:        c.RealIP(),
		UserAgent: c.Request().UserAgent(),
	}
}

func (s *Server) handleAdminStats(c echo.Context) error {
	stats, err := s.admin.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleDatabaseHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, s.admin.CheckDatabase(c.Request().Context()))
}

func (s *Server) handleRefreshView(c echo.Context) error {
	if err := s.admin.RefreshView(c.Request().Context()); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "refreshed"})
}

func (s *Server) handleAdminTopics(c echo.Context) error {
	topics, err := s.admin.Topics(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"topics": topics})
}

type relabelRequest struct {
	TopicID     int64    `json:"topic_id"`
	NewLabel    string   `json:"new_label"`
	NewKeywords []string `json:"new_keywords"`
}

func (s *Server) handleRelabelTopic(c echo.Context) error {
	var req relabelRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "malformed relabel body", err)
	}

	topic, err := s.admin.RelabelTopic(c.Request().Context(), req.TopicID, req.NewLabel, req.NewKeywords, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, topic)
}

type reassignRequest struct {
	FeedbackIDs   []string `json:"feedback_ids"`
	TargetTopicID int64    `json:"target_topic_id"`
	Reason        string   `json:"reason"`
}

func (s *Server) handleReassignFeedback(c echo.Context) error {
	var req reassignRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "malformed reassign body", err)
	}

	ids := make([]uuid.UUID, 0, len(req.FeedbackIDs))
	for _, raw := range req.FeedbackIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return common.Ef(common.KindValidation, "invalid feedback id %q", raw)
		}
		ids = append(ids, id)
	}

	moved, err := s.admin.ReassignFeedback(c.Request().Context(), ids, req.TargetTopicID, req.Reason, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"reassigned": moved})
}

func (s *Server) handleTopicFeedback(c echo.Context) error {
	topicID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return common.E(common.KindValidation, "invalid topic id")
	}

	items, total, err := s.admin.TopicFeedback(c.Request().Context(), topicID, intParam(c, "page", 1), intParam(c, "page_size", 20))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"items": items,
		"total": total,
	})
}

func (s *Server) handleTopicAudit(c echo.Context) error {
	var topicID *int64
	if raw := c.Param("topic_id"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return common.E(common.KindValidation, "invalid topic id")
		}
		topicID = &v
	}

	entries, err := s.admin.AuditLog(c.Request().Context(), topicID, intParam(c, "limit", 100))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"entries": entries})
}

type cleanupRequest struct {
	DaysOld int  `json:"days_old"`
	DryRun  bool `json:"dry_run"`
}

func (s *Server) handleCleanup(c echo.Context) error {
	var req cleanupRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "malformed cleanup body", err)
	}

	result, err := s.admin.CleanupOldData(c.Request().Context(), req.DaysOld, req.DryRun)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleCacheClear(c echo.Context) error {
	dropped := s.admin.ClearCache(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]int{"dropped": dropped})
}
