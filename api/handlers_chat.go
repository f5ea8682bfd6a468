package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"feedbackcore.org/chat"
	"feedbackcore.org/common"
)

type chatRequest struct {
	Question string       `json:"question"`
	Filters  chat.Filters `json:"filters"`
}

func (s *Server) handleChatQuery(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "malformed chat body", err)
	}

	answer, err := s.chat.Query(c.Request().Context(), req.Question, req.Filters)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, answer)
}

func (s *Server) handleChatConversations(c echo.Context) error {
	page := intParam(c, "page", 1)
	pageSize := intParam(c, "page_size", 20)
	exchanges, total := s.chat.Conversations(page, pageSize)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"conversations": exchanges,
		"total":         total,
		"page":          page,
		"page_size":     pageSize,
	})
}

func (s *Server) handleChatClearMemory(c echo.Context) error {
	s.chat.ClearMemory()
	return c.JSON(http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleChatSuggestions(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"suggestions": s.chat.Suggestions(c.Request().Context())})
}
