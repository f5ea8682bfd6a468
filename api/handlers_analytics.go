package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"feedbackcore.org/analytics"
	"feedbackcore.org/common"
)

// window resolves the date-range query parameters, accepting both the
// start_date/end_date and start/end spellings.
func window(c echo.Context) (analytics.Window, error) {
	start := c.QueryParam("start_date")
	if start == "" {
		start = c.QueryParam("start")
	}
	end := c.QueryParam("end_date")
	if end == "" {
		end = c.QueryParam("end")
	}
	return analytics.ResolveWindow(start, end)
}

// jsonBytes writes pre-serialised JSON so cached responses stay
// byte-identical.
func jsonBytes(c echo.Context, body []byte) error {
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, body)
}

func (s *Server) handleSentimentTrends(c echo.Context) error {
	w, err := window(c)
	if err != nil {
		return err
	}
	body, err := s.analytics.SentimentTrends(c.Request().Context(), c.QueryParam("group_by"), w)
	if err != nil {
		return err
	}
	return jsonBytes(c, body)
}

func (s *Server) handleVolumeTrends(c echo.Context) error {
	w, err := window(c)
	if err != nil {
		return err
	}
	body, err := s.analytics.VolumeTrends(c.Request().Context(), c.QueryParam("group_by"), w)
	if err != nil {
		return err
	}
	return jsonBytes(c, body)
}

func (s *Server) handleDailyAggregates(c echo.Context) error {
	w, err := window(c)
	if err != nil {
		return err
	}
	page := intParam(c, "page", 1)
	pageSize := intParam(c, "page_size", 30)
	if pageSize > 365 {
		return common.E(common.KindValidation, "page_size must not exceed 365")
	}
	body, err := s.analytics.DailyAggregates(c.Request().Context(), w, page, pageSize)
	if err != nil {
		return err
	}
	return jsonBytes(c, body)
}

func (s *Server) handleCustomerStats(c echo.Context) error {
	w, err := window(c)
	if err != nil {
		return err
	}
	body, err := s.analytics.CustomerStats(c.Request().Context(), intParam(c, "min_feedback_count", 1), w)
	if err != nil {
		return err
	}
	return jsonBytes(c, body)
}

func (s *Server) handleSourceStats(c echo.Context) error {
	w, err := window(c)
	if err != nil {
		return err
	}
	body, err := s.analytics.SourceStats(c.Request().Context(), w)
	if err != nil {
		return err
	}
	return jsonBytes(c, body)
}

func (s *Server) handleToxicityStats(c echo.Context) error {
	w, err := window(c)
	if err != nil {
		return err
	}
	threshold := 0.5
	if raw := c.QueryParam("threshold"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			return common.E(common.KindValidation, "threshold must be a number within [0,1]")
		}
		threshold = v
	}
	body, err := s.analytics.ToxicityStats(c.Request().Context(), threshold, w)
	if err != nil {
		return err
	}
	return jsonBytes(c, body)
}

func (s *Server) handleSummary(c echo.Context) error {
	w, err := window(c)
	if err != nil {
		return err
	}
	body, err := s.analytics.Summary(c.Request().Context(), w)
	if err != nil {
		return err
	}
	return jsonBytes(c, body)
}

func (s *Server) handleTopics(c echo.Context) error {
	w, err := window(c)
	if err != nil {
		return err
	}
	body, err := s.analytics.Topics(c.Request().Context(), w)
	if err != nil {
		return err
	}
	return jsonBytes(c, body)
}

func (s *Server) handleExamples(c echo.Context) error {
	limit := intParam(c, "limit", 10)
	if limit < 1 || limit > 50 {
		return common.E(common.KindValidation, "limit must be within [1,50]")
	}

	var topicID *int64
	if raw := c.QueryParam("topic_id"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return common.E(common.KindValidation, "topic_id must be an integer")
		}
		topicID = &v
	}
	var sentiment *int
	if raw := c.QueryParam("sentiment"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < -1 || v > 1 {
			return common.E(common.KindValidation, "sentiment must be -1, 0 or 1")
		}
		sentiment = &v
	}

	body, err := s.analytics.Examples(c.Request().Context(), topicID, sentiment, limit)
	if err != nil {
		return err
	}
	return jsonBytes(c, body)
}

func (s *Server) handleDashboard(c echo.Context) error {
	w, err := window(c)
	if err != nil {
		return err
	}
	body, err := s.analytics.Dashboard(c.Request().Context(), w)
	if err != nil {
		return err
	}
	return jsonBytes(c, body)
}

func intParam(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
