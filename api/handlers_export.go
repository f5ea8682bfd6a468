package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"feedbackcore.org/common"
	"feedbackcore.org/export"
)

// prepareCSVResponse sets the streaming headers. The body is written
// incrementally by the export engine.
func prepareCSVResponse(c echo.Context, filename string) {
	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/csv; charset=utf-8")
	h.Set(echo.HeaderContentDisposition, `attachment; filename="`+filename+`"`)
	c.Response().WriteHeader(http.StatusOK)
}

func (s *Server) handleExportFeedback(c echo.Context) error {
	filter := export.FeedbackFilter{
		Source:     c.QueryParam("source"),
		CustomerID: c.QueryParam("customer_id"),
	}
	if raw := c.QueryParam("start_date"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return common.E(common.KindValidation, "invalid start_date")
		}
		filter.Start = &t
	}
	if raw := c.QueryParam("end_date"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return common.E(common.KindValidation, "invalid end_date")
		}
		end := t.AddDate(0, 0, 1)
		filter.End = &end
	}
	if raw := c.QueryParam("sentiment_min"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return common.E(common.KindValidation, "invalid sentiment_min")
		}
		filter.SentimentMin = &v
	}
	if raw := c.QueryParam("sentiment_max"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return common.E(common.KindValidation, "invalid sentiment_max")
		}
		filter.SentimentMax = &v
	}

	prepareCSVResponse(c, "export.csv")
	if err := s.export.Feedback(c.Request().Context(), c.Response(), c.Response(), filter); err != nil {
		// Headers are already out; log and terminate the stream.
		common.Logger.WithError(err).Warn("feedback export aborted")
	}
	return nil
}

func (s *Server) handleExportTopics(c echo.Context) error {
	prepareCSVResponse(c, "topics.csv")
	if err := s.export.Topics(c.Request().Context(), c.Response(), c.Response(), intParam(c, "min_feedback_count", 0)); err != nil {
		common.Logger.WithError(err).Warn("topics export aborted")
	}
	return nil
}

func (s *Server) handleExportAnalytics(c echo.Context) error {
	w, err := window(c)
	if err != nil {
		return err
	}

	prepareCSVResponse(c, "analytics.csv")
	if err := s.export.DailyAggregates(c.Request().Context(), c.Response(), c.Response(), w.Start, w.End); err != nil {
		common.Logger.WithError(err).Warn("analytics export aborted")
	}
	return nil
}
