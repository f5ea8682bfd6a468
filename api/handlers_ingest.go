package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"feedbackcore.org/common"
	"feedbackcore.org/ingest"
)

// handleCreateFeedback accepts one feedback item, as JSON or form
// fields, and returns its identifier.
func (s *Server) handleCreateFeedback(c echo.Context) error {
	var item ingest.Item
	contentType := c.Request().Header.Get(echo.HeaderContentType)
	if contentType == echo.MIMEApplicationForm || contentType == echo.MIMEMultipartForm {
		item.Source = c.FormValue("source")
		item.Body = c.FormValue("body")
		if cid := c.FormValue("customer_id"); cid != "" {
			item.CustomerID = &cid
		}
	} else {
		if err := c.Bind(&item); err != nil {
			return common.E(common.KindValidation, "malformed request body", err)
		}
	}

	id, err := s.ingest.CreateOne(c.Request().Context(), item)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id.String()})
}

// handleCreateBatch accepts up to 1000 items and returns per-item
// outcomes in input order.
func (s *Server) handleCreateBatch(c echo.Context) error {
	var items []ingest.Item
	if err := c.Bind(&items); err != nil {
		return common.E(common.KindValidation, "body must be a JSON array of feedback items", err)
	}

	outcomes, err := s.ingest.CreateBatch(c.Request().Context(), items)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"outcomes": outcomes})
}

// handleUploadCSV streams a multipart CSV file into the pipeline.
func (s *Server) handleUploadCSV(c echo.Context) error {
	return s.handleUpload(c, "csv")
}

// handleUploadJSONL streams a multipart JSONL file into the pipeline.
func (s *Server) handleUploadJSONL(c echo.Context) error {
	return s.handleUpload(c, "jsonl")
}

func (s *Server) handleUpload(c echo.Context, format string) error {
	source := c.FormValue("source")
	if source == "" {
		source = "upload"
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return common.E(common.KindValidation, "multipart file field is required", err)
	}
	file, err := fileHeader.Open()
	if err != nil {
		return common.E(common.KindValidation, "failed to open uploaded file", err)
	}
	defer file.Close()

	var result *ingest.UploadResult
	if format == "csv" {
		result, err = s.ingest.UploadCSV(c.Request().Context(), file, source)
	} else {
		result, err = s.ingest.UploadJSONL(c.Request().Context(), file, source)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, result)
}

// handleGetFeedback returns one feedback row with its annotation.
func (s *Server) handleGetFeedback(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return common.E(common.KindValidation, "invalid feedback id")
	}
	row, err := s.ingest.GetFeedback(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, row)
}
