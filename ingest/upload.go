package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"feedbackcore.org/common"
	"feedbackcore.org/db"
	"feedbackcore.org/queue"
)

func encodeMeta(meta map[string]string) string {
	b, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// rowReader yields one Item per upload row. io.EOF terminates the
// stream; any other error counts as a row error and parsing continues
// where the format permits.
type rowReader interface {
	Next() (Item, error)
}

// csvRowReader streams a CSV upload. Expected columns: body or text
// (required), customer_id, source (falls back to the upload's source
// parameter). Header row required.
type csvRowReader struct {
	r             *csv.Reader
	defaultSource string
	bodyIdx       int
	customerIdx   int
	sourceIdx     int
}

func newCSVRowReader(reader io.Reader, defaultSource string) (*csvRowReader, error) {
	r := csv.NewReader(reader)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, common.E(common.KindValidation, "csv file is empty or unreadable", err)
	}

	c := &csvRowReader{r: r, defaultSource: defaultSource, bodyIdx: -1, customerIdx: -1, sourceIdx: -1}
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "body", "text", "feedback":
			c.bodyIdx = i
		case "customer_id", "customer":
			c.customerIdx = i
		case "source":
			c.sourceIdx = i
		}
	}
	if c.bodyIdx == -1 {
		return nil, common.E(common.KindValidation, "csv header must contain a body or text column")
	}
	return c, nil
}

func (c *csvRowReader) Next() (Item, error) {
	record, err := c.r.Read()
	if err != nil {
		return Item{}, err
	}

	item := Item{Source: c.defaultSource}
	if c.bodyIdx < len(record) {
		item.Body = record[c.bodyIdx]
	}
	if c.customerIdx >= 0 && c.customerIdx < len(record) && record[c.customerIdx] != "" {
		cid := record[c.customerIdx]
		item.CustomerID = &cid
	}
	if c.sourceIdx >= 0 && c.sourceIdx < len(record) && record[c.sourceIdx] != "" {
		item.Source = record[c.sourceIdx]
	}
	return item, nil
}

// jsonlRowReader streams a JSONL upload, one JSON object per line.
type jsonlRowReader struct {
	dec           *json.Decoder
	defaultSource string
}

func newJSONLRowReader(reader io.Reader, defaultSource string) *jsonlRowReader {
	return &jsonlRowReader{dec: json.NewDecoder(reader), defaultSource: defaultSource}
}

func (j *jsonlRowReader) Next() (Item, error) {
	var raw struct {
		Source     string            `json:"source"`
		Body       string            `json:"body"`
		Text       string            `json:"text"`
		CustomerID *string           `json:"customer_id"`
		Metadata   map[string]string `json:"metadata"`
	}
	if err := j.dec.Decode(&raw); err != nil {
		return Item{}, err
	}

	item := Item{
		Source:     raw.Source,
		Body:       raw.Body,
		CustomerID: raw.CustomerID,
		Metadata:   raw.Metadata,
	}
	if item.Body == "" {
		item.Body = raw.Text
	}
	if item.Source == "" {
		item.Source = j.defaultSource
	}
	return item, nil
}

// UploadCSV streams a CSV file into the pipeline.
func (s *Service) UploadCSV(ctx context.Context, reader io.Reader, source string) (*UploadResult, error) {
	rr, err := newCSVRowReader(reader, source)
	if err != nil {
		return nil, err
	}
	return s.runUpload(ctx, rr, source)
}

// UploadJSONL streams a JSONL file into the pipeline.
func (s *Service) UploadJSONL(ctx context.Context, reader io.Reader, source string) (*UploadResult, error) {
	return s.runUpload(ctx, newJSONLRowReader(reader, source), source)
}

// runUpload drives a streamed upload: validate and dedupe row by row,
// persist accepted rows in chunks, track counters on the batch row, and
// enqueue the pipeline job when the stream ends. The whole file is
// never held in memory.
func (s *Service) runUpload(ctx context.Context, rows rowReader, source string) (*UploadResult, error) {
	batch := &db.Batch{
		ID:         uuid.New(),
		Source:     source,
		Status:     db.BatchStatusReceived,
		ReceivedAt: time.Now().UTC(),
	}
	if err := s.batches.Create(ctx, batch); err != nil {
		return nil, err
	}

	result := &UploadResult{BatchID: batch.ID}
	seen := make(map[dedupeKey]struct{})
	chunk := make([]*db.Feedback, 0, uploadChunkSize)
	var allIDs []uuid.UUID

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		err := s.pg.Transaction(ctx, func(tx *gorm.DB) error {
			return s.feedback.CreateMany(ctx, tx, chunk)
		})
		if err != nil {
			return err
		}
		for _, row := range chunk {
			allIDs = append(allIDs, row.ID)
		}
		result.Created += len(chunk)
		chunk = chunk[:0]
		return nil
	}

	for {
		if ctx.Err() != nil {
			return nil, common.E(common.KindTimeout, "upload cancelled", ctx.Err())
		}

		item, err := rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			result.Processed++
			result.Errors++
			continue
		}
		result.Processed++

		if err := validate(item); err != nil {
			result.Errors++
			continue
		}

		row := buildRow(item)
		if s.englishOnly && row.DetectedLanguage != "en" && row.DetectedLanguage != "unknown" {
			result.SkippedNE++
			continue
		}

		key := keyFor(row)
		if _, dup := seen[key]; dup {
			result.Duplicate++
			continue
		}
		seen[key] = struct{}{}

		chunk = append(chunk, row)
		if len(chunk) >= uploadChunkSize {
			if err := flush(); err != nil {
				batch.Status = db.BatchStatusFailed
				s.finishBatch(ctx, batch, result)
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		batch.Status = db.BatchStatusFailed
		s.finishBatch(ctx, batch, result)
		return nil, err
	}

	job := &queue.Job{
		Queue:       queue.QueueIngest,
		BatchID:     batch.ID,
		FeedbackIDs: allIDs,
	}
	if len(allIDs) > 0 {
		if err := s.jobs.Enqueue(ctx, job); err != nil {
			common.Logger.WithError(err).WithField("batch_id", batch.ID).Error("failed to enqueue ingest job")
		} else {
			result.JobID = job.ID
			batch.JobID = job.ID
		}
	}

	s.finishBatch(ctx, batch, result)
	s.events.Publish(queue.Event{
		Type:    queue.EventBatchReceived,
		BatchID: batch.ID,
		Source:  source,
		Count:   result.Created,
	})
	return result, nil
}

func (s *Service) finishBatch(ctx context.Context, batch *db.Batch, result *UploadResult) {
	batch.ProcessedCount = result.Processed
	batch.CreatedCount = result.Created
	batch.DuplicateCount = result.Duplicate
	batch.ErrorCount = result.Errors
	batch.SkippedNonEnglish = result.SkippedNE
	if err := s.batches.Update(ctx, batch); err != nil {
		common.Logger.WithError(err).WithField("batch_id", batch.ID).Error("failed to update batch counters")
	}
}
