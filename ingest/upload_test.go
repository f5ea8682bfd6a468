package ingest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedbackcore.org/common"
	"feedbackcore.org/db"
	"feedbackcore.org/queue"
)

func TestCSVRowReaderHeaderMapping(t *testing.T) {
	csvData := "Customer_ID,Text,Source\nc-1,great product,email\n,needs work,\n"
	rr, err := newCSVRowReader(strings.NewReader(csvData), "upload")
	require.NoError(t, err)

	first, err := rr.Next()
	require.NoError(t, err)
	assert.Equal(t, "great product", first.Body)
	require.NotNil(t, first.CustomerID)
	assert.Equal(t, "c-1", *first.CustomerID)
	assert.Equal(t, "email", first.Source)

	second, err := rr.Next()
	require.NoError(t, err)
	assert.Equal(t, "needs work", second.Body)
	assert.Nil(t, second.CustomerID)
	assert.Equal(t, "upload", second.Source) // falls back to the default
}

func TestCSVRowReaderRequiresBodyColumn(t *testing.T) {
	_, err := newCSVRowReader(strings.NewReader("id,rating\n1,5\n"), "upload")
	assert.True(t, common.IsKind(err, common.KindValidation))

	_, err = newCSVRowReader(strings.NewReader(""), "upload")
	assert.True(t, common.IsKind(err, common.KindValidation))
}

func TestJSONLRowReader(t *testing.T) {
	data := `{"body": "checkout is broken", "source": "app", "customer_id": "c-9"}
{"text": "fallback body field", "metadata": {"version": "2.1"}}
`
	rr := newJSONLRowReader(strings.NewReader(data), "upload")

	first, err := rr.Next()
	require.NoError(t, err)
	assert.Equal(t, "checkout is broken", first.Body)
	assert.Equal(t, "app", first.Source)
	require.NotNil(t, first.CustomerID)
	assert.Equal(t, "c-9", *first.CustomerID)

	second, err := rr.Next()
	require.NoError(t, err)
	assert.Equal(t, "fallback body field", second.Body)
	assert.Equal(t, "upload", second.Source)
	assert.Equal(t, "2.1", second.Metadata["version"])
}

func TestUploadCSVEndToEnd(t *testing.T) {
	svc, feedback, batches, jobs, mock := newTestService(t, false)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectCommit()

	csvData := "body,customer_id\n" +
		"the app crashes constantly,c-1\n" +
		"The App Crashes Constantly,c-1\n" + // duplicate after normalization
		",c-2\n" + // empty body
		"support was very helpful,c-3\n"

	result, err := svc.UploadCSV(ctx, strings.NewReader(csvData), "upload")
	require.NoError(t, err)

	assert.Equal(t, 4, result.Processed)
	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 1, result.Duplicate)
	assert.Equal(t, 1, result.Errors)
	assert.Equal(t, 0, result.SkippedNE)
	assert.NotEmpty(t, result.JobID)

	assert.Len(t, feedback.created, 2)

	batch, err := batches.Get(ctx, result.BatchID)
	require.NoError(t, err)
	assert.Equal(t, db.BatchStatusReceived, batch.Status)
	assert.Equal(t, 4, batch.ProcessedCount)
	assert.Equal(t, 2, batch.CreatedCount)
	assert.Equal(t, result.JobID, batch.JobID)

	job, err := jobs.Dequeue(ctx, queue.QueueIngest, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, result.BatchID, job.BatchID)
	assert.Len(t, job.FeedbackIDs, 2)
}

func TestUploadJSONLEnglishOnlySkipsOtherLanguages(t *testing.T) {
	svc, feedback, _, _, mock := newTestService(t, true)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectCommit()

	data := `{"body": "the app is great and they love it"}
{"body": "la aplicacion es muy buena para todos"}
{"body": "zxcvb qwerty asdf"}
`
	result, err := svc.UploadJSONL(ctx, strings.NewReader(data), "upload")
	require.NoError(t, err)

	assert.Equal(t, 3, result.Processed)
	// unknown passes through, only the confidently non-English row skips
	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 1, result.SkippedNE)
	assert.Len(t, feedback.created, 2)
}

func TestUploadCSVNoAcceptedRowsEnqueuesNothing(t *testing.T) {
	svc, _, batches, jobs, _ := newTestService(t, false)
	ctx := context.Background()

	result, err := svc.UploadCSV(ctx, strings.NewReader("body,customer_id\n,c-1\n,c-2\n"), "upload")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Created)
	assert.Equal(t, 2, result.Errors)
	assert.Empty(t, result.JobID)

	depth, err := jobs.Depth(ctx, queue.QueueIngest)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	batch, err := batches.Get(ctx, result.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 0, batch.CreatedCount)
}
