// Package db provides parameterised access to the primary relational
// store for the feedback-core service. It wraps GORM over Postgres with
// bounded pooling, a retry policy for transient connection failures, and
// a read-only handle that the analytics engine and the QA SQL tool are
// restricted to.
package db

import (
	"time"

	"github.com/google/uuid"
)

// Feedback is one customer utterance. Rows are created by ingestion and
// never mutated afterwards except through admin-ordered deletion.
type Feedback struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Source           string    `gorm:"index;not null" json:"source"`
	CustomerID       *string   `gorm:"index" json:"customer_id"`
	Text             string    `gorm:"type:text;not null" json:"text"`
	NormalizedText   string    `gorm:"type:text" json:"normalized_text"`
	DetectedLanguage string    `gorm:"size:16" json:"detected_language"`
	Meta             string    `gorm:"type:jsonb;default:'{}'" json:"meta"`
	CreatedAt        time.Time `gorm:"index;not null" json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`

	Annotation *Annotation `gorm:"foreignKey:FeedbackID" json:"annotation,omitempty"`
}

// TableName keeps the table name aligned with the analytics queries.
func (Feedback) TableName() string { return "feedback" }

// Annotation is the enrichment record attached to one feedback. A
// feedback has at most one live annotation; the annotate stage upserts
// rather than inserting duplicates.
type Annotation struct {
	ID             int64     `gorm:"primaryKey" json:"id"`
	FeedbackID     uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"feedback_id"`
	Sentiment      *int      `gorm:"index" json:"sentiment"`
	SentimentScore *float64  `json:"sentiment_score"`
	TopicID        *int64    `gorm:"index" json:"topic_id"`
	ToxicityScore  *float64  `json:"toxicity_score"`
	ModelVersion   string    `gorm:"size:64" json:"model_version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Annotation) TableName() string { return "nlp_annotation" }

// Topic is a named cluster of semantically related feedback.
type Topic struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	Label     string    `gorm:"size:255;not null" json:"label"`
	Keywords  []string  `gorm:"serializer:json;type:jsonb" json:"keywords"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`
}

func (Topic) TableName() string { return "topic" }

// UnassignedTopicLabel names the sentinel topic that absorbs annotations
// when their topic is deleted.
const UnassignedTopicLabel = "unassigned"

// TopicAuditLog is the append-only record of an admin mutation. Rows are
// never updated or deleted.
type TopicAuditLog struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	TopicID   *int64    `gorm:"index" json:"topic_id"`
	Action    string    `gorm:"size:64;not null" json:"action"`
	Before    string    `gorm:"type:jsonb" json:"before"`
	After     string    `gorm:"type:jsonb" json:"after"`
	ChangedBy string    `gorm:"size:255;not null" json:"changed_by"`
	ActorIP   string    `gorm:"size:64" json:"actor_ip"`
	ActorUA   string    `gorm:"size:512" json:"actor_ua"`
	ChangedAt time.Time `gorm:"index;not null" json:"changed_at"`
}

func (TopicAuditLog) TableName() string { return "topic_audit_log" }

// Audit action tags.
const (
	AuditActionRelabel  = "relabel_topic"
	AuditActionReassign = "reassign_feedback"
	AuditActionCreate   = "create_topic"
	AuditActionDelete   = "delete_topic"
)

// Batch tracks one upload or bulk submission through the enrichment
// pipeline.
type Batch struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Source             string    `gorm:"not null" json:"source"`
	JobID              string    `gorm:"size:64" json:"job_id"`
	Status             string    `gorm:"size:32;index" json:"status"`
	ProcessedCount     int       `json:"processed_count"`
	CreatedCount       int       `json:"created_count"`
	DuplicateCount     int       `json:"duplicate_count"`
	ErrorCount         int       `json:"error_count"`
	SkippedNonEnglish  int       `json:"skipped_non_english"`
	ReceivedAt         time.Time `gorm:"not null" json:"received_at"`
	CompletedAt        *time.Time `json:"completed_at"`
}

func (Batch) TableName() string { return "batches" }

// Batch statuses.
const (
	BatchStatusReceived   = "received"
	BatchStatusAnnotating = "annotating"
	BatchStatusClustering = "clustering"
	BatchStatusComplete   = "complete"
	BatchStatusFailed     = "failed"
)

// WeeklyReport is a synthesised summary row written by the reports stage
// and by the QA report-writer tool.
type WeeklyReport struct {
	ID                 int64     `gorm:"primaryKey" json:"id"`
	WeekStart          time.Time `gorm:"index;not null" json:"week_start"`
	TotalFeedback      int64     `json:"total_feedback"`
	NegativePercentage float64   `json:"negative_percentage"`
	AvgSentiment       *float64  `json:"avg_sentiment"`
	TopTopics          []string  `gorm:"serializer:json;type:jsonb" json:"top_topics"`
	KeyInsights        []string  `gorm:"serializer:json;type:jsonb" json:"key_insights"`
	CreatedAt          time.Time `json:"created_at"`
}

func (WeeklyReport) TableName() string { return "weekly_reports" }
