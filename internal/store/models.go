package store

import (
	"encoding/json"
	"strings"
	"time"
)

// Review statuses in the moderation queue.
const (
	StatusPending     = "pending"
	StatusApproved    = "approved"
	StatusNeedsReview = "needs_review"
	StatusRejected    = "rejected"
)

// ValidStatus reports whether status is a known queue status.
func ValidStatus(status string) bool {
	switch status {
	case StatusPending, StatusApproved, StatusNeedsReview, StatusRejected:
		return true
	}
	return false
}

// ModerationRecord is one decided review, either submitted directly
// (BatchID 0) or produced by a batch evaluation.
type ModerationRecord struct {
	ID                uint   `gorm:"primaryKey"`
	BatchID           uint   `gorm:"index"`
	RowIndex          int    `gorm:"index"`
	ExternalID        string `gorm:"size:128;index"`
	Text              string `gorm:"type:text"`
	TextKey           string `gorm:"size:64;index"`
	Truncated         bool
	Alpha             float64
	NeighborConf      float64
	RuleScore         float64
	FinalScore        float64 `gorm:"index"`
	RiskLevel         string  `gorm:"size:16;index"`
	StrongBoost       bool
	RulesDetailJSON   string `gorm:"type:text"`
	LikelyReasonsJSON string `gorm:"type:text"`
	NeighborsJSON     string `gorm:"type:text"`
	TestLike          bool   `gorm:"index"`
	TestStage         string `gorm:"size:32"`
	LowQuality        bool   `gorm:"index"`
	GibberishScore    int
	LLMFlag           *bool
	LLMReason         string `gorm:"type:text"`
	LLMPolicyRef      string `gorm:"size:128"`
	LLMSource         string `gorm:"size:32"`
	Status            string `gorm:"size:16;index"`
	ReviewedAt        *time.Time
	ProcessingTimeMs  int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ReviewBatch is an uploaded CSV of reviews.
type ReviewBatch struct {
	ID               uint   `gorm:"primaryKey"`
	Name             string `gorm:"size:128;index"`
	Owner            string `gorm:"size:128;index"`
	OriginalFilename string `gorm:"size:256"`
	RowCount         int
	UniqueReviews    int
	DuplicateRows    int
	TruncatedRows    int
	ProcessedReviews int
	LastEvaluatedAt  *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// BatchReview is one row of an uploaded batch.
type BatchReview struct {
	ID         uint   `gorm:"primaryKey"`
	BatchID    uint   `gorm:"index"`
	RowIndex   int    `gorm:"index"`
	ExternalID string `gorm:"size:128"`
	Text       string `gorm:"type:text"`
	TextKey    string `gorm:"size:64;index"`
	Truncated  bool
	CreatedAt  time.Time
}

// BatchRequest tracks one evaluation job for a batch (initial run, resume, forced rerun).
type BatchRequest struct {
	ID         uint   `gorm:"primaryKey"`
	BatchID    uint   `gorm:"index"`
	Type       string `gorm:"size:32"`
	Status     string `gorm:"size:32"`
	JobID      string `gorm:"size:64"`
	StartedAt  time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
}

// ReferenceReview is a labelled historical case used for similarity search.
type ReferenceReview struct {
	ID         uint   `gorm:"primaryKey"`
	ExternalID string `gorm:"size:128;index"`
	Text       string `gorm:"type:text"`
	TextKey    string `gorm:"size:64;index"`
	Label      string `gorm:"size:64;index"`
	ReasonID   int    `gorm:"index"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

// EncodeJSON renders v for a JSON text column. Encoding failures store "null".
func EncodeJSON(v any) string {
	payload, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(payload)
}

// DecodeList reads a JSON array column. Empty or malformed columns yield nil.
func DecodeList[T any](raw string) []T {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
