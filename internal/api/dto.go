package api

import (
	"math"
	"time"

	"flag-review/backend/internal/ai"
	"flag-review/backend/internal/neighbor"
	"flag-review/backend/internal/quality"
	"flag-review/backend/internal/scoring"
	"flag-review/backend/internal/store"
)

// ModerateRequest is the body of a single-text moderation call.
type ModerateRequest struct {
	Text        any    `json:"text"`
	ExternalID  string `json:"external_id"`
	TopK        int    `json:"top_k"`
	StrongBoost *bool  `json:"strong_boost"`
	Persist     *bool  `json:"persist"`
}

// ClassifyRequest is the body of an LLM classification call.
type ClassifyRequest struct {
	Text any `json:"text"`
	TopK int    `json:"top_k"`
}

// DecisionDTO is the API form of scoring.DecisionResult, rounded for display.
type DecisionDTO struct {
	Alpha         float64                `json:"alpha"`
	Beta          float64                `json:"beta"`
	NeighborConf  float64                `json:"neighbor_conf"`
	RuleScore     float64                `json:"rule_score"`
	FinalScore    float64                `json:"final_score"`
	RiskLevel     string                 `json:"risk_level"`
	StrongBoost   bool                   `json:"strong_boost"`
	RulesDetail   []scoring.RuleHit      `json:"rules_detail"`
	LikelyReasons []scoring.LikelyReason `json:"likely_reasons"`
}

// QualityDTO reports the quality gate verdicts.
type QualityDTO struct {
	WordCount           int      `json:"word_count"`
	TestLike            bool     `json:"test_like"`
	TestStage           string   `json:"test_stage"`
	LowQuality          bool     `json:"low_quality"`
	GibberishScore      int      `json:"gibberish_score"`
	GibberishConditions []string `json:"gibberish_conditions"`
}

// ModerateResponse is the full answer for one text.
type ModerateResponse struct {
	RecordID         uint                `json:"record_id,omitempty"`
	Decision         DecisionDTO         `json:"decision"`
	Neighbors        []neighbor.Neighbor `json:"neighbors"`
	Quality          QualityDTO          `json:"quality"`
	ProcessingTimeMs float64             `json:"processing_time_ms"`
}

// ClassifyResponse is the LLM verdict alongside the cases it was shown.
type ClassifyResponse struct {
	Verdict      ai.Verdict          `json:"verdict"`
	SimilarCases []neighbor.Neighbor `json:"similar_cases"`
	Decision     DecisionDTO         `json:"decision"`
}

// RecordDTO is the API representation of a persisted moderation record.
type RecordDTO struct {
	ID               uint                   `json:"id"`
	BatchID          uint                   `json:"batch_id"`
	RowIndex         int                    `json:"row_index"`
	ExternalID       string                 `json:"external_id"`
	Text             string                 `json:"text"`
	Truncated        bool                   `json:"truncated"`
	FinalScore       float64                `json:"final_score"`
	RuleScore        float64                `json:"rule_score"`
	NeighborConf     float64                `json:"neighbor_conf"`
	RiskLevel        string                 `json:"risk_level"`
	StrongBoost      bool                   `json:"strong_boost"`
	LikelyReasons    []scoring.LikelyReason `json:"likely_reasons"`
	RulesDetail      []scoring.RuleHit      `json:"rules_detail,omitempty"`
	Neighbors        []neighbor.Neighbor    `json:"neighbors,omitempty"`
	TestLike         bool                   `json:"test_like"`
	LowQuality       bool                   `json:"low_quality"`
	GibberishScore   int                    `json:"gibberish_score"`
	LLMFlag          *bool                  `json:"llm_flag,omitempty"`
	LLMReason        string                 `json:"llm_reason,omitempty"`
	LLMPolicyRef     string                 `json:"llm_policy_ref,omitempty"`
	LLMSource        string                 `json:"llm_source,omitempty"`
	Status           string                 `json:"status"`
	ReviewedAt       *time.Time             `json:"reviewed_at"`
	ProcessingTimeMs int64                  `json:"processing_time_ms"`
	CreatedAt        time.Time              `json:"created_at"`
}

// RecordsResponse is a page of records.
type RecordsResponse struct {
	Items []RecordDTO `json:"items"`
	Total int64       `json:"total"`
}

// QueueResponse is a page of the moderator queue with per-status counts.
type QueueResponse struct {
	Items  []RecordDTO      `json:"items"`
	Total  int64            `json:"total"`
	Counts map[string]int64 `json:"counts"`
}

// QueueActionRequest applies a moderator action to one record.
type QueueActionRequest struct {
	Action string `json:"action"`
}

// BulkActionRequest applies a moderator action to several records.
type BulkActionRequest struct {
	IDs    []uint `json:"ids"`
	Action string `json:"action"`
}

// UploadResponse reports batch statistics after processing a CSV upload.
type UploadResponse struct {
	BatchID       uint   `json:"batch_id"`
	BatchName     string `json:"batch_name"`
	Owner         string `json:"owner"`
	RowCount      int    `json:"row_count"`
	UniqueReviews int    `json:"unique_reviews"`
	DuplicateRows int    `json:"duplicate_rows"`
	TruncatedRows int    `json:"truncated_rows"`
	Processed     int    `json:"processed_reviews"`
}

// EvaluateRequest controls a batch evaluation run.
type EvaluateRequest struct {
	BatchID uint `json:"batch_id"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	Resume  bool `json:"resume"`
	Force   bool `json:"force"`
	UseLLM  bool `json:"use_llm"`
}

// StartEvaluationResponse describes the asynchronous evaluation kickoff payload.
type StartEvaluationResponse struct {
	JobID     string    `json:"job_id"`
	BatchID   uint      `json:"batch_id"`
	RequestID uint      `json:"request_id"`
	Total     int64     `json:"total"`
	StartedAt time.Time `json:"started_at"`
}

// BatchDTO represents metadata for an uploaded CSV dataset.
type BatchDTO struct {
	ID               uint       `json:"id"`
	Name             string     `json:"name"`
	Owner            string     `json:"owner"`
	OriginalFilename string     `json:"original_filename"`
	RowCount         int        `json:"row_count"`
	UniqueReviews    int        `json:"unique_reviews"`
	DuplicateRows    int        `json:"duplicate_rows"`
	TruncatedRows    int        `json:"truncated_rows"`
	ProcessedReviews int        `json:"processed_reviews"`
	CreatedAt        time.Time  `json:"created_at"`
	LastEvaluatedAt  *time.Time `json:"last_evaluated_at"`
}

// BatchesResponse is the paginated response for CSV batches.
type BatchesResponse struct {
	Items []BatchDTO `json:"items"`
	Total int64      `json:"total"`
}

// BatchRequestDTO represents evaluation request tracking metadata.
type BatchRequestDTO struct {
	ID         uint       `json:"id"`
	BatchID    uint       `json:"batch_id"`
	Type       string     `json:"type"`
	Status     string     `json:"status"`
	JobID      string     `json:"job_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

// EvaluateStatusResponse describes the state of the active evaluation job.
type EvaluateStatusResponse struct {
	Running    bool       `json:"running"`
	JobID      string     `json:"job_id"`
	BatchID    uint       `json:"batch_id"`
	RequestID  uint       `json:"request_id"`
	State      string     `json:"state"`
	Message    string     `json:"message"`
	Processed  int        `json:"processed"`
	Total      int64      `json:"total"`
	LastRecord *RecordDTO `json:"last_record,omitempty"`
}

// DecisionFromResult rounds a decision for display. Scores inside rule hits
// and likely reasons are rounded on copies.
func DecisionFromResult(res scoring.DecisionResult, boosted bool) DecisionDTO {
	hits := make([]scoring.RuleHit, len(res.RulesDetail))
	for i, h := range res.RulesDetail {
		h.Weight = round3(h.Weight)
		h.Score = round3(h.Score)
		hits[i] = h
	}
	return DecisionDTO{
		Alpha:         round3(res.Alpha),
		Beta:          round3(res.Beta),
		NeighborConf:  round3(res.NeighborConf),
		RuleScore:     round3(res.RuleScore),
		FinalScore:    round3(res.FinalScore),
		RiskLevel:     string(res.RiskLevel),
		StrongBoost:   boosted,
		RulesDetail:   hits,
		LikelyReasons: roundReasons(res.LikelyReasons),
	}
}

// QualityFromAssessment converts a quality.Assessment.
func QualityFromAssessment(a quality.Assessment) QualityDTO {
	conds := a.Gibberish.Conditions
	if conds == nil {
		conds = []string{}
	}
	return QualityDTO{
		WordCount:           a.WordCount,
		TestLike:            a.TestLike,
		TestStage:           a.TestStage,
		LowQuality:          a.LowQuality,
		GibberishScore:      a.Gibberish.Score,
		GibberishConditions: conds,
	}
}

// RecordFromModel converts a store.ModerationRecord. Rule details and
// neighbors are only decoded when detail is set.
func RecordFromModel(r store.ModerationRecord, detail bool) RecordDTO {
	dto := RecordDTO{
		ID:               r.ID,
		BatchID:          r.BatchID,
		RowIndex:         r.RowIndex,
		ExternalID:       r.ExternalID,
		Text:             r.Text,
		Truncated:        r.Truncated,
		FinalScore:       round3(r.FinalScore),
		RuleScore:        round3(r.RuleScore),
		NeighborConf:     round3(r.NeighborConf),
		RiskLevel:        r.RiskLevel,
		StrongBoost:      r.StrongBoost,
		LikelyReasons:    roundReasons(store.DecodeList[scoring.LikelyReason](r.LikelyReasonsJSON)),
		TestLike:         r.TestLike,
		LowQuality:       r.LowQuality,
		GibberishScore:   r.GibberishScore,
		LLMFlag:          r.LLMFlag,
		LLMReason:        r.LLMReason,
		LLMPolicyRef:     r.LLMPolicyRef,
		LLMSource:        r.LLMSource,
		Status:           r.Status,
		ReviewedAt:       r.ReviewedAt,
		ProcessingTimeMs: r.ProcessingTimeMs,
		CreatedAt:        r.CreatedAt,
	}
	if detail {
		dto.RulesDetail = store.DecodeList[scoring.RuleHit](r.RulesDetailJSON)
		dto.Neighbors = store.DecodeList[neighbor.Neighbor](r.NeighborsJSON)
	}
	return dto
}

// BatchFromModel converts a store.ReviewBatch into a DTO.
func BatchFromModel(b store.ReviewBatch) BatchDTO {
	return BatchDTO{
		ID:               b.ID,
		Name:             b.Name,
		Owner:            b.Owner,
		OriginalFilename: b.OriginalFilename,
		RowCount:         b.RowCount,
		UniqueReviews:    b.UniqueReviews,
		DuplicateRows:    b.DuplicateRows,
		TruncatedRows:    b.TruncatedRows,
		ProcessedReviews: b.ProcessedReviews,
		CreatedAt:        b.CreatedAt,
		LastEvaluatedAt:  b.LastEvaluatedAt,
	}
}

// BatchRequestFromModel converts a store.BatchRequest into a DTO.
func BatchRequestFromModel(r store.BatchRequest) BatchRequestDTO {
	return BatchRequestDTO{
		ID:         r.ID,
		BatchID:    r.BatchID,
		Type:       r.Type,
		Status:     r.Status,
		JobID:      r.JobID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

func roundReasons(in []scoring.LikelyReason) []scoring.LikelyReason {
	out := make([]scoring.LikelyReason, len(in))
	for i, r := range in {
		r.Score = round3(r.Score)
		out[i] = r
	}
	return out
}

func roundNeighbors(in []neighbor.Neighbor) []neighbor.Neighbor {
	out := make([]neighbor.Neighbor, len(in))
	for i, n := range in {
		n.Similarity = round3(n.Similarity)
		out[i] = n
	}
	return out
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
