package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"flag-review/backend/internal/ai"
	"flag-review/backend/internal/neighbor"
	"flag-review/backend/internal/normalize"
	"flag-review/backend/internal/quality"
	"flag-review/backend/internal/scoring"
	"flag-review/backend/internal/store"
	"flag-review/backend/internal/util"
)

const (
	aiMaxRetries     = 3
	aiInitialBackoff = 2 * time.Second
	aiMaxBackoff     = 10 * time.Second
)

// assessment is the combined output of the moderation pipeline for one text.
type assessment struct {
	Text      string
	Truncated bool
	Decision  scoring.DecisionResult
	Boosted   bool
	Neighbors []neighbor.Neighbor
	Quality   quality.Assessment
	Timer     *util.Timer
}

// assess runs quality gates, neighbor search and the rule engine on text.
// Text longer than the configured bound is truncated first.
func (s *Server) assess(text string, topK int, boost bool) assessment {
	timer := util.StartTimer()
	res := assessment{Timer: timer}
	res.Text, res.Truncated = truncateRunes(text, s.maxTextLength)

	res.Quality = s.quality.Assess(res.Text)
	timer.Lap("quality")

	neighborConf := 0.0
	found, err := s.index.Search(res.Text, topK)
	switch {
	case err == nil:
		neighborConf = found.Confidence
		res.Neighbors = roundNeighbors(found.Neighbors)
	case errors.Is(err, neighbor.ErrEmptyIndex):
		res.Neighbors = []neighbor.Neighbor{}
	default:
		logrus.WithError(err).Warn("neighbor search")
		res.Neighbors = []neighbor.Neighbor{}
	}
	timer.Lap("neighbors")

	res.Decision = s.engine.Decide(res.Text, neighborConf)
	if boost {
		res.Boosted = s.engine.BoostStrongEvidence(&res.Decision)
	}
	timer.Lap("rules")

	matched := make([]string, 0, len(res.Decision.LikelyReasons))
	for _, hit := range res.Decision.RulesDetail {
		if hit.Score > 0 {
			matched = append(matched, hit.RuleID)
		}
	}
	s.telemetry.RecordDecision(string(res.Decision.RiskLevel), matched, res.Boosted, timer.Elapsed())
	s.telemetry.RecordQuality(res.Quality.TestLike, res.Quality.LowQuality)
	return res
}

func (a assessment) record() store.ModerationRecord {
	return store.ModerationRecord{
		Text:              a.Text,
		Truncated:         a.Truncated,
		Alpha:             a.Decision.Alpha,
		NeighborConf:      a.Decision.NeighborConf,
		RuleScore:         a.Decision.RuleScore,
		FinalScore:        a.Decision.FinalScore,
		RiskLevel:         string(a.Decision.RiskLevel),
		StrongBoost:       a.Boosted,
		RulesDetailJSON:   store.EncodeJSON(a.Decision.RulesDetail),
		LikelyReasonsJSON: store.EncodeJSON(a.Decision.LikelyReasons),
		NeighborsJSON:     store.EncodeJSON(a.Neighbors),
		TestLike:          a.Quality.TestLike,
		TestStage:         a.Quality.TestStage,
		LowQuality:        a.Quality.LowQuality,
		GibberishScore:    a.Quality.Gibberish.Score,
		Status:            store.StatusPending,
		ProcessingTimeMs:  a.Timer.ElapsedMs(),
	}
}

func (a assessment) similarCases() []ai.SimilarCase {
	cases := make([]ai.SimilarCase, 0, len(a.Neighbors))
	for _, n := range a.Neighbors {
		id := n.ExternalID
		if id == "" {
			id = strconv.FormatUint(uint64(n.ReferenceID), 10)
		}
		cases = append(cases, ai.SimilarCase{ID: id, Label: n.Label, Text: n.Text, Similarity: n.Similarity})
	}
	return cases
}

func (s *Server) handleModerate(c *gin.Context) {
	var req ModerateRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}
	text, ok := s.requestText(c, req.Text)
	if !ok {
		return
	}

	boost := s.strongBoost
	if req.StrongBoost != nil {
		boost = *req.StrongBoost
	}
	res := s.assess(text, s.topK(req.TopK), boost)

	resp := ModerateResponse{
		Decision:         DecisionFromResult(res.Decision, res.Boosted),
		Neighbors:        res.Neighbors,
		Quality:          QualityFromAssessment(res.Quality),
		ProcessingTimeMs: float64(res.Timer.Elapsed().Microseconds()) / 1000,
	}

	if req.Persist == nil || *req.Persist {
		rec := res.record()
		rec.ExternalID = strings.TrimSpace(req.ExternalID)
		if err := s.db.SaveModerationRecord(&rec); err != nil {
			s.renderError(c, http.StatusInternalServerError, fmt.Errorf("save moderation record: %w", err))
			return
		}
		resp.RecordID = rec.ID
	}

	logrus.WithFields(logrus.Fields{
		"record_id":   resp.RecordID,
		"risk_level":  res.Decision.RiskLevel,
		"final_score": resp.Decision.FinalScore,
		"boosted":     res.Boosted,
	}).WithFields(res.Timer.LapFields()).Debug("moderation decision")
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleClassify(c *gin.Context) {
	var req ClassifyRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}
	text, ok := s.requestText(c, req.Text)
	if !ok {
		return
	}

	res := s.assess(text, s.topK(req.TopK), s.strongBoost)
	verdict, err := s.classifier.Classify(c.Request.Context(), ai.Input{
		Text:         res.Text,
		Decision:     res.Decision,
		SimilarCases: res.similarCases(),
	})
	s.telemetry.RecordClassifierCall(verdict.Source, err)
	if err != nil {
		s.renderError(c, http.StatusBadGateway, fmt.Errorf("classify: %w", err))
		return
	}
	c.JSON(http.StatusOK, ClassifyResponse{
		Verdict:      verdict,
		SimilarCases: res.Neighbors,
		Decision:     DecisionFromResult(res.Decision, res.Boosted),
	})
}

// requestText coerces a request text field and enforces the length bound.
// It renders the error response itself and reports whether to continue.
func (s *Server) requestText(c *gin.Context, raw any) (string, bool) {
	text := strings.TrimSpace(normalize.Coerce(raw))
	if text == "" {
		s.renderError(c, http.StatusBadRequest, errors.New("text is required"))
		return "", false
	}
	if s.maxTextLength > 0 && utf8.RuneCountInString(text) > s.maxTextLength {
		s.renderError(c, http.StatusRequestEntityTooLarge,
			fmt.Errorf("text exceeds %d characters", s.maxTextLength))
		return "", false
	}
	return text, true
}

func (s *Server) topK(requested int) int {
	if requested > 0 {
		return requested
	}
	return s.defaultTopK
}

func (s *Server) handleQueue(c *gin.Context) {
	status := strings.ToLower(strings.TrimSpace(c.DefaultQuery("status", store.StatusPending)))
	if status == "all" {
		status = ""
	} else if !store.ValidStatus(status) {
		s.renderError(c, http.StatusBadRequest, fmt.Errorf("unknown status %q", status))
		return
	}
	page, pageSize := pagination(c, 50)
	sort := strings.TrimSpace(c.Query("sort"))
	if sort == "" {
		sort = "score_desc"
	}

	query := store.ModerationQuery{
		Query:     strings.TrimSpace(c.Query("q")),
		Status:    status,
		RiskLevel: strings.TrimSpace(c.Query("risk")),
		Sort:      sort,
		Offset:    page * pageSize,
		Limit:     pageSize,
	}
	if v, ok := boolQuery(c, "test_like"); ok {
		query.TestLike = &v
	}
	if v, ok := boolQuery(c, "low_quality"); ok {
		query.LowQuality = &v
	}

	rows, total, err := s.db.ListModerationRecords(query)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	counts, err := s.db.QueueCounts()
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	dtos := make([]RecordDTO, 0, len(rows))
	for _, row := range rows {
		dtos = append(dtos, RecordFromModel(row, false))
	}
	c.JSON(http.StatusOK, QueueResponse{Items: dtos, Total: total, Counts: counts})
}

func (s *Server) handleGetRecord(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}
	rec, err := s.db.GetModerationRecord(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.renderError(c, http.StatusNotFound, fmt.Errorf("record %d not found", id))
		} else {
			s.renderError(c, http.StatusInternalServerError, err)
		}
		return
	}
	c.JSON(http.StatusOK, RecordFromModel(*rec, true))
}

func (s *Server) handleQueueAction(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}
	var req QueueActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}
	status, err := statusForAction(req.Action)
	if err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}
	updated, err := s.db.UpdateRecordStatus([]uint{id}, status)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	if updated == 0 {
		s.renderError(c, http.StatusNotFound, fmt.Errorf("record %d not found", id))
		return
	}
	rec, err := s.db.GetModerationRecord(id)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	logrus.WithFields(logrus.Fields{"record_id": id, "status": status}).Info("moderator action applied")
	c.JSON(http.StatusOK, RecordFromModel(*rec, false))
}

func (s *Server) handleQueueBulk(c *gin.Context) {
	var req BulkActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}
	if len(req.IDs) == 0 {
		s.renderError(c, http.StatusBadRequest, errors.New("ids are required"))
		return
	}
	status, err := statusForAction(req.Action)
	if err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}
	updated, err := s.db.UpdateRecordStatus(req.IDs, status)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	logrus.WithFields(logrus.Fields{"requested": len(req.IDs), "updated": updated, "status": status}).Info("bulk moderator action applied")
	c.JSON(http.StatusOK, gin.H{"updated": updated, "status": status})
}

func statusForAction(action string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "approve", "approved":
		return store.StatusApproved, nil
	case "needs_review", "review":
		return store.StatusNeedsReview, nil
	case "reject", "rejected":
		return store.StatusRejected, nil
	case "reset", "pending":
		return store.StatusPending, nil
	default:
		return "", fmt.Errorf("unknown action %q", action)
	}
}

// retryClassifier retries transient LLM failures with exponential backoff.
// Zero backoff fields use the package defaults.
type retryClassifier struct {
	inner          ai.Classifier
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func (r *retryClassifier) Enabled() bool {
	return r != nil && r.inner != nil && r.inner.Enabled()
}

func (r *retryClassifier) Classify(ctx context.Context, input ai.Input) (ai.Verdict, error) {
	initial, maxDelay := r.initialBackoff, r.maxBackoff
	if initial <= 0 {
		initial = aiInitialBackoff
	}
	if maxDelay <= 0 {
		maxDelay = aiMaxBackoff
	}
	return callClassifierWithRetry(ctx, r.inner, input, initial, maxDelay)
}

func callClassifierWithRetry(ctx context.Context, classifier ai.Classifier, input ai.Input, initialBackoff, maxBackoff time.Duration) (ai.Verdict, error) {
	if classifier == nil || !classifier.Enabled() {
		return ai.Verdict{}, ai.ErrDisabled
	}

	delay := initialBackoff
	var lastErr error
	for attempt := 0; attempt < aiMaxRetries; attempt++ {
		verdict, err := classifier.Classify(ctx, input)
		if err == nil {
			return verdict, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return ai.Verdict{}, ctx.Err()
		}
		if !shouldRetryAI(err) || attempt == aiMaxRetries-1 {
			break
		}
		logrus.WithError(err).WithField("attempt", attempt+1).Warn("llm classifier call failed; retrying")

		select {
		case <-ctx.Done():
			return ai.Verdict{}, ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxBackoff {
			delay = maxBackoff
		}
	}

	logrus.WithError(lastErr).Warn("llm classifier failed")
	return ai.Verdict{}, lastErr
}

func shouldRetryAI(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "status 429") || strings.Contains(msg, "status 500") || strings.Contains(msg, "status 503")
}

func truncateRunes(text string, limit int) (string, bool) {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text, false
	}
	runes := []rune(text)
	return string(runes[:limit]), true
}
