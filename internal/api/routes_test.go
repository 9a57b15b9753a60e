package api

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"flag-review/backend/internal/telemetry"
)

const testRules = `
reason_labels:
  8: Promotion / Advertising
rules:
  - id: promo
    reason_id: 8
    weight: 0.8
    keywords: [coupon, discount]
    pattern: '(https?://|www\.)\S+'
    pattern_label: URL
  - id: offtopic
    reason_id: 2
    weight: 0.3
    keywords: [politics]
`

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	alpha := 1.0
	cfg := Config{
		DBPath:      filepath.Join(t.TempDir(), "test.db"),
		SilentDB:    true,
		RulesPath:   writeTempFile(t, "rules.yml", testRules),
		Alpha:       &alpha,
		StrongBoost: true,
		DisableAI:   true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	server, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })
	router, err := server.Router()
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	return server, router
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthAndConfig(t *testing.T) {
	_, router := newTestServer(t, nil)

	if rec := doJSON(t, router, http.MethodGet, "/api/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}

	rec := doJSON(t, router, http.MethodGet, "/api/config", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("config status %d: %s", rec.Code, rec.Body.String())
	}
	cfg := decode[map[string]any](t, rec)
	if cfg["rule_count"] != float64(2) {
		t.Fatalf("expected 2 rules, got %v", cfg["rule_count"])
	}
	if cfg["ai_enabled"] != false {
		t.Fatalf("expected ai disabled, got %v", cfg["ai_enabled"])
	}
}

func TestThresholdOverrideMergesWithRulesFile(t *testing.T) {
	medium := 0.25
	_, router := newTestServer(t, func(cfg *Config) {
		cfg.RulesPath = writeTempFile(t, "rules.yml", "thresholds:\n  high: 0.9\n  medium: 0.5\n"+testRules)
		cfg.MediumThreshold = &medium
	})

	rec := doJSON(t, router, http.MethodGet, "/api/config", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("config status %d: %s", rec.Code, rec.Body.String())
	}
	cfg := decode[struct {
		Thresholds struct {
			High   float64 `json:"high"`
			Medium float64 `json:"medium"`
		} `json:"thresholds"`
	}](t, rec)
	if cfg.Thresholds.High != 0.9 || cfg.Thresholds.Medium != 0.25 {
		t.Fatalf("thresholds = %+v, want high from file and medium from override", cfg.Thresholds)
	}
}

func TestModerateStrongEvidence(t *testing.T) {
	_, router := newTestServer(t, nil)

	cases := []struct {
		name    string
		boost   *bool
		score   float64
		boosted bool
	}{
		{name: "server default boosts", boost: nil, score: 1.0, boosted: true},
		{name: "request disables boost", boost: new(bool), score: 0.8, boosted: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/api/moderate", ModerateRequest{
				Text:        "Grab a coupon at www.shop-deals.com today",
				StrongBoost: tc.boost,
			})
			if rec.Code != http.StatusOK {
				t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
			}
			resp := decode[ModerateResponse](t, rec)
			if resp.Decision.FinalScore != tc.score {
				t.Fatalf("final score = %v, want %v", resp.Decision.FinalScore, tc.score)
			}
			if resp.Decision.StrongBoost != tc.boosted {
				t.Fatalf("strong boost = %v, want %v", resp.Decision.StrongBoost, tc.boosted)
			}
			if resp.Decision.RiskLevel != "HIGH" {
				t.Fatalf("expected HIGH risk, got %s", resp.Decision.RiskLevel)
			}
			if len(resp.Decision.LikelyReasons) != 1 || resp.Decision.LikelyReasons[0].ReasonLabel != "Promotion / Advertising" {
				t.Fatalf("unexpected likely reasons %+v", resp.Decision.LikelyReasons)
			}
			if resp.RecordID == 0 {
				t.Fatalf("expected persisted record id")
			}
			if resp.Neighbors == nil {
				t.Fatalf("expected empty neighbor list, got nil")
			}
		})
	}
}

func TestModerateRejectsBadInput(t *testing.T) {
	_, router := newTestServer(t, func(cfg *Config) { cfg.MaxTextLength = 20 })

	cases := []struct {
		name   string
		body   any
		status int
	}{
		{name: "missing text", body: map[string]any{}, status: http.StatusBadRequest},
		{name: "blank text", body: map[string]any{"text": "   "}, status: http.StatusBadRequest},
		{name: "numeric text", body: map[string]any{"text": 42}, status: http.StatusBadRequest},
		{name: "too long", body: map[string]any{"text": strings.Repeat("a", 21)}, status: http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/api/moderate", tc.body)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tc.status, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), `"error"`) {
				t.Fatalf("expected error body, got %s", rec.Body.String())
			}
		})
	}
}

func TestModerateQualityVerdicts(t *testing.T) {
	_, router := newTestServer(t, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/moderate", ModerateRequest{Text: "this is a test review please ignore", Persist: new(bool)})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[ModerateResponse](t, rec)
	if !resp.Quality.TestLike {
		t.Fatalf("expected test-like verdict, got %+v", resp.Quality)
	}
	if resp.RecordID != 0 {
		t.Fatalf("persist=false should not store a record")
	}
}

func TestQueueActions(t *testing.T) {
	_, router := newTestServer(t, nil)

	var ids []uint
	for _, text := range []string{"Use my discount code now", "Loved the staff and the quiet rooms"} {
		rec := doJSON(t, router, http.MethodPost, "/api/moderate", ModerateRequest{Text: text})
		if rec.Code != http.StatusOK {
			t.Fatalf("moderate status %d: %s", rec.Code, rec.Body.String())
		}
		ids = append(ids, decode[ModerateResponse](t, rec).RecordID)
	}

	queue := decode[QueueResponse](t, doJSON(t, router, http.MethodGet, "/api/queue", nil))
	if queue.Total != 2 || queue.Counts["pending"] != 2 {
		t.Fatalf("unexpected queue %+v", queue)
	}
	if queue.Items[0].ID != ids[0] {
		t.Fatalf("expected highest score first, got %+v", queue.Items)
	}

	rec := doJSON(t, router, http.MethodPost, "/api/queue/"+itoa(ids[0])+"/action", QueueActionRequest{Action: "reject"})
	if rec.Code != http.StatusOK {
		t.Fatalf("action status %d: %s", rec.Code, rec.Body.String())
	}
	updated := decode[RecordDTO](t, rec)
	if updated.Status != "rejected" || updated.ReviewedAt == nil {
		t.Fatalf("unexpected record after action %+v", updated)
	}

	if rec := doJSON(t, router, http.MethodPost, "/api/queue/"+itoa(ids[0])+"/action", QueueActionRequest{Action: "escalate"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", rec.Code)
	}
	if rec := doJSON(t, router, http.MethodPost, "/api/queue/999/action", QueueActionRequest{Action: "approve"}); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing record, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/queue/bulk", BulkActionRequest{IDs: ids, Action: "approve"})
	if rec.Code != http.StatusOK {
		t.Fatalf("bulk status %d: %s", rec.Code, rec.Body.String())
	}
	queue = decode[QueueResponse](t, doJSON(t, router, http.MethodGet, "/api/queue", nil))
	if queue.Total != 0 || queue.Counts["approved"] != 2 {
		t.Fatalf("unexpected queue after bulk approve %+v", queue)
	}

	detail := decode[RecordDTO](t, doJSON(t, router, http.MethodGet, "/api/queue/"+itoa(ids[0]), nil))
	if len(detail.RulesDetail) != 2 {
		t.Fatalf("expected rule details on record view, got %+v", detail.RulesDetail)
	}
}

func TestClassifyUsesHeuristicWithoutLLM(t *testing.T) {
	_, router := newTestServer(t, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/classify", ClassifyRequest{Text: "Visit www.cheap-pills.example for a discount"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[ClassifyResponse](t, rec)
	if !resp.Verdict.Flag || resp.Verdict.Source != "heuristic" {
		t.Fatalf("unexpected verdict %+v", resp.Verdict)
	}
	if resp.Verdict.Reason == "" {
		t.Fatalf("expected a reason")
	}
}

func TestUploadAndEvaluateBatch(t *testing.T) {
	_, router := newTestServer(t, nil)

	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	_ = form.WriteField("batch_name", "october")
	_ = form.WriteField("owner_name", "qa")
	part, err := form.CreateFormFile("reviews", "reviews.csv")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("id,text\nr1,Great coffee and friendly staff\nr2,Coupon at www.deal.example\nr3,great coffee and  friendly staff\n"))
	_ = form.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status %d: %s", rec.Code, rec.Body.String())
	}
	upload := decode[UploadResponse](t, rec)
	if upload.RowCount != 3 || upload.UniqueReviews != 2 || upload.DuplicateRows != 1 {
		t.Fatalf("unexpected upload stats %+v", upload)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/evaluate", EvaluateRequest{BatchID: upload.BatchID, UseLLM: true})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("evaluate status %d: %s", rec.Code, rec.Body.String())
	}
	started := decode[StartEvaluationResponse](t, rec)
	if started.JobID == "" || started.Total != 3 {
		t.Fatalf("unexpected start response %+v", started)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		status := decode[EvaluateStatusResponse](t, doJSON(t, router, http.MethodGet, "/api/evaluate/status", nil))
		if !status.Running {
			if status.State != "complete" {
				t.Fatalf("expected complete state, got %+v", status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("evaluation did not finish")
		}
		time.Sleep(20 * time.Millisecond)
	}

	results := decode[RecordsResponse](t, doJSON(t, router, http.MethodGet, "/api/batches/"+itoa(upload.BatchID)+"/results?sort=row_asc", nil))
	if results.Total != 3 {
		t.Fatalf("expected 3 results, got %+v", results)
	}
	if results.Items[1].ExternalID != "r2" || results.Items[1].RiskLevel != "HIGH" {
		t.Fatalf("unexpected second row %+v", results.Items[1])
	}
	if results.Items[1].LLMFlag == nil || !*results.Items[1].LLMFlag || results.Items[1].LLMSource != "heuristic" {
		t.Fatalf("expected heuristic verdict on batch row, got %+v", results.Items[1])
	}

	batch := decode[BatchDTO](t, doJSON(t, router, http.MethodGet, "/api/batches/"+itoa(upload.BatchID), nil))
	if batch.ProcessedReviews != 3 {
		t.Fatalf("expected 3 processed reviews, got %+v", batch)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/export.csv?batch_id="+itoa(upload.BatchID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export status %d", rec.Code)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header plus 3 rows, got %d lines", len(lines))
	}
}

func TestEvaluateValidation(t *testing.T) {
	_, router := newTestServer(t, nil)

	if rec := doJSON(t, router, http.MethodPost, "/api/evaluate", EvaluateRequest{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without batch id, got %d", rec.Code)
	}
	if rec := doJSON(t, router, http.MethodPost, "/api/evaluate", EvaluateRequest{BatchID: 7}); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown batch, got %d", rec.Code)
	}
	if rec := doJSON(t, router, http.MethodDelete, "/api/evaluate/nope", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 cancelling idle server, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	provider := telemetry.NewProvider()
	_, router := newTestServer(t, func(cfg *Config) { cfg.Telemetry = provider })

	doJSON(t, router, http.MethodPost, "/api/moderate", ModerateRequest{Text: "coupon inside", Persist: new(bool)})
	rec := doJSON(t, router, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `flagreview_rules_matched_total{rule_id="promo"} 1`) {
		t.Fatalf("expected promo rule metric, got:\n%s", rec.Body.String())
	}
}

func TestNewServerRejectsInvalidRules(t *testing.T) {
	gin.SetMode(gin.TestMode)
	_, err := NewServer(Config{
		DBPath:    filepath.Join(t.TempDir(), "bad.db"),
		SilentDB:  true,
		RulesPath: writeTempFile(t, "rules.yml", "rules:\n  - id: broken\n    pattern: '('\n"),
		DisableAI: true,
	})
	if err == nil || !strings.Contains(err.Error(), "rule engine") {
		t.Fatalf("expected rule engine error, got %v", err)
	}
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
