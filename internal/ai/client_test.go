package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"flag-review/backend/internal/scoring"
)

func fakeOpenAI(t *testing.T, content string, status int, seen *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		if seen != nil {
			_ = json.NewDecoder(r.Body).Decode(seen)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"boom"}}`))
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": content}}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(Config{APIKey: "test-key", BaseURL: baseURL, RequestsPerSecond: 100})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewClientWithoutKeyIsDisabled(t *testing.T) {
	if _, err := NewClient(Config{APIKey: "  "}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestClassifyParsesFencedJSON(t *testing.T) {
	var payload map[string]any
	content := "```json\n{\"flag\": true, \"reason\": \"Contains a promo link.\", \"policy_ref\": \"Ad spam\", \"similar_case_ids\": [12, \"r-7\"]}\n```"
	srv := fakeOpenAI(t, content, http.StatusOK, &payload)
	client := newTestClient(t, srv.URL)

	verdict, err := client.Classify(context.Background(), Input{
		Text: "Visit www.shop.com for a coupon",
		SimilarCases: []SimilarCase{
			{ID: "12", Label: "flag", Text: strings.Repeat("x", 400)},
		},
	})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if !verdict.Flag || verdict.Reason != "Contains a promo link." || verdict.PolicyRef != "Ad spam" {
		t.Fatalf("unexpected verdict %+v", verdict)
	}
	if len(verdict.SimilarCaseIDs) != 2 || verdict.SimilarCaseIDs[0] != "12" || verdict.SimilarCaseIDs[1] != "r-7" {
		t.Fatalf("unexpected case ids %v", verdict.SimilarCaseIDs)
	}
	if verdict.Source != "llm" {
		t.Fatalf("expected llm source, got %q", verdict.Source)
	}

	if payload["model"] != "gpt-4o-mini" {
		t.Fatalf("expected default model, got %v", payload["model"])
	}
	if payload["temperature"] != float64(0) {
		t.Fatalf("expected temperature 0, got %v", payload["temperature"])
	}
	messages, _ := payload["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected two messages, got %d", len(messages))
	}
	user, _ := messages[1].(map[string]any)
	prompt, _ := user["content"].(string)
	if strings.Contains(prompt, strings.Repeat("x", 301)) {
		t.Fatalf("similar case text was not truncated")
	}
	if !strings.Contains(prompt, strings.Repeat("x", 300)) {
		t.Fatalf("similar case text missing from prompt")
	}
}

func TestClassifyExtractsEmbeddedObject(t *testing.T) {
	srv := fakeOpenAI(t, `Sure! {"flag": false, "reason": "Ordinary product feedback."} Hope that helps.`, http.StatusOK, nil)
	client := newTestClient(t, srv.URL)

	verdict, err := client.Classify(context.Background(), Input{Text: "works fine"})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if verdict.Flag || verdict.Reason != "Ordinary product feedback." {
		t.Fatalf("unexpected verdict %+v", verdict)
	}
	if verdict.SimilarCaseIDs == nil {
		t.Fatalf("expected empty, non-nil case ids")
	}
}

func TestClassifyErrors(t *testing.T) {
	cases := []struct {
		name    string
		content string
		status  int
		want    string
	}{
		{name: "server error", status: http.StatusServiceUnavailable, want: "status 503"},
		{name: "rate limited", status: http.StatusTooManyRequests, want: "status 429"},
		{name: "missing reason", content: `{"flag": true}`, status: http.StatusOK, want: "reason missing"},
		{name: "not json", content: "I cannot help with that", status: http.StatusOK, want: "parse ai response"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := fakeOpenAI(t, tc.content, tc.status, nil)
			client := newTestClient(t, srv.URL)
			_, err := client.Classify(context.Background(), Input{Text: "hello"})
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestNormalizeJSONBlock(t *testing.T) {
	cases := map[string]string{
		"":                              "",
		"{\"a\":1}":                     "{\"a\":1}",
		"```\n{\"a\":1}\n```":           "{\"a\":1}",
		"prefix {\"a\":{\"b\":2}} tail": "{\"a\":{\"b\":2}}",
	}
	for in, want := range cases {
		if got := normalizeJSONBlock(in); got != want {
			t.Fatalf("normalizeJSONBlock(%q) = %q, want %q", in, got, want)
		}
	}
}

type stubClassifier struct {
	enabled bool
	verdict Verdict
	err     error
	calls   int
}

func (s *stubClassifier) Enabled() bool { return s.enabled }

func (s *stubClassifier) Classify(context.Context, Input) (Verdict, error) {
	s.calls++
	return s.verdict, s.err
}

func TestWithFallback(t *testing.T) {
	t.Run("primary succeeds", func(t *testing.T) {
		primary := &stubClassifier{enabled: true, verdict: Verdict{Reason: "primary"}}
		fallback := &stubClassifier{enabled: true, verdict: Verdict{Reason: "fallback"}}
		got, err := WithFallback(primary, fallback).Classify(context.Background(), Input{})
		if err != nil || got.Reason != "primary" || fallback.calls != 0 {
			t.Fatalf("unexpected result %+v err=%v fallback calls=%d", got, err, fallback.calls)
		}
	})
	t.Run("primary fails", func(t *testing.T) {
		primary := &stubClassifier{enabled: true, err: errors.New("boom")}
		fallback := &stubClassifier{enabled: true, verdict: Verdict{Reason: "fallback"}}
		got, err := WithFallback(primary, fallback).Classify(context.Background(), Input{})
		if err != nil || got.Reason != "fallback" {
			t.Fatalf("unexpected result %+v err=%v", got, err)
		}
	})
	t.Run("primary disabled", func(t *testing.T) {
		primary := &stubClassifier{}
		fallback := &stubClassifier{enabled: true, verdict: Verdict{Reason: "fallback"}}
		got, err := WithFallback(primary, fallback).Classify(context.Background(), Input{})
		if err != nil || got.Reason != "fallback" || primary.calls != 0 {
			t.Fatalf("unexpected result %+v err=%v", got, err)
		}
	})
	t.Run("nil client", func(t *testing.T) {
		var client *Client
		fallback := Heuristic{}
		if c := WithFallback(client, fallback); c != Classifier(fallback) {
			t.Fatalf("expected fallback to be returned directly")
		}
	})
}

func TestHeuristic(t *testing.T) {
	promo := scoring.RuleHit{RuleID: "promo", ReasonID: 8, ReasonLabel: "Promotion / Advertising", Score: 1,
		RegexHits: []string{"www.shop.com"}, Explanation: "Promotion / Advertising (pattern: URL)"}

	cases := []struct {
		name     string
		decision scoring.DecisionResult
		flag     bool
	}{
		{name: "high", decision: scoring.DecisionResult{RiskLevel: scoring.RiskHigh}, flag: true},
		{name: "medium with pattern", decision: scoring.DecisionResult{
			RiskLevel:     scoring.RiskMedium,
			RulesDetail:   []scoring.RuleHit{promo},
			LikelyReasons: []scoring.LikelyReason{{RuleID: "promo", ReasonID: 8, ReasonLabel: "Promotion / Advertising", Score: 1}},
		}, flag: true},
		{name: "medium keywords only", decision: scoring.DecisionResult{
			RiskLevel:     scoring.RiskMedium,
			RulesDetail:   []scoring.RuleHit{{RuleID: "promo", Score: 0.5, KeywordHits: []string{"coupon"}}},
			LikelyReasons: []scoring.LikelyReason{{RuleID: "promo", ReasonLabel: "Promotion / Advertising", Score: 0.5}},
		}, flag: false},
		{name: "low", decision: scoring.DecisionResult{RiskLevel: scoring.RiskLow}, flag: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict, err := Heuristic{}.Classify(context.Background(), Input{
				Decision:     tc.decision,
				SimilarCases: []SimilarCase{{ID: "3"}},
			})
			if err != nil {
				t.Fatalf("classify: %v", err)
			}
			if verdict.Flag != tc.flag {
				t.Fatalf("flag = %v, want %v", verdict.Flag, tc.flag)
			}
			if verdict.Reason == "" || verdict.Source != "heuristic" {
				t.Fatalf("unexpected verdict %+v", verdict)
			}
			if len(verdict.SimilarCaseIDs) != 1 || verdict.SimilarCaseIDs[0] != "3" {
				t.Fatalf("unexpected case ids %v", verdict.SimilarCaseIDs)
			}
		})
	}
}
