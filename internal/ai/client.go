package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Classifier produces a flag verdict for a review.
type Classifier interface {
	Enabled() bool
	Classify(ctx context.Context, input Input) (Verdict, error)
}

// Config holds OpenAI configuration parameters.
type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	// RequestsPerSecond caps outbound calls; <= 0 means 2.
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Client implements Classifier against the OpenAI chat completions API.
type Client struct {
	httpClient  *http.Client
	limiter     *rate.Limiter
	apiKey      string
	model       string
	baseURL     string
	temperature float64
	maxTokens   int
}

// ErrDisabled is returned when no classifier is configured.
var ErrDisabled = errors.New("ai classifier disabled")

const (
	sourceLLM        = "llm"
	caseTextLimit    = 300
	defaultModel     = "gpt-4o-mini"
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultMaxTokens = 400
	defaultRPS       = 2
)

const systemPrompt = "You are a review moderation system. Decide whether the submitted review should be flagged. " +
	`Reply with a strict JSON object: {"flag": true|false, "reason": "<one sentence>", "policy_ref": "<short policy point>", "similar_case_ids": [id1, id2, ...]}. ` +
	"Emit nothing outside the JSON object."

// NewClient constructs a Client if the supplied configuration is valid.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrDisabled
	}
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Temperature < 0 {
		cfg.Temperature = 0
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRPS
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       cfg.Model,
		baseURL:     cfg.BaseURL,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

// Enabled reports whether the client can make outbound calls.
func (c *Client) Enabled() bool {
	return c != nil && c.apiKey != ""
}

// Classify asks the model for a verdict on input.Text.
func (c *Client) Classify(ctx context.Context, input Input) (Verdict, error) {
	if c == nil || !c.Enabled() {
		return Verdict{}, ErrDisabled
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Verdict{}, fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(c.buildPayload(input))
	if err != nil {
		return Verdict{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return Verdict{}, fmt.Errorf("openai status %d: %v", resp.StatusCode, apiErr)
	}

	var decoded chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Verdict{}, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return Verdict{}, errors.New("openai empty response")
	}
	return parseVerdict(decoded.Choices[0].Message.Content)
}

func parseVerdict(content string) (Verdict, error) {
	block := normalizeJSONBlock(content)
	if block == "" {
		return Verdict{}, errors.New("openai empty verdict")
	}
	var verdict Verdict
	if err := json.Unmarshal([]byte(block), &verdict); err != nil {
		return Verdict{}, fmt.Errorf("parse ai response: %w", err)
	}
	verdict.Reason = strings.TrimSpace(verdict.Reason)
	verdict.PolicyRef = strings.TrimSpace(verdict.PolicyRef)
	if verdict.Reason == "" {
		return Verdict{}, errors.New("ai reason missing")
	}
	if verdict.SimilarCaseIDs == nil {
		verdict.SimilarCaseIDs = CaseIDs{}
	}
	verdict.Source = sourceLLM
	return verdict, nil
}

func normalizeJSONBlock(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.IndexRune(trimmed, '\n'); idx >= 0 {
			trimmed = trimmed[idx+1:]
		}
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	}
	trimmed = strings.TrimSpace(trimmed)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end >= start {
		return strings.TrimSpace(trimmed[start : end+1])
	}
	return trimmed
}

func (c *Client) buildPayload(input Input) map[string]any {
	messages := []map[string]string{
		{"role": "system", "content": systemPrompt},
		{"role": "user", "content": buildUserPrompt(input)},
	}
	payload := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": c.temperature,
	}
	if c.maxTokens > 0 {
		payload["max_tokens"] = c.maxTokens
	}
	return payload
}

func buildUserPrompt(input Input) string {
	builder := &strings.Builder{}
	fmt.Fprintf(builder, "Review:\n%q\n\n", input.Text)

	cases := make([]SimilarCase, 0, len(input.SimilarCases))
	for _, sc := range input.SimilarCases {
		sc.Text = truncateRunes(sc.Text, caseTextLimit)
		cases = append(cases, sc)
	}
	payload, _ := json.Marshal(cases)
	fmt.Fprintf(builder, "Similar labelled cases (for reference, do not quote verbatim):\n%s\n\n", payload)

	d := input.Decision
	if len(d.RulesDetail) > 0 {
		fmt.Fprintf(builder, "Rule engine: final score %.2f (%s), rule score %.2f, neighbor confidence %.2f.\n",
			d.FinalScore, d.RiskLevel, d.RuleScore, d.NeighborConf)
		for _, r := range d.LikelyReasons {
			fmt.Fprintf(builder, "Likely reason: %s (score %.2f)\n", r.ReasonLabel, r.Score)
		}
		builder.WriteString("Treat the rule engine as a hint, not a verdict.\n")
	}
	builder.WriteString("Judge the review against platform policy: hate, harassment, personal attacks, personal information leaks, advertising spam.\n")
	builder.WriteString("Only output the JSON object, with no extra text.\n")
	return builder.String()
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}
