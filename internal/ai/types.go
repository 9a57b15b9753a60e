package ai

import (
	"encoding/json"
	"strconv"
	"strings"

	"flag-review/backend/internal/scoring"
)

// Verdict is the structured flag decision of a Classifier.
type Verdict struct {
	Flag           bool    `json:"flag"`
	Reason         string  `json:"reason"`
	PolicyRef      string  `json:"policy_ref"`
	SimilarCaseIDs CaseIDs `json:"similar_case_ids"`
	Source         string  `json:"source,omitempty"`
}

// CaseIDs accepts a JSON array mixing numbers and strings.
type CaseIDs []string

// UnmarshalJSON normalizes every element to its string form.
func (ids *CaseIDs) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		if strings.TrimSpace(string(data)) == "null" {
			*ids = nil
			return nil
		}
		return err
	}
	out := make(CaseIDs, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
			continue
		}
		var n json.Number
		if err := json.Unmarshal(item, &n); err == nil {
			if i, err := n.Int64(); err == nil {
				out = append(out, strconv.FormatInt(i, 10))
			} else {
				out = append(out, n.String())
			}
		}
	}
	*ids = out
	return nil
}

// SimilarCase is a reference case shown to the classifier.
type SimilarCase struct {
	ID         string  `json:"id"`
	Label      string  `json:"label"`
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity"`
}

// Input is everything a Classifier may consider for one review.
type Input struct {
	Text         string
	Decision     scoring.DecisionResult
	SimilarCases []SimilarCase
}
