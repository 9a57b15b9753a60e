package ai

import (
	"context"
	"strings"

	"flag-review/backend/internal/scoring"
)

const sourceHeuristic = "heuristic"

// Heuristic derives a verdict from the rule engine decision alone. It flags
// HIGH risk, and MEDIUM risk backed by a pattern match.
type Heuristic struct{}

// Enabled always reports true.
func (Heuristic) Enabled() bool { return true }

// Classify never fails.
func (Heuristic) Classify(_ context.Context, input Input) (Verdict, error) {
	d := input.Decision
	flag := d.RiskLevel == scoring.RiskHigh ||
		(d.RiskLevel == scoring.RiskMedium && d.StrongEvidence())

	verdict := Verdict{
		Flag:           flag,
		SimilarCaseIDs: CaseIDs{},
		Source:         sourceHeuristic,
	}
	for _, sc := range input.SimilarCases {
		verdict.SimilarCaseIDs = append(verdict.SimilarCaseIDs, sc.ID)
	}

	var top *scoring.LikelyReason
	if len(d.LikelyReasons) > 0 {
		top = &d.LikelyReasons[0]
	}
	switch {
	case flag && top != nil:
		verdict.Reason = "Matched " + strings.ToLower(top.ReasonLabel) + " rules with " + string(d.RiskLevel) + " risk."
		verdict.PolicyRef = top.ReasonLabel
		for _, hit := range d.RulesDetail {
			if hit.RuleID == top.RuleID && hit.Explanation != "" {
				verdict.Reason = hit.Explanation + "."
				break
			}
		}
	case flag:
		verdict.Reason = "Closely resembles previously flagged reviews."
		verdict.PolicyRef = "Similar flagged cases"
	case top != nil:
		verdict.Reason = "Weak " + strings.ToLower(top.ReasonLabel) + " signal below the flag threshold."
	default:
		verdict.Reason = "No policy signals detected."
	}
	return verdict, nil
}
