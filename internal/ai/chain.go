package ai

import (
	"context"
	"strings"
)

type classifierChain struct {
	primary  Classifier
	fallback Classifier
}

// WithFallback returns a classifier that first tries the primary implementation and
// falls back to the provided classifier when the primary is unavailable or produces
// an unusable response.
func WithFallback(primary, fallback Classifier) Classifier {
	if isNil(primary) {
		return fallback
	}
	if isNil(fallback) {
		return primary
	}
	return &classifierChain{primary: primary, fallback: fallback}
}

func isNil(c Classifier) bool {
	if c == nil {
		return true
	}
	if client, ok := c.(*Client); ok && client == nil {
		return true
	}
	return false
}

func (c *classifierChain) Enabled() bool {
	if c == nil {
		return false
	}
	return c.primary.Enabled() || c.fallback.Enabled()
}

func (c *classifierChain) Classify(ctx context.Context, input Input) (Verdict, error) {
	if c == nil {
		return Verdict{}, ErrDisabled
	}
	var primaryErr error
	if c.primary.Enabled() {
		verdict, err := c.primary.Classify(ctx, input)
		if err == nil && strings.TrimSpace(verdict.Reason) != "" {
			return verdict, nil
		}
		primaryErr = err
	}
	if ctx.Err() != nil {
		return Verdict{}, ctx.Err()
	}
	if c.fallback.Enabled() {
		return c.fallback.Classify(ctx, input)
	}
	if primaryErr != nil {
		return Verdict{}, primaryErr
	}
	return Verdict{}, ErrDisabled
}
