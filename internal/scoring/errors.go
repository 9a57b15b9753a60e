package scoring

import (
	"errors"
	"fmt"
)

// ErrConfig matches every rule or engine configuration error via errors.Is.
var ErrConfig = errors.New("invalid rule configuration")

// ConfigError reports a configuration problem. RuleID is empty for
// engine-level fields such as alpha or thresholds.
type ConfigError struct {
	RuleID string
	Field  string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("rule %q: %s: %v", e.RuleID, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Is lets callers test for ErrConfig without knowing the field.
func (e *ConfigError) Is(target error) bool { return target == ErrConfig }
