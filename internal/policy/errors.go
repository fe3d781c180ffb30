package policy

import "fmt"

// ConfigError reports a malformed or contradictory rule set. It fails
// session start; a broken policy is never silently defaulted.
type ConfigError struct {
	Rule   string
	Detail string
}

func (e *ConfigError) Error() string {
	if e.Rule == "" {
		return "policy config: " + e.Detail
	}
	return fmt.Sprintf("policy config: rule %q: %s", e.Rule, e.Detail)
}
