// Package insight loads and checks CloudWatch Contributor Insights rule
// bodies. The body itself is authored outside this repository; it is only
// validated here so that a broken file fails synthesis instead of deployment.
package insight

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Schema identity of a log-based Contributor Insights rule.
const (
	SchemaName    = "CloudWatchLogRule"
	SchemaVersion = 1
)

const maxContributionKeys = 4

// ErrInvalidRule is returned for rule bodies CloudWatch would reject.
var ErrInvalidRule = errors.New("invalid insight rule")

// Rule is the decoded form of a rule body. Body keeps the file contents
// verbatim; it is what gets deployed.
type Rule struct {
	Schema struct {
		Name    string `json:"Name"`
		Version int    `json:"Version"`
	} `json:"Schema"`
	LogGroupNames []string          `json:"LogGroupNames"`
	LogFormat     string            `json:"LogFormat"`
	Fields        map[string]string `json:"Fields,omitempty"`
	Contribution  struct {
		Keys    []string         `json:"Keys"`
		ValueOf string           `json:"ValueOf,omitempty"`
		Filters []map[string]any `json:"Filters,omitempty"`
	} `json:"Contribution"`
	AggregateOn string `json:"AggregateOn"`

	Body string `json:"-"`
}

// Load reads and validates the rule body at path.
func Load(path string) (*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read insight rule %q: %w", path, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("insight rule %q: %w", path, err)
	}
	return r, nil
}

// Parse decodes and validates a rule body.
func Parse(data []byte) (*Rule, error) {
	var r Rule
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	r.Body = string(data)
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks the fields CloudWatch requires.
func (r *Rule) Validate() error {
	var problems []string
	if r.Schema.Name != SchemaName || r.Schema.Version != SchemaVersion {
		problems = append(problems, fmt.Sprintf("schema must be %s version %d", SchemaName, SchemaVersion))
	}
	if len(r.LogGroupNames) == 0 {
		problems = append(problems, "LogGroupNames is empty")
	}
	switch r.LogFormat {
	case "JSON":
	case "CLF":
		if len(r.Fields) == 0 {
			problems = append(problems, "CLF rules need Fields")
		}
	default:
		problems = append(problems, fmt.Sprintf("LogFormat %q is not JSON or CLF", r.LogFormat))
	}
	if n := len(r.Contribution.Keys); n == 0 || n > maxContributionKeys {
		problems = append(problems, fmt.Sprintf("Contribution.Keys has %d entries, want 1 to %d", n, maxContributionKeys))
	}
	switch r.AggregateOn {
	case "Count":
	case "Sum":
		if r.Contribution.ValueOf == "" {
			problems = append(problems, "AggregateOn Sum needs Contribution.ValueOf")
		}
	default:
		problems = append(problems, fmt.Sprintf("AggregateOn %q is not Count or Sum", r.AggregateOn))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRule, strings.Join(problems, "; "))
	}
	return nil
}

// ReferencesLogGroup reports whether the rule reads logGroup. An entry with a
// trailing * is a name prefix and may span "/" separators.
func (r *Rule) ReferencesLogGroup(logGroup string) bool {
	for _, name := range r.LogGroupNames {
		if prefix, ok := strings.CutSuffix(name, "*"); ok {
			if strings.HasPrefix(logGroup, prefix) {
				return true
			}
			continue
		}
		if name == logGroup {
			return true
		}
	}
	return false
}
