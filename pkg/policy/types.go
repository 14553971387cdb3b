package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not block a run.
	SeverityWarning Severity = "warning"

	// SeverityError blocks validation and installs.
	SeverityError Severity = "error"
)

// Policy is a Rego module whose deny set lists catalog violations.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Its package must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy came from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Resource string   `json:"resource,omitempty"`
	Host     string   `json:"host,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s [%s]: %s", v.Policy, v.Severity, v.Message)
}

// Result is the outcome of evaluating every enabled policy once.
type Result struct {
	Violations        []Violation   `json:"violations,omitempty"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Allowed reports whether no violation has error severity.
func (r *Result) Allowed() bool {
	return len(r.bySeverity(SeverityError)) == 0
}

// Warnings returns the violations that do not block.
func (r *Result) Warnings() []Violation {
	out := r.bySeverity(SeverityWarning)
	return append(out, r.bySeverity(SeverityInfo)...)
}

// Err returns a configuration error listing every blocking violation, or nil.
func (r *Result) Err() error {
	blocking := r.bySeverity(SeverityError)
	if len(blocking) == 0 {
		return nil
	}
	errs := make([]error, 0, len(blocking))
	for _, v := range blocking {
		e := engine.NewConfigurationError(v.String(), nil)
		if v.Resource != "" {
			e.WithResource(v.Resource)
		}
		if v.Host != "" {
			e.WithHost(v.Host)
		}
		errs = append(errs, e)
	}
	return errors.Join(errs...)
}

func (r *Result) bySeverity(s Severity) []Violation {
	out := make([]Violation, 0)
	for _, v := range r.Violations {
		if v.Severity == s {
			out = append(out, v)
		}
	}
	return out
}
