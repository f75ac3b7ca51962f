// Package validation checks resource content before it is written. Built-in
// rules cover structure, ids, status codes and references; YAML profiles add
// per-type constraints and can be reloaded while the server runs.
package validation

import (
	"fmt"
	"strings"

	"github.com/mitre/fhirserver/internal/platform/fhir"
)

// Severity orders validation findings.
type Severity int

const (
	SeverityInformation Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

var severityNames = [...]string{
	SeverityInformation: fhir.IssueSeverityInformation,
	SeverityWarning:     fhir.IssueSeverityWarning,
	SeverityError:       fhir.IssueSeverityError,
	SeverityFatal:       fhir.IssueSeverityFatal,
}

func (s Severity) String() string {
	if s < SeverityInformation || s > SeverityFatal {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity accepts the OperationOutcome severity codes.
func ParseSeverity(s string) (Severity, error) {
	for i, name := range severityNames {
		if strings.EqualFold(s, name) {
			return Severity(i), nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

// Result is one validation finding.
type Result struct {
	Severity Severity
	Code     string // OperationOutcome issue type
	Path     string
	Message  string
}

func (r Result) Issue() fhir.OperationOutcomeIssue {
	issue := fhir.OperationOutcomeIssue{
		Severity:    r.Severity.String(),
		Code:        r.Code,
		Diagnostics: r.Message,
	}
	if r.Path != "" {
		issue.Expression = []string{r.Path}
	}
	return issue
}

// Issues converts results to OperationOutcome issues.
func Issues(results []Result) []fhir.OperationOutcomeIssue {
	out := make([]fhir.OperationOutcomeIssue, len(results))
	for i, r := range results {
		out[i] = r.Issue()
	}
	return out
}

// Outcome renders results as an OperationOutcome; an empty result set
// yields a single informational "All OK" issue.
func Outcome(results []Result) *fhir.OperationOutcome {
	b := fhir.NewOutcomeBuilder()
	for _, r := range results {
		if r.Path != "" {
			b.AddIssueWithLocation(r.Severity.String(), r.Code, r.Message, r.Path)
		} else {
			b.AddIssue(r.Severity.String(), r.Code, r.Message)
		}
	}
	return b.Build()
}

// Policy decides which findings block a write.
type Policy struct {
	RejectAt Severity
}

// Blocks reports whether any result is at or above the reject threshold.
func (p Policy) Blocks(results []Result) bool {
	for _, r := range results {
		if r.Severity >= p.RejectAt {
			return true
		}
	}
	return false
}
