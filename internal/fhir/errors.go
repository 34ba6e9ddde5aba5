package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OperationOutcome issue severities per FHIR R4.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// Summary joins the diagnostics (or details text) of every issue.
func (o *OperationOutcome) Summary() string {
	parts := make([]string, 0, len(o.Issue))
	for _, issue := range o.Issue {
		msg := issue.Diagnostics
		if msg == "" && issue.Details != nil {
			msg = issue.Details.Text
		}
		if msg == "" {
			msg = issue.Code
		}
		parts = append(parts, fmt.Sprintf("%s: %s", issue.Severity, msg))
	}
	return strings.Join(parts, "; ")
}

// Error is returned for any non-2xx response from the EHR.
type Error struct {
	StatusCode int
	Method     string
	URL        string
	Outcome    *OperationOutcome
	Body       string
}

func (e *Error) Error() string {
	if e.Outcome != nil && len(e.Outcome.Issue) > 0 {
		return fmt.Sprintf("fhir %s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Outcome.Summary())
	}
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("fhir %s %s: status %d: %s", e.Method, e.URL, e.StatusCode, body)
}

// newError builds an Error, decoding the body as an OperationOutcome when
// it looks like one.
func newError(status int, method, url string, body []byte) *Error {
	e := &Error{StatusCode: status, Method: method, URL: url, Body: string(body)}
	var oo OperationOutcome
	if json.Unmarshal(body, &oo) == nil && oo.ResourceType == "OperationOutcome" {
		e.Outcome = &oo
	}
	return e
}
