package syncrun

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// MaxFailuresPerStep caps how many failed records a step report keeps.
const MaxFailuresPerStep = 20

// FailureRecord describes one record the CRM rejected or the pipeline
// skipped.
type FailureRecord struct {
	Index      int    `json:"index"`
	ExternalID string `json:"external_id,omitempty"`
	Error      string `json:"error"`
}

// Step is the outcome of loading one CRM object type. Planned counts the
// records that passed transformation and validation.
type Step struct {
	Object    string          `json:"object"`
	Planned   int             `json:"planned"`
	Attempted int             `json:"attempted"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Skipped   int             `json:"skipped"`
	Existing  int             `json:"existing,omitempty"`
	Failures  []FailureRecord `json:"failures,omitempty"`
}

// AddFailure counts a failure and keeps its detail up to MaxFailuresPerStep.
func (s *Step) AddFailure(f FailureRecord) {
	s.Failed++
	if len(s.Failures) < MaxFailuresPerStep {
		s.Failures = append(s.Failures, f)
	}
}

type Run struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Status         Status     `json:"status"`
	DryRun         bool       `json:"dry_run"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Steps          []Step     `json:"steps"`
	Error          string     `json:"error,omitempty"`
}

func (r *Run) AddStep(s Step) {
	r.Steps = append(r.Steps, s)
}

// Step returns the report for object, or nil.
func (r *Run) Step(object string) *Step {
	for i := range r.Steps {
		if r.Steps[i].Object == object {
			return &r.Steps[i]
		}
	}
	return nil
}

// Totals sums every step.
func (r *Run) Totals() Step {
	var t Step
	for _, s := range r.Steps {
		t.Planned += s.Planned
		t.Attempted += s.Attempted
		t.Succeeded += s.Succeeded
		t.Failed += s.Failed
		t.Skipped += s.Skipped
		t.Existing += s.Existing
	}
	return t
}

// CrosswalkEntry links an EHR id to the CRM record created for it.
type CrosswalkEntry struct {
	Object    string    `json:"object"`
	EHRID     string    `json:"ehr_id"`
	CRMID     string    `json:"crm_id"`
	RunID     uuid.UUID `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
}
