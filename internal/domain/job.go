package domain

import "time"

// JobStatus enumerates the lifecycle of a single delivery attempt.
// A job moves from pending to exactly one terminal state and never back.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobSent    JobStatus = "sent"
	JobFailed  JobStatus = "failed"
	JobInvalid JobStatus = "invalid"
)

// IsTerminal returns true for sent, failed, and invalid.
func (s JobStatus) IsTerminal() bool {
	return s == JobSent || s == JobFailed || s == JobInvalid
}

// Job is one recipient's delivery attempt within a campaign. Rows are created
// once by the emitter; the recovery sweep re-enqueues existing rows but never
// creates new ones.
type Job struct {
	ID          string    `json:"id" db:"id"`
	CampaignID  string    `json:"campaign_id" db:"campaign_id"`
	Recipient   Recipient `json:"recipient" db:"recipient"`
	ScheduledAt time.Time `json:"scheduled_at" db:"scheduled_at"`
	Status      JobStatus `json:"status" db:"status"`

	// MessageID is the gateway-assigned id, set when the job is marked sent.
	MessageID *string `json:"message_id" db:"message_id"`
	// LastError holds the most recent delivery error, also recorded across
	// transient retries while the job is still pending.
	LastError *string `json:"last_error" db:"last_error"`

	// StepIndex tracks progress through a sequence template so a crash
	// mid-sequence resumes at the right step instead of re-sending from step 0.
	StepIndex int `json:"step_index" db:"step_index"`
	Attempts  int `json:"attempts" db:"attempts"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
