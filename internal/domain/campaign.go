package domain

import (
	"math/rand"
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignPending   CampaignStatus = "pending"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

// PauseReason distinguishes why a campaign sits in the paused state.
// Window pauses clear themselves on the next allowed tick; policy pauses
// (a broken auto-delete guarantee) require operator intervention.
type PauseReason string

const (
	PauseReasonNone   PauseReason = ""
	PauseReasonWindow PauseReason = "window"
	PauseReasonPolicy PauseReason = "policy"
)

// Pacing is the inter-message delay policy for a campaign.
type Pacing string

const (
	PacingFast       Pacing = "fast"
	PacingNormal     Pacing = "normal"
	PacingSlow       Pacing = "slow"
	PacingRandomized Pacing = "randomized"
)

// BaseDelay returns the inter-message delay for the pacing policy.
// Randomized pacing draws uniformly from [55s, 85s] on each call.
func (p Pacing) BaseDelay() time.Duration {
	switch p {
	case PacingFast:
		return 1 * time.Second
	case PacingSlow:
		return 60 * time.Second
	case PacingRandomized:
		return 55*time.Second + time.Duration(rand.Int63n(int64(30*time.Second)))
	default:
		return 30 * time.Second
	}
}

// Recipient is one entry of a campaign's recipient snapshot. The address is
// the gateway-level identifier (phone number in international format).
type Recipient struct {
	Address     string `json:"address"`
	DisplayName string `json:"display_name,omitempty"`
}

// Window restricts sending to a daily time range on allowed weekdays.
// Start and End are local clock times in "HH:MM" form, inclusive on both
// ends. SuspendedDays uses time.Weekday numbering (0=Sunday).
type Window struct {
	Start         string `json:"start"`
	End           string `json:"end"`
	SuspendedDays []int  `json:"suspended_days,omitempty"`
}

// AllowsDay reports whether sending is permitted on the given weekday.
func (w *Window) AllowsDay(d time.Weekday) bool {
	for _, s := range w.SuspendedDays {
		if time.Weekday(s) == d {
			return false
		}
	}
	return true
}

// AutoDelete configures remote deletion of each message after a delay.
type AutoDelete struct {
	Enabled bool   `json:"enabled"`
	Delay   int    `json:"delay"`
	Unit    string `json:"unit"` // "seconds", "minutes", "hours"
}

// Duration converts the delay amount/unit pair into a time.Duration.
func (a *AutoDelete) Duration() time.Duration {
	switch a.Unit {
	case "hours":
		return time.Duration(a.Delay) * time.Hour
	case "minutes":
		return time.Duration(a.Delay) * time.Minute
	default:
		return time.Duration(a.Delay) * time.Second
	}
}

// Stats holds a campaign's aggregate delivery counters. Each job contributes
// to exactly one of sent/failed/invalid over its lifetime.
type Stats struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Invalid int `json:"invalid"`
	Total   int `json:"total"`
}

// Campaign represents a bulk-messaging task with a fixed recipient list and
// pacing/window policy. The recipient list is snapshotted at creation and
// immutable once jobs have been emitted.
type Campaign struct {
	ID          string         `json:"id" db:"id"`
	OwnerID     string         `json:"owner_id" db:"owner_id"`
	ChannelID   string         `json:"channel_id" db:"channel_id"`
	TemplateID  string         `json:"template_id" db:"template_id"`
	Name        string         `json:"name" db:"name"`
	Pacing      Pacing         `json:"pacing" db:"pacing"`
	AutoDelete  AutoDelete     `json:"auto_delete" db:"auto_delete"`
	Window      *Window        `json:"window,omitempty" db:"window"`
	Recipients  []Recipient    `json:"recipients" db:"recipients"`
	Stats       Stats          `json:"stats" db:"stats"`
	Status      CampaignStatus `json:"status" db:"status"`
	PauseReason PauseReason    `json:"pause_reason,omitempty" db:"pause_reason"`

	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignCompleted || c.Status == CampaignFailed
}
