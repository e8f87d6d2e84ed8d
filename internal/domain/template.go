package domain

import "time"

// TemplateKind enumerates the delivery shapes a template can take.
type TemplateKind string

const (
	TemplateText     TemplateKind = "text"
	TemplateImage    TemplateKind = "image"
	TemplateVideo    TemplateKind = "video"
	TemplateAudio    TemplateKind = "audio"
	TemplateFile     TemplateKind = "file"
	TemplateSequence TemplateKind = "sequence"
)

// TemplateStep is one ordered step of a sequence template. DelaySeconds is
// the pause before this step is sent (zero for the first step).
type TemplateStep struct {
	Kind         TemplateKind `json:"kind"`
	Body         string       `json:"body,omitempty"`
	MediaURL     string       `json:"media_url,omitempty"`
	Caption      string       `json:"caption,omitempty"`
	DelaySeconds int          `json:"delay_seconds,omitempty"`
}

// Template is a message template with Liquid variable placeholders.
// Single-part templates use Body/MediaURL; sequence templates use Steps.
type Template struct {
	ID       string         `json:"id" db:"id"`
	OwnerID  string         `json:"owner_id" db:"owner_id"`
	Name     string         `json:"name" db:"name"`
	Kind     TemplateKind   `json:"kind" db:"kind"`
	Body     string         `json:"body" db:"body"`
	MediaURL string         `json:"media_url" db:"media_url"`
	Caption  string         `json:"caption" db:"caption"`
	Steps    []TemplateStep `json:"steps,omitempty" db:"steps"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
