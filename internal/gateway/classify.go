package gateway

import (
	"encoding/json"
	"errors"
	"strings"
)

// Outcome is the delivery-failure class assigned by Classify.
type Outcome int

const (
	// Transient failures are retryable up to the queue's attempt bound.
	Transient Outcome = iota
	// Invalid means the recipient does not exist on the platform. Terminal,
	// never retried.
	Invalid
)

func (o Outcome) String() string {
	if o == Invalid {
		return "invalid"
	}
	return "transient"
}

// invalidBody mirrors the gateway's structured lookup payload. Some error
// responses embed it at the top level, some under "error".
type invalidBody struct {
	Exists *bool        `json:"exists"`
	Error  *invalidBody `json:"error"`
}

// Textual markers seen in gateway error bodies that lack the structured
// exists flag. Matched case-insensitively as a fallback only.
var invalidMarkers = []string{
	"recipient does not exist",
	"not on whatsapp",
	"item-not-found",
	"not a valid whatsapp user",
}

// Classify inspects a delivery error and decides whether it is worth
// retrying. Every call site funnels through here; the matching rules live in
// exactly one place.
func Classify(err error) Outcome {
	if err == nil {
		return Transient
	}

	var se *SendError
	if errors.As(err, &se) {
		if !se.RecipientExists {
			return Invalid
		}
		if bodyIndicatesInvalid(se.Message) {
			return Invalid
		}
		return Transient
	}

	if bodyIndicatesInvalid(err.Error()) {
		return Invalid
	}
	return Transient
}

func bodyIndicatesInvalid(body string) bool {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "{") {
		var parsed invalidBody
		if json.Unmarshal([]byte(trimmed), &parsed) == nil {
			if parsed.Exists != nil && !*parsed.Exists {
				return true
			}
			if parsed.Error != nil && parsed.Error.Exists != nil && !*parsed.Error.Exists {
				return true
			}
		}
	}
	lower := strings.ToLower(body)
	for _, marker := range invalidMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
