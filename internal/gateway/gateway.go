// Package gateway wraps the external messaging gateway behind a narrow
// interface: send one rendered message part, delete a sent message, and
// classify delivery errors. Everything protocol-level (sessions, retries at
// the connection layer, media handling) belongs to the remote service.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hivecrm/dispatch/internal/domain"
)

// Content is one rendered message part ready for the gateway.
type Content struct {
	Kind     domain.TemplateKind `json:"kind"`
	Body     string              `json:"body,omitempty"`
	MediaURL string              `json:"media_url,omitempty"`
	Caption  string              `json:"caption,omitempty"`
}

// SendResult is the gateway's acknowledgement of one delivered part. The
// gateway contract guarantees a message id on success; ConfirmedAddress is
// the canonical recipient address, which may differ from the address the
// send was addressed to.
type SendResult struct {
	MessageID        string
	ConfirmedAddress string
	SentAt           time.Time
}

// Sender is the outbound gateway contract consumed by the delivery worker.
type Sender interface {
	// Send delivers one content part on the named channel.
	Send(ctx context.Context, channel, to string, content Content) (*SendResult, error)

	// DeleteForEveryone remotely deletes a sent message for all parties.
	DeleteForEveryone(ctx context.Context, channel, messageID, recipientAddress string) error
}

// SendError is a structured delivery failure from the gateway.
// RecipientExists is false when the gateway reports the destination address
// is not a valid account, a terminal condition that must not be retried.
type SendError struct {
	StatusCode      int
	Message         string
	RecipientExists bool
}

func (e *SendError) Error() string {
	if !e.RecipientExists {
		return fmt.Sprintf("gateway: recipient does not exist: %s", e.Message)
	}
	return fmt.Sprintf("gateway: send failed (%d): %s", e.StatusCode, e.Message)
}

// IsPlaceholderMessageID reports whether the id was minted locally by the
// gateway's client library rather than assigned by the network. Locally
// generated WhatsApp ids carry the 3EB0 prefix; deleting by such an id is
// pointless because the network never saw it.
func IsPlaceholderMessageID(id string) bool {
	return strings.HasPrefix(strings.ToUpper(id), "3EB0")
}
