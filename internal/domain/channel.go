package domain

import "time"

// Channel is a connected messaging account on the outbound gateway. Name is
// the gateway-side instance identifier used on every send/delete call;
// TokenRef points at the credential entry, never the credential itself.
type Channel struct {
	ID       string `json:"id" db:"id"`
	OwnerID  string `json:"owner_id" db:"owner_id"`
	Name     string `json:"name" db:"name"`
	TokenRef string `json:"token_ref" db:"token_ref"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
