package queue

// SendTask asks a delivery worker to send one job. Only ids travel on the
// queue; the worker reloads job and campaign from the store, which stays
// authoritative.
type SendTask struct {
	JobID      string `json:"job_id"`
	CampaignID string `json:"campaign_id"`
}

// DeleteTask asks a delivery worker to remotely delete an already-sent
// message (the auto-delete guarantee). Recipient is the gateway-confirmed
// address, which may differ from the address the message was sent to.
type DeleteTask struct {
	CampaignID string `json:"campaign_id"`
	JobID      string `json:"job_id"`
	MessageID  string `json:"message_id"`
	Recipient  string `json:"recipient"`
}
