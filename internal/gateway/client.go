package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hivecrm/dispatch/internal/pkg/logger"
)

// Client talks to the WhatsApp gateway's HTTP API.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a gateway client. A zero timeout falls back to 15s;
// the gateway contract treats anything past the timeout as a failed send.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Send delivers one content part to a recipient on the named channel.
func (c *Client) Send(ctx context.Context, channel, to string, content Content) (*SendResult, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("gateway API key not configured")
	}

	payload := map[string]interface{}{
		"to":   to,
		"kind": string(content.Kind),
	}
	if content.Body != "" {
		payload["body"] = content.Body
	}
	if content.MediaURL != "" {
		payload["media_url"] = content.MediaURL
	}
	if content.Caption != "" {
		payload["caption"] = content.Caption
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/channels/%s/messages", c.baseURL, url.PathEscape(channel))
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return nil, sendErrorFromBody(resp.StatusCode, body)
	}

	var result struct {
		ID        string `json:"id"`
		Recipient string `json:"recipient"`
	}
	json.Unmarshal(body, &result)

	logger.Debug("gateway send ok", "channel", channel, "to", to, "message_id", result.ID)

	confirmed := result.Recipient
	if confirmed == "" {
		confirmed = to
	}
	return &SendResult{
		MessageID:        result.ID,
		ConfirmedAddress: confirmed,
		SentAt:           time.Now(),
	}, nil
}

// DeleteForEveryone revokes a sent message for all parties in the chat.
func (c *Client) DeleteForEveryone(ctx context.Context, channel, messageID, recipientAddress string) error {
	if IsPlaceholderMessageID(messageID) {
		// Never hit the network; the id was minted locally and the remote
		// side has nothing to revoke.
		return nil
	}

	payload := map[string]string{"to": recipientAddress}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/channels/%s/messages/%s/revoke",
		c.baseURL, url.PathEscape(channel), url.PathEscape(messageID))
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gateway revoke error %d: %s", resp.StatusCode, string(body))
	}

	logger.Debug("gateway revoke ok", "channel", channel, "message_id", messageID, "recipient", recipientAddress)
	return nil
}

// sendErrorFromBody turns an error response into a *SendError, pulling the
// structured exists flag out of the body when the gateway provides one.
func sendErrorFromBody(status int, body []byte) *SendError {
	se := &SendError{
		StatusCode:      status,
		Message:         string(body),
		RecipientExists: true,
	}
	var parsed struct {
		Exists *bool `json:"exists"`
		Error  struct {
			Exists *bool `json:"exists"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Exists != nil && !*parsed.Exists {
			se.RecipientExists = false
		}
		if parsed.Error.Exists != nil && !*parsed.Error.Exists {
			se.RecipientExists = false
		}
	}
	return se
}
