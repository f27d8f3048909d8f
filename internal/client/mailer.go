package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cadenza-hq/continuation-api/pkg/config"
)

// Recipient is one addressee in a notification batch.
type Recipient struct {
	Email        string            `json:"email"`
	Name         string            `json:"name"`
	TemplateVars map[string]string `json:"template_vars,omitempty"`
}

// BatchFailure reports one recipient the notification service could not
// reach.
type BatchFailure struct {
	Email string `json:"email"`
	Error string `json:"error"`
}

// BatchResult summarises a dispatched batch.
type BatchResult struct {
	SentCount int            `json:"sent_count"`
	Failed    []BatchFailure `json:"failed"`
}

// MailerClient talks to the platform notification service.
type MailerClient struct {
	baseURL string
	from    string
	client  *http.Client
}

// NewMailerClient constructs the client from configuration.
func NewMailerClient(cfg config.NotificationsConfig) *MailerClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MailerClient{
		baseURL: cfg.BaseURL,
		from:    cfg.FromAddress,
		client:  &http.Client{Timeout: timeout},
	}
}

// SendBatch dispatches the template to every recipient and reports
// per-recipient failures without failing the batch.
func (c *MailerClient) SendBatch(ctx context.Context, template string, recipients []Recipient) (*BatchResult, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"from":       c.from,
		"template":   template,
		"recipients": recipients,
	})
	if err != nil {
		return nil, fmt.Errorf("encode batch payload: %w", err)
	}

	endpoint := c.baseURL + "/internal/notifications/batch"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send notification batch: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("send notification batch: unexpected status %d", resp.StatusCode)
	}

	var result BatchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}
	return &result, nil
}
