package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cadenza-hq/continuation-api/pkg/config"
)

// Adjustment is the billing service's term adjustment record.
type Adjustment struct {
	ID string `json:"id"`
}

// BillingClient talks to the billing service that prorates future invoicing
// for withdrawing students.
type BillingClient struct {
	baseURL string
	client  *http.Client
}

// NewBillingClient constructs the client from configuration.
func NewBillingClient(cfg config.BillingConfig) *BillingClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &BillingClient{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// PreviewAdjustment dry-runs a withdrawal adjustment and returns its id.
func (c *BillingClient) PreviewAdjustment(ctx context.Context, studentID, recurrenceID string, effectiveDate time.Time) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"type":           "withdrawal",
		"student_id":     studentID,
		"recurrence_id":  recurrenceID,
		"effective_date": effectiveDate.Format("2006-01-02"),
	})
	if err != nil {
		return "", fmt.Errorf("encode preview payload: %w", err)
	}

	endpoint := c.baseURL + "/internal/adjustments/preview"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build preview request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("preview adjustment: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("preview adjustment: unexpected status %d", resp.StatusCode)
	}

	var adjustment Adjustment
	if err := json.NewDecoder(resp.Body).Decode(&adjustment); err != nil {
		return "", fmt.Errorf("decode preview response: %w", err)
	}
	if adjustment.ID == "" {
		return "", fmt.Errorf("preview adjustment: missing adjustment id")
	}
	return adjustment.ID, nil
}

// ConfirmAdjustment commits a previewed withdrawal, requesting a credit note.
func (c *BillingClient) ConfirmAdjustment(ctx context.Context, adjustmentID string, effectiveDate time.Time) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"effective_date":       effectiveDate.Format("2006-01-02"),
		"generate_credit_note": true,
	})
	if err != nil {
		return "", fmt.Errorf("encode confirm payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/internal/adjustments/%s/confirm", c.baseURL, url.PathEscape(adjustmentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build confirm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("confirm adjustment %s: %w", adjustmentID, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("confirm adjustment %s: unexpected status %d", adjustmentID, resp.StatusCode)
	}

	var adjustment Adjustment
	if err := json.NewDecoder(resp.Body).Decode(&adjustment); err != nil {
		return "", fmt.Errorf("decode confirm response: %w", err)
	}
	if adjustment.ID == "" {
		adjustment.ID = adjustmentID
	}
	return adjustment.ID, nil
}
