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

// Recurrence is a recurring lesson schedule as reported by the scheduling
// service. This service never writes these rows directly; extensions go
// through ExtendRecurrence.
type Recurrence struct {
	ID              string    `json:"id"`
	StudentID       string    `json:"student_id"`
	TeacherName     string    `json:"teacher_name"`
	Instrument      string    `json:"instrument"`
	Weekday         string    `json:"weekday"`
	StartTime       string    `json:"start_time"`
	DurationMinutes int       `json:"duration_minutes"`
	Rate            float64   `json:"rate"`
	EndDate         time.Time `json:"end_date"`
}

// SchedulingClient talks to the platform scheduling service.
type SchedulingClient struct {
	baseURL string
	client  *http.Client
}

// NewSchedulingClient constructs the client from configuration.
func NewSchedulingClient(cfg config.SchedulingConfig) *SchedulingClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SchedulingClient{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// GetRecurrence fetches one recurring lesson schedule.
func (c *SchedulingClient) GetRecurrence(ctx context.Context, recurrenceID string) (*Recurrence, error) {
	endpoint := fmt.Sprintf("%s/internal/recurrences/%s", c.baseURL, url.PathEscape(recurrenceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build recurrence request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch recurrence %s: %w", recurrenceID, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch recurrence %s: unexpected status %d", recurrenceID, resp.StatusCode)
	}

	var recurrence Recurrence
	if err := json.NewDecoder(resp.Body).Decode(&recurrence); err != nil {
		return nil, fmt.Errorf("decode recurrence %s: %w", recurrenceID, err)
	}
	return &recurrence, nil
}

// ExtendRecurrence pushes the recurrence end date forward.
func (c *SchedulingClient) ExtendRecurrence(ctx context.Context, recurrenceID string, newEndDate time.Time) error {
	payload, err := json.Marshal(map[string]string{
		"end_date": newEndDate.Format("2006-01-02"),
	})
	if err != nil {
		return fmt.Errorf("encode extend payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/internal/recurrences/%s/extend", c.baseURL, url.PathEscape(recurrenceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build extend request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("extend recurrence %s: %w", recurrenceID, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("extend recurrence %s: unexpected status %d", recurrenceID, resp.StatusCode)
	}
	return nil
}

// ListTermRecurrences returns every recurrence active inside the term for the
// school, used to snapshot lessons at run creation.
func (c *SchedulingClient) ListTermRecurrences(ctx context.Context, schoolID, termID string) ([]Recurrence, error) {
	endpoint := fmt.Sprintf("%s/internal/schools/%s/terms/%s/recurrences",
		c.baseURL, url.PathEscape(schoolID), url.PathEscape(termID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build recurrences request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list term recurrences: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list term recurrences: unexpected status %d", resp.StatusCode)
	}

	var recurrences []Recurrence
	if err := json.NewDecoder(resp.Body).Decode(&recurrences); err != nil {
		return nil, fmt.Errorf("decode term recurrences: %w", err)
	}
	return recurrences, nil
}
