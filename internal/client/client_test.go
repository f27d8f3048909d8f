package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cadenza-hq/continuation-api/pkg/config"
)

func TestSchedulingClientGetRecurrence(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/internal/recurrences/rec-1", r.URL.Path)
		json.NewEncoder(w).Encode(Recurrence{
			ID: "rec-1", StudentID: "stu-1", Weekday: "Monday", StartTime: "16:00",
			DurationMinutes: 30, Rate: 32,
			EndDate: time.Date(2026, 7, 17, 0, 0, 0, 0, time.UTC),
		})
	}))
	defer server.Close()

	c := NewSchedulingClient(config.SchedulingConfig{BaseURL: server.URL})
	rec, err := c.GetRecurrence(context.Background(), "rec-1")
	require.NoError(t, err)
	require.Equal(t, "rec-1", rec.ID)
	require.Equal(t, "Monday", rec.Weekday)
}

func TestSchedulingClientExtendRecurrence(t *testing.T) {
	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/internal/recurrences/rec-1/extend", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := NewSchedulingClient(config.SchedulingConfig{BaseURL: server.URL})
	err := c.ExtendRecurrence(context.Background(), "rec-1", time.Date(2026, 12, 11, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, "2026-12-11", gotBody["end_date"])
}

func TestSchedulingClientSurfacesErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewSchedulingClient(config.SchedulingConfig{BaseURL: server.URL})
	_, err := c.ListTermRecurrences(context.Background(), "school-1", "term-1")
	require.ErrorContains(t, err, "unexpected status 502")
}

func TestBillingClientPreviewAndConfirm(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/internal/adjustments/preview":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, "withdrawal", body["type"])
			require.Equal(t, "2026-07-17", body["effective_date"])
			json.NewEncoder(w).Encode(Adjustment{ID: "adj-1"})
		case "/internal/adjustments/adj-1/confirm":
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, true, body["generate_credit_note"])
			json.NewEncoder(w).Encode(Adjustment{ID: "adj-1"})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	c := NewBillingClient(config.BillingConfig{BaseURL: server.URL})
	effective := time.Date(2026, 7, 17, 0, 0, 0, 0, time.UTC)

	previewID, err := c.PreviewAdjustment(context.Background(), "stu-1", "rec-1", effective)
	require.NoError(t, err)
	require.Equal(t, "adj-1", previewID)

	confirmedID, err := c.ConfirmAdjustment(context.Background(), "adj-1", effective)
	require.NoError(t, err)
	require.Equal(t, "adj-1", confirmedID)
}

func TestBillingClientPreviewRequiresID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Adjustment{})
	}))
	defer server.Close()

	c := NewBillingClient(config.BillingConfig{BaseURL: server.URL})
	_, err := c.PreviewAdjustment(context.Background(), "stu-1", "rec-1", time.Now())
	require.ErrorContains(t, err, "missing adjustment id")
}

func TestMailerClientSendBatchReportsFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/internal/notifications/batch", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "continuation_notice", body["template"])
		require.Equal(t, "noreply@school.test", body["from"])
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(BatchResult{
			SentCount: 1,
			Failed:    []BatchFailure{{Email: "bounce@example.com", Error: "mailbox full"}},
		})
	}))
	defer server.Close()

	c := NewMailerClient(config.NotificationsConfig{BaseURL: server.URL, FromAddress: "noreply@school.test"})
	result, err := c.SendBatch(context.Background(), "continuation_notice", []Recipient{
		{Email: "ana@example.com", Name: "Ana Birch"},
		{Email: "bounce@example.com", Name: "Carl Cole"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.SentCount)
	require.Len(t, result.Failed, 1)
	require.Equal(t, "bounce@example.com", result.Failed[0].Email)
}
