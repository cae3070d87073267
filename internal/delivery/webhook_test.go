package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/taskengine/internal/errs"
)

func TestWebhookDestinationSucceedsOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"received":true}`))
	}))
	defer srv.Close()

	raw, err := json.Marshal(WebhookConfig{URLTemplate: srv.URL + "/hook/{{task_id}}"})
	require.NoError(t, err)
	dest, err := NewWebhookDestination(raw)
	require.NoError(t, err)

	attempt, err := dest.Deliver(context.Background(), TaskOutput{TaskID: 3, OutputData: []byte(`{}`)}, DeliveryContext{})
	require.NoError(t, err)
	require.True(t, attempt.Success)
	require.Equal(t, 1, attempt.Attempts)
}

func TestWebhookDestinationFailsNonRetryableOn4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	raw, err := json.Marshal(WebhookConfig{URLTemplate: srv.URL, RetryPolicy: &RetryPolicyConfig{MaxAttempts: 3}})
	require.NoError(t, err)
	dest, err := NewWebhookDestination(raw)
	require.NoError(t, err)

	attempt, err := dest.Deliver(context.Background(), TaskOutput{OutputData: []byte(`{}`)}, DeliveryContext{})
	require.NoError(t, err)
	require.False(t, attempt.Success)
	require.Equal(t, errs.KindWebhookFailed, errs.KindOf(attempt.Err))
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestWebhookDestinationExhaustsRetriesOn5xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	raw, err := json.Marshal(WebhookConfig{
		URLTemplate: srv.URL,
		RetryPolicy: &RetryPolicyConfig{MaxAttempts: 3, InitialDelayMS: 1, MaxDelayMS: 2, BackoffMultiplier: 1},
	})
	require.NoError(t, err)
	dest, err := NewWebhookDestination(raw)
	require.NoError(t, err)

	attempt, err := dest.Deliver(context.Background(), TaskOutput{OutputData: []byte(`{}`)}, DeliveryContext{})
	require.NoError(t, err)
	require.False(t, attempt.Success)
	require.Equal(t, errs.KindMaxRetriesExceeded, errs.KindOf(attempt.Err))
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
	require.Equal(t, 3, attempt.Attempts)
}

func TestWebhookDestinationRejectsMissingURLTemplate(t *testing.T) {
	_, err := NewWebhookDestination([]byte(`{}`))
	require.Error(t, err)
}
