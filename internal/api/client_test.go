package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safetrail/client/internal/api"
	"github.com/safetrail/client/internal/backoff"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *api.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return api.NewClient(api.Config{BaseURL: srv.URL, AuthToken: "secret"})
}

func TestActiveTrip(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/trips/active", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		count := 3
		json.NewEncoder(w).Encode(api.TripPayload{
			ID:           "trip-1",
			Title:        "Morning hike",
			Status:       "active",
			ETA:          time.Date(2026, 8, 30, 13, 0, 0, 0, time.UTC),
			CheckinCount: &count,
		})
	})

	trip, count, err := client.FetchActiveTrip(context.Background())
	require.NoError(t, err)
	require.NotNil(t, trip)
	assert.Equal(t, "trip-1", trip.ID)
	require.NotNil(t, count)
	assert.Equal(t, 3, *count)
}

func TestActiveTrip_NoneActive(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no active trip", http.StatusNotFound)
	})

	trip, count, err := client.FetchActiveTrip(context.Background())
	require.NoError(t, err)
	assert.Nil(t, trip)
	assert.Nil(t, count)
}

func TestActiveTrip_OmittedCountStaysNil(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.TripPayload{ID: "trip-1", Status: "active"})
	})

	trip, count, err := client.FetchActiveTrip(context.Background())
	require.NoError(t, err)
	require.NotNil(t, trip)
	assert.Nil(t, count)
}

func TestCheckin_SendsIdempotencyKey(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/trips/trip-1/checkin", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "key-1", body["idempotency_key"])

		json.NewEncoder(w).Encode(api.CheckinResponse{CheckinCount: 4})
	})

	resp, err := client.Checkin(context.Background(), "trip-1", "key-1")
	require.NoError(t, err)
	assert.Equal(t, 4, resp.CheckinCount)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, api.ErrUnauthorized},
		{"forbidden", http.StatusForbidden, api.ErrUnauthorized},
		{"not found", http.StatusNotFound, api.ErrNotFound},
		{"server error", http.StatusInternalServerError, api.ErrUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			})

			_, err := client.GetTrip(context.Background(), "trip-1")
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestRegisterDeliveryToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/trips/trip-1/delivery-token", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "tok-1", body["token"])
	})

	require.NoError(t, client.RegisterDeliveryToken(context.Background(), "trip-1", "tok-1"))
}

func TestTokenCheckin_Unauthenticated(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/links/checkin/tok-abc", r.URL.Path)
		require.Empty(t, r.Header.Get("Authorization"))
	})

	require.NoError(t, client.TokenCheckin(context.Background(), "tok-abc"))
}

func TestVerifyPurchase_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]bool{"entitled": true})
	})

	policy := backoff.Policy{Base: time.Millisecond, Factor: 2, MaxAttempts: 3}
	entitled, err := client.VerifyPurchase(context.Background(), "receipt-1", policy)
	require.NoError(t, err)
	assert.True(t, entitled)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPing(t *testing.T) {
	healthy := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		require.Equal(t, "/api/v1/health", r.URL.Path)
	})
	require.NoError(t, healthy.Ping(context.Background()))

	down := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	assert.ErrorIs(t, down.Ping(context.Background()), api.ErrUnavailable)
}
