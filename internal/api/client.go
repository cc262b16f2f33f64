// Package api provides the HTTP client for the SafeTrail server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/safetrail/client/internal/backoff"
	"github.com/safetrail/client/internal/storage/models"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrUnavailable  = errors.New("server unavailable")
)

// Config holds the connection settings for the SafeTrail server.
type Config struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
}

// Client is a client for the SafeTrail server API.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a new SafeTrail API client.
func NewClient(config Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// TripPayload mirrors the server's trip representation.
type TripPayload struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	ActivityID    string     `json:"activity_id"`
	StartedAt     time.Time  `json:"started_at"`
	ETA           time.Time  `json:"eta"`
	GraceMinutes  int        `json:"grace_minutes"`
	Location      *string    `json:"location,omitempty"`
	CheckinToken  string     `json:"checkin_token"`
	CheckoutToken string     `json:"checkout_token"`
	Status        string     `json:"status"`
	LastCheckinAt *time.Time `json:"last_checkin_at,omitempty"`
	CheckinCount  *int       `json:"checkin_count,omitempty"`
}

// ToModel converts the payload to the local trip model. An absent check-in
// count maps to zero here; callers that need to distinguish absent from zero
// should read CheckinCount directly.
func (p TripPayload) ToModel() models.Trip {
	trip := models.Trip{
		ID:            p.ID,
		Title:         p.Title,
		ActivityID:    p.ActivityID,
		StartedAt:     p.StartedAt,
		ETA:           p.ETA,
		GraceMinutes:  p.GraceMinutes,
		Location:      p.Location,
		CheckinToken:  p.CheckinToken,
		CheckoutToken: p.CheckoutToken,
		Status:        p.Status,
		LastCheckinAt: p.LastCheckinAt,
	}
	if p.CheckinCount != nil {
		trip.CheckinCount = *p.CheckinCount
	}
	return trip
}

// ActivityPayload mirrors the server's activity metadata.
type ActivityPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Icon string `json:"icon"`
}

// CheckinResponse is the server's response to a check-in or checkout call.
type CheckinResponse struct {
	Trip         TripPayload `json:"trip"`
	CheckinCount int         `json:"checkin_count"`
}

// ActiveTrip fetches the subject's currently active trip. Returns nil when no
// trip is active.
func (c *Client) ActiveTrip(ctx context.Context) (*TripPayload, error) {
	var trip TripPayload
	err := c.get(ctx, "/api/v1/trips/active", &trip)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &trip, nil
}

// FetchActiveTrip fetches the active trip as the local model plus the
// server's check-in count, nil when the server omitted it. This is the
// authority's refresh contract.
func (c *Client) FetchActiveTrip(ctx context.Context) (*models.Trip, *int, error) {
	payload, err := c.ActiveTrip(ctx)
	if err != nil {
		return nil, nil, err
	}
	if payload == nil {
		return nil, nil, nil
	}

	trip := payload.ToModel()
	return &trip, payload.CheckinCount, nil
}

// GetTrip fetches one trip by id.
func (c *Client) GetTrip(ctx context.Context, tripID string) (*TripPayload, error) {
	var trip TripPayload
	if err := c.get(ctx, "/api/v1/trips/"+tripID, &trip); err != nil {
		return nil, err
	}
	return &trip, nil
}

// Checkin records a check-in for a trip. The idempotency key makes replayed
// offline check-ins a server-side no-op.
func (c *Client) Checkin(ctx context.Context, tripID, idempotencyKey string) (*CheckinResponse, error) {
	body := map[string]string{"idempotency_key": idempotencyKey}
	var resp CheckinResponse
	if err := c.post(ctx, "/api/v1/trips/"+tripID+"/checkin", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Checkout completes a trip.
func (c *Client) Checkout(ctx context.Context, tripID, idempotencyKey string) (*CheckinResponse, error) {
	body := map[string]string{"idempotency_key": idempotencyKey}
	var resp CheckinResponse
	if err := c.post(ctx, "/api/v1/trips/"+tripID+"/checkout", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TokenCheckin performs an unauthenticated check-in via a single-use link
// token.
func (c *Client) TokenCheckin(ctx context.Context, token string) error {
	return c.postUnauthenticated(ctx, "/api/v1/links/checkin/"+token, nil, nil)
}

// TokenCheckout performs an unauthenticated checkout via a single-use link
// token.
func (c *Client) TokenCheckout(ctx context.Context, token string) error {
	return c.postUnauthenticated(ctx, "/api/v1/links/checkout/"+token, nil, nil)
}

// RegisterDeliveryToken registers a live-display delivery token for a trip.
func (c *Client) RegisterDeliveryToken(ctx context.Context, tripID, token string) error {
	body := map[string]string{"token": token}
	return c.post(ctx, "/api/v1/trips/"+tripID+"/delivery-token", body, nil)
}

// UnregisterDeliveryToken removes the delivery token for a trip.
func (c *Client) UnregisterDeliveryToken(ctx context.Context, tripID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/v1/trips/"+tripID+"/delivery-token", nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// ListActivities fetches the activity metadata catalogue.
func (c *Client) ListActivities(ctx context.Context) ([]ActivityPayload, error) {
	var activities []ActivityPayload
	if err := c.get(ctx, "/api/v1/activities", &activities); err != nil {
		return nil, err
	}
	return activities, nil
}

// VerifyPurchase submits a purchase receipt for entitlement verification,
// retrying transient failures with the given policy.
func (c *Client) VerifyPurchase(ctx context.Context, receipt string, policy backoff.Policy) (bool, error) {
	body := map[string]string{"receipt": receipt}
	var resp struct {
		Entitled bool `json:"entitled"`
	}

	err := policy.Retry(ctx, func(ctx context.Context) error {
		return c.post(ctx, "/api/v1/purchases/verify", body, &resp)
	})
	if err != nil {
		return false, err
	}
	return resp.Entitled, nil
}

// Ping checks server reachability without authentication.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.config.BaseURL+"/api/v1/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return ErrUnavailable
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, reader)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postUnauthenticated(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w (status %d)", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, body)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// newRequest creates a new HTTP request with authentication.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	url := c.config.BaseURL + path

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	req.Header.Set("Content-Type", "application/json")

	return req, nil
}
