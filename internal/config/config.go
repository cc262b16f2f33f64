// Package config loads the agent configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds the agent's connection and identity settings. Paths and
// listen addresses come from command-line flags; everything here is
// environment-driven so containers and launch agents can inject it.
type Config struct {
	// APIBaseURL is the SafeTrail server base URL. Required.
	APIBaseURL string

	// FeedBaseURL is the websocket base URL for the change feed. Defaults to
	// APIBaseURL with the scheme swapped to ws/wss.
	FeedBaseURL string

	// AuthToken authenticates every server call. Required.
	AuthToken string

	// SubjectID scopes feed subscriptions and row filtering. Required.
	SubjectID string

	// ProbeInterval is the connectivity poll interval. Defaults to 15s.
	ProbeInterval time.Duration
}

// Load reads configuration from environment variables and returns a Config.
// Returns an error listing any required variables that are not set.
func Load() (Config, error) {
	cfg := Config{
		APIBaseURL:  os.Getenv("SAFETRAIL_API_URL"),
		FeedBaseURL: os.Getenv("SAFETRAIL_FEED_URL"),
		AuthToken:   os.Getenv("SAFETRAIL_AUTH_TOKEN"),
		SubjectID:   os.Getenv("SAFETRAIL_SUBJECT_ID"),
	}

	var missing []string
	if cfg.APIBaseURL == "" {
		missing = append(missing, "SAFETRAIL_API_URL")
	}
	if cfg.AuthToken == "" {
		missing = append(missing, "SAFETRAIL_AUTH_TOKEN")
	}
	if cfg.SubjectID == "" {
		missing = append(missing, "SAFETRAIL_SUBJECT_ID")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("required environment variables not set: %s", strings.Join(missing, ", "))
	}

	if cfg.FeedBaseURL == "" {
		cfg.FeedBaseURL = deriveFeedURL(cfg.APIBaseURL)
	}

	cfg.ProbeInterval = 15 * time.Second
	if v := os.Getenv("SAFETRAIL_PROBE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parsing SAFETRAIL_PROBE_INTERVAL: %w", err)
		}
		cfg.ProbeInterval = d
	}

	return cfg, nil
}

// deriveFeedURL swaps an http(s) scheme for ws(s).
func deriveFeedURL(apiURL string) string {
	switch {
	case strings.HasPrefix(apiURL, "https://"):
		return "wss://" + strings.TrimPrefix(apiURL, "https://")
	case strings.HasPrefix(apiURL, "http://"):
		return "ws://" + strings.TrimPrefix(apiURL, "http://")
	default:
		return apiURL
	}
}
