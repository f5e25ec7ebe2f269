// Package storage publishes exported forecast artifacts so a download can be
// served after the request that produced it, or by another replica.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Artifact is one exported forecast, keyed by session id.
type Artifact struct {
	Session     string    `json:"session"`
	GeneratedAt time.Time `json:"generated_at"`
	Forecaster  string    `json:"forecaster"`
	HorizonDays int       `json:"horizon_days"`
	Rows        int       `json:"rows"`
	ContentType string    `json:"content_type"`
	// Data holds the rendered file, e.g. the CSV export.
	Data []byte `json:"data"`
}

// Store keeps the latest artifact per session.
type Store interface {
	Put(ctx context.Context, artifact Artifact) error
	Get(ctx context.Context, session string) (Artifact, bool, error)
	Delete(ctx context.Context, session string) error
}

// validateKey restricts session keys to alphanumerics, hyphens and
// underscores so they are safe to embed in a Redis key.
func validateKey(session string) error {
	if session == "" {
		return errors.New("session id cannot be empty")
	}
	for _, c := range session {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '_') {
			return fmt.Errorf("invalid session id %q: only alphanumeric, hyphens, and underscores allowed", session)
		}
	}
	return nil
}
