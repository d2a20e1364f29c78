// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package remote is the HTTP client for the managed backend. The contract is
// small: idempotent row upsert keyed by externalId, a consolidated per-match
// fetch, a health probe, and a change feed filtered by match.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mobiletoly/scoresync/store"
)

// TokenFunc supplies the bearer token (JWT) for each request.
type TokenFunc func(ctx context.Context) (string, error)

// Client talks to the remote backend.
type Client struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewClient creates a backend client. Token may be nil for unauthenticated
// backends (self-hosted on a trusted network).
func NewClient(baseURL string, token TokenFunc, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// UpsertRequest is one remote-bound write. Payload carries the entity fields
// with foreign keys already resolved to remote ids (or null when the
// referenced entity has never been synced).
type UpsertRequest struct {
	Resource store.Resource  `json:"resource"`
	Action   store.JobAction `json:"action"`
	Payload  json.RawMessage `json:"payload"`
}

// UpsertResponse echoes the key the server stored the row under.
type UpsertResponse struct {
	ExternalID string `json:"externalId"`
	Applied    bool   `json:"applied"`
}

// Upsert submits one idempotent write. Rows are keyed by externalId (events
// by their (match, seq) natural key), so redelivery after a crash or dropped
// ack converges on the same remote row.
func (c *Client) Upsert(ctx context.Context, req *UpsertRequest) (*UpsertResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upsert request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/upsert", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send upsert request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(detail))
	}

	var out UpsertResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode upsert response: %w", err)
	}
	return &out, nil
}

// FetchMatch returns the consolidated remote state of a match (match row,
// teams, players, sets, events) as one document. Realtime notifications
// trigger this full refetch rather than partial patches.
func (c *Client) FetchMatch(ctx context.Context, matchExternalID string) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/v1/match/%s", c.BaseURL, matchExternalID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if err := c.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch match: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(detail))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read match payload: %w", err)
	}
	return data, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.Token == nil {
		return nil
	}
	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
