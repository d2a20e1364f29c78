// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"net/http"
	"time"
)

// Status classifies backend reachability. Connectivity problems are expected
// conditions, so they travel as an enum rather than an error; the outbox and
// the UI read the same value. The classification never mutates queued jobs.
type Status int

const (
	// StatusOk means the backend is reachable and its schema is ready.
	StatusOk Status = iota
	// StatusNotConfigured means the backend answered but has no sync schema
	// (soft condition: retrying will not help until the operator configures
	// it, but nothing is wrong with the network).
	StatusNotConfigured
	// StatusOffline means the backend could not be reached at all.
	StatusOffline
	// StatusUnauthorized means credentials were rejected. This is a hard
	// error requiring operator action and is never auto-retried.
	StatusUnauthorized
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusNotConfigured:
		return "not_configured"
	case StatusOffline:
		return "offline"
	case StatusUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Probe checks backend connectivity ahead of a drain. The wait is
// hard-bounded; a backend that answers nothing within the timeout counts as
// offline.
func (c *Client) Probe(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/healthz", nil)
	if err != nil {
		return StatusOffline
	}
	if err := c.authorize(ctx, req); err != nil {
		return StatusUnauthorized
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return StatusOffline
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return StatusOk
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return StatusUnauthorized
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotImplemented ||
		resp.StatusCode == http.StatusServiceUnavailable:
		// Reachable but no usable sync schema behind the URL.
		return StatusNotConfigured
	default:
		return StatusOffline
	}
}
