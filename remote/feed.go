// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// FeedNotification signals that something about the match changed remotely.
// It intentionally carries no row data: subscribers refetch the consolidated
// match instead of merging partial patches.
type FeedNotification struct {
	MatchExternalID string
}

// Feed is one server-sent-events subscription to the backend change feed,
// scoped to a single match's remote id across all its resources.
type Feed struct {
	notifications chan FeedNotification

	cancel    context.CancelFunc
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// OpenFeed subscribes to the change feed for one match. The returned feed
// delivers notifications until the stream breaks or Close is called; after
// the channel closes, Err reports why.
func (c *Client) OpenFeed(ctx context.Context, matchExternalID string) (*Feed, error) {
	url := fmt.Sprintf("%s/v1/feed?match=%s", c.BaseURL, matchExternalID)

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create feed request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if err := c.authorize(ctx, req); err != nil {
		cancel()
		return nil, err
	}

	// The feed must outlive the client's default request timeout.
	httpClient := &http.Client{Transport: c.HTTP.Transport}
	resp, err := httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open change feed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(detail))
	}

	feed := &Feed{
		notifications: make(chan FeedNotification, 8),
		cancel:        cancel,
	}
	go feed.read(resp.Body, matchExternalID)
	return feed, nil
}

// Notifications delivers change signals. The channel closes when the feed
// ends for any reason.
func (f *Feed) Notifications() <-chan FeedNotification { return f.notifications }

// Err reports why the feed ended, nil for a clean Close.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Close tears the subscription down synchronously. Safe to call twice.
func (f *Feed) Close() {
	f.closeOnce.Do(f.cancel)
}

func (f *Feed) read(body io.ReadCloser, matchExternalID string) {
	defer body.Close()
	defer close(f.notifications)

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		// SSE: notifications arrive as "data: <match external id>" lines;
		// anything else (comments, heartbeats) is skipped.
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		f.notifications <- FeedNotification{MatchExternalID: matchExternalID}
	}
	if err := scanner.Err(); err != nil && !isClosedConn(err) {
		f.mu.Lock()
		f.err = fmt.Errorf("change feed broke: %w", err)
		f.mu.Unlock()
	}
}

func isClosedConn(err error) bool {
	return err == context.Canceled ||
		strings.Contains(err.Error(), "context canceled") ||
		strings.Contains(err.Error(), "use of closed network connection")
}
