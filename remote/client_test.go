// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/scoresync/store"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func stubResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     make(http.Header),
	}
}

func TestUpsertSendsAuthorizedRequest(t *testing.T) {
	var captured *http.Request
	var capturedBody []byte

	token := func(ctx context.Context) (string, error) { return "token-123", nil }
	client := NewClient("https://backend.test", token, nil)
	client.HTTP = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		captured = r
		capturedBody, _ = io.ReadAll(r.Body)
		return stubResponse(http.StatusOK, `{"externalId":"ext-1","applied":true}`), nil
	})}

	resp, err := client.Upsert(context.Background(), &UpsertRequest{
		Resource: store.ResourceTeam,
		Action:   store.ActionInsert,
		Payload:  json.RawMessage(`{"externalId":"ext-1","name":"Home"}`),
	})
	require.NoError(t, err)
	require.True(t, resp.Applied)
	require.Equal(t, "ext-1", resp.ExternalID)

	require.Equal(t, http.MethodPost, captured.Method)
	require.Equal(t, "https://backend.test/v1/upsert", captured.URL.String())
	require.Equal(t, "Bearer token-123", captured.Header.Get("Authorization"))

	var sent UpsertRequest
	require.NoError(t, json.Unmarshal(capturedBody, &sent))
	require.Equal(t, store.ResourceTeam, sent.Resource)
}

func TestUpsertSurfacesServerError(t *testing.T) {
	client := NewClient("https://backend.test", nil, nil)
	client.HTTP = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return stubResponse(http.StatusBadRequest, "team payload has no externalId"), nil
	})}

	_, err := client.Upsert(context.Background(), &UpsertRequest{Resource: store.ResourceTeam})
	require.Error(t, err)
	require.Contains(t, err.Error(), "400")
	require.Contains(t, err.Error(), "externalId")
}

func TestTokenFailureBlocksRequest(t *testing.T) {
	token := func(ctx context.Context) (string, error) { return "", errors.New("keychain locked") }
	client := NewClient("https://backend.test", token, nil)
	client.HTTP = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		t.Fatal("request must not be sent without a token")
		return nil, nil
	})}

	_, err := client.Upsert(context.Background(), &UpsertRequest{Resource: store.ResourceTeam})
	require.Error(t, err)
	require.Contains(t, err.Error(), "keychain locked")
}

func TestProbeClassifications(t *testing.T) {
	tests := []struct {
		name     string
		respond  func(*http.Request) (*http.Response, error)
		expected Status
	}{
		{"healthy", func(*http.Request) (*http.Response, error) {
			return stubResponse(http.StatusOK, `{"status":"ok"}`), nil
		}, StatusOk},
		{"schema missing", func(*http.Request) (*http.Response, error) {
			return stubResponse(http.StatusServiceUnavailable, "not configured"), nil
		}, StatusNotConfigured},
		{"endpoint missing", func(*http.Request) (*http.Response, error) {
			return stubResponse(http.StatusNotFound, ""), nil
		}, StatusNotConfigured},
		{"bad credentials", func(*http.Request) (*http.Response, error) {
			return stubResponse(http.StatusUnauthorized, ""), nil
		}, StatusUnauthorized},
		{"network down", func(*http.Request) (*http.Response, error) {
			return nil, errors.New("dial tcp: connection refused")
		}, StatusOffline},
		{"server melted", func(*http.Request) (*http.Response, error) {
			return stubResponse(http.StatusInternalServerError, ""), nil
		}, StatusOffline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewClient("https://backend.test", nil, nil)
			client.HTTP = &http.Client{Transport: roundTripFunc(tt.respond)}
			require.Equal(t, tt.expected, client.Probe(context.Background()))
		})
	}
}

func TestFeedDeliversNotifications(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "m-1", r.URL.Query().Get("match"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for i := 0; i < 3; i++ {
			_, _ = io.WriteString(w, ": heartbeat\n\n")
			_, _ = io.WriteString(w, "data: m-1\n\n")
			flusher.Flush()
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	feed, err := client.OpenFeed(context.Background(), "m-1")
	require.NoError(t, err)
	defer feed.Close()

	received := 0
	timeout := time.After(3 * time.Second)
	for received < 3 {
		select {
		case _, ok := <-feed.Notifications():
			if !ok {
				t.Fatalf("feed closed after %d notifications: %v", received, feed.Err())
			}
			received++
		case <-timeout:
			t.Fatalf("timed out after %d notifications", received)
		}
	}
}

func TestFeedCloseIsClean(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	feed, err := client.OpenFeed(context.Background(), "m-1")
	require.NoError(t, err)

	feed.Close()
	select {
	case _, ok := <-feed.Notifications():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("notifications channel did not close")
	}
	require.NoError(t, feed.Err())
}

func TestFeedRejectsNon200(t *testing.T) {
	client := NewClient("https://backend.test", nil, nil)
	client.HTTP = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return stubResponse(http.StatusUnauthorized, "nope"), nil
	})}

	_, err := client.OpenFeed(context.Background(), "m-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "401")
}
