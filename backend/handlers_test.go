// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Handler tests exercise request parsing and the auth gate; they never reach
// the database, so no Postgres is needed.

func newTestService(t *testing.T, secret string) *Service {
	t.Helper()
	s, err := NewService(context.Background(), nil, ServiceConfig{JWTSecret: secret}, nil)
	require.NoError(t, err)
	return s
}

func TestUpsertRejectsBadBody(t *testing.T) {
	s := newTestService(t, "")
	routes := s.Routes()

	req := httptest.NewRequest(http.MethodPost, "/v1/upsert", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthGateProtectsEndpoints(t *testing.T) {
	s := newTestService(t, "gate-secret")
	routes := s.Routes()

	req := httptest.NewRequest(http.MethodPost, "/v1/upsert", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/feed?match=m-1", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthGateAdmitsValidToken(t *testing.T) {
	s := newTestService(t, "gate-secret")
	routes := s.Routes()

	token, err := NewJWTAuth("gate-secret").GenerateToken("u", "d", time.Hour)
	require.NoError(t, err)

	// A valid token passes the gate; the malformed body then fails in the
	// handler itself.
	req := httptest.NewRequest(http.MethodPost, "/v1/upsert", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFeedRequiresMatchParameter(t *testing.T) {
	s := newTestService(t, "")
	routes := s.Routes()

	req := httptest.NewRequest(http.MethodGet, "/v1/feed", nil)
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFeedHubPublishAndDrop(t *testing.T) {
	hub := newFeedHub()

	a := hub.subscribe("m-1")
	b := hub.subscribe("m-1")
	c := hub.subscribe("m-2")
	defer hub.unsubscribe("m-1", a)
	defer hub.unsubscribe("m-1", b)
	defer hub.unsubscribe("m-2", c)

	hub.publish("m-1")
	require.Equal(t, "m-1", <-a)
	require.Equal(t, "m-1", <-b)
	select {
	case <-c:
		t.Fatal("unexpected delivery to other match's subscriber")
	default:
	}

	// A full subscriber buffer drops signals instead of blocking publish.
	for i := 0; i < 32; i++ {
		hub.publish("m-1")
	}
}
