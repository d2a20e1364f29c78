// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status is the read-only surface the scoring UI polls to show operators
// how to connect bench devices.
type Status struct {
	Running  bool   `json:"running"`
	Port     int    `json:"port"`
	WSPort   int    `json:"wsPort"`
	LocalIP  string `json:"localIP"`
	Hostname string `json:"hostname"`
	Protocol string `json:"protocol"`
}

// Server hosts the relay hub, the status surface and metrics on one port.
type Server struct {
	hub    *Hub
	port   int
	logger *slog.Logger
	http   *http.Server
}

// NewServer builds the relay server on the given port.
func NewServer(port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	registry := prometheus.NewRegistry()
	hub := NewHub(logger, registry)

	s := &Server{hub: hub, port: port, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Relay listening", "port", s.port)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("relay server failed: %w", err)
	}
	return nil
}

// Shutdown drains connections with a hard bound.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	status := Status{
		Running:  true,
		Port:     s.port,
		WSPort:   s.port, // hub and status share one listener
		LocalIP:  localIP(),
		Hostname: hostname,
		Protocol: "ws",
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&status); err != nil {
		s.logger.Error("Failed to encode status", "error", err)
	}
}

// localIP returns the first non-loopback IPv4 address, for displaying the
// connect URL to operators.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}
