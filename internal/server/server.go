// Package server provides the HTTP surface for Materio: ingestion
// submission, fusion search, status lookup, and a WebSocket stream of
// ingestion completion events.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/scrypster/materio/internal/config"
)

// Server wraps the HTTP listener and the ingestion event hub.
type Server struct {
	httpServer *http.Server
	hub        *EventHub
	addr       string
}

// securityHeadersMiddleware adds standard security headers to all
// responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// NewServer builds the router. Call Start to begin listening.
func NewServer(cfg *config.Config, eng MaterialEngine) *Server {
	handlers := NewHandlers(eng, cfg.Ingestion.MaxImageBytes)
	hub := NewEventHub()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/ingest", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handlers.Ingest(w, r)
	})
	mux.HandleFunc("/api/search", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handlers.Search(w, r)
	})
	mux.HandleFunc("/api/materials/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handlers.Material(w, r)
	})
	mux.HandleFunc("/api/materials/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handlers.IngestionStatus(w, r)
	})
	mux.HandleFunc("/api/health", handlers.Health)
	mux.Handle("/ws/ingestion", hub)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           securityHeadersMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{httpServer: httpServer, hub: hub}
}

// Hub exposes the event hub for wiring ingestion completion broadcasts.
func (s *Server) Hub() *EventHub { return s.hub }

// Addr returns the address the server is listening on. Empty until
// Start has been called. Useful with port 0 in tests.
func (s *Server) Addr() string { return s.addr }

// Start begins listening and serving. It returns once the listener is
// bound; serving continues in a background goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.addr = listener.Addr().String()

	go s.hub.Run()
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("ERROR: HTTP server stopped: %v", err)
		}
	}()

	log.Printf("HTTP server listening on %s", s.addr)
	return nil
}

// Shutdown stops the server and the event hub gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	return s.httpServer.Shutdown(ctx)
}
