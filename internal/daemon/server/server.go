// Package server provides the daemon's HTTP surface: the terminal
// websocket, the status SSE stream, and a couple of read-only session
// endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/grovetools/burrow/status"
	"github.com/grovetools/burrow/store"
)

// Server manages the daemon's HTTP listener.
type Server struct {
	log      *logrus.Entry
	db       *store.Store
	hub      *status.Hub
	terminal http.Handler
	server   *http.Server
}

// New creates a daemon server. terminal handles the websocket endpoint.
func New(log *logrus.Entry, db *store.Store, hub *status.Hub, terminal http.Handler) *Server {
	return &Server{
		log:      log,
		db:       db,
		hub:      hub,
		terminal: terminal,
	}
}

// ListenAndServe starts serving on addr and blocks until the server stops.
// An addr of the form unix:///path/to.sock binds a unix socket with owner-
// only permissions; anything else is a TCP address.
func (s *Server) ListenAndServe(addr string) error {
	listener, err := s.listen(addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/terminal", s.terminal)
	mux.HandleFunc("/api/sessions", s.handleListSessions)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)

	s.server = &http.Server{Handler: mux}

	s.log.WithField("addr", addr).Info("daemon listening")
	if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) listen(addr string) (net.Listener, error) {
	if path, ok := strings.CutPrefix(addr, "unix://"); ok {
		if _, err := os.Stat(path); err == nil {
			if err := os.Remove(path); err != nil {
				return nil, fmt.Errorf("remove stale socket: %w", err)
			}
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create socket directory: %w", err)
		}

		listener, err := net.Listen("unix", path)
		if err != nil {
			return nil, fmt.Errorf("listen on socket: %w", err)
		}
		if err := os.Chmod(path, 0o600); err != nil {
			listener.Close()
			return nil, fmt.Errorf("set socket permissions: %w", err)
		}
		return listener, nil
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return listener, nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.log.Info("shutting down server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.db.ListSessions()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessions)
}

// handleStatusStream relays hub updates to the client as Server-Sent
// Events. The current cache is replayed first so the client has complete
// state before live updates arrive.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	// The hub fans out synchronously from its publishers, so hand updates
	// to the response writer through a channel owned by this request.
	updates := make(chan status.Record, 64)
	unsubscribe := s.hub.Subscribe(func(rec status.Record) {
		select {
		case updates <- rec:
		default:
			// A stalled client drops updates rather than blocking the hub.
		}
	})
	defer unsubscribe()

	for _, rec := range s.hub.Snapshot() {
		s.writeEvent(w, flusher, rec)
	}

	s.log.Debug("status stream client connected")
	for {
		select {
		case <-r.Context().Done():
			s.log.Debug("status stream client disconnected")
			return
		case rec := <-updates:
			s.writeEvent(w, flusher, rec)
		}
	}
}

func (s *Server) writeEvent(w http.ResponseWriter, flusher http.Flusher, rec status.Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		s.log.WithError(err).Error("failed to marshal status record")
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
