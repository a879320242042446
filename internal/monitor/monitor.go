// Package monitor exposes the relay's observability surface over HTTP:
// Prometheus metrics, a health snapshot, and a WebSocket live sample feed.
package monitor

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/neuraldaq/acqrelay/internal/metrics"
	"github.com/neuraldaq/acqrelay/internal/session"
)

// Server serves /metrics, /healthz and /ws for one control session.
type Server struct {
	sess     *session.Session
	hub      *hub
	listener net.Listener
	srv      *http.Server
}

// New builds a monitor for the given session and taps its sample stream so
// WebSocket subscribers see every in-sequence batch sample.
func New(sess *session.Session, met *metrics.Metrics) *Server {
	s := &Server{
		sess: sess,
		hub:  newHub(),
	}

	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", met.Handler())
	r.Get("/healthz", s.handleHealthz)
	r.Get("/ws", s.hub.handleWS)
	s.srv = &http.Server{Handler: r}

	sess.SetSampleTap(s.hub.broadcast)
	return s
}

// Start binds addr and serves in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("can't listen on monitor address %s: %w", addr, err)
	}
	s.listener = listener
	go func() {
		_ = s.srv.Serve(listener)
	}()
	return nil
}

// Addr returns the bound monitor address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Close stops serving and disconnects all feed subscribers.
func (s *Server) Close() {
	s.sess.SetSampleTap(nil)
	s.hub.closeAll()
	if s.srv != nil {
		s.srv.Close()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.sess.State())
}
