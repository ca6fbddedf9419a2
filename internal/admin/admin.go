// Package admin exposes the proxy's live connection table over HTTP and
// WebSocket, and supports a SIGUSR1-triggered plaintext dump to disk.
// Grounded on original_source/src/connection.c's print_connection (the
// column dump format) plus SPEC_FULL.md's supplement for a browsable live
// view, built the way outrigdev-outrig wires gorilla/mux for its own admin
// surface and the way the rest of the pack (gorilla/websocket) streams
// live state to a browser.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ankit-kulkarni/sniproxy/internal/conn"
	"github.com/coreos/go-systemd/v22/activation"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Server serves the admin HTTP/WebSocket surface. It holds no state of its
// own beyond a reference to the live registry; it never mutates it.
type Server struct {
	registry *conn.Registry
	log      *logrus.Logger
	router   *mux.Router
	upgrader websocket.Upgrader
	http     *http.Server
}

// New builds an admin Server bound to registry.
func New(registry *conn.Registry, log *logrus.Logger) *Server {
	s := &Server{
		registry: registry,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The admin surface is meant for an operator's browser hitting
			// localhost or a trusted management network, not a public
			// origin, so any Origin is accepted.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	r := mux.NewRouter()
	r.HandleFunc("/connections", s.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/connections/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router = r
	return s
}

// Handler exposes the router for embedding in another server, or testing.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe starts the admin HTTP server on addr. It blocks until the
// server is shut down or fails.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.router}
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ListenAndServeActivated prefers a socket handed to this process by
// systemd socket activation (LISTEN_FDS) over binding addr itself, so the
// admin surface can be placed under a systemd .socket unit without losing
// connections across a restart. Grounded on
// graceful_restarts/systemd-socket-activation/main.go's
// activation.Listeners() fallback-to-manual-bind pattern.
func (s *Server) ListenAndServeActivated(addr string) error {
	listeners, err := activation.Listeners()
	if err != nil {
		s.log.WithError(err).Debug("admin: systemd activation check failed, binding manually")
	} else if len(listeners) > 0 {
		s.log.Info("admin: serving on systemd-activated socket")
		s.http = &http.Server{Handler: s.router}
		serveErr := s.http.Serve(listeners[0])
		if serveErr == http.ErrServerClosed {
			return nil
		}
		return serveErr
	}
	return s.ListenAndServe(addr)
}

// Shutdown gracefully stops the admin HTTP server.
func (s *Server) Shutdown() error {
	if s.http == nil {
		return nil
	}
	return s.http.Close()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.registry.Dump()); err != nil {
		s.log.WithError(err).Warn("admin: failed to encode connection snapshot")
	}
}

// handleStream upgrades to a WebSocket and pushes a fresh connection
// snapshot once per second until the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("admin: websocket upgrade failed")
		return
	}
	defer wsConn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if err := wsConn.WriteJSON(s.registry.Dump()); err != nil {
			return
		}
	}
}
