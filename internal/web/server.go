// Package web exposes the HTTP API: launching runs, managing sweeps and
// secrets, and streaming live run events over WebSocket.
package web

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/msoulis/agora/internal/config"
	"github.com/msoulis/agora/internal/launcher"
	"github.com/msoulis/agora/internal/natsbus"
	"github.com/msoulis/agora/internal/store"
	"github.com/msoulis/agora/internal/vault"
	"github.com/nats-io/nats.go"
)

type Server struct {
	store     *store.Store
	events    *natsbus.Client
	launcher  *launcher.Launcher
	vault     *vault.Vault
	hub       *Hub
	cfg       config.Config
	version   string
	startedAt time.Time
}

func NewServer(cfg config.Config, s *store.Store, events *natsbus.Client, l *launcher.Launcher, v *vault.Vault, version string) *Server {
	return &Server{
		store:     s,
		events:    events,
		launcher:  l,
		vault:     v,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
	}
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	// Bridge NATS events onto the WebSocket hub.
	s.subscribeEvents()

	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("/api/ws", s.handleWebSocket)

	handler := s.withMiddleware(mux)
	addr := fmt.Sprintf(":%d", s.cfg.Web.Port)
	server := &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/") && s.cfg.Web.Auth != "" {
			if !s.checkAuth(w, r) {
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if _, pass, ok := r.BasicAuth(); ok &&
		subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Web.Auth)) == 1 {
		return true
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="agora"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return false
}

// subscribeEvents forwards every bus event onto the WebSocket hub so
// clients can follow runs and sweeps live.
func (s *Server) subscribeEvents() {
	if s.events == nil {
		return
	}
	_, err := s.events.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		s.hub.Broadcast(msg.Subject, msg.Data)
	})
	if err != nil {
		slog.Error("event subscription failed", "error", err)
	}
}
