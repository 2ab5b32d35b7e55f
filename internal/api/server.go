// Package api serves the REST management surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"firestige.xyz/flowguard/internal/command"
)

// Server serves the REST API over HTTP.
type Server struct {
	addr     string
	guard    command.Guard
	registry command.Registry
	server   *http.Server
	ln       net.Listener
}

// NewServer creates an API server for the given guard and registry.
func NewServer(addr string, g command.Guard, r command.Registry) *Server {
	return &Server{addr: addr, guard: g, registry: r}
}

// Router returns the route table. Exposed for tests and embedding.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(logRequests)

	store := router.PathPrefix("/store").Subrouter()
	store.Methods(http.MethodGet).Path("/test").HandlerFunc(instrument("store_test", s.handleTest))
	store.Methods(http.MethodPost).Path("/addRule/{idRule}").HandlerFunc(instrument("add_rule", s.handleAddRule))
	store.Methods(http.MethodDelete).Path("/delRule/{idRule}/").HandlerFunc(instrument("delete_rule", s.handleDeleteRule))
	store.Methods(http.MethodDelete).Path("/delAllRuleApp/{idApp}/").HandlerFunc(instrument("delete_app_rules", s.handleDeleteAppRules))
	store.Methods(http.MethodGet).Path("/rules").HandlerFunc(instrument("rules", s.handleRules))

	g := router.PathPrefix("/guard").Subrouter()
	g.Methods(http.MethodGet).Path("/config").HandlerFunc(instrument("limits", s.handleGetConfig))
	g.Methods(http.MethodPut).Path("/config").HandlerFunc(instrument("configure", s.handleConfigure))
	g.Methods(http.MethodGet).Path("/bans").HandlerFunc(instrument("bans", s.handleBans))

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("no such route"))
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})
	return router
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Start binds the listener synchronously and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.server = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	slog.Info("api server listening", "addr", s.Addr())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down, waiting at most five seconds for requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	slog.Info("api server stopped")
	return nil
}
