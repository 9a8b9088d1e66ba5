// Package web serves the authorization flow for services that need user
// consent, plus a health endpoint. The firing engine never goes through
// this server; it exists so connections for authRequired services can be
// created at all.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"triggerhappy/internal/common/errors"
	"triggerhappy/internal/common/logging"
	"triggerhappy/internal/services"
	"triggerhappy/internal/storage"
)

// Server exposes the authorization endpoints
type Server struct {
	store    storage.Store
	registry *services.Registry
	states   *StateSigner
	baseURL  string
	logger   logging.Logger
	router   *mux.Router
}

// Config holds the server wiring
type Config struct {
	Store    storage.Store
	Registry *services.Registry
	States   *StateSigner
	// BaseURL is the externally reachable address, used to build the
	// callback URL handed to plugins
	BaseURL string
	Logger  logging.Logger
}

func NewServer(config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	s := &Server{
		store:    config.Store,
		registry: config.Registry,
		states:   config.States,
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		logger:   logger.WithFields(logging.Field{Key: "component", Value: "web"}),
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/services", s.handleServices).Methods(http.MethodGet)
	router.HandleFunc("/auth/{service}/begin", s.handleAuthBegin).Methods(http.MethodGet)
	router.HandleFunc("/auth/{service}/callback", s.handleAuthCallback).Methods(http.MethodGet)
	s.router = router

	return s
}

// Handler returns the router for mounting or testing
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks serving HTTP until the context is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("web server listening", logging.Field{Key: "addr", Value: addr})
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Health(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"services": s.registry.Names()})
}

// handleAuthBegin issues a state token and redirects the user to wherever
// the service's authorization starts.
func (s *Server) handleAuthBegin(w http.ResponseWriter, r *http.Request) {
	serviceName := mux.Vars(r)["service"]
	user := r.URL.Query().Get("user")
	if user == "" {
		s.writeError(w, http.StatusBadRequest, errors.ValidationError("missing user parameter"))
		return
	}

	authorizer, err := s.authorizer(serviceName)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	state, err := s.states.Issue(user, serviceName)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	callbackURL := s.baseURL + "/auth/" + serviceName + "/callback"
	redirect, err := authorizer.BeginAuthorization(r.Context(), user, state, callbackURL)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}

	s.logger.Info("authorization started",
		logging.Field{Key: "service", Value: serviceName},
		logging.Field{Key: "user", Value: user},
	)
	http.Redirect(w, r, redirect, http.StatusFound)
}

// handleAuthCallback verifies the state token, completes the authorization
// with the query parameters as payload, and persists the connection.
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	serviceName := mux.Vars(r)["service"]
	query := r.URL.Query()

	user, boundService, err := s.states.Verify(query.Get("state"))
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	if boundService != serviceName {
		s.writeError(w, http.StatusUnauthorized,
			errors.AuthError("state token was issued for a different service"))
		return
	}

	authorizer, err := s.authorizer(serviceName)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	payload := make(map[string]string, len(query))
	for key := range query {
		if key == "state" {
			continue
		}
		payload[key] = query.Get(key)
	}

	conn, err := authorizer.CompleteAuthorization(r.Context(), user, payload)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	record := &storage.ServiceConnection{
		Owner:       conn.Owner,
		ServiceName: conn.ServiceName,
		Credential:  conn.Credential,
		Settings:    conn.Settings,
	}
	if err := s.store.CreateServiceConnection(r.Context(), record); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.logger.Info("authorization completed",
		logging.Field{Key: "service", Value: serviceName},
		logging.Field{Key: "user", Value: user},
		logging.Field{Key: "connection_id", Value: record.ID},
	)
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"connection_id": record.ID,
		"service":       serviceName,
	})
}

// authorizer resolves the plugin and checks it supports authorization
func (s *Server) authorizer(serviceName string) (services.Authorizer, error) {
	plugin, err := s.registry.Resolve(serviceName)
	if err != nil {
		return nil, err
	}
	authorizer, ok := plugin.(services.Authorizer)
	if !ok {
		return nil, errors.ValidationError("service " + serviceName + " does not use an authorization flow")
	}
	return authorizer, nil
}

func statusFor(err error) int {
	switch errors.GetType(err) {
	case errors.ErrTypeUnknownService, errors.ErrTypeNotFound:
		return http.StatusNotFound
	case errors.ErrTypeValidation:
		return http.StatusBadRequest
	case errors.ErrTypeAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
