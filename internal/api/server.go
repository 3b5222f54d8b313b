// Package api exposes the integration, alert and health operations over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/integration-service/internal/health"
	"github.com/teresa-solution/integration-service/internal/integrations"
	"github.com/teresa-solution/integration-service/internal/oauthstate"
)

// Server holds the HTTP handlers.
type Server struct {
	integrations *integrations.Service
	alerts       *health.AlertManager
	monitor      *health.Monitor
	logger       zerolog.Logger
}

// NewServer builds the handler set.
func NewServer(svc *integrations.Service, alerts *health.AlertManager, monitor *health.Monitor) *Server {
	return &Server{
		integrations: svc,
		alerts:       alerts,
		monitor:      monitor,
		logger:       log.With().Str("component", "api").Logger(),
	}
}

// Router registers every route on a new gorilla/mux router.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	in := r.PathPrefix("/integrations").Subrouter()
	in.HandleFunc("", s.handleConnectionStatus).Methods(http.MethodGet)
	in.HandleFunc("/providers", s.handleProviders).Methods(http.MethodGet)
	in.HandleFunc("/{provider}/connect", s.handleConnect).Methods(http.MethodGet)
	in.HandleFunc("/{provider}/callback", s.handleCallback).Methods(http.MethodGet)
	in.HandleFunc("/{provider}/account", s.handleSelectAccount).Methods(http.MethodPost)
	in.HandleFunc("/{provider}/system-user", s.handleSystemUser).Methods(http.MethodPost)
	in.HandleFunc("/{provider}/refresh", s.handleRefresh).Methods(http.MethodPost)
	in.HandleFunc("/{provider}", s.handleDisconnect).Methods(http.MethodDelete)

	al := r.PathPrefix("/alerts").Subrouter()
	al.HandleFunc("", s.handleListAlerts).Methods(http.MethodGet)
	al.HandleFunc("/counts", s.handleAlertCounts).Methods(http.MethodGet)
	al.HandleFunc("/{id}", s.handleGetAlert).Methods(http.MethodGet)
	al.HandleFunc("/{id}/acknowledge", s.handleAcknowledge).Methods(http.MethodPost)
	al.HandleFunc("/{id}/resolve", s.handleResolve).Methods(http.MethodPost)
	al.HandleFunc("/{id}/reopen", s.handleReopen).Methods(http.MethodPost)

	r.HandleFunc("/health", s.handleHealthSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/health/{service}", s.handleHealthCheck).Methods(http.MethodGet)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		// Query strings are not logged: callbacks carry codes and state.
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps domain errors to HTTP statuses. Provider and internal
// errors are logged in full and answered with a generic message.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, oauthstate.ErrInvalidState), errors.Is(err, oauthstate.ErrExpiredState):
		writeError(w, http.StatusBadRequest, "invalid or expired state")
	case errors.Is(err, integrations.ErrUnknownProvider),
		errors.Is(err, integrations.ErrNotConnected),
		errors.Is(err, health.ErrAlertNotFound),
		errors.Is(err, health.ErrUnknownService):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, integrations.ErrInvalidReturnURL),
		errors.Is(err, integrations.ErrMissingCode),
		errors.Is(err, integrations.ErrNotSupported),
		errors.Is(err, integrations.ErrAccountNotOffered),
		errors.Is(err, health.ErrInvalidSeverity):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, integrations.ErrReauthRequired), errors.Is(err, integrations.ErrTokenExpired):
		writeError(w, http.StatusConflict, integrations.ErrReauthRequired.Error())
	case errors.Is(err, integrations.ErrTokenExchange),
		errors.Is(err, integrations.ErrAccountFetch),
		errors.Is(err, integrations.ErrIntrospect):
		s.logger.Warn().Err(err).Msg("Provider call failed")
		writeError(w, http.StatusBadGateway, "provider request failed")
	default:
		s.logger.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeBody reads a JSON body into v, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
