package api

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/teresa-solution/integration-service/internal/health"
	"github.com/teresa-solution/integration-service/internal/integrations"
	"github.com/teresa-solution/integration-service/internal/model"
)

const (
	tenantHeader = "X-Tenant-ID"
	userHeader   = "X-User-ID"
)

func tenantOf(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(tenantHeader))
}

// requireTenant writes a 400 and returns false when the request carries no tenant.
func requireTenant(w http.ResponseWriter, tenantID string) bool {
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant id is required")
		return false
	}
	return true
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"providers": s.integrations.Providers()})
}

func (s *Server) handleConnectionStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantOf(r)
	if !requireTenant(w, tenantID) {
		return
	}
	views, err := s.integrations.Status(r.Context(), tenantID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": tenantID, "connections": views})
}

// handleConnect redirects the browser to the provider's consent page. Browsers
// following a link cannot set headers, so the tenant may come from the query.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantOf(r)
	if tenantID == "" {
		tenantID = strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	}
	if !requireTenant(w, tenantID) {
		return
	}
	authURL, err := s.integrations.StartOAuth(r.Context(), mux.Vars(r)["provider"], tenantID, r.URL.Query().Get("return_url"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if r.URL.Query().Get("redirect") == "false" {
		writeJSON(w, http.StatusOK, map[string]string{"auth_url": authURL})
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	q := r.URL.Query()
	if denied := q.Get("error"); denied != "" {
		s.logger.Info().Str("provider", provider).Str("error", denied).Msg("Provider authorization denied")
		msg := q.Get("error_description")
		if msg == "" {
			msg = denied
		}
		writeError(w, http.StatusBadRequest, "authorization denied: "+msg)
		return
	}

	res, err := s.integrations.CompleteOAuth(r.Context(), provider, q.Get("code"), q.Get("state"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if res.ReturnURL == "" {
		writeJSON(w, http.StatusOK, res)
		return
	}
	target, err := url.Parse(res.ReturnURL)
	if err != nil {
		writeJSON(w, http.StatusOK, res)
		return
	}
	tq := target.Query()
	tq.Set("connected", res.Provider)
	if res.RequiresAccountSelection {
		tq.Set("select_account", "true")
	}
	target.RawQuery = tq.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

type selectAccountRequest struct {
	AccountID   string `json:"account_id"`
	AccountName string `json:"account_name"`
}

func (s *Server) handleSelectAccount(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantOf(r)
	if !requireTenant(w, tenantID) {
		return
	}
	var req selectAccountRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.AccountID) == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	provider := mux.Vars(r)["provider"]
	if err := s.integrations.SelectAccount(r.Context(), tenantID, provider, req.AccountID, req.AccountName); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"provider": provider, "account_id": req.AccountID})
}

type systemUserRequest struct {
	AccessToken string `json:"access_token"`
}

func (s *Server) handleSystemUser(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantOf(r)
	if !requireTenant(w, tenantID) {
		return
	}
	var req systemUserRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.AccessToken) == "" {
		writeError(w, http.StatusBadRequest, "access_token is required")
		return
	}
	res, err := s.integrations.ConnectSystemUser(r.Context(), tenantID, mux.Vars(r)["provider"], req.AccessToken)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantOf(r)
	if !requireTenant(w, tenantID) {
		return
	}
	provider := mux.Vars(r)["provider"]
	if !slices.Contains(s.integrations.Providers(), provider) {
		s.writeServiceError(w, integrations.ErrUnknownProvider)
		return
	}
	views, err := s.integrations.Status(r.Context(), tenantID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if !slices.ContainsFunc(views, func(v integrations.ConnectionView) bool { return v.Provider == provider }) {
		s.writeServiceError(w, integrations.ErrNotConnected)
		return
	}

	res := s.integrations.Refresh(r.Context(), tenantID, provider)
	switch {
	case res.Success:
		writeJSON(w, http.StatusOK, res)
	case res.NeedsReauth:
		writeJSON(w, http.StatusConflict, res)
	default:
		writeJSON(w, http.StatusBadGateway, res)
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantOf(r)
	if !requireTenant(w, tenantID) {
		return
	}
	if err := s.integrations.Disconnect(r.Context(), tenantID, mux.Vars(r)["provider"]); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.AlertFilter{
		Service:             q.Get("service"),
		TenantID:            q.Get("tenant_id"),
		Severity:            model.Severity(strings.ToLower(q.Get("severity"))),
		IncludeAcknowledged: q.Get("include_acknowledged") == "true",
	}
	if filter.Severity != "" && !filter.Severity.Valid() {
		s.writeServiceError(w, health.ErrInvalidSeverity)
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	alerts, err := s.alerts.ListOpen(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if alerts == nil {
		alerts = []*model.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) handleAlertCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.alerts.Counts(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func alertID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid alert id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := alertID(w, r)
	if !ok {
		return
	}
	alert, err := s.alerts.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

type transitionRequest struct {
	UserID string `json:"user_id"`
	Notes  string `json:"notes"`
}

// transitionInput reads the optional body and resolves the acting user, header first.
func transitionInput(w http.ResponseWriter, r *http.Request) (transitionRequest, bool) {
	var req transitionRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if u := strings.TrimSpace(r.Header.Get(userHeader)); u != "" {
		req.UserID = u
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user id is required")
		return req, false
	}
	return req, true
}

type transitionFunc func(r *http.Request, id uuid.UUID, req transitionRequest) (*model.Alert, error)

// handleTransition applies one lifecycle transition. A transition the alert's
// current state does not accept answers 409 with the alert unchanged.
func (s *Server) handleTransition(apply transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := alertID(w, r)
		if !ok {
			return
		}
		req, ok := transitionInput(w, r)
		if !ok {
			return
		}
		alert, err := apply(r, id, req)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		if alert != nil {
			writeJSON(w, http.StatusOK, alert)
			return
		}
		current, err := s.alerts.Get(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "alert is " + string(current.Status),
			"alert": current,
		})
	}
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(func(r *http.Request, id uuid.UUID, req transitionRequest) (*model.Alert, error) {
		return s.alerts.Acknowledge(r.Context(), id, req.UserID)
	})(w, r)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(func(r *http.Request, id uuid.UUID, req transitionRequest) (*model.Alert, error) {
		return s.alerts.Resolve(r.Context(), id, req.UserID, req.Notes)
	})(w, r)
}

func (s *Server) handleReopen(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(func(r *http.Request, id uuid.UUID, req transitionRequest) (*model.Alert, error) {
		return s.alerts.Reopen(r.Context(), id, req.UserID)
	})(w, r)
}

type snapshotResponse struct {
	Status   model.HealthStatus   `json:"status"`
	Services []model.HealthResult `json:"services"`
}

// handleHealthSnapshot answers 503 while any service is critical.
func (s *Server) handleHealthSnapshot(w http.ResponseWriter, r *http.Request) {
	results := s.monitor.Snapshot(r.Context())
	overall := model.HealthOK
	for _, res := range results {
		overall = model.Worse(overall, res.Status)
	}
	code := http.StatusOK
	if overall == model.HealthCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, snapshotResponse{Status: overall, Services: results})
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	tenantID := r.URL.Query().Get("tenant_id")

	check := s.monitor.Check
	if r.URL.Query().Get("refresh") == "true" {
		check = s.monitor.Refresh
	}
	res, err := check(r.Context(), service, tenantID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
