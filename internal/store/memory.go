package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/teresa-solution/integration-service/internal/health"
	"github.com/teresa-solution/integration-service/internal/model"
)

// MemoryStore keeps connections, alerts and threshold overrides in process. It backs
// tests and local runs without DATABASE_URL, and follows the same conditional
// transition rules as the Postgres repositories.
type MemoryStore struct {
	mu          sync.Mutex
	connections map[string]*model.Connection
	alerts      map[uuid.UUID]*model.Alert
	overrides   map[string]map[string]*health.Threshold
	now         func() time.Time
}

// NewMemoryStore returns an empty store. now may be nil.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		connections: make(map[string]*model.Connection),
		alerts:      make(map[uuid.UUID]*model.Alert),
		overrides:   make(map[string]map[string]*health.Threshold),
		now:         now,
	}
}

func connKey(tenantID, provider string) string { return tenantID + "/" + provider }

func cloneConnection(c *model.Connection) *model.Connection {
	cp := *c
	cp.Scopes = append([]string(nil), c.Scopes...)
	if c.Metadata != nil {
		cp.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Upsert inserts or replaces the (tenant, provider) connection, keeping its id and connected_at.
func (s *MemoryStore) Upsert(_ context.Context, conn *model.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	key := connKey(conn.TenantID, conn.Provider)
	if existing, ok := s.connections[key]; ok {
		conn.ID = existing.ID
		conn.ConnectedAt = existing.ConnectedAt
	} else {
		if conn.ID == uuid.Nil {
			conn.ID = uuid.New()
		}
		if conn.ConnectedAt.IsZero() {
			conn.ConnectedAt = now
		}
	}
	conn.UpdatedAt = now
	s.connections[key] = cloneConnection(conn)
	return nil
}

// Get returns (nil, nil) when the tenant has no connection to provider.
func (s *MemoryStore) Get(_ context.Context, tenantID, provider string) (*model.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[connKey(tenantID, provider)]
	if !ok {
		return nil, nil
	}
	return cloneConnection(c), nil
}

func (s *MemoryStore) update(tenantID, provider string, fn func(c *model.Connection)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[connKey(tenantID, provider)]
	if !ok {
		return ErrConnectionNotFound
	}
	fn(c)
	c.UpdatedAt = s.now().UTC()
	return nil
}

// SelectAccount stores the chosen account and activates the connection. A connection
// that needs re-authorization is left unchanged and reported as not found.
func (s *MemoryStore) SelectAccount(_ context.Context, tenantID, provider string, account model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[connKey(tenantID, provider)]
	if !ok || c.NeedsReauth ||
		(c.Status != model.StatusPendingAccountSelection && c.Status != model.StatusActive) {
		return ErrConnectionNotFound
	}
	c.SelectedAccountID = account.ID
	c.SelectedAccountName = account.Name
	c.Status = model.StatusActive
	c.UpdatedAt = s.now().UTC()
	return nil
}

// UpdateToken replaces the token columns after a refresh and clears error state.
func (s *MemoryStore) UpdateToken(_ context.Context, tenantID, provider string, u model.TokenUpdate) error {
	return s.update(tenantID, provider, func(c *model.Connection) {
		c.AccessTokenEncrypted = u.AccessTokenEncrypted
		if u.RefreshTokenEncrypted != "" {
			c.RefreshTokenEncrypted = u.RefreshTokenEncrypted
		}
		c.TokenExpiresAt = u.ExpiresAt
		if u.TokenType != "" {
			c.TokenType = u.TokenType
		}
		c.NeedsReauth = false
		c.LastError = ""
		if c.Status == model.StatusNeedsReauth {
			c.Status = model.StatusActive
		}
	})
}

// RecordError stores lastError without flagging the connection for re-authorization.
func (s *MemoryStore) RecordError(_ context.Context, tenantID, provider, message string) error {
	return s.update(tenantID, provider, func(c *model.Connection) {
		c.LastError = message
	})
}

// MarkReauth flags the connection as requiring the user to reconnect.
func (s *MemoryStore) MarkReauth(_ context.Context, tenantID, provider, message string) error {
	return s.update(tenantID, provider, func(c *model.Connection) {
		c.NeedsReauth = true
		c.LastError = message
		c.Status = model.StatusNeedsReauth
	})
}

// Delete removes the connection; deleting a missing connection is not an error.
func (s *MemoryStore) Delete(_ context.Context, tenantID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, connKey(tenantID, provider))
	return nil
}

// ListByProvider returns every connection of provider across tenants, oldest expiry first.
func (s *MemoryStore) ListByProvider(_ context.Context, provider string) ([]*model.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Connection
	for _, c := range s.connections {
		if provider == "" || c.Provider == provider {
			out = append(out, cloneConnection(c))
		}
	}
	sortConnections(out)
	return out, nil
}

// ListByTenant returns the tenant's connections ordered by provider.
func (s *MemoryStore) ListByTenant(_ context.Context, tenantID string) ([]*model.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Connection
	for _, c := range s.connections {
		if c.TenantID == tenantID {
			out = append(out, cloneConnection(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

// TouchLastUsed stamps last_used_at.
func (s *MemoryStore) TouchLastUsed(_ context.Context, tenantID, provider string) error {
	return s.update(tenantID, provider, func(c *model.Connection) {
		t := s.now().UTC()
		c.LastUsedAt = &t
	})
}

func sortConnections(cs []*model.Connection) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i].TokenExpiresAt, cs[j].TokenExpiresAt
		switch {
		case a == nil && b == nil:
			return cs[i].TenantID < cs[j].TenantID
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return cs[i].TenantID < cs[j].TenantID
		default:
			return a.Before(*b)
		}
	})
}

func cloneAlert(a *model.Alert) *model.Alert {
	cp := *a
	return &cp
}

// CreateAlert stores a new alert. An alert with a metric is not stored, and false
// is returned, while another unresolved alert holds the same (service, tenant, metric).
func (s *MemoryStore) CreateAlert(_ context.Context, a *model.Alert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Metric != nil && s.activeLocked(a.Service, deref(a.TenantID), *a.Metric, uuid.Nil) != nil {
		return false, nil
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	s.alerts[a.ID] = cloneAlert(a)
	return true, nil
}

// activeLocked finds the newest unresolved alert for the key, ignoring skip.
func (s *MemoryStore) activeLocked(service, tenantID, metric string, skip uuid.UUID) *model.Alert {
	var found *model.Alert
	for id, a := range s.alerts {
		if id == skip || a.Status == model.AlertResolved || a.Service != service {
			continue
		}
		if deref(a.TenantID) != tenantID || deref(a.Metric) != metric {
			continue
		}
		if found == nil || a.CreatedAt.After(found.CreatedAt) {
			found = a
		}
	}
	return found
}

// GetAlert returns (nil, nil) for an unknown id.
func (s *MemoryStore) GetAlert(_ context.Context, id uuid.UUID) (*model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, nil
	}
	return cloneAlert(a), nil
}

func (s *MemoryStore) transition(id uuid.UUID, from []model.AlertStatus, apply func(a *model.Alert)) *model.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil
	}
	// Reopening must not create a second unresolved alert for the same metric.
	if a.Status == model.AlertResolved && a.Metric != nil &&
		s.activeLocked(a.Service, deref(a.TenantID), *a.Metric, id) != nil {
		return nil
	}
	for _, st := range from {
		if a.Status == st {
			apply(a)
			return cloneAlert(a)
		}
	}
	return nil
}

// AcknowledgeAlert applies open -> acknowledged.
func (s *MemoryStore) AcknowledgeAlert(_ context.Context, id uuid.UUID, userID string, at time.Time) (*model.Alert, error) {
	return s.transition(id, []model.AlertStatus{model.AlertOpen}, func(a *model.Alert) {
		a.Status = model.AlertAcknowledged
		a.AcknowledgedAt = &at
		a.AcknowledgedBy = &userID
		a.UpdatedAt = at
	}), nil
}

// ResolveAlert applies open|acknowledged -> resolved.
func (s *MemoryStore) ResolveAlert(_ context.Context, id uuid.UUID, userID string, notes *string, at time.Time) (*model.Alert, error) {
	return s.transition(id, []model.AlertStatus{model.AlertOpen, model.AlertAcknowledged}, func(a *model.Alert) {
		a.Status = model.AlertResolved
		a.ResolvedAt = &at
		a.ResolvedBy = &userID
		a.ResolutionNotes = notes
		a.UpdatedAt = at
	}), nil
}

// ReopenAlert applies acknowledged|resolved -> open.
func (s *MemoryStore) ReopenAlert(_ context.Context, id uuid.UUID, userID string, at time.Time) (*model.Alert, error) {
	return s.transition(id, []model.AlertStatus{model.AlertAcknowledged, model.AlertResolved}, func(a *model.Alert) {
		a.Status = model.AlertOpen
		a.AcknowledgedAt, a.AcknowledgedBy = nil, nil
		a.ResolvedAt, a.ResolvedBy, a.ResolutionNotes = nil, nil, nil
		a.ReopenedAt = &at
		a.ReopenedBy = &userID
		a.ReopenCount++
		a.UpdatedAt = at
	}), nil
}

// ListOpenAlerts returns matching alerts ordered by severity, then newest first.
func (s *MemoryStore) ListOpenAlerts(_ context.Context, filter model.AlertFilter) ([]*model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Alert
	for _, a := range s.alerts {
		if filter.Matches(a) {
			out = append(out, cloneAlert(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if ri, rj := out[i].Severity.Rank(), out[j].Severity.Rank(); ri != rj {
			return ri < rj
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CountAlerts aggregates by status.
func (s *MemoryStore) CountAlerts(_ context.Context) (model.AlertCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c model.AlertCounts
	for _, a := range s.alerts {
		switch a.Status {
		case model.AlertOpen:
			c.Open++
		case model.AlertAcknowledged:
			c.Acknowledged++
		case model.AlertResolved:
			c.Resolved++
		}
	}
	return c, nil
}

// SetAlertDelivery records the notification outcome.
func (s *MemoryStore) SetAlertDelivery(_ context.Context, id uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return ErrAlertNotFound
	}
	a.DeliveryStatus = status
	return nil
}

// FindActiveAlert returns the most recent unresolved alert for (service, tenant, metric).
func (s *MemoryStore) FindActiveAlert(_ context.Context, service, tenantID, metric string) (*model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := s.activeLocked(service, tenantID, metric, uuid.Nil)
	if found == nil {
		return nil, nil
	}
	return cloneAlert(found), nil
}

// SetThresholdOverride stores a tenant override; a nil threshold removes it.
func (s *MemoryStore) SetThresholdOverride(_ context.Context, tenantID, category, metric string, t *health.Threshold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantID + "/" + category
	if t == nil {
		delete(s.overrides[key], metric)
		return nil
	}
	if s.overrides[key] == nil {
		s.overrides[key] = make(map[string]*health.Threshold)
	}
	cp := *t
	s.overrides[key][metric] = &cp
	return nil
}

// ThresholdOverrides returns a copy of the tenant's overrides for category.
func (s *MemoryStore) ThresholdOverrides(_ context.Context, tenantID, category string) (map[string]*health.Threshold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*health.Threshold)
	for metric, t := range s.overrides[tenantID+"/"+category] {
		cp := *t
		out[metric] = &cp
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
