package health_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teresa-solution/integration-service/internal/health"
	"github.com/teresa-solution/integration-service/internal/model"
	"github.com/teresa-solution/integration-service/internal/store"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newManager() *health.AlertManager {
	clock := &stepClock{t: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	return health.NewAlertManager(store.NewMemoryStore(clock.Now), clock.Now)
}

func raise(t *testing.T, m *health.AlertManager, sev model.Severity, service, metric string) *model.Alert {
	t.Helper()
	a, created, err := m.Raise(context.Background(), health.AlertInput{
		Severity: sev, Source: "test", Service: service, Metric: metric, Title: service + " degraded",
	})
	require.NoError(t, err)
	require.True(t, created)
	return a
}

func TestAlertManager_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m := newManager()
	a := raise(t, m, model.SeverityP2, "api", "errorRate")
	assert.Equal(t, model.AlertOpen, a.Status)
	assert.Equal(t, model.DeliveryPending, a.DeliveryStatus)

	acked, err := m.Acknowledge(ctx, a.ID, "alice")
	require.NoError(t, err)
	require.NotNil(t, acked)
	assert.Equal(t, model.AlertAcknowledged, acked.Status)
	assert.Equal(t, "alice", *acked.AcknowledgedBy)

	resolved, err := m.Resolve(ctx, a.ID, "bob", "restarted")
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, model.AlertResolved, resolved.Status)
	assert.Equal(t, "restarted", *resolved.ResolutionNotes)

	reopened, err := m.Reopen(ctx, a.ID, "carol")
	require.NoError(t, err)
	require.NotNil(t, reopened)
	assert.Equal(t, model.AlertOpen, reopened.Status)
	assert.Nil(t, reopened.AcknowledgedAt)
	assert.Nil(t, reopened.ResolvedBy)
	assert.Equal(t, 1, reopened.ReopenCount)
	assert.Equal(t, "carol", *reopened.ReopenedBy)
}

func TestAlertManager_IllegalTransitionsAreNoops(t *testing.T) {
	ctx := context.Background()
	m := newManager()
	a := raise(t, m, model.SeverityP1, "database", "latencyMs")

	resolved, err := m.Resolve(ctx, a.ID, "u1", "")
	require.NoError(t, err)
	require.NotNil(t, resolved)

	acked, err := m.Acknowledge(ctx, a.ID, "u2")
	require.NoError(t, err)
	assert.Nil(t, acked)

	again, err := m.Resolve(ctx, a.ID, "u2", "")
	require.NoError(t, err)
	assert.Nil(t, again)

	got, err := m.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AlertResolved, got.Status)
	assert.Equal(t, "u1", *got.ResolvedBy)

	open := raise(t, m, model.SeverityP3, "cache", "latencyMs")
	reopened, err := m.Reopen(ctx, open.ID, "u3")
	require.NoError(t, err)
	assert.Nil(t, reopened)

	_, err = m.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, health.ErrAlertNotFound)
}

func TestAlertManager_ConcurrentAcknowledge(t *testing.T) {
	ctx := context.Background()
	m := newManager()
	a := raise(t, m, model.SeverityP2, "api", "latencyP95")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := m.Acknowledge(ctx, a.ID, "op")
			assert.NoError(t, err)
			if got != nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestAlertManager_RaiseDeduplicates(t *testing.T) {
	ctx := context.Background()
	m := newManager()
	var hooked []*model.Alert
	m.OnRaise(func(a *model.Alert) { hooked = append(hooked, a) })

	first := raise(t, m, model.SeverityP2, "integrations", "reauthRequired")
	dup, created, err := m.Raise(ctx, health.AlertInput{
		Severity: model.SeverityP1, Service: "integrations", Metric: "reauthRequired", Title: "again",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)
	assert.Len(t, hooked, 1)

	_, err = m.Resolve(ctx, first.ID, "ops", "")
	require.NoError(t, err)
	second := raise(t, m, model.SeverityP2, "integrations", "reauthRequired")
	assert.NotEqual(t, first.ID, second.ID)
	assert.Len(t, hooked, 2)
}

// slowLookupStore delays FindActiveAlert the way a database round trip would, so
// concurrent raises both miss the lookup and reach CreateAlert.
type slowLookupStore struct {
	*store.MemoryStore
	delay time.Duration
}

func (s slowLookupStore) FindActiveAlert(ctx context.Context, service, tenantID, metric string) (*model.Alert, error) {
	time.Sleep(s.delay)
	return s.MemoryStore.FindActiveAlert(ctx, service, tenantID, metric)
}

func TestAlertManager_ConcurrentRaiseCreatesOneAlert(t *testing.T) {
	ctx := context.Background()
	clock := &stepClock{t: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	m := health.NewAlertManager(slowLookupStore{MemoryStore: store.NewMemoryStore(clock.Now), delay: 5 * time.Millisecond}, clock.Now)
	var hooks atomic.Int32
	m.OnRaise(func(*model.Alert) { hooks.Add(1) })

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[uuid.UUID]bool{}
		created int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, ok, err := m.Raise(ctx, health.AlertInput{
				Severity: model.SeverityP1, Source: "monitor", Service: "database", Metric: "availability", Title: "database down",
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[a.ID] = true
			if ok {
				created++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
	assert.EqualValues(t, 1, hooks.Load())
	open, err := m.ListOpen(ctx, model.AlertFilter{Service: "database"})
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestAlertManager_RaiseValidates(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	_, _, err := m.Raise(ctx, health.AlertInput{Severity: "p9", Service: "api", Title: "x"})
	assert.ErrorIs(t, err, health.ErrInvalidSeverity)

	_, _, err = m.Raise(ctx, health.AlertInput{Severity: model.SeverityP1, Service: "", Title: "x"})
	assert.Error(t, err)
}

func TestAlertManager_ListOpenOrderAndCounts(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	p3 := raise(t, m, model.SeverityP3, "a", "m1")
	p1old := raise(t, m, model.SeverityP1, "b", "m2")
	p2 := raise(t, m, model.SeverityP2, "c", "m3")
	p1new := raise(t, m, model.SeverityP1, "d", "m4")
	acked := raise(t, m, model.SeverityP1, "e", "m5")
	_, err := m.Acknowledge(ctx, acked.ID, "ops")
	require.NoError(t, err)
	done := raise(t, m, model.SeverityP1, "f", "m6")
	_, err = m.Resolve(ctx, done.ID, "ops", "")
	require.NoError(t, err)

	list, err := m.ListOpen(ctx, model.AlertFilter{})
	require.NoError(t, err)
	var ids []uuid.UUID
	for _, a := range list {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []uuid.UUID{p1new.ID, p1old.ID, p2.ID, p3.ID}, ids)

	withAcked, err := m.ListOpen(ctx, model.AlertFilter{IncludeAcknowledged: true})
	require.NoError(t, err)
	assert.Len(t, withAcked, 5)

	onlyP1, err := m.ListOpen(ctx, model.AlertFilter{Severity: model.SeverityP1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, onlyP1, 1)
	assert.Equal(t, p1new.ID, onlyP1[0].ID)

	counts, err := m.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.AlertCounts{Open: 4, Acknowledged: 1, Resolved: 1}, counts)
}

func TestAlertManager_MarkDelivery(t *testing.T) {
	ctx := context.Background()
	m := newManager()
	a := raise(t, m, model.SeverityP3, "api", "")

	require.NoError(t, m.MarkDelivery(ctx, a.ID, model.DeliveryDelivered))
	got, err := m.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, got.DeliveryStatus)

	assert.Error(t, m.MarkDelivery(ctx, uuid.New(), model.DeliveryFailed))
}

func TestSeverityFor(t *testing.T) {
	assert.Equal(t, model.SeverityP1, health.SeverityFor(health.TierCritical, model.HealthCritical))
	assert.Equal(t, model.SeverityP1, health.SeverityFor(health.TierCore, model.HealthCritical))
	assert.Equal(t, model.SeverityP2, health.SeverityFor(health.TierExternal, model.HealthCritical))
	assert.Equal(t, model.SeverityP3, health.SeverityFor(health.TierCritical, model.HealthWarning))
}
