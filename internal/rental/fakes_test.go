package rental

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rentd/internal/logs"
	"rentd/internal/models"
	"rentd/internal/realtime"
	"rentd/internal/repo"
)

func init() { logs.Discard() }

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeRevoker struct {
	mu    sync.Mutex
	fail  bool
	calls []models.Credential
}

func (f *fakeRevoker) Revoke(_ context.Context, cred models.Credential) models.ExternalResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cred)
	if f.fail {
		return models.ResultOf(errors.New("revocation service down"))
	}
	return models.ResultOf(nil)
}

type fakeNotifier struct {
	mu     sync.Mutex
	owners []string
	audit  []models.AuditEntry
}

func (f *fakeNotifier) NotifyOwner(_ context.Context, _, ownerID, _ string) models.ExternalResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owners = append(f.owners, ownerID)
	return models.ResultOf(nil)
}

func (f *fakeNotifier) LogAudit(_ context.Context, e models.AuditEntry) models.ExternalResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audit = append(f.audit, e)
	return models.ResultOf(nil)
}

func (f *fakeNotifier) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.audit))
	for _, e := range f.audit {
		out = append(out, e.Kind)
	}
	return out
}

type fakePublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (f *fakePublisher) Publish(_ string, ev realtime.Event) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return 1
}

type fakeCache struct {
	mu      sync.Mutex
	tenants []string
}

func (f *fakeCache) InvalidateTenant(_ context.Context, tenantID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenants = append(f.tenants, tenantID)
}

type fixture struct {
	svc     *Service
	store   *repo.MemAccountStore
	clock   *clock
	revoker *fakeRevoker
	notify  *fakeNotifier
	pub     *fakePublisher
	cache   *fakeCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, nil)
}

// newFixtureWith позволяет подменить хранилище сервиса обёрткой над in-memory store.
func newFixtureWith(t *testing.T, wrap func(*repo.MemAccountStore) repo.AccountRepo) *fixture {
	t.Helper()
	f := &fixture{
		store:   repo.NewMemAccountStore(),
		clock:   &clock{now: t0},
		revoker: &fakeRevoker{},
		notify:  &fakeNotifier{},
		pub:     &fakePublisher{},
		cache:   &fakeCache{},
	}
	var store repo.AccountRepo = f.store
	if wrap != nil {
		store = wrap(f.store)
	}
	svc, err := NewService(Deps{
		Store:     store,
		Revoker:   f.revoker,
		Notifier:  f.notify,
		Publisher: f.pub,
		Cache:     f.cache,
		Clock:     f.clock.Now,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) add(t *testing.T, a models.Account) *models.Account {
	t.Helper()
	if a.TenantID == "" {
		a.TenantID = "t1"
	}
	require.NoError(t, f.store.Create(context.Background(), &a))
	return &a
}

func (f *fixture) get(t *testing.T, id uint) *models.Account {
	t.Helper()
	a, err := f.store.Get(context.Background(), id, "t1")
	require.NoError(t, err)
	return a
}

func skill(v int) *int { return &v }

func at(d time.Duration) *time.Time {
	t := t0.Add(d)
	return &t
}

// hookedStore вызывает before перед каждым ConditionalUpdate, включая
// вызовы внутри Tx; n - сквозной номер вызова начиная с 1.
type hookedStore struct {
	repo.AccountRepo
	hook *updateHook
}

type updateHook struct {
	mu     sync.Mutex
	calls  int
	before func(n int, id uint) error
}

func hooked(inner repo.AccountRepo, before func(n int, id uint) error) *hookedStore {
	return &hookedStore{AccountRepo: inner, hook: &updateHook{before: before}}
}

func (h *hookedStore) ConditionalUpdate(ctx context.Context, id uint, tenantID string, exp models.Expect, ch models.Changes) (bool, error) {
	h.hook.mu.Lock()
	h.hook.calls++
	n := h.hook.calls
	h.hook.mu.Unlock()
	if err := h.hook.before(n, id); err != nil {
		return false, err
	}
	return h.AccountRepo.ConditionalUpdate(ctx, id, tenantID, exp, ch)
}

func (h *hookedStore) Tx(ctx context.Context, fn func(tx repo.AccountRepo) error) error {
	return h.AccountRepo.Tx(ctx, func(tx repo.AccountRepo) error {
		return fn(&hookedStore{AccountRepo: tx, hook: h.hook})
	})
}
