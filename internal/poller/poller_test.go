package poller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentd/internal/controller"
	"rentd/internal/logs"
	"rentd/internal/models"
	"rentd/internal/repo"
	"rentd/internal/secrets"
)

func init() { logs.Discard() }

type handler struct {
	mu     sync.Mutex
	events []Event
}

func (h *handler) HandleEvent(_ context.Context, _ string, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return nil
}

func (h *handler) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func tenants(login, secret string) (*repo.MemTenantSource, string) {
	src := repo.NewMemTenantSource()
	src.Put(models.Tenant{ID: "t1", Active: true, MarketplaceLogin: login, MarketplaceSecret: secret})
	return src, secrets.Fingerprint(login, secret, nil)
}

// marketplace - тестовый сервер: логин по паре login/secret, события отдаются один раз.
func marketplace(t *testing.T, login, secret string, events []Event) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	served := false
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/login", func(w http.ResponseWriter, r *http.Request) {
		var body struct{ Login, Secret string }
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Login != login || body.Secret != secret {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(Session{Token: "tok"})
	})
	mux.HandleFunc("/api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mu.Lock()
		out := []Event{}
		if !served {
			out, served = events, true
		}
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"events": out, "cursor": "c1"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestPollerDeliversEvents(t *testing.T) {
	t.Parallel()
	src, fp := tenants("shop", "pw")
	srv := marketplace(t, "shop", "pw", []Event{
		{ID: "1", Type: EventOrderPaid, AccountID: 7, Buyer: "b", Minutes: 60},
		{ID: "2", Type: EventRentalStart, AccountID: 7},
	})
	h := &handler{}
	p := New("t1", fp, src, NewHTTPClient(srv.URL, time.Second), h, Config{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	assert.Eventually(t, func() bool { return h.len() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, EventOrderPaid, h.events[0].Type)
	assert.Equal(t, uint(7), h.events[0].AccountID)
}

func TestPollerRejectedLoginIsPermanent(t *testing.T) {
	t.Parallel()
	src, fp := tenants("shop", "wrong")
	srv := marketplace(t, "shop", "pw", nil)
	p := New("t1", fp, src, NewHTTPClient(srv.URL, time.Second), &handler{}, Config{})

	err := p.Run(context.Background())
	assert.ErrorIs(t, err, controller.ErrPermanent)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestPollerMissingCredentialsIsPermanent(t *testing.T) {
	t.Parallel()
	src := repo.NewMemTenantSource()
	p := New("ghost", "fp", src, NewHTTPClient("http://127.0.0.1:1", time.Second), &handler{}, Config{})
	assert.ErrorIs(t, p.Run(context.Background()), controller.ErrPermanent)

	src.Put(models.Tenant{ID: "empty", Active: true})
	p = New("empty", "fp", src, NewHTTPClient("http://127.0.0.1:1", time.Second), &handler{}, Config{})
	assert.ErrorIs(t, p.Run(context.Background()), controller.ErrPermanent)
}

func TestPollerRotatedCredentialsIsTransient(t *testing.T) {
	t.Parallel()
	src, _ := tenants("shop", "pw")
	p := New("t1", "stale-fingerprint", src, NewHTTPClient("http://127.0.0.1:1", time.Second), &handler{}, Config{})
	err := p.Run(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, controller.ErrPermanent)
}

func TestPollerServerErrorIsTransient(t *testing.T) {
	t.Parallel()
	src, fp := tenants("shop", "pw")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := New("t1", fp, src, NewHTTPClient(srv.URL, time.Second), &handler{}, Config{})
	err := p.Run(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, controller.ErrPermanent)
	assert.Contains(t, err.Error(), "503")
}

func TestFactoryWithoutDepsIsPermanent(t *testing.T) {
	t.Parallel()
	_, err := Factory(nil, nil, nil, Config{})("t1", "fp")
	assert.ErrorIs(t, err, controller.ErrPermanent)
}
