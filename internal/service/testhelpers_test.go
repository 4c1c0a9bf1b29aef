package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Strob0t/sentry-webhooks/internal/domain/issue"
	"github.com/Strob0t/sentry-webhooks/internal/domain/webhook"
	"github.com/Strob0t/sentry-webhooks/internal/netguard"
)

// memStore implements options.Store in memory.
type memStore struct {
	mu   sync.Mutex
	data map[string]string
	err  error
}

func newMemStore() *memStore { return &memStore{data: make(map[string]string)} }

func (m *memStore) GetOption(_ context.Context, projectID, plugin, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", false, m.err
	}
	v, ok := m.data[projectID+"/"+plugin+"/"+key]
	return v, ok, nil
}

func (m *memStore) SetOption(_ context.Context, projectID, plugin, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[projectID+"/"+plugin+"/"+key] = value
	return nil
}

func (m *memStore) DeleteOptions(_ context.Context, projectID, plugin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range webhook.Keys {
		delete(m.data, projectID+"/"+plugin+"/"+k)
	}
	return nil
}

func (m *memStore) put(projectID string, opts webhook.Options) {
	for _, k := range webhook.Keys {
		m.data[projectID+"/"+webhook.PluginSlug+"/"+k] = opts.Get(k)
	}
}

// hookServer is an httptest server that counts requests.
type hookServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newHookServer(t *testing.T, h http.HandlerFunc) *hookServer {
	t.Helper()
	s := &hookServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		h(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func okHandler(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

// testGuard returns the production guard with the default networks. The
// loopback addresses used by httptest are allowed by it.
func testGuard(t *testing.T) *netguard.Guard {
	t.Helper()
	g, err := netguard.New(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func testGroup() *issue.Group {
	return &issue.Group{
		ID:      "42",
		Project: issue.Project{ID: "p1", Slug: "checkout", Name: "Checkout"},
		Level:   "error",
		Culprit: "cart.views.pay",
		URL:     "https://sentry.example/checkout/issues/42/",
		Title:   "NullPointer",
	}
}

func testEvent() *issue.Event {
	return &issue.Event{ID: "ev1", GroupID: "42", Message: "NullPointer"}
}

// fixedResolver answers every lookup with the same address.
type fixedResolver netip.Addr

func (r fixedResolver) LookupNetIP(context.Context, string, string) ([]netip.Addr, error) {
	return []netip.Addr{netip.Addr(r)}, nil
}

// stalledResolver never answers; it returns once ctx is done.
type stalledResolver struct{}

func (stalledResolver) LookupNetIP(ctx context.Context, _, _ string) ([]netip.Addr, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
