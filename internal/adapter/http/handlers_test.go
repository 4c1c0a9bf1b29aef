package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	cfhttp "github.com/Strob0t/sentry-webhooks/internal/adapter/http"
	"github.com/Strob0t/sentry-webhooks/internal/adapter/ristretto"
	"github.com/Strob0t/sentry-webhooks/internal/domain/issue"
	"github.com/Strob0t/sentry-webhooks/internal/middleware"
	"github.com/Strob0t/sentry-webhooks/internal/netguard"
	"github.com/Strob0t/sentry-webhooks/internal/port/plugin"
	"github.com/Strob0t/sentry-webhooks/internal/service"
)

const (
	testToken  = "api-token"
	testSecret = "ingest-secret"
)

// mockStore implements options.Store in memory.
type mockStore struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *mockStore) GetOption(_ context.Context, projectID, plugin, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[projectID+"/"+plugin+"/"+key]
	return v, ok, nil
}

func (m *mockStore) SetOption(_ context.Context, projectID, plugin, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[projectID+"/"+plugin+"/"+key] = value
	return nil
}

func (m *mockStore) DeleteOptions(_ context.Context, projectID, plugin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.data {
		if strings.HasPrefix(k, projectID+"/"+plugin+"/") {
			delete(m.data, k)
		}
	}
	return nil
}

// mockPlugin records post-processed groups.
type mockPlugin struct {
	mu     sync.Mutex
	groups []string
}

func (m *mockPlugin) Info() plugin.Info { return plugin.Info{Slug: "mock", Title: "Mock"} }

func (m *mockPlugin) PostProcess(_ context.Context, group *issue.Group, _ *issue.Event, _, _ bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = append(m.groups, group.ID)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testAPI struct {
	router http.Handler
	store  *mockStore
	plugin *mockPlugin
	ingest *service.IngestService
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	guard, err := netguard.New(nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	store := &mockStore{data: make(map[string]string)}
	mock := &mockPlugin{}
	registry := plugin.NewRegistry()
	if err := registry.Register(mock); err != nil {
		t.Fatal(err)
	}
	ingest := service.NewIngestService(registry)
	replay, err := ristretto.New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(replay.Close)

	h := &cfhttp.Handlers{
		Options: service.NewOptionsService(store, guard),
		Ingest:  ingest,
		Plugins: registry,
		Health:  map[string]cfhttp.Pinger{},
	}
	r := chi.NewRouter()
	cfhttp.MountRoutes(r, h, cfhttp.RouteGuards{
		IngestSecret: func() string { return testSecret },
		APIToken:     func() string { return testToken },
		Limiter:      middleware.NewRateLimiter(100, 100),
		Replay:       replay,
		ReplayTTL:    time.Minute,
	})

	return &testAPI{router: r, store: store, plugin: mock, ingest: ingest}
}

func (a *testAPI) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func auth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testToken}
}

const optionsPath = "/api/v1/projects/p1/plugins/webhooks/options"

func TestOptionsLifecycle(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodGet, optionsPath, "", auth())
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d: %s", rec.Code, rec.Body)
	}
	var got map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got["configured"] != false {
		t.Fatalf("fresh project should not be configured: %v", got)
	}

	body := `{"urls":"https://1.1.1.1/a\r\nhttps://8.8.8.8/b","channel":"#ops","username":"sentry"}`
	rec = api.do(http.MethodPut, optionsPath, body, auth())
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d: %s", rec.Code, rec.Body)
	}
	got = nil
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got["configured"] != true {
		t.Errorf("expected configured after PUT: %v", got)
	}
	if list, _ := got["url_list"].([]any); len(list) != 2 {
		t.Errorf("url_list = %v", got["url_list"])
	}

	rec = api.do(http.MethodDelete, optionsPath, "", auth())
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", rec.Code)
	}
	if len(api.store.data) != 0 {
		t.Errorf("store not cleared: %v", api.store.data)
	}
}

func TestUpdateOptionsValidation(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name    string
		body    string
		status  int
		wantMsg string
	}{
		{"bad json", `{`, http.StatusBadRequest, "invalid request body"},
		{"channel without hash", `{"urls":"https://1.1.1.1/","channel":"ops","username":"u"}`, http.StatusBadRequest, "channel"},
		{"private address", `{"urls":"http://10.0.0.5/","channel":"#ops","username":"u"}`, http.StatusBadRequest, "disallowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(http.MethodPut, optionsPath, tt.body, auth())
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body)
			}
			if !strings.Contains(rec.Body.String(), tt.wantMsg) {
				t.Errorf("body %q does not mention %q", rec.Body, tt.wantMsg)
			}
		})
	}
}

func TestOptionsRequireToken(t *testing.T) {
	api := newTestAPI(t)

	if rec := api.do(http.MethodGet, optionsPath, "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", rec.Code)
	}
	if rec := api.do(http.MethodGet, "/api/v1/plugins", "", map[string]string{"Authorization": "Bearer wrong"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d", rec.Code)
	}
}

func TestListPlugins(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(http.MethodGet, "/api/v1/plugins", "", auth())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var infos []plugin.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].Slug != "mock" {
		t.Errorf("plugins = %+v", infos)
	}
}

func TestPostProcessIngest(t *testing.T) {
	api := newTestAPI(t)
	body := `{"group":{"id":"g1","project":{"id":"p1"}},"event":{"id":"e1"},"is_new":true}`

	rec := api.do(http.MethodPost, "/api/v1/events/post-process", body,
		map[string]string{middleware.HeaderSignature: middleware.Sign([]byte(body), testSecret)})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	api.ingest.Wait()

	api.plugin.mu.Lock()
	defer api.plugin.mu.Unlock()
	if len(api.plugin.groups) != 1 || api.plugin.groups[0] != "g1" {
		t.Errorf("plugin saw %v", api.plugin.groups)
	}
}

func TestPostProcessRetryIsReplayed(t *testing.T) {
	api := newTestAPI(t)
	body := `{"group":{"id":"g1","project":{"id":"p1"}},"event":{"id":"e1"},"is_new":true}`
	headers := map[string]string{
		middleware.HeaderSignature:      middleware.Sign([]byte(body), testSecret),
		middleware.HeaderIdempotencyKey: "e1",
	}

	first := api.do(http.MethodPost, "/api/v1/events/post-process", body, headers)
	second := api.do(http.MethodPost, "/api/v1/events/post-process", body, headers)
	if first.Code != http.StatusAccepted || second.Code != http.StatusAccepted {
		t.Fatalf("status = %d, %d", first.Code, second.Code)
	}
	if second.Header().Get(middleware.HeaderIdempotentReplay) != "true" {
		t.Error("retry was not served from the replay cache")
	}
	api.ingest.Wait()

	api.plugin.mu.Lock()
	defer api.plugin.mu.Unlock()
	if len(api.plugin.groups) != 1 {
		t.Errorf("retry dispatched again: %v", api.plugin.groups)
	}
}

func TestPostProcessRejects(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name   string
		body   string
		sign   bool
		status int
	}{
		{"unsigned", `{"group":{"project":{"id":"p1"}}}`, false, http.StatusUnauthorized},
		{"missing project", `{"group":{"id":"g1"},"event":{}}`, true, http.StatusBadRequest},
		{"not json", `nope`, true, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.sign {
				headers[middleware.HeaderSignature] = middleware.Sign([]byte(tt.body), testSecret)
			}
			rec := api.do(http.MethodPost, "/api/v1/events/post-process", tt.body, headers)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body)
			}
		})
	}
	api.ingest.Wait()
	if len(api.plugin.groups) != 0 {
		t.Errorf("rejected requests reached plugins: %v", api.plugin.groups)
	}
}

func TestHealthCheck(t *testing.T) {
	api := newTestAPI(t)
	if rec := api.do(http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthy status = %d", rec.Code)
	}

	h := &cfhttp.Handlers{Health: map[string]cfhttp.Pinger{"postgres": failingPinger{}}}
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "connection refused") {
		t.Errorf("body = %s", rec.Body)
	}
}
