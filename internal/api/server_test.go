package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/driverservice/internal/auth"
	"github.com/nerrad567/driverservice/internal/history"
	"github.com/nerrad567/driverservice/internal/infrastructure/config"
	"github.com/nerrad567/driverservice/internal/infrastructure/logging"
	"github.com/nerrad567/driverservice/internal/service"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// fakeService is a ServiceView with a settable snapshot.
type fakeService struct {
	mu sync.Mutex
	st service.Stats
}

func (f *fakeService) Stats() service.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

func (f *fakeService) setStatus(s service.Status) {
	f.mu.Lock()
	f.st.Status = s
	f.mu.Unlock()
}

// fakeHistory is an in-memory history.Repository.
type fakeHistory struct {
	runs    []*history.Run
	lastErr error
	filter  history.Filter
}

func (f *fakeHistory) Create(context.Context, *history.Run) error { return nil }
func (f *fakeHistory) MarkReady(context.Context, string, time.Time, time.Duration) error {
	return nil
}
func (f *fakeHistory) Finish(context.Context, string, history.Outcome) error { return nil }

func (f *fakeHistory) Get(_ context.Context, id string) (*history.Run, error) {
	for _, r := range f.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, history.ErrNotFound
}

func (f *fakeHistory) List(_ context.Context, filter history.Filter) (*history.ListResult, error) {
	f.filter = filter
	if f.lastErr != nil {
		return nil, f.lastErr
	}
	runs := make([]history.Run, 0, len(f.runs))
	for _, r := range f.runs {
		runs = append(runs, *r)
	}
	return &history.ListResult{Runs: runs, Total: len(f.runs), Limit: filter.Limit, Offset: filter.Offset}, nil
}

type testEnv struct {
	srv     *Server
	router  http.Handler
	svc     *fakeService
	history *fakeHistory
	stops   *atomic.Int32
}

// newTestEnv creates a Server around fakes. An empty secret disables auth.
func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()

	env := &testEnv{
		svc: &fakeService{st: service.Stats{
			Name:   "safaridriver",
			Status: service.StatusReady,
			PID:    4321,
			Port:   4444,
			URL:    "http://localhost:4444",
		}},
		history: &fakeHistory{runs: []*history.Run{
			{ID: "run-0000beef", Name: "safaridriver", Port: 4444, Status: "stopped"},
		}},
		stops: &atomic.Int32{},
	}

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS: config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{Secret: secret, AccessTokenTTL: 15},
		},
		Logger:      logging.Discard(),
		Service:     env.svc,
		History:     env.history,
		RequestStop: func() { env.stops.Add(1) },
		Version:     "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	env.srv = srv
	env.router = srv.buildRouter()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func mintToken(t *testing.T, role auth.Role) string {
	t.Helper()
	token, err := auth.GenerateAccessToken("test-client", role, testSecret, 5)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	return token
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return v
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{Service: &fakeService{}}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: logging.Discard()}); err == nil {
		t.Error("New() without service should fail")
	}
}

// ─── Health ────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := newTestEnv(t, testSecret)

	w := env.do(t, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	body := decode[map[string]any](t, w)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["version"] != "test" {
		t.Errorf("version = %v, want test", body["version"])
	}
}

func TestHealth_NotReady(t *testing.T) {
	env := newTestEnv(t, "")
	env.svc.setStatus(service.StatusStopping)

	w := env.do(t, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	body := decode[map[string]any](t, w)
	if body["service_status"] != string(service.StatusStopping) {
		t.Errorf("service_status = %v, want stopping", body["service_status"])
	}
}

// ─── Middleware ────────────────────────────────────────────────────

func TestRequestID_Generated(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodGet, "/api/v1/health", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header should be set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	env := newTestEnv(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-id-123")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-id-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-id-123")
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := newTestEnv(t, "")

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/service", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	env := newTestEnv(t, "")
	env.srv.cfg.CORS.AllowedOrigins = []string{"https://ops.example.com"}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want empty", got)
	}
}

func TestRecovery(t *testing.T) {
	env := newTestEnv(t, "")
	h := env.srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodGet, "/api/v1/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── Auth ──────────────────────────────────────────────────────────

func TestAuth_TokenRequired(t *testing.T) {
	env := newTestEnv(t, testSecret)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"no token", http.MethodGet, "/api/v1/service", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/v1/service", "not-a-jwt", http.StatusUnauthorized},
		{"viewer reads", http.MethodGet, "/api/v1/service", mintToken(t, auth.RoleViewer), http.StatusOK},
		{"viewer stops", http.MethodPost, "/api/v1/service/stop", mintToken(t, auth.RoleViewer), http.StatusForbidden},
		{"viewer lists runs", http.MethodGet, "/api/v1/runs", mintToken(t, auth.RoleViewer), http.StatusOK},
		{"operator stops", http.MethodPost, "/api/v1/service/stop", mintToken(t, auth.RoleOperator), http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.svc.setStatus(service.StatusReady)
			w := env.do(t, tt.method, tt.path, tt.token)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAuth_WrongSecret(t *testing.T) {
	env := newTestEnv(t, testSecret)

	token, err := auth.GenerateAccessToken("ci", auth.RoleOperator, "some-other-secret-that-is-long-enough", 5)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/service", token); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAuth_DisabledWithoutSecret(t *testing.T) {
	env := newTestEnv(t, "")

	if w := env.do(t, http.MethodPost, "/api/v1/service/stop", ""); w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
}

// ─── Service ───────────────────────────────────────────────────────

func TestGetService(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodGet, "/api/v1/service", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	st := decode[service.Stats](t, w)
	if st.Name != "safaridriver" || st.Port != 4444 || st.PID != 4321 {
		t.Errorf("stats = %+v", st)
	}
	if st.Status != service.StatusReady {
		t.Errorf("Status = %q, want ready", st.Status)
	}
}

func TestStopService(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodPost, "/api/v1/service/stop", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if got := env.stops.Load(); got != 1 {
		t.Errorf("RequestStop calls = %d, want 1", got)
	}
	if body := decode[map[string]any](t, w); body["status"] != string(service.StatusStopping) {
		t.Errorf("status = %v, want stopping", body["status"])
	}
}

func TestStopService_Conflict(t *testing.T) {
	for _, status := range []service.Status{
		service.StatusNotStarted,
		service.StatusStopping,
		service.StatusStopped,
		service.StatusFailed,
	} {
		t.Run(string(status), func(t *testing.T) {
			env := newTestEnv(t, "")
			env.svc.setStatus(status)

			w := env.do(t, http.MethodPost, "/api/v1/service/stop", "")
			if w.Code != http.StatusConflict {
				t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
			}
			if got := env.stops.Load(); got != 0 {
				t.Errorf("RequestStop calls = %d, want 0", got)
			}
		})
	}
}

func TestStopService_Unavailable(t *testing.T) {
	env := newTestEnv(t, "")
	env.srv.requestStop = nil

	if w := env.do(t, http.MethodPost, "/api/v1/service/stop", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// ─── Runs ──────────────────────────────────────────────────────────

func TestListRuns(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodGet, "/api/v1/runs?limit=10&offset=5&name=safaridriver", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	want := history.Filter{Name: "safaridriver", Limit: 10, Offset: 5}
	if env.history.filter != want {
		t.Errorf("filter = %+v, want %+v", env.history.filter, want)
	}

	result := decode[history.ListResult](t, w)
	if result.Total != 1 || len(result.Runs) != 1 || result.Runs[0].ID != "run-0000beef" {
		t.Errorf("result = %+v", result)
	}
}

func TestListRuns_BadQuery(t *testing.T) {
	env := newTestEnv(t, "")

	for _, q := range []string{"limit=abc", "limit=-1", "offset=x"} {
		if w := env.do(t, http.MethodGet, "/api/v1/runs?"+q, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", q, w.Code, http.StatusBadRequest)
		}
	}
}

func TestListRuns_InternalError(t *testing.T) {
	env := newTestEnv(t, "")
	env.history.lastErr = context.DeadlineExceeded

	w := env.do(t, http.MethodGet, "/api/v1/runs", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if strings.Contains(w.Body.String(), "deadline") {
		t.Error("internal error details should not leak to the client")
	}
}

func TestListRuns_HistoryDisabled(t *testing.T) {
	env := newTestEnv(t, "")
	env.srv.history = nil

	if w := env.do(t, http.MethodGet, "/api/v1/runs", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestGetRun(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodGet, "/api/v1/runs/run-0000beef", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if run := decode[history.Run](t, w); run.Status != "stopped" {
		t.Errorf("Status = %q, want stopped", run.Status)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/runs/run-missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── Lifecycle ─────────────────────────────────────────────────────

func TestServer_StartAndClose(t *testing.T) {
	env := newTestEnv(t, "")

	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}

	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	addr := env.srv.Addr()
	if addr == "" {
		t.Fatal("Addr() is empty after Start")
	}

	if err := env.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + addr + "/api/v1/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}

	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}

	if _, err := client.Get("http://" + addr + "/api/v1/health"); err == nil {
		t.Error("server still responding after Close()")
	}
}

func TestServer_StartPortInUse(t *testing.T) {
	first := newTestEnv(t, "")
	if err := first.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { first.srv.Close() }) //nolint:errcheck // test cleanup

	second := newTestEnv(t, "")
	_, port, _ := strings.Cut(first.srv.Addr(), ":")
	second.srv.cfg.Port = atoi(t, port)

	if err := second.srv.Start(context.Background()); err == nil {
		second.srv.Close() //nolint:errcheck // test cleanup
		t.Error("Start() on a bound port should fail")
	}
}

func TestServer_CloseBeforeStart(t *testing.T) {
	env := newTestEnv(t, "")
	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() before Start error = %v", err)
	}
}

func atoi(t *testing.T, s string) int {
	t.Helper()
	n, err := queryInt(s)
	if err != nil {
		t.Fatalf("atoi(%q): %v", s, err)
	}
	return n
}
