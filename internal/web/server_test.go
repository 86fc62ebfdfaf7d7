package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/inercia/edgeguard/internal/blocklist"
	"github.com/inercia/edgeguard/internal/geo"
	"github.com/inercia/edgeguard/internal/guard"
	"github.com/inercia/edgeguard/internal/identity"
	"github.com/inercia/edgeguard/internal/logging"
	"github.com/inercia/edgeguard/internal/metrics"
	"github.com/inercia/edgeguard/internal/ratelimit"
	"github.com/inercia/edgeguard/internal/store"
)

type testEnv struct {
	server *Server
	store  *store.MemoryStore
	bl     *blocklist.Blocklist
}

func newTestEnv(t *testing.T, accessLog *AccessLogger) *testEnv {
	t.Helper()

	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	m := metrics.New()
	bl := blocklist.New(st, blocklist.DefaultConfig(), blocklist.WithLogger(logging.Discard()))
	cache := geo.NewCache(geo.NoopProvider{}, geo.DefaultConfig(), geo.WithLogger(logging.Discard()))
	ps, err := ratelimit.NewPolicySet(ratelimit.DefaultPolicies(), ratelimit.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("NewPolicySet() failed: %v", err)
	}
	g := guard.New(identity.NewResolver(identity.Config{}), bl, cache, st, guard.DefaultConfig(),
		guard.WithLogger(logging.Discard()), guard.WithMetrics(m))

	srv, err := NewServer(Config{
		Guard:     g,
		Policies:  ps,
		Metrics:   m,
		AccessLog: accessLog,
		Logger:    logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	return &testEnv{server: srv, store: st, bl: bl}
}

func (e *testEnv) do(method, path, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) records(t *testing.T) []store.RequestRecord {
	t.Helper()
	recs, err := e.store.QueryByTimeRange(context.Background(), time.Time{}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("QueryByTimeRange() failed: %v", err)
	}
	return recs
}

func TestNewServer_RequiresGuard(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Error("expected error without a guard")
	}
}

func TestServer_LoginRateLimited(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 1; i <= 5; i++ {
		rec := env.do(http.MethodPost, LoginPath, "203.0.113.10")
		if rec.Code != http.StatusOK || rec.Body.String() != guard.OKMessage {
			t.Fatalf("request %d: got %d %q, want 200 Ok", i, rec.Code, rec.Body.String())
		}
	}

	rec := env.do(http.MethodPost, LoginPath, "203.0.113.10")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("6th request: got %d, want 429", rec.Code)
	}
	if rec.Body.String() != guard.LimitedMessage {
		t.Errorf("body = %q", rec.Body.String())
	}

	if rec := env.do(http.MethodPost, LoginPath, "203.0.113.11"); rec.Code != http.StatusOK {
		t.Errorf("other IP: got %d, want 200", rec.Code)
	}

	// Limited requests still pass the guard and are recorded.
	if got := len(env.records(t)); got != 7 {
		t.Errorf("records = %d, want 7", got)
	}
}

func TestServer_BlockedIP(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.bl.Add(context.Background(), "198.51.100.7", "test"); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{LoginPath, AdminPath, "/anything"} {
		rec := env.do(http.MethodGet, path, "198.51.100.7")
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s: got %d, want 403", path, rec.Code)
		}
		if rec.Body.String() != guard.BlockedMessage {
			t.Errorf("%s: body = %q", path, rec.Body.String())
		}
	}
	if got := len(env.records(t)); got != 0 {
		t.Errorf("blocked requests were recorded: %d", got)
	}
}

func TestServer_AdminAndUnknownPathsAreRecorded(t *testing.T) {
	env := newTestEnv(t, nil)

	if rec := env.do(http.MethodGet, AdminPath, "203.0.113.20"); rec.Code != http.StatusOK {
		t.Errorf("admin: got %d, want 200", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/wp-login.php", "203.0.113.20"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown: got %d, want 404", rec.Code)
	}

	recs := env.records(t)
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	paths := map[string]bool{}
	for _, r := range recs {
		paths[r.Path] = true
		if r.IPAddress != "203.0.113.20" {
			t.Errorf("IPAddress = %q", r.IPAddress)
		}
	}
	if !paths[AdminPath] || !paths["/wp-login.php"] {
		t.Errorf("paths = %v", paths)
	}
}

func TestServer_HealthzBypassesGuard(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.bl.Add(context.Background(), "198.51.100.8", "test"); err != nil {
		t.Fatal(err)
	}

	rec := env.do(http.MethodGet, HealthzPath, "198.51.100.8")
	if rec.Code != http.StatusOK {
		t.Errorf("healthz: got %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"healthy"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
	if got := len(env.records(t)); got != 0 {
		t.Errorf("healthz was recorded: %d", got)
	}
}

func TestServer_Metrics(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(http.MethodGet, LoginPath, "203.0.113.30")

	rec := env.do(http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `edgeguard_requests_total{outcome="allowed"} 1`) {
		t.Errorf("allowed counter missing:\n%s", rec.Body.String())
	}
}

func TestServer_Shutdown(t *testing.T) {
	env := newTestEnv(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := env.server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}
	if !env.server.IsShutdown() {
		t.Error("IsShutdown() = false after Shutdown")
	}

	rec := env.do(http.MethodGet, HealthzPath, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz after shutdown: got %d, want 503", rec.Code)
	}
}
