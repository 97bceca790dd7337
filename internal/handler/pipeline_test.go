package handler

import (
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mir00r/edge-router/internal/domain"
	"github.com/mir00r/edge-router/internal/middleware"
	"github.com/mir00r/edge-router/internal/service"
	"github.com/mir00r/edge-router/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "c2VjcmV0"

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text", Output: "stdout"})
	require.NoError(t, err)
	return log
}

// newEdge wires the full proxied-traffic chain: access control, auth
// gate, then the pipeline. Mirrors must already be set on the policy.
func newEdge(t *testing.T, policy *domain.PolicyConfig) http.Handler {
	t.Helper()
	log := testLogger(t)
	metrics := service.NewMetrics()
	failover := service.NewFailoverSelector(policy.Mirrors, 2*time.Second, metrics, log)
	assigner := service.NewExperimentAssigner(policy)
	queries := service.NewQueryNormalizer(policy.QueryRetainRules)
	pipeline := NewPipeline(policy, NewPathOverrides(policy), failover, assigner, queries, metrics, log)

	var h http.Handler = pipeline
	h = middleware.NewAuthGate(policy.BasicAuthSecret, log, nil).Middleware()(h)
	h = middleware.NewAccessControl(policy, log, nil).Middleware()(h)
	return h
}

// edgeRequest builds a request that passes the transport and auth
// gates of a policy using testSecret.
func edgeRequest(method, target string) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	r.Header.Set("X-Forwarded-Proto", "https")
	r.Header.Set("Authorization", "Basic "+testSecret)
	return r
}

func TestSecurityTxtEndToEnd(t *testing.T) {
	var mirrorHits int64
	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&mirrorHits, 1)
	}))
	defer mirror.Close()

	policy := &domain.PolicyConfig{
		BasicAuthSecret: testSecret,
		RedirectPaths: map[string]string{
			"/security.txt": "https://vdp.example.com/.well-known/security.txt",
		},
		Mirrors: []domain.Mirror{{Name: "origin", BaseURL: mirror.URL}},
	}

	rec := httptest.NewRecorder()
	newEdge(t, policy).ServeHTTP(rec, edgeRequest("GET", "/security.txt"))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://vdp.example.com/.well-known/security.txt", rec.Header().Get("Location"))
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, int64(0), atomic.LoadInt64(&mirrorHits), "synthetic responses never contact a mirror")
}

func TestNotFoundOverrideEndToEnd(t *testing.T) {
	var mirrorHits int64
	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&mirrorHits, 1)
	}))
	defer mirror.Close()

	policy := &domain.PolicyConfig{
		NotFoundPaths: map[string]struct{}{"/autodiscover/autodiscover.xml": {}},
		Mirrors:       []domain.Mirror{{Name: "origin", BaseURL: mirror.URL}},
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/autodiscover/autodiscover.xml", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	newEdge(t, policy).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, int64(0), atomic.LoadInt64(&mirrorHits))
}

func TestForwardAnnotatesBackend(t *testing.T) {
	var gotAuth, gotEncoding, gotRequestID string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotEncoding = r.Header.Get("Accept-Encoding")
		gotRequestID = r.Header.Get("X-Request-Id")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("origin body"))
	}))
	defer origin.Close()

	policy := &domain.PolicyConfig{
		BasicAuthSecret: testSecret,
		Mirrors:         []domain.Mirror{{Name: "origin", BaseURL: origin.URL}},
	}

	rec := httptest.NewRecorder()
	req := edgeRequest("GET", "/page")
	req = domain.WithRequestContext(req, domain.NewRequestContext(req, "req-1234"))
	newEdge(t, policy).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "origin body", rec.Body.String())
	assert.Equal(t, "origin", rec.Header().Get(service.HeaderBackendName))
	assert.Empty(t, rec.Header().Get(service.HeaderFailoverCount))

	// The edge re-signs toward the origin and fetches uncompressed.
	assert.Equal(t, "Basic "+testSecret, gotAuth)
	assert.Empty(t, gotEncoding)
	assert.Equal(t, "req-1234", gotRequestID)
}

func TestFailoverAnnotatesCount(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	var gotPath string
	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("mirror body"))
	}))
	defer mirror.Close()

	policy := &domain.PolicyConfig{
		Mirrors: []domain.Mirror{
			{Name: "origin", BaseURL: broken.URL},
			{Name: "mirror-s3", BaseURL: mirror.URL, PathPrefix: "/site-mirror"},
		},
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/guidance/thing", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	newEdge(t, policy).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mirror body", rec.Body.String())
	assert.Equal(t, "mirror-s3", rec.Header().Get(service.HeaderBackendName))
	assert.Equal(t, "1", rec.Header().Get(service.HeaderFailoverCount))
	assert.Equal(t, "/site-mirror/guidance/thing.html", gotPath)
}

func TestAllMirrorsExhausted(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	policy := &domain.PolicyConfig{
		Mirrors: []domain.Mirror{
			{Name: "origin", BaseURL: broken.URL},
			{Name: "mirror-s3", BaseURL: broken.URL},
		},
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/page", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	newEdge(t, policy).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Empty(t, rec.Header().Get(service.HeaderBackendName))
}

func TestExperimentCookieRoundTrip(t *testing.T) {
	var gotVariant string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotVariant = r.Header.Get("X-ABTest-Example")
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	policy := &domain.PolicyConfig{
		Mirrors: []domain.Mirror{{Name: "origin", BaseURL: origin.URL}},
		Experiments: map[string]*domain.Experiment{
			"Example": domain.NewExperiment("Example", true, 86400, "A", []domain.ExperimentVariant{
				{Label: "A", Weight: 1},
				{Label: "B", Weight: 1},
			}),
		},
	}
	edge := newEdge(t, policy)

	req := httptest.NewRequest("GET", "/page", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.AddCookie(&http.Cookie{Name: "cookies_policy", Value: "{%22usage%22:true}"})
	req.AddCookie(&http.Cookie{Name: "ABTest-Example", Value: "B"})

	// Re-submitting the same cookie yields the same variant, re-scoped
	// to the site root.
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		edge.ServeHTTP(rec, req)

		assert.Equal(t, "B", gotVariant)
		require.Len(t, rec.Header().Values("Set-Cookie"), 1)
		assert.Equal(t, "ABTest-Example=B; secure; max-age=86400; path=/", rec.Header().Values("Set-Cookie")[0])
	}
}

func TestNoConsentNoExperimentCookie(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	policy := &domain.PolicyConfig{
		Mirrors: []domain.Mirror{{Name: "origin", BaseURL: origin.URL}},
		Experiments: map[string]*domain.Experiment{
			"Example": domain.NewExperiment("Example", true, 86400, "A", []domain.ExperimentVariant{
				{Label: "A", Weight: 1},
				{Label: "B", Weight: 1},
			}),
		},
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/page?ABTest-Example=B", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	newEdge(t, policy).ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Values("Set-Cookie"),
		"no consent marker means no assignment, even with a query override")
}

func TestPersonalizationAndSessionBridge(t *testing.T) {
	var gotSession string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSession = r.Header.Get(service.SessionHeaderName)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<div class="edge--show-if-cookie">account</div><div class="edge--show-if-not-cookie">sign in</div>`))
	}))
	defer origin.Close()

	policy := &domain.PolicyConfig{
		Mirrors: []domain.Mirror{{Name: "origin", BaseURL: origin.URL}},
	}
	edge := newEdge(t, policy)

	// With a session cookie.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/page", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.AddCookie(&http.Cookie{Name: service.SessionCookieName, Value: "abc123"})
	edge.ServeHTTP(rec, req)

	assert.Equal(t, "abc123", gotSession)
	assert.Contains(t, rec.Body.String(), `<div class="edge--show">account</div>`)
	assert.Contains(t, rec.Body.String(), `<div class="edge--hide">sign in</div>`)

	// Without one.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/page", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	edge.ServeHTTP(rec, req)

	assert.Contains(t, rec.Body.String(), `<div class="edge--hide">account</div>`)
	assert.Contains(t, rec.Body.String(), `<div class="edge--show">sign in</div>`)
}

func TestSessionHeaderBecomesCookie(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(service.SessionHeaderName, "fresh-session")
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	policy := &domain.PolicyConfig{
		Mirrors: []domain.Mirror{{Name: "origin", BaseURL: origin.URL}},
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/sign-in/callback", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	newEdge(t, policy).ServeHTTP(rec, req)

	require.Len(t, rec.Header().Values("Set-Cookie"), 1)
	assert.Contains(t, rec.Header().Values("Set-Cookie")[0], service.SessionCookieName+"=fresh-session")
	assert.Empty(t, rec.Header().Get(service.SessionHeaderName))
}

func TestQueryNormalizationForwarded(t *testing.T) {
	var gotQuery string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	policy := &domain.PolicyConfig{
		Mirrors: []domain.Mirror{{Name: "origin", BaseURL: origin.URL}},
	}
	edge := newEdge(t, policy)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/search?utm_source=x&q=passports&b=2&a=1", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	edge.ServeHTTP(rec, req)

	assert.Equal(t, "a=1&b=2&q=passports", gotQuery)

	// The root path forwards with no query at all.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/?anything=goes", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	edge.ServeHTTP(rec, req)

	assert.Equal(t, "", gotQuery)
}

func TestPurgeOutsideACLIsFlagged(t *testing.T) {
	var gotFlag string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFlag = r.Header.Get("X-Purge-Requires-Auth")
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	_, purgeNet, err := net.ParseCIDR("10.0.0.0/8")
	require.NoError(t, err)

	policy := &domain.PolicyConfig{
		PurgeACL: []*net.IPNet{purgeNet},
		Mirrors:  []domain.Mirror{{Name: "origin", BaseURL: origin.URL}},
	}
	edge := newEdge(t, policy)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("PURGE", "/page", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	edge.ServeHTTP(rec, req)

	assert.Equal(t, "1", gotFlag)

	// Inside the purge ranges the request forwards unflagged.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("PURGE", "/page", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-For", "10.1.2.3")
	edge.ServeHTTP(rec, req)

	assert.Empty(t, gotFlag)
}

func TestTransportCheckPrecedesOverrides(t *testing.T) {
	policy := &domain.PolicyConfig{
		BasicAuthSecret: testSecret,
		RedirectPaths:   map[string]string{"/security.txt": "https://vdp.example.com/security.txt"},
		Mirrors:         []domain.Mirror{{Name: "origin", BaseURL: "http://127.0.0.1:0"}},
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "http://www.example.com/security.txt", nil)
	newEdge(t, policy).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "https://www.example.com/security.txt", rec.Header().Get("Location"))
}
