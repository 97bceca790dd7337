package handler

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mir00r/edge-router/internal/domain"
	"github.com/mir00r/edge-router/internal/middleware"
	"github.com/mir00r/edge-router/internal/service"
	"github.com/mir00r/edge-router/pkg/logger"
)

const (
	headerRequestID         = "X-Request-Id"
	headerPurgeRequiresAuth = "X-Purge-Requires-Auth"
)

// hopHeaders are connection-scoped headers never forwarded in either
// direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Pipeline is the request-decision pipeline behind the access and auth
// middleware: path overrides, experiment assignment, the failover
// fetch, and the response transforms.
type Pipeline struct {
	policy       *domain.PolicyConfig
	overrides    *PathOverrides
	failover     *service.FailoverSelector
	assigner     *service.ExperimentAssigner
	sessions     service.SessionBridge
	personalizer service.Personalizer
	queries      *service.QueryNormalizer
	metrics      *service.Metrics
	logger       *logger.Logger
}

// NewPipeline wires the pipeline from its collaborators.
func NewPipeline(
	policy *domain.PolicyConfig,
	overrides *PathOverrides,
	failover *service.FailoverSelector,
	assigner *service.ExperimentAssigner,
	queries *service.QueryNormalizer,
	metrics *service.Metrics,
	log *logger.Logger,
) *Pipeline {
	return &Pipeline{
		policy:    policy,
		overrides: overrides,
		failover:  failover,
		assigner:  assigner,
		queries:   queries,
		metrics:   metrics,
		logger:    log,
	}
}

// ServeHTTP handles one request end to end. The caller has already
// passed access control and the auth gate.
func (h *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := domain.RequestContextFrom(r)
	if rc == nil {
		rc = domain.NewRequestContext(r, "")
	}

	log := h.logger.RequestLogger(rc.RequestID, rc.Method, rc.Path, rc.RemoteAddr)

	if decision, ok := h.overrides.Decide(r.URL.Path); ok {
		h.writeSynthetic(w, decision, log)
		return
	}

	// Assignment is computed before the fetch so origins can vary on
	// it; the cookies are only applied at response time.
	assignments := h.assigner.Assign(r)

	breq, err := h.buildBackendRequest(r, rc, assignments)
	if err != nil {
		log.WithError(err).Error("Failed to prepare backend request")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	start := time.Now()
	result, err := h.failover.Fetch(breq, 0)
	if err != nil {
		log.WithError(err).Error("All mirrors exhausted")
		h.metrics.IncrementSynthetic("error")
		WriteServiceUnavailable(w)
		return
	}
	defer result.Response.Body.Close()

	rc.Backend = result.Backend
	rc.Failovers = result.Failovers

	log.WithFields(map[string]interface{}{
		"backend":   result.Backend,
		"failovers": result.Failovers,
		"status":    result.Response.StatusCode,
		"fetch_ms":  time.Since(start).Milliseconds(),
	}).Debug("Mirror answered")

	h.writeBackendResponse(w, r, result, assignments)
}

// writeSynthetic emits an override response without contacting any
// mirror.
func (h *Pipeline) writeSynthetic(w http.ResponseWriter, decision domain.Decision, log *logger.Logger) {
	switch decision.Kind {
	case domain.DecisionNotFound:
		h.metrics.IncrementSynthetic("not_found")
		log.Debug("Serving synthetic not-found")
		WriteNotFound(w)
	case domain.DecisionRedirect:
		h.metrics.IncrementSynthetic("redirect")
		log.WithField("location", decision.Location).Debug("Serving synthetic redirect")
		WriteRedirect(w, decision.Location)
	default:
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// buildBackendRequest turns the inbound request into the forward
// template: normalised query, scrubbed headers, client-identity and
// request-ID headers, origin credentials, session bridging, and the
// experiment headers.
func (h *Pipeline) buildBackendRequest(r *http.Request, rc *domain.RequestContext, assignments []service.Assignment) (*service.BackendRequest, error) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		body = b
	}

	header := make(http.Header, len(r.Header))
	for key, values := range r.Header {
		header[key] = append([]string(nil), values...)
	}
	for _, hop := range hopHeaders {
		header.Del(hop)
	}
	// The personalizer needs plain bodies; fetch uncompressed.
	header.Del("Accept-Encoding")
	header.Del("Client-IP")

	clientIP := middleware.ClientIP(r)
	if clientIP != nil {
		ip := clientIP.String()
		header.Set("X-Real-IP", ip)
		header.Set("True-Client-IP", ip)
		header.Set("X-Forwarded-For", ip)
	}

	if rc.RequestID != "" {
		header.Set(headerRequestID, rc.RequestID)
	}

	// Purging is enforced origin-side; the edge only flags requests
	// from outside the purge ranges.
	if r.Method == "PURGE" && !domain.IPInRanges(clientIP, h.policy.PurgeACL) {
		header.Set(headerPurgeRequiresAuth, "1")
	}

	if h.policy.BasicAuthSecret != "" {
		header.Set("Authorization", "Basic "+h.policy.BasicAuthSecret)
	}

	h.sessions.ForwardSession(r, header)
	h.assigner.ApplyRequestHeaders(header, assignments)

	return &service.BackendRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  h.queries.Normalize(r.URL.Path, r.URL.Query()),
		Header: header,
		Body:   body,
	}, nil
}

// writeBackendResponse relays a terminal mirror response to the
// client, applying the session, experiment, and personalization
// transforms and the diagnostic headers.
func (h *Pipeline) writeBackendResponse(w http.ResponseWriter, r *http.Request, result *service.FetchResult, assignments []service.Assignment) {
	resp := result.Response

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.logger.WithError(err).Error("Failed to read mirror response body")
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	out := w.Header()
	for key, values := range resp.Header {
		out[key] = append([]string(nil), values...)
	}
	for _, hop := range hopHeaders {
		out.Del(hop)
	}

	h.sessions.TransformResponse(out)
	h.assigner.ApplyResponseCookies(out, assignments)

	body = h.personalizer.Apply(body, resp.Header.Get("Content-Type"), h.sessions.HasSession(r))

	out.Set(service.HeaderBackendName, result.Backend)
	if result.Failovers > 0 {
		out.Set(service.HeaderFailoverCount, strconv.Itoa(result.Failovers))
	}
	out.Set("Content-Length", strconv.Itoa(len(body)))

	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}
