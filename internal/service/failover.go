package service

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/mir00r/edge-router/internal/domain"
	"github.com/mir00r/edge-router/internal/errors"
	"github.com/mir00r/edge-router/pkg/logger"
)

// Diagnostic headers attached on the way out
const (
	// HeaderBackendName names the mirror that answered, or a synthetic
	// response source.
	HeaderBackendName = "X-Backend-Name"
	// HeaderFailoverCount is set when the answering mirror was not the
	// first one tried.
	HeaderFailoverCount = "X-Failover-Count"
	// HeaderFailover marks a request sent to a fallback mirror.
	HeaderFailover = "X-Failover"
)

// staticSuffixes are the file suffixes the static mirrors serve as-is.
// Any other path gets ".html" appended before being sent to a mirror.
var staticSuffixes = []string{
	"atom", "chm", "css", "csv", "diff", "doc", "docx", "dot", "dxf",
	"eps", "gif", "gml", "html", "ico", "ics", "jpeg", "jpg", "JPG",
	"js", "json", "kml", "odp", "ods", "odt", "pdf", "PDF", "png",
	"ppt", "pptx", "ps", "rdf", "rtf", "sch", "txt", "wsdl", "xls",
	"xlsm", "xlsx", "xlt", "xml", "xsd", "xslt", "zip",
}

// BackendRequest is the prepared forward request. It is a value
// template: the selector builds one concrete http.Request per mirror
// attempt from it, so a consumed attempt never poisons the next one.
type BackendRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// FetchResult is a terminal answer from the failover chain.
type FetchResult struct {
	Response  *http.Response
	Backend   string
	Failovers int
}

// FailoverSelector walks the ordered mirror chain until one mirror
// yields a terminal response. Attempts are strictly sequential; a
// failed mirror is never revisited within one request.
type FailoverSelector struct {
	mirrors []domain.Mirror
	client  *http.Client
	metrics *Metrics
	logger  *logger.Logger
}

// NewFailoverSelector creates a failover selector over the configured
// mirror chain. attemptTimeout bounds each individual mirror attempt;
// expiry is treated like a connection failure.
func NewFailoverSelector(mirrors []domain.Mirror, attemptTimeout time.Duration, metrics *Metrics, log *logger.Logger) *FailoverSelector {
	return &FailoverSelector{
		mirrors: mirrors,
		client: &http.Client{
			Timeout: attemptTimeout,
			// Bodies get rewritten before they leave the edge, so
			// fetch them uncompressed.
			Transport: &http.Transport{DisableCompression: true},
			// The chain decides where traffic goes; origin redirects
			// pass through to the client untouched.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		metrics: metrics,
		logger:  log,
	}
}

// Fetch walks the mirrors in order starting at startIndex. Transport
// failures and 5xx answers advance the cursor; any other response is
// terminal. When the chain is exhausted it returns a mirrors-exhausted
// error and the caller emits the synthetic 503.
func (s *FailoverSelector) Fetch(breq *BackendRequest, startIndex int) (*FetchResult, error) {
	attempts := 0

	for idx := startIndex; idx < len(s.mirrors); idx++ {
		mirror := s.mirrors[idx]
		attempts++

		req, err := s.buildAttempt(breq, mirror, idx)
		if err != nil {
			s.logger.MirrorLogger(mirror.Name, mirror.BaseURL).WithError(err).
				Error("Failed to build mirror request")
			s.metrics.IncrementErrors(mirror.Name)
			continue
		}

		start := time.Now()
		resp, err := s.client.Do(req)
		if err != nil {
			s.logger.MirrorLogger(mirror.Name, mirror.BaseURL).WithError(err).
				Warn("Mirror unreachable, advancing failover chain")
			s.metrics.IncrementErrors(mirror.Name)
			s.metrics.IncrementFailovers(mirror.Name)
			continue
		}

		if resp.StatusCode >= 500 {
			s.logger.MirrorLogger(mirror.Name, mirror.BaseURL).
				WithField("status", resp.StatusCode).
				Warn("Mirror answered with server error, advancing failover chain")
			resp.Body.Close()
			s.metrics.IncrementErrors(mirror.Name)
			s.metrics.IncrementFailovers(mirror.Name)
			continue
		}

		// Terminal: success or client error, both are valid answers
		// about the resource.
		s.metrics.IncrementRequests(mirror.Name)
		s.metrics.RecordLatency(mirror.Name, time.Since(start))

		return &FetchResult{
			Response:  resp,
			Backend:   mirror.Name,
			Failovers: attempts - 1,
		}, nil
	}

	return nil, errors.NewMirrorsExhaustedError(attempts)
}

// buildAttempt builds the concrete request for one mirror. The first
// mirror in the chain is the primary origin and receives the path
// untouched; fallback mirrors serve a static rendering, so the path is
// normalised and prefixed, and the body is dropped.
func (s *FailoverSelector) buildAttempt(breq *BackendRequest, mirror domain.Mirror, idx int) (*http.Request, error) {
	path := breq.Path
	fallback := idx > 0
	if fallback {
		path = mirror.PathPrefix + MirrorPath(breq.Path)
	}

	target := mirror.BaseURL + path
	if breq.Query != "" {
		target += "?" + breq.Query
	}

	var body *bytes.Reader
	if fallback || len(breq.Body) == 0 {
		body = bytes.NewReader(nil)
	} else {
		body = bytes.NewReader(breq.Body)
	}

	req, err := http.NewRequest(breq.Method, target, body)
	if err != nil {
		return nil, err
	}

	for key, values := range breq.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	if fallback {
		req.Header.Set(HeaderFailover, "1")
		req.Header.Set(HeaderBackendName, mirror.Name)
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}

	return req, nil
}

// MirrorPath normalises a request path for a static mirror: duplicate
// slashes collapse, the root becomes /index.html, and paths without a
// known static suffix get ".html" appended.
func MirrorPath(path string) string {
	parts := []string{}
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}

	joined := strings.Join(parts, "/")
	if joined == "" {
		return "/index.html"
	}

	if !hasStaticSuffix(joined) {
		joined += ".html"
	}

	return "/" + joined
}

func hasStaticSuffix(path string) bool {
	for _, suffix := range staticSuffixes {
		if strings.HasSuffix(path, "."+suffix) {
			return true
		}
	}
	return false
}
