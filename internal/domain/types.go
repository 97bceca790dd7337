package domain

import (
	"context"
	"net"
	"net/http"
	"time"
)

// Mirror represents one entry in the ordered failover chain. The first
// mirror is the primary origin; later entries are static mirrors that
// receive a prefixed, suffix-normalised path.
type Mirror struct {
	Name       string `json:"name" yaml:"name"`
	BaseURL    string `json:"url" yaml:"url"`
	PathPrefix string `json:"prefix" yaml:"prefix"`
}

// Experiment is an A/B test with weighted variants. The cumulative
// weight table is built once at construction so that a per-request draw
// is a single roll plus a linear scan.
type Experiment struct {
	Name           string
	Active         bool
	Expires        int
	CrawlerVariant string

	variants   []string
	cumWeights []int
	total      int
}

// ExperimentVariant pairs a variant label with its relative weight.
// Order is significant: it fixes the cumulative weight table.
type ExperimentVariant struct {
	Label  string
	Weight int
}

// NewExperiment builds an Experiment with a precomputed cumulative
// weight table. Variants with non-positive weight remain valid labels
// but can never win a fresh draw.
func NewExperiment(name string, active bool, expires int, crawlerVariant string, variants []ExperimentVariant) *Experiment {
	e := &Experiment{
		Name:           name,
		Active:         active,
		Expires:        expires,
		CrawlerVariant: crawlerVariant,
	}

	running := 0
	for _, v := range variants {
		if v.Weight > 0 {
			running += v.Weight
		}
		e.variants = append(e.variants, v.Label)
		e.cumWeights = append(e.cumWeights, running)
	}
	e.total = running

	return e
}

// HasVariant reports whether label is a defined variant of the
// experiment. Used to validate query and cookie overrides.
func (e *Experiment) HasVariant(label string) bool {
	for _, v := range e.variants {
		if v == label {
			return true
		}
	}
	return false
}

// TotalWeight returns the sum of all positive variant weights.
func (e *Experiment) TotalWeight() int {
	return e.total
}

// Pick resolves a roll in [0, TotalWeight()) to a variant label via the
// cumulative weight table.
func (e *Experiment) Pick(roll int) string {
	for i, cum := range e.cumWeights {
		if roll < cum {
			return e.variants[i]
		}
	}
	// Only reachable with an out-of-range roll; fall back to the last
	// variant rather than panic.
	if len(e.variants) > 0 {
		return e.variants[len(e.variants)-1]
	}
	return ""
}

// Variants returns the variant labels in definition order.
func (e *Experiment) Variants() []string {
	out := make([]string, len(e.variants))
	copy(out, e.variants)
	return out
}

// PolicyConfig is the immutable, process-lifetime policy state. It is
// constructed once at startup from the parsed configuration file and
// shared read-only across all requests; no component mutates it.
type PolicyConfig struct {
	// PurgeACL holds ranges allowed to purge without origin-side auth.
	// It never gates normal traffic; callers query it separately.
	PurgeACL []*net.IPNet
	// Allowlist, when non-empty, is the only set of ranges allowed in.
	Allowlist []*net.IPNet
	// Denylist entries are always rejected, even if also allowlisted.
	Denylist []*net.IPNet

	// BasicAuthSecret is the expected basic-auth credential. Empty
	// disables the auth check entirely.
	BasicAuthSecret string

	// NotFoundPaths are exact paths answered with a synthetic 404.
	NotFoundPaths map[string]struct{}
	// RedirectPaths maps exact paths to absolute redirect targets.
	RedirectPaths map[string]string

	// Mirrors is the ordered failover chain. Order is total and fixed.
	Mirrors []Mirror

	// Experiments maps experiment name to its definition.
	Experiments map[string]*Experiment

	// CrawlerUserAgent pins matching requests to each experiment's
	// crawler variant.
	CrawlerUserAgent string

	// ConsentExemptExperiment and ConsentExemptPath name the one
	// experiment that may be assigned on a single informational path
	// without a consent cookie.
	ConsentExemptExperiment string
	ConsentExemptPath       string

	// QueryRetainRules maps a path to the only query parameters kept
	// when forwarding a request for that path.
	QueryRetainRules map[string][]string
}

// IPInRanges reports whether ip matches any of the given ranges.
func IPInRanges(ip net.IP, ranges []*net.IPNet) bool {
	if ip == nil {
		return false
	}
	for _, r := range ranges {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}

// RequestContext carries request-scoped observability state through the
// pipeline.
type RequestContext struct {
	RequestID  string
	RemoteAddr string
	UserAgent  string
	Method     string
	Path       string
	StartTime  time.Time
	Backend    string
	Failovers  int
}

// NewRequestContext creates a RequestContext from an HTTP request. The
// request ID is supplied by the caller so that the same ID reaches the
// logs and the forwarded request.
func NewRequestContext(r *http.Request, requestID string) *RequestContext {
	return &RequestContext{
		RequestID:  requestID,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		Method:     r.Method,
		Path:       r.URL.Path,
		StartTime:  time.Now(),
		Backend:    "none",
	}
}

type requestContextKey struct{}

// WithRequestContext attaches a RequestContext to a request.
func WithRequestContext(r *http.Request, rc *RequestContext) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), requestContextKey{}, rc))
}

// RequestContextFrom extracts the RequestContext from a request, or nil
// if none was attached.
func RequestContextFrom(r *http.Request) *RequestContext {
	rc, _ := r.Context().Value(requestContextKey{}).(*RequestContext)
	return rc
}
