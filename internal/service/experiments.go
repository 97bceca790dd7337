package service

import (
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"strings"

	"github.com/mir00r/edge-router/internal/domain"
)

const (
	// ConsentCookieName is the cookie carrying the visitor's cookie
	// policy choices.
	ConsentCookieName = "cookies_policy"
	// consentMarker is the percent-encoded usage-tracking opt-in
	// fragment inside the consent cookie value.
	consentMarker = "%22usage%22:true"

	// abParamPrefix names the query parameter and request cookie that
	// override assignment for one experiment.
	abParamPrefix = "ABTest-"
	// abHeaderPrefix names the header carrying the resolved variant to
	// the origin.
	abHeaderPrefix = "X-ABTest-"
)

// AssignmentSource says where a variant came from.
type AssignmentSource int

const (
	// SourceQuery is an override via the ABTest-<name> query parameter.
	SourceQuery AssignmentSource = iota
	// SourceCookie is a returning visitor's existing ABTest-<name> cookie.
	SourceCookie
	// SourceFresh is a new weighted-random draw.
	SourceFresh
	// SourceCrawler is the pinned variant for the crawler worker.
	SourceCrawler
)

// String returns the string representation of an AssignmentSource.
func (s AssignmentSource) String() string {
	switch s {
	case SourceQuery:
		return "query"
	case SourceCookie:
		return "cookie"
	case SourceFresh:
		return "fresh"
	case SourceCrawler:
		return "crawler"
	default:
		return "unknown"
	}
}

// Assignment is one resolved experiment variant for this request.
type Assignment struct {
	Experiment *domain.Experiment
	Variant    string
	Source     AssignmentSource
}

// ExperimentAssigner resolves A/B test variants per visitor with a
// fixed precedence: query override, then existing cookie, then a fresh
// weighted draw. Only the fresh draw is randomised.
type ExperimentAssigner struct {
	policy *domain.PolicyConfig
	roll   func(n int) int
}

// NewExperimentAssigner creates an assigner over the configured
// experiments.
func NewExperimentAssigner(policy *domain.PolicyConfig) *ExperimentAssigner {
	return &ExperimentAssigner{
		policy: policy,
		roll:   rand.Intn,
	}
}

// Assign resolves variants for every active experiment the request is
// allowed to participate in. Without the usage-consent marker nothing
// is assigned, except the configured experiment on its informational
// path.
func (a *ExperimentAssigner) Assign(r *http.Request) []Assignment {
	if len(a.policy.Experiments) == 0 {
		return nil
	}

	consented := HasConsent(r)
	crawler := a.policy.CrawlerUserAgent != "" && r.UserAgent() == a.policy.CrawlerUserAgent

	// Iterate in name order so a request's assignment set is stable.
	names := make([]string, 0, len(a.policy.Experiments))
	for name := range a.policy.Experiments {
		names = append(names, name)
	}
	sort.Strings(names)

	var assignments []Assignment
	for _, name := range names {
		exp := a.policy.Experiments[name]
		if !exp.Active {
			continue
		}

		exempt := name == a.policy.ConsentExemptExperiment && r.URL.Path == a.policy.ConsentExemptPath
		if !consented && !exempt {
			continue
		}

		if crawler {
			if exp.CrawlerVariant != "" {
				assignments = append(assignments, Assignment{
					Experiment: exp,
					Variant:    exp.CrawlerVariant,
					Source:     SourceCrawler,
				})
			}
			continue
		}

		if assignment, ok := a.resolve(r, exp); ok {
			assignments = append(assignments, assignment)
		}
	}

	return assignments
}

// resolve applies the precedence for a single experiment. An override
// naming an undefined variant falls through to the next tier.
func (a *ExperimentAssigner) resolve(r *http.Request, exp *domain.Experiment) (Assignment, bool) {
	param := abParamPrefix + exp.Name

	if values, ok := r.URL.Query()[param]; ok && len(values) > 0 {
		// Last value wins on duplicate parameters.
		variant := values[len(values)-1]
		if exp.HasVariant(variant) {
			return Assignment{Experiment: exp, Variant: variant, Source: SourceQuery}, true
		}
	}

	if cookie, err := r.Cookie(param); err == nil {
		if exp.HasVariant(cookie.Value) {
			return Assignment{Experiment: exp, Variant: cookie.Value, Source: SourceCookie}, true
		}
	}

	total := exp.TotalWeight()
	if total <= 0 {
		return Assignment{}, false
	}

	variant := exp.Pick(a.roll(total))
	return Assignment{Experiment: exp, Variant: variant, Source: SourceFresh}, true
}

// ApplyRequestHeaders stamps the resolved variants onto the forwarded
// request so origins can vary their rendering.
func (a *ExperimentAssigner) ApplyRequestHeaders(h http.Header, assignments []Assignment) {
	for _, assignment := range assignments {
		h.Set(abHeaderPrefix+assignment.Experiment.Name, assignment.Variant)
	}
}

// ApplyResponseCookies emits the Set-Cookie headers that keep a
// visitor in their variant. A confirmed existing cookie is re-scoped to
// the site root; the crawler never receives cookies.
func (a *ExperimentAssigner) ApplyResponseCookies(h http.Header, assignments []Assignment) {
	for _, assignment := range assignments {
		if assignment.Source == SourceCrawler {
			continue
		}

		value := fmt.Sprintf("%s%s=%s; secure; max-age=%d",
			abParamPrefix, assignment.Experiment.Name, assignment.Variant,
			assignment.Experiment.Expires)
		if assignment.Source == SourceCookie {
			value += "; path=/"
		}

		h.Add("Set-Cookie", value)
	}
}

// HasConsent reports whether the request carries the usage-tracking
// opt-in marker in its cookie policy cookie.
func HasConsent(r *http.Request) bool {
	cookie, err := r.Cookie(ConsentCookieName)
	if err != nil {
		return false
	}
	return strings.Contains(cookie.Value, consentMarker)
}
