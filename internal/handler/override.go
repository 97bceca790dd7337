package handler

import (
	"net/http"

	"github.com/mir00r/edge-router/internal/domain"
	"github.com/mir00r/edge-router/internal/service"
)

// notFoundPage is the synthetic 404 body. Served entirely by the edge;
// no origin is contacted.
const notFoundPage = `<!DOCTYPE html>
<html>
  <head>
    <title>Page not found</title>
    <style>
      body { font-family: Arial, sans-serif; margin: 0; }
      header { background: black; }
      h1 { color: white; font-size: 29px; margin: 0 auto; padding: 10px; max-width: 990px; }
      p { color: black; margin: 30px auto; max-width: 990px; }
    </style>
  </head>
  <body>
    <header><h1>Not found</h1></header>
    <p>We cannot find the page you're looking for.</p>
  </body>
</html>
`

// PathOverrides answers configured paths synthetically, bypassing the
// mirrors entirely. Lookup is exact-match only.
type PathOverrides struct {
	policy *domain.PolicyConfig
}

// NewPathOverrides creates the override table from the policy.
func NewPathOverrides(policy *domain.PolicyConfig) *PathOverrides {
	return &PathOverrides{policy: policy}
}

// Decide returns the synthetic decision for a path, if one is
// configured.
func (p *PathOverrides) Decide(path string) (domain.Decision, bool) {
	if _, ok := p.policy.NotFoundPaths[path]; ok {
		return domain.NotFound(), true
	}

	if target, ok := p.policy.RedirectPaths[path]; ok {
		return domain.Redirect(target), true
	}

	return domain.Decision{}, false
}

// WriteNotFound writes the synthetic 404 response.
func WriteNotFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set(service.HeaderBackendName, "force_not_found")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte(notFoundPage))
}

// WriteRedirect writes the synthetic 302 with an empty body.
func WriteRedirect(w http.ResponseWriter, location string) {
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusFound)
}

// WriteServiceUnavailable writes the terminal failure response emitted
// when every mirror has been exhausted: a bare 503 with no backend
// annotation.
func WriteServiceUnavailable(w http.ResponseWriter) {
	w.WriteHeader(http.StatusServiceUnavailable)
}
