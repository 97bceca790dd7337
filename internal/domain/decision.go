package domain

import "net/http"

// DecisionKind identifies the variant of a routing Decision.
type DecisionKind int

const (
	// DecisionReject refuses the request with an explicit status.
	DecisionReject DecisionKind = iota
	// DecisionNotFound answers with the synthetic not-found page.
	DecisionNotFound
	// DecisionRedirect answers with a synthetic 302.
	DecisionRedirect
	// DecisionForward forwards the request into the failover chain.
	DecisionForward
)

// String returns the string representation of a DecisionKind.
func (k DecisionKind) String() string {
	switch k {
	case DecisionReject:
		return "reject"
	case DecisionNotFound:
		return "not_found"
	case DecisionRedirect:
		return "redirect"
	case DecisionForward:
		return "forward"
	default:
		return "unknown"
	}
}

// Decision is the outcome of the pre-origin policy checks. Exactly one
// is produced per request, before any mirror is contacted.
type Decision struct {
	Kind DecisionKind

	// Status and Headers apply to DecisionReject.
	Status  int
	Headers http.Header

	// Location applies to DecisionRedirect.
	Location string

	// StartIndex applies to DecisionForward: the mirror index the
	// failover walk starts from.
	StartIndex int
}

// Reject builds a rejection decision with the given status.
func Reject(status int) Decision {
	return Decision{Kind: DecisionReject, Status: status, Headers: http.Header{}}
}

// RejectWithHeader builds a rejection decision carrying one header.
func RejectWithHeader(status int, key, value string) Decision {
	d := Reject(status)
	d.Headers.Set(key, value)
	return d
}

// NotFound builds a synthetic not-found decision.
func NotFound() Decision {
	return Decision{Kind: DecisionNotFound}
}

// Redirect builds a synthetic redirect decision to target.
func Redirect(target string) Decision {
	return Decision{Kind: DecisionRedirect, Location: target}
}

// Forward builds a forwarding decision starting at mirror startIndex.
func Forward(startIndex int) Decision {
	return Decision{Kind: DecisionForward, StartIndex: startIndex}
}
