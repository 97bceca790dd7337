package service

import (
	"fmt"
	"net/http"
	"strings"
)

const (
	// SessionCookieName is the client-side session cookie.
	SessionCookieName = "account_session"
	// SessionHeaderName carries the session ID between the edge and
	// the origin, in both directions.
	SessionHeaderName = "X-Account-Session"
	// EndSessionHeaderName is set by the origin to end the session.
	EndSessionHeaderName = "X-Account-End-Session"
)

// SessionBridge translates between the client's session cookie and the
// origin's session headers. The client never sees the headers and the
// origin never sees the cookie.
type SessionBridge struct{}

// HasSession reports whether the request carries a session cookie.
func (SessionBridge) HasSession(r *http.Request) bool {
	_, err := r.Cookie(SessionCookieName)
	return err == nil
}

// ForwardSession copies the session cookie, if any, onto the forwarded
// request as a session header.
func (SessionBridge) ForwardSession(r *http.Request, h http.Header) {
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		h.Set(SessionHeaderName, cookie.Value)
	}
}

// TransformResponse rewrites the origin's session headers into
// Set-Cookie headers and scrubs them from what the client sees. An
// end-session header wins over a new session ID.
func (SessionBridge) TransformResponse(h http.Header) {
	if h.Get(EndSessionHeaderName) != "" {
		h.Add("Set-Cookie", fmt.Sprintf(
			"%s=; secure; httponly; samesite=lax; path=/; max-age=0",
			SessionCookieName))
	} else if sessionID := h.Get(SessionHeaderName); sessionID != "" {
		h.Add("Set-Cookie", fmt.Sprintf(
			"%s=%s; secure; httponly; samesite=lax; path=/",
			SessionCookieName, sessionID))
	}

	scrubVary(h)

	h.Del(SessionHeaderName)
	h.Del(EndSessionHeaderName)
}

// scrubVary removes the session header from Vary so shared caches do
// not key on a header the client never sends.
func scrubVary(h http.Header) {
	varies := h.Values("Vary")
	if len(varies) == 0 {
		return
	}

	var kept []string
	found := false
	for _, value := range varies {
		for _, entry := range strings.Split(value, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			if strings.EqualFold(entry, SessionHeaderName) {
				found = true
				continue
			}
			kept = append(kept, entry)
		}
	}

	if !found {
		return
	}

	h.Del("Vary")
	for _, entry := range kept {
		h.Add("Vary", entry)
	}
}
