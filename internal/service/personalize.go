package service

import (
	"mime"
	"strings"
)

// Marker classes rewritten in HTML bodies. These are plain class-name
// tokens, replaced literally; the body is never parsed as markup.
const (
	// MarkerShowIfMirrored is visible by default and hidden whenever
	// the edge answers, so it only shows on a raw static mirror page.
	MarkerShowIfMirrored = "edge--show-if-mirrored"
	// MarkerShowIfSession is hidden by default, shown when the visitor
	// has a session cookie.
	MarkerShowIfSession = "edge--show-if-cookie"
	// MarkerShowIfNoSession is hidden by default, shown when the
	// visitor has no session cookie.
	MarkerShowIfNoSession = "edge--show-if-not-cookie"

	// ClassShow and ClassHide control element visibility in the site's
	// stylesheet.
	ClassShow = "edge--show"
	ClassHide = "edge--hide"
)

// Personalizer rewrites visibility marker classes in HTML bodies based
// on one boolean: session-cookie presence.
type Personalizer struct{}

// Apply rewrites the markers in body. Non-HTML bodies pass through
// untouched. The result for a given (body, hasSession) pair is always
// identical.
func (Personalizer) Apply(body []byte, contentType string, hasSession bool) []byte {
	if !IsHTML(contentType) {
		return body
	}

	showIfSession, showIfNoSession := ClassHide, ClassShow
	if hasSession {
		showIfSession, showIfNoSession = ClassShow, ClassHide
	}

	s := string(body)
	s = strings.ReplaceAll(s, MarkerShowIfMirrored, ClassHide)
	s = strings.ReplaceAll(s, MarkerShowIfSession, showIfSession)
	s = strings.ReplaceAll(s, MarkerShowIfNoSession, showIfNoSession)
	return []byte(s)
}

// IsHTML reports whether a Content-Type header denotes an HTML body.
func IsHTML(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html"
}
