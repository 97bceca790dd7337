package service

import (
	"net/url"
	"strings"
)

// QueryNormalizer canonicalises forwarded query strings so equivalent
// requests hit origin caches identically: parameters are sorted, the
// root path forwards with no query at all, configured paths keep only
// their listed parameters, and tracking parameters are dropped
// everywhere else.
type QueryNormalizer struct {
	retainRules map[string][]string
}

// NewQueryNormalizer creates a normalizer with per-path retention
// rules.
func NewQueryNormalizer(retainRules map[string][]string) *QueryNormalizer {
	return &QueryNormalizer{retainRules: retainRules}
}

// Normalize returns the canonical encoded query for a path. Encoding
// via url.Values sorts keys.
func (n *QueryNormalizer) Normalize(path string, query url.Values) string {
	if path == "/" {
		return ""
	}

	if retain, ok := n.retainRules[path]; ok {
		kept := url.Values{}
		for _, key := range retain {
			if values, present := query[key]; present {
				kept[key] = values
			}
		}
		return kept.Encode()
	}

	kept := url.Values{}
	for key, values := range query {
		if strings.HasPrefix(key, "utm_") {
			continue
		}
		kept[key] = values
	}
	return kept.Encode()
}
