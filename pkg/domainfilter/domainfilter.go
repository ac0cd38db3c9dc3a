// Package domainfilter classifies fully-qualified domain names as
// "non-news" (permanently excluded from fetching) or resolves them to
// a canonical domain. Two independent query modes are exposed, per
// spec: an offline mode backed by a static, embedded domain set loaded
// once at startup, and an online mode backed by a Redis lookup table
// refreshed by an out-of-process updater this package does not own.
// Callers pick the mode that fits their deployment; both satisfy the
// same Filter interface.
package domainfilter

import "strings"

// Filter reports whether an FQDN falls in the non-news set. It is the
// interface pkg/fetcher.DomainFilter expects.
type Filter interface {
	IsNonNews(fqdn string) bool
}

// StaticFilter is the offline query mode: an in-memory suffix-matched
// set loaded once at construction.
type StaticFilter struct {
	domains map[string]struct{}
}

// NewStatic builds a StaticFilter from a list of non-news domains
// (typically NonNewsDomains, but overridable for tests or a refreshed
// snapshot).
func NewStatic(domains []string) *StaticFilter {
	set := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		set[strings.ToLower(d)] = struct{}{}
	}
	return &StaticFilter{domains: set}
}

// IsNonNews reports whether fqdn is exactly one of the embargoed
// domains or a subdomain of one, matching the source system's
// non_news_fqdn suffix check.
func (f *StaticFilter) IsNonNews(fqdn string) bool {
	fqdn = strings.ToLower(fqdn)
	for nnd := range f.domains {
		if fqdn == nnd || strings.HasSuffix(fqdn, "."+nnd) {
			return true
		}
	}
	return false
}
