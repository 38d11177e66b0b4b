// Package site derives the unit of process isolation from URLs.
//
// A Site is a scheme plus registrable domain ("https://example.co.uk" for
// "https://a.b.example.co.uk/x"). Two URLs with the same Site may share a
// content process; URLs with different Sites are candidates for a swap.
package site

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Site is a scheme and registrable domain pair. The zero value is the empty
// site, used for about:blank, data: URLs and unparsable input.
type Site struct {
	Scheme string `json:"scheme"`
	Domain string `json:"domain"`
}

// FromURL computes the site of a URL string.
func FromURL(raw string) Site {
	u, err := url.Parse(raw)
	if err != nil {
		return Site{}
	}
	return FromParsed(u)
}

// FromParsed computes the site of an already parsed URL.
func FromParsed(u *url.URL) Site {
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "", "about", "data", "blob", "javascript":
		return Site{}
	case "file":
		return Site{Scheme: scheme}
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Site{}
	}
	return Site{Scheme: scheme, Domain: RegistrableDomain(host)}
}

// RegistrableDomain returns eTLD+1 for host. IP literals, single-label hosts
// and hosts that are themselves public suffixes are returned unchanged.
func RegistrableDomain(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return host
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}

// IsEmpty reports whether s is the empty site.
func (s Site) IsEmpty() bool {
	return s.Scheme == "" && s.Domain == ""
}

// Matches reports whether raw belongs to s.
func (s Site) Matches(raw string) bool {
	return !s.IsEmpty() && FromURL(raw) == s
}

func (s Site) String() string {
	if s.IsEmpty() {
		return ""
	}
	if s.Domain == "" {
		return s.Scheme + ":"
	}
	return s.Scheme + "://" + s.Domain
}

// SameDocument reports whether to differs from from only by its fragment and
// to carries a fragment, i.e. the navigation can be handled without a new
// document.
func SameDocument(from, to string) bool {
	fu, err := url.Parse(from)
	if err != nil {
		return false
	}
	tu, err := url.Parse(to)
	if err != nil {
		return false
	}
	if tu.Fragment == "" && !strings.HasSuffix(to, "#") {
		return false
	}
	fu.Fragment, fu.RawFragment = "", ""
	tu.Fragment, tu.RawFragment = "", ""
	return strings.TrimSuffix(fu.String(), "#") == strings.TrimSuffix(tu.String(), "#")
}

// IsInitialEmpty reports whether raw is the URL of an initial empty document.
func IsInitialEmpty(raw string) bool {
	return raw == "" || raw == "about:blank"
}
