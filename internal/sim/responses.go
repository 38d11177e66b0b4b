package sim

import (
	"fmt"
	"net/url"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/GriffinCanCode/navswap/internal/types"
)

// ResponseRule shapes the response served for URLs matching a host/path
// glob such as "secure.example/**".
type ResponseRule struct {
	Match              string `yaml:"match" json:"match"`
	Status             int    `yaml:"status,omitempty" json:"status,omitempty"`
	MIMEType           string `yaml:"mime_type,omitempty" json:"mime_type,omitempty"`
	OpenerPolicy       string `yaml:"opener_policy,omitempty" json:"opener_policy,omitempty"`
	ContentDisposition string `yaml:"content_disposition,omitempty" json:"content_disposition,omitempty"`
	RedirectTo         string `yaml:"redirect_to,omitempty" json:"redirect_to,omitempty"`
	Title              string `yaml:"title,omitempty" json:"title,omitempty"`
}

// Response builds the response for rawURL
func (r ResponseRule) Response(rawURL string) types.Response {
	resp := types.Response{
		URL:                rawURL,
		StatusCode:         r.Status,
		MIMEType:           r.MIMEType,
		OpenerPolicy:       r.OpenerPolicy,
		ContentDisposition: r.ContentDisposition,
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = 200
	}
	if resp.MIMEType == "" {
		resp.MIMEType = "text/html"
	}
	return resp
}

// TitleFor returns the document title committed for rawURL
func (r ResponseRule) TitleFor(rawURL string) string {
	if r.Title != "" {
		return r.Title
	}
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return u.Host
	}
	return rawURL
}

// Responses is an ordered rule list; the first match wins and unmatched
// URLs get a plain 200 text/html response.
type Responses struct {
	rules []ResponseRule
}

// NewResponses validates every pattern
func NewResponses(rules []ResponseRule) (*Responses, error) {
	for _, r := range rules {
		if !doublestar.ValidatePattern(r.Match) {
			return nil, fmt.Errorf("invalid response pattern %q", r.Match)
		}
	}
	return &Responses{rules: append([]ResponseRule(nil), rules...)}, nil
}

// For returns the rule for rawURL
func (rs *Responses) For(rawURL string) ResponseRule {
	if rs == nil {
		return ResponseRule{}
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ResponseRule{}
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	subject := u.Hostname() + path

	for _, r := range rs.rules {
		if ok, err := doublestar.Match(r.Match, subject); err == nil && ok {
			return r
		}
	}
	return ResponseRule{}
}
