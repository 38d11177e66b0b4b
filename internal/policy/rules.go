package policy

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/GriffinCanCode/navswap/internal/types"
)

var ErrInvalidPattern = errors.New("invalid policy rule pattern")

// Rule applies website policies to URLs matching a host/path glob such as
// "*.example.com/**".
type Rule struct {
	Pattern  string                `json:"pattern" yaml:"pattern"`
	Policies types.WebsitePolicies `json:"policies" yaml:"policies"`
}

// Rules is an ordered rule list; the first match wins
type Rules struct {
	rules []Rule
}

// NewRules validates every pattern
func NewRules(rules []Rule) (*Rules, error) {
	for _, r := range rules {
		if !doublestar.ValidatePattern(r.Pattern) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, r.Pattern)
		}
	}
	return &Rules{rules: append([]Rule(nil), rules...)}, nil
}

// Len returns the number of rules
func (r *Rules) Len() int {
	if r == nil {
		return 0
	}
	return len(r.rules)
}

// Match returns the policies of the first rule matching rawURL, or nil
func (r *Rules) Match(rawURL string) *types.WebsitePolicies {
	if r == nil || len(r.rules) == 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	subject := u.Hostname() + path

	for i := range r.rules {
		ok, err := doublestar.Match(r.rules[i].Pattern, subject)
		if err == nil && ok {
			return r.rules[i].Policies.Clone()
		}
	}
	return nil
}
