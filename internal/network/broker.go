// Package network holds the network layer and sandbox broker collaborators.
//
// The coordinator issues directives here around navigation and page creation:
// sandbox extensions for local loads, first-party cookie allowances for the
// destination process, and session storage cloning for pages opened from
// another page.
package network

import (
	"net/url"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/navswap/internal/shared/id"
)

// Broker receives network and sandbox directives. Completion callbacks may
// run synchronously or later; callers resume on their scheduler.
type Broker interface {
	GrantSandboxExtension(pid id.ProcessID, rawURL string, done func(error))
	AllowFirstPartyCookies(pid id.ProcessID, domain string, done func())
	CloneSessionStorage(from, to id.PageID)
}

// Noop completes every directive immediately
type Noop struct{}

func (Noop) GrantSandboxExtension(_ id.ProcessID, _ string, done func(error)) { done(nil) }
func (Noop) AllowFirstPartyCookies(_ id.ProcessID, _ string, done func())     { done() }
func (Noop) CloneSessionStorage(_, _ id.PageID)                               {}

// Local records directives in memory. It is only used from the scheduler.
type Local struct {
	logger  *zap.Logger
	grants  map[id.ProcessID][]string
	cookies map[id.ProcessID]map[string]struct{}
	clones  map[id.PageID]id.PageID
}

// NewLocal creates an in-memory broker
func NewLocal(logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{
		logger:  logger.Named("network"),
		grants:  make(map[id.ProcessID][]string),
		cookies: make(map[id.ProcessID]map[string]struct{}),
		clones:  make(map[id.PageID]id.PageID),
	}
}

// GrantSandboxExtension grants read access to the directory of a file URL.
// Other URLs need no extension.
func (l *Local) GrantSandboxExtension(pid id.ProcessID, rawURL string, done func(error)) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "file" {
		done(nil)
		return
	}
	dir := u.Path
	if i := strings.LastIndex(dir, "/"); i > 0 {
		dir = dir[:i]
	}
	l.grants[pid] = append(l.grants[pid], dir)
	l.logger.Debug("Sandbox extension granted", zap.Stringer("pid", pid), zap.String("path", dir))
	done(nil)
}

// AllowFirstPartyCookies records that pid may use cookies for domain
func (l *Local) AllowFirstPartyCookies(pid id.ProcessID, domain string, done func()) {
	if domain != "" {
		set, ok := l.cookies[pid]
		if !ok {
			set = make(map[string]struct{})
			l.cookies[pid] = set
		}
		set[domain] = struct{}{}
	}
	done()
}

// CloneSessionStorage records that to starts with a copy of from's storage
func (l *Local) CloneSessionStorage(from, to id.PageID) {
	l.clones[to] = from
	l.logger.Debug("Session storage cloned", zap.Stringer("from", from), zap.Stringer("to", to))
}

// Grants returns the sandbox extensions of pid
func (l *Local) Grants(pid id.ProcessID) []string {
	return append([]string(nil), l.grants[pid]...)
}

// CookieDomains returns the allowed first-party cookie domains of pid, sorted
func (l *Local) CookieDomains(pid id.ProcessID) []string {
	out := make([]string, 0, len(l.cookies[pid]))
	for d := range l.cookies[pid] {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// ClonedFrom returns the page whose session storage to was cloned from
func (l *Local) ClonedFrom(to id.PageID) (id.PageID, bool) {
	from, ok := l.clones[to]
	return from, ok
}

// Forget drops everything recorded for pid
func (l *Local) Forget(pid id.ProcessID) {
	delete(l.grants, pid)
	delete(l.cookies, pid)
}
