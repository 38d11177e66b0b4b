package selector

import (
	"sort"

	"github.com/GriffinCanCode/navswap/internal/process"
	"github.com/GriffinCanCode/navswap/internal/shared/id"
	"github.com/GriffinCanCode/navswap/internal/shared/site"
)

var groupSeq id.Sequence

// Group is an isolation group: the site to process bindings shared by pages
// that can reach each other through opener relationships. Pages without an
// opener get a fresh group; popups share their opener's.
type Group struct {
	id       uint64
	isolated bool
	bindings map[site.Site]*process.Process
}

// NewGroup creates an empty group
func NewGroup() *Group {
	return &Group{
		id:       groupSeq.Next(),
		bindings: make(map[site.Site]*process.Process),
	}
}

// NewIsolatedGroup creates a group for a cross-origin isolated page. Its
// processes are never shared with any other group.
func NewIsolatedGroup() *Group {
	g := NewGroup()
	g.isolated = true
	return g
}

// ID returns the group identifier
func (g *Group) ID() uint64 { return g.id }

// IsIsolated reports whether the group was created for cross-origin isolation
func (g *Group) IsIsolated() bool { return g.isolated }

// ProcessForSite returns the live process bound to s. Bindings of terminated
// processes are dropped on the way.
func (g *Group) ProcessForSite(s site.Site) (*process.Process, bool) {
	p, ok := g.bindings[s]
	if !ok {
		return nil, false
	}
	if p.IsTerminated() {
		delete(g.bindings, s)
		return nil, false
	}
	return p, true
}

// Bind records that frames of s in this group run in p. The empty site is
// never bound.
func (g *Group) Bind(s site.Site, p *process.Process) {
	if s.IsEmpty() || p == nil {
		return
	}
	g.bindings[s] = p
}

// Unbind drops every binding to p
func (g *Group) Unbind(p *process.Process) {
	for s, bound := range g.bindings {
		if bound == p {
			delete(g.bindings, s)
		}
	}
}

// Sites returns the bound sites in a stable order
func (g *Group) Sites() []site.Site {
	out := make([]site.Site, 0, len(g.bindings))
	for s := range g.bindings {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Len returns the number of bindings
func (g *Group) Len() int { return len(g.bindings) }
