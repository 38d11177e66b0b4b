// Package navigation is the authoritative record of a page's navigations.
//
// Every navigating operation registers with the Ledger first, so asynchronous
// replies can be correlated with the navigation that spawned them even after
// the hosting process changed. Identifiers are never reused within a page's
// lifetime. Lookups of destroyed identifiers are tolerated; claims made by a
// process that does not own the navigation are protocol violations.
package navigation

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/navswap/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/navswap/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/navswap/internal/shared/id"
	"github.com/GriffinCanCode/navswap/internal/types"
)

// Options configures a Ledger
type Options struct {
	Clock   func() time.Time
	Tracer  *tracing.Tracer
	Metrics *monitoring.Metrics
	Logger  *zap.Logger
}

// Ledger records the navigations of one page
type Ledger struct {
	pageID  id.PageID
	seq     id.Sequence
	navs    map[id.NavigationID]*Navigation
	clock   func() time.Time
	tracer  *tracing.Tracer
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewLedger creates an empty ledger for pageID
func NewLedger(pageID id.PageID, opts Options) *Ledger {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Ledger{
		pageID:  pageID,
		navs:    make(map[id.NavigationID]*Navigation),
		clock:   opts.Clock,
		tracer:  opts.Tracer,
		metrics: opts.Metrics,
		logger:  opts.Logger.Named("ledger").With(zap.Stringer("page_id", pageID)),
	}
}

// Create registers a navigation declared by process pid for frame fid
func (l *Ledger) Create(kind types.NavigationKind, pid id.ProcessID, fid id.FrameID, src Source) *Navigation {
	now := l.clock()
	n := &Navigation{
		id:             id.NavigationID(l.seq.Next()),
		kind:           kind,
		processID:      pid,
		frameID:        fid,
		request:        src.Request.Clone(),
		target:         src.Target,
		substituteData: src.SubstituteData,
		createdAt:      now,
		ledger:         l,
	}
	n.originalRequest = n.request.Clone()

	if l.tracer != nil {
		n.span = l.tracer.StartAt(tracing.TraceID(l.pageID), "navigation."+kind.String(), now)
		n.span.SetTag("page_id", l.pageID.String())
		n.span.SetTag("navigation_id", n.id.String())
		n.span.SetTag("url", n.URL())
	}
	l.navs[n.id] = n

	l.logger.Debug("Navigation created",
		zap.Stringer("navigation_id", n.id),
		zap.Stringer("kind", kind),
		zap.Stringer("pid", pid),
		zap.String("url", n.URL()))
	return n
}

// Get returns a live navigation. Unknown or destroyed ids yield false.
func (l *Ledger) Get(nid id.NavigationID) (*Navigation, bool) {
	n, ok := l.navs[nid]
	return n, ok
}

// Lookup resolves nid on behalf of process pid. A nil navigation with a nil
// error means the message is stale: the id was issued but has since been
// destroyed, or pid handed the navigation off to another process. An id that
// was never issued, or one owned by an unrelated process, is a protocol
// violation.
func (l *Ledger) Lookup(nid id.NavigationID, pid id.ProcessID) (*Navigation, error) {
	n, ok := l.navs[nid]
	if !ok {
		if nid != 0 && uint64(nid) <= l.seq.Last() {
			return nil, nil
		}
		return nil, fmt.Errorf("navigation %s was never issued: %w", nid, ErrProtocolViolation)
	}
	if n.processID != pid {
		if n.HandedOffBy(pid) {
			return nil, nil
		}
		return nil, fmt.Errorf("navigation %s belongs to process %s, not %s: %w",
			nid, n.processID, pid, ErrProtocolViolation)
	}
	return n, nil
}

// LastID returns the most recently issued id
func (l *Ledger) LastID() id.NavigationID { return id.NavigationID(l.seq.Last()) }

// Len returns the number of live navigations
func (l *Ledger) Len() int { return len(l.navs) }

// Navigations returns live navigations ordered by id
func (l *Ledger) Navigations() []*Navigation {
	out := make([]*Navigation, 0, len(l.navs))
	for _, n := range l.navs {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Destroy forgets a navigation. Destroying an unknown id is a no-op.
func (l *Ledger) Destroy(nid id.NavigationID) {
	n, ok := l.navs[nid]
	if !ok {
		return
	}
	delete(l.navs, nid)
	n.ledger = nil

	if !n.disposition.IsTerminal() {
		l.metrics.RecordNavigation(n.kind.String(), "abandoned", l.clock().Sub(n.createdAt))
		l.submitSpan(n, "abandoned")
	}
	l.logger.Debug("Navigation destroyed",
		zap.Stringer("navigation_id", nid),
		zap.Stringer("disposition", n.disposition))
}

// DestroyForProcess forgets every navigation declared by pid
func (l *Ledger) DestroyForProcess(pid id.ProcessID) []id.NavigationID {
	var destroyed []id.NavigationID
	for _, n := range l.Navigations() {
		if n.processID == pid {
			l.Destroy(n.id)
			destroyed = append(destroyed, n.id)
		}
	}
	return destroyed
}

// DestroyAll forgets every navigation. Used when the page closes.
func (l *Ledger) DestroyAll() {
	for _, n := range l.Navigations() {
		l.Destroy(n.id)
	}
}

func (l *Ledger) finished(n *Navigation) {
	l.metrics.RecordNavigation(n.kind.String(), n.disposition.String(), l.clock().Sub(n.createdAt))
	l.submitSpan(n, n.disposition.String())

	fields := []zap.Field{
		zap.Stringer("navigation_id", n.id),
		zap.Stringer("disposition", n.disposition),
		zap.Stringer("pid", n.processID),
		zap.String("url", n.URL()),
	}
	if n.failure != nil {
		fields = append(fields, zap.Error(n.failure))
	}
	l.logger.Debug("Navigation finished", fields...)
}

func (l *Ledger) submitSpan(n *Navigation, outcome string) {
	if n.span == nil {
		return
	}
	span := n.span
	n.span = nil
	span.SetTag("disposition", outcome)
	if n.failure != nil {
		span.SetError(n.failure)
	}
	span.FinishAt(l.clock())
	l.tracer.Submit(span)
}
