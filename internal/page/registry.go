package page

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/navswap/internal/frame"
	"github.com/GriffinCanCode/navswap/internal/navigation"
	"github.com/GriffinCanCode/navswap/internal/process"
	"github.com/GriffinCanCode/navswap/internal/shared/id"
)

// Registry is the process-wide table of live page sessions. It routes every
// inbound message to the session named by the message and terminates
// processes that violate the protocol. Entries are non-owning: a session is
// added when created and removed when closed.
type Registry struct {
	env    *Environment
	pages  map[id.PageID]*Session
	logger *zap.Logger
}

func newRegistry(env *Environment) *Registry {
	return &Registry{
		env:    env,
		pages:  make(map[id.PageID]*Session),
		logger: env.logger.Named("router"),
	}
}

func (r *Registry) add(s *Session) {
	r.pages[s.id] = s
	r.env.metrics.SetPagesActive(len(r.pages))
}

func (r *Registry) remove(pageID id.PageID) {
	delete(r.pages, pageID)
	r.env.metrics.SetPagesActive(len(r.pages))
}

// Get returns a live session
func (r *Registry) Get(pageID id.PageID) (*Session, bool) {
	s, ok := r.pages[pageID]
	return s, ok
}

// Len returns the number of live sessions
func (r *Registry) Len() int { return len(r.pages) }

// Pages returns live sessions, oldest first
func (r *Registry) Pages() []*Session {
	out := make([]*Session, 0, len(r.pages))
	for _, s := range r.pages {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// didSuspendReinstating hands a suspension answer to a candidate that took
// the retired page out of the cache before the process replied.
func (r *Registry) didSuspendReinstating(proc *process.Process, m process.DidSuspend) bool {
	for _, s := range r.Pages() {
		c := s.candidate
		if c == nil || c.Retired() == nil || !c.Owns(proc.ID(), m.Instance) {
			continue
		}
		c.Retired().DidSuspend(m.OK)
		return true
	}
	return false
}

// Dispatch routes one inbound message
func (r *Registry) Dispatch(env process.Envelope) {
	proc, ok := r.env.pool.Lookup(env.From)
	if !ok {
		r.logger.Debug("Dropping message from unknown process",
			zap.Stringer("pid", env.From),
			zap.String("message", env.Msg.MessageName()))
		return
	}

	switch m := env.Msg.(type) {
	case process.Pong:
		proc.DidReceivePong(m.Token)
		return
	case process.DidSuspend:
		if !r.env.cache.DidSuspend(proc.ID(), m.Instance, m.OK) && !r.didSuspendReinstating(proc, m) {
			r.logger.Debug("Stale suspension answer", zap.Stringer("pid", proc.ID()), zap.Stringer("instance", m.Instance))
		}
		return
	}

	msg, ok := env.Msg.(process.Addressed)
	if !ok {
		r.violation(proc, env.Msg, fmt.Errorf("%s names no page: %w", env.Msg.MessageName(), navigation.ErrProtocolViolation))
		return
	}
	target := msg.Addressee()

	owner, hosted := proc.PageFor(target.Instance)
	if !hosted {
		// The instance was closed while the message was in flight.
		r.logger.Debug("Dropping message for a closed page instance",
			zap.Stringer("pid", proc.ID()),
			zap.Stringer("instance", target.Instance),
			zap.String("message", msg.MessageName()))
		return
	}
	if owner != target.PageID {
		r.violation(proc, msg, fmt.Errorf("instance %s belongs to page %s, not %s: %w",
			target.Instance, owner, target.PageID, navigation.ErrProtocolViolation))
		return
	}
	if r.env.cache.Owns(proc.ID(), target.Instance) {
		r.logger.Debug("Dropping message for a retired page",
			zap.Stringer("page_id", target.PageID),
			zap.String("message", msg.MessageName()))
		return
	}

	s, ok := r.pages[target.PageID]
	if !ok {
		r.logger.Debug("Dropping message for a closed page", zap.Stringer("page_id", target.PageID))
		return
	}
	if err := s.Handle(proc, msg); err != nil {
		if isViolation(err) {
			r.violation(proc, msg, err)
			return
		}
		r.logger.Warn("Message handling failed",
			zap.Stringer("page_id", target.PageID),
			zap.String("message", msg.MessageName()),
			zap.Error(err))
	}
}

// isViolation classifies errors that mean the process contradicted its own
// declared state.
func isViolation(err error) bool {
	return errors.Is(err, navigation.ErrProtocolViolation) ||
		errors.Is(err, frame.ErrUnknownFrame) ||
		errors.Is(err, frame.ErrDuplicateFrame)
}

func (r *Registry) violation(proc *process.Process, msg process.Message, err error) {
	r.env.metrics.RecordProtocolViolation(msg.MessageName())
	r.logger.Warn("Protocol violation, terminating process",
		zap.Stringer("pid", proc.ID()),
		zap.String("message", msg.MessageName()),
		zap.Error(err))
	r.env.pool.Terminate(proc, process.ReasonProtocolViolation)
}

func (r *Registry) processTerminated(p *process.Process) {
	r.env.cache.RemoveEntriesForProcess(p.ID())
	for _, s := range r.Pages() {
		s.processDidTerminate(p)
	}
}
