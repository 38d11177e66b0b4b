package page

import (
	"errors"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/navswap/internal/candidate"
	"github.com/GriffinCanCode/navswap/internal/delegate"
	"github.com/GriffinCanCode/navswap/internal/frame"
	"github.com/GriffinCanCode/navswap/internal/navigation"
	"github.com/GriffinCanCode/navswap/internal/process"
	"github.com/GriffinCanCode/navswap/internal/retired"
	"github.com/GriffinCanCode/navswap/internal/selector"
	"github.com/GriffinCanCode/navswap/internal/shared/id"
	"github.com/GriffinCanCode/navswap/internal/surface"
	"github.com/GriffinCanCode/navswap/internal/types"
)

var _ candidate.Host = (*Session)(nil)

// CandidateDidStartProvisionalLoad implements candidate.Host
func (s *Session) CandidateDidStartProvisionalLoad(c *candidate.Page, url string) {
	if c != s.candidate {
		return
	}
	e := s.event(delegate.EventProvisionalLoadStarted, c.Navigation())
	e.ProcessID = c.Process().ID()
	e.URL = url
	s.delegates.Navigation.DidStartProvisionalNavigation(e)
}

// CandidateDidReceiveServerRedirect implements candidate.Host
func (s *Session) CandidateDidReceiveServerRedirect(c *candidate.Page, req types.Request) {
	if c != s.candidate {
		return
	}
	e := s.event(delegate.EventServerRedirect, c.Navigation())
	e.ProcessID = c.Process().ID()
	e.URL = req.URL
	s.delegates.Navigation.DidReceiveServerRedirect(e)
}

// CandidateDidCommit implements candidate.Host
func (s *Session) CandidateDidCommit(c *candidate.Page, msg process.DidCommitLoad) {
	if c != s.candidate {
		return
	}
	s.candidate = nil
	s.commit(c, msg)
}

// CandidateDidFail implements candidate.Host. Two failures route the
// navigation again instead of failing it: a retired page that could not be
// resumed, and the first loss of the candidate's process before it
// committed. A second process loss fails the navigation.
func (s *Session) CandidateDidFail(c *candidate.Page, err error) {
	if c != s.candidate {
		return
	}
	s.candidate = nil
	nav := c.Navigation()
	if nav.Disposition().IsTerminal() {
		return
	}

	switch {
	case errors.Is(err, candidate.ErrRetiredUnavailable):
		s.logger.Info("Retired page unavailable, loading normally", zap.Stringer("navigation_id", nav.ID()))
		err = s.reroute(nav)
	case errors.Is(err, process.ErrTerminated) && reloadsAfter(c.Process().TerminationReason()) && !s.relaunched[nav.ID()]:
		s.relaunched[nav.ID()] = true
		s.logger.Info("Candidate process gone before commit, loading elsewhere",
			zap.Stringer("navigation_id", nav.ID()),
			zap.Stringer("pid", c.Process().ID()))
		err = s.reroute(nav)
	}
	if err != nil {
		s.failNavigation(nav, err, true)
	}
}

// reroute selects a process for nav again and continues it there
func (s *Session) reroute(nav *navigation.Navigation) error {
	sel, err := s.env.selector.Select(selector.Request{
		Site:                nav.Site(),
		Current:             s.proc,
		CurrentHasCommitted: s.hasCommitted,
		Policies:            nav.Policies(),
		Group:               s.groupFor(nav),
		ClientRequestedSwap: nav.ClientRequestedSwap(),
	})
	if err != nil {
		return err
	}
	s.groups[nav.ID()] = sel.Group
	if sel.IsSwap {
		s.startCandidate(nav, sel, false)
		return nil
	}
	nav.SetProcess(s.proc.ID())
	s.continueInPlace(s.proc, nav)
	return nil
}

// CandidateDecidePolicyForNavigationAction implements candidate.Host
func (s *Session) CandidateDecidePolicyForNavigationAction(c *candidate.Page, msg process.DecidePolicyForNavigationAction) error {
	return s.decidePolicyForNavigationAction(c.Process(), msg)
}

// CandidateDecidePolicyForResponse implements candidate.Host
func (s *Session) CandidateDecidePolicyForResponse(c *candidate.Page, msg process.DecidePolicyForResponse) error {
	return s.decidePolicyForResponse(c.Process(), msg)
}

// commit makes the committed candidate c the active instance. The outgoing
// instance is retired into the cache, kept as a flash guard until the new
// document paints, or closed.
func (s *Session) commit(c *candidate.Page, m process.DidCommitLoad) {
	nav := c.Navigation()
	incoming := c.Process()
	prevProc, prevInstance, prevTree, prevSurface := s.proc, s.instance, s.tree, s.surface
	adm := retired.Admission{
		From:                        s.list.Current(),
		HasCommittedLoad:            s.hasCommitted,
		ShowingInitialEmptyDocument: s.showingInitialEmpty,
		Disabled:                    s.documentPolicies != nil && s.documentPolicies.DisableBackForwardCache,
	}

	// Navigations still running in the outgoing instance lose to this one.
	for _, other := range s.ledger.Navigations() {
		if other != nav && other.ProcessID() == prevProc.ID() && !other.Disposition().IsTerminal() {
			s.replaceNavigation(other, nav)
		}
	}
	for fid, nid := range s.current {
		if _, ok := c.Tree().Get(fid); !ok && nid != nav.ID() {
			delete(s.current, fid)
		}
	}

	prevTree.TransferObservers(c.Tree())
	s.attach(incoming, c.Instance(), c.Tree())
	s.current[s.mainFrameID()] = nav.ID()

	adm.To = s.recordHistory(nav, m)
	s.retire(prevProc, prevInstance, prevTree, prevSurface, adm, c.DelayUntilFirstPaint())

	source := "candidate"
	if c.Retired() != nil {
		source = "retired"
	}
	if prevProc != incoming {
		s.notifyProcessChanged(prevProc)
	}
	s.didCommitMainFrame(nav, adm.To, source)
}

// retire disposes of the outgoing instance after a swap
func (s *Session) retire(proc *process.Process, instance id.InstanceID, tree *frame.Tree, surf surface.Surface, adm retired.Admission, delay bool) {
	defer surf.Close()

	if proc.IsTerminated() {
		proc.RemovePage(instance)
		return
	}
	page := retired.NewPage(s.id, instance, proc, tree, adm.From)
	if s.env.cache.AddEntry(adm, page) {
		s.logger.Debug("Outgoing page retired", zap.Stringer("pid", proc.ID()), zap.Stringer("item_id", adm.From.ID))
		return
	}
	if delay && !surf.SupportsInstantSwap() {
		s.env.cache.AddFlashGuard(s.id, page)
		return
	}
	page.Close()
	s.env.pool.MaybeShutdown(proc)
}
