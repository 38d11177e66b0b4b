package page

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/navswap/internal/candidate"
	"github.com/GriffinCanCode/navswap/internal/delegate"
	"github.com/GriffinCanCode/navswap/internal/frame"
	"github.com/GriffinCanCode/navswap/internal/navigation"
	"github.com/GriffinCanCode/navswap/internal/policy"
	"github.com/GriffinCanCode/navswap/internal/process"
	"github.com/GriffinCanCode/navswap/internal/retired"
	"github.com/GriffinCanCode/navswap/internal/selector"
	"github.com/GriffinCanCode/navswap/internal/types"
)

// beginNavigation makes nav the current navigation of its frame. The
// frame's previous navigation is replaced, and a new main-frame navigation
// cancels the candidate page of an older one.
func (s *Session) beginNavigation(nav *navigation.Navigation) {
	fid := nav.FrameID()
	if prev, ok := s.ledger.Get(s.current[fid]); ok && prev != nav {
		s.replaceNavigation(prev, nav)
	}
	s.current[fid] = nav.ID()
	if s.tree.Retain(fid) {
		s.refs[nav.ID()] = frameRef{tree: s.tree, fid: fid}
	}

	if fid == s.mainFrameID() {
		if c := s.candidate; c != nil && c.Navigation() != nav {
			s.cancelCandidate(candidate.CancelSuperseded)
		}
	}
}

func (s *Session) replaceNavigation(prev, next *navigation.Navigation) {
	if !prev.Disposition().IsTerminal() {
		_ = prev.MarkRedirectedInto(next.ID())
	}
	s.settle(prev)
}

func (s *Session) commitNavigation(nav *navigation.Navigation) {
	if err := nav.MarkCommitted(); err != nil {
		s.logger.Debug("Commit of a finished navigation", zap.Stringer("navigation_id", nav.ID()), zap.Error(err))
	}
	s.settle(nav)
}

// failNavigation ends nav with cause. notify reports it to the embedder as
// a failed provisional load; policy outcomes and cancellations stay silent.
func (s *Session) failNavigation(nav *navigation.Navigation, cause error, notify bool) {
	if nav.Disposition().IsTerminal() {
		return
	}
	_ = nav.MarkFailed(cause)
	s.settle(nav)

	if notify && nav.FrameID() == s.mainFrameID() {
		e := s.event(delegate.EventProvisionalLoadFailed, nav)
		e.Error = cause.Error()
		s.delegates.Navigation.DidFailProvisionalNavigation(e)
	}
	s.logger.Debug("Navigation failed",
		zap.Stringer("navigation_id", nav.ID()),
		zap.Bool("notified", notify),
		zap.Error(cause))
}

// settle drops what a finished navigation held and trims old entries
func (s *Session) settle(nav *navigation.Navigation) {
	if ref, ok := s.refs[nav.ID()]; ok {
		ref.tree.Release(ref.fid)
		delete(s.refs, nav.ID())
	}
	delete(s.continuing, nav.ID())
	delete(s.relaunched, nav.ID())
	delete(s.groups, nav.ID())

	finished := 0
	navs := s.ledger.Navigations()
	for _, n := range navs {
		if n.Disposition().IsTerminal() {
			finished++
		}
	}
	for _, n := range navs {
		if finished <= finishedNavigations {
			break
		}
		if n.Disposition().IsTerminal() {
			delete(s.openerPolicies, n.ID())
			s.ledger.Destroy(n.ID())
			finished--
		}
	}
}

// committedIn reports whether proc shows a committed document of this page,
// which decides whether it may adopt a new site.
// groupFor returns the group selected for nav, or the page's own until one is
func (s *Session) groupFor(nav *navigation.Navigation) *selector.Group {
	if g, ok := s.groups[nav.ID()]; ok {
		return g
	}
	return s.group
}

func (s *Session) committedIn(proc *process.Process) bool {
	if proc == s.proc {
		return s.hasCommitted
	}
	return !proc.Site().IsEmpty()
}

func (s *Session) targetIn(proc *process.Process) process.Target {
	if c := s.candidate; c != nil && c.Process() == proc {
		return process.Target{PageID: s.id, Instance: c.Instance()}
	}
	return s.target()
}

func sendReply(logger *zap.Logger, proc *process.Process, msg process.PolicyReply) {
	if err := proc.Send(msg); err != nil {
		logger.Debug("Policy reply not delivered", zap.Stringer("navigation_id", msg.NavigationID), zap.Error(err))
	}
}

func (s *Session) decidePolicyForNavigationAction(proc *process.Process, m process.DecidePolicyForNavigationAction) error {
	reply := func(nav *navigation.Navigation, action policy.Action, downloadID string) {
		msg := process.PolicyReply{Target: m.Target, ReplyID: m.ReplyID, NavigationID: m.NavigationID, Action: action.String(), DownloadID: downloadID}
		if nav != nil {
			msg.NavigationID = nav.ID()
		}
		sendReply(s.logger, proc, msg)
	}

	var nav *navigation.Navigation
	if m.NavigationID == 0 {
		// Started by the content process itself: a link, a form or script.
		if _, ok := s.treeFor(proc).Get(m.FrameID); !ok {
			return frame.ErrUnknownFrame
		}
		nav = s.ledger.Create(m.Action.Kind, proc.ID(), m.FrameID, navigation.Source{Request: m.Action.Request})
		nav.SetPolicies(s.policies)
		if m.Action.IsMainFrame {
			nav.SetFromItem(s.list.Current())
		}
		s.beginNavigation(nav)
	} else {
		found, err := s.ledger.Lookup(m.NavigationID, proc.ID())
		if err != nil {
			return err
		}
		if found == nil || found.Disposition().IsTerminal() {
			reply(nil, policy.ActionIgnore, "")
			return nil
		}
		nav = found
	}

	if m.Action.IsRedirect && m.Action.Request.URL != nav.Request().URL {
		if err := nav.AppendRedirect(m.Action.Request); err != nil {
			reply(nav, policy.ActionIgnore, "")
			return nil
		}
	}
	if s.continuing[nav.ID()] && m.Action.IsMainFrame && !m.Action.IsRedirect {
		// A load continued in place after its request was rewritten.
		delete(s.continuing, nav.ID())
		nav.SetLastAction(m.Action)
		reply(nav, policy.ActionUse, "")
		return nil
	}

	s.exchange.RequestActionPolicy(nav, m.Action, func(d policy.Decision) {
		s.didDecideActionPolicy(proc, nav, m, d, func(a policy.Action, downloadID string) { reply(nav, a, downloadID) })
	})
	return nil
}

func (s *Session) didDecideActionPolicy(proc *process.Process, nav *navigation.Navigation, m process.DecidePolicyForNavigationAction, d policy.Decision, reply func(policy.Action, string)) {
	if s.closed {
		return
	}
	if d.Stale {
		reply(policy.ActionIgnore, "")
		return
	}

	switch d.Action {
	case policy.ActionUse:
	case policy.ActionDownload:
		dl := s.startDownload(nav, d.Reason)
		reply(policy.ActionDownload, dl.ID)
		s.dropCandidateFor(nav)
		return
	default:
		reply(policy.ActionIgnore, "")
		s.failNavigation(nav, ErrPolicyIgnored, false)
		s.dropCandidateFor(nav)
		return
	}

	if err := nav.MarkDecided(); err != nil {
		reply(policy.ActionIgnore, "")
		return
	}
	if d.RequestProcessSwap {
		nav.SetClientRequestedSwap(true)
	}
	rewritten := false
	if d.Request != nil {
		rewritten = nav.ReplaceRequest(*d.Request) == nil
	}

	if !m.Action.IsMainFrame {
		reply(policy.ActionUse, "")
		return
	}

	sel, err := s.env.selector.Select(selector.Request{
		Site:                nav.Site(),
		Current:             proc,
		CurrentHasCommitted: s.committedIn(proc),
		Policies:            nav.Policies(),
		Group:               s.groupFor(nav),
		TargetItem:          nav.TargetItem(),
		// A candidate is already the requested process.
		ClientRequestedSwap: nav.ClientRequestedSwap() && proc == s.proc,
	})
	if err != nil {
		reply(policy.ActionIgnore, "")
		s.failNavigation(nav, err, true)
		s.dropCandidateFor(nav)
		return
	}
	s.groups[nav.ID()] = sel.Group

	if !sel.IsSwap {
		if !rewritten {
			reply(policy.ActionUse, "")
			return
		}
		reply(policy.ActionLoadWillContinueElsewhere, "")
		s.continueInPlace(proc, nav)
		return
	}

	reply(policy.ActionLoadWillContinueElsewhere, "")
	s.startCandidate(nav, sel, m.Action.IsRedirect)
}

// continueInPlace restarts nav in proc without asking the embedder again
func (s *Session) continueInPlace(proc *process.Process, nav *navigation.Navigation) {
	s.continuing[nav.ID()] = true
	target := s.targetIn(proc)

	var err error
	if nav.TargetItem() != nil && nav.Request().IsEmpty() {
		err = s.sendGoToItem(proc, target, nav)
	} else {
		err = proc.Send(process.LoadRequest{
			Target:             target,
			NavigationID:       nav.ID(),
			Kind:               nav.Kind(),
			Request:            nav.Request().Clone(),
			SubstituteData:     nav.SubstituteData(),
			Policies:           nav.Policies().Clone(),
			ExistingNavigation: true,
		})
	}
	if err != nil {
		s.failNavigation(nav, err, true)
	}
}

func (s *Session) decidePolicyForResponse(proc *process.Process, m process.DecidePolicyForResponse) error {
	reply := func(action policy.Action, downloadID string) {
		sendReply(s.logger, proc, process.PolicyReply{
			Target:       m.Target,
			ReplyID:      m.ReplyID,
			NavigationID: m.NavigationID,
			Action:       action.String(),
			DownloadID:   downloadID,
		})
	}

	nav, err := s.ledger.Lookup(m.NavigationID, proc.ID())
	if err != nil {
		return err
	}
	if nav == nil || nav.Disposition().IsTerminal() {
		reply(policy.ActionIgnore, "")
		return nil
	}

	s.exchange.RequestResponsePolicy(nav, m.Response, func(d policy.Decision) {
		s.didDecideResponsePolicy(proc, nav, m.Response, d, reply)
	})
	return nil
}

func (s *Session) didDecideResponsePolicy(proc *process.Process, nav *navigation.Navigation, resp types.Response, d policy.Decision, reply func(policy.Action, string)) {
	if s.closed {
		return
	}
	if d.Stale {
		reply(policy.ActionIgnore, "")
		return
	}

	switch d.Action {
	case policy.ActionUse:
	case policy.ActionDownload:
		dl := s.startDownload(nav, d.Reason)
		reply(policy.ActionDownload, dl.ID)
		s.dropCandidateFor(nav)
		return
	default:
		reply(policy.ActionIgnore, "")
		s.failNavigation(nav, ErrPolicyIgnored, false)
		s.dropCandidateFor(nav)
		return
	}

	if nav.FrameID() != s.mainFrameID() {
		reply(policy.ActionUse, "")
		return
	}

	coop := resp.EffectiveOpenerPolicy()
	s.openerPolicies[nav.ID()] = coop
	swap, isolate := s.openerPolicySwap(proc, coop)
	if !swap {
		reply(policy.ActionUse, "")
		return
	}

	req := selector.Request{
		Site:                nav.Site(),
		Current:             proc,
		CurrentHasCommitted: true,
		Policies:            nav.Policies(),
		ForceIsolation:      isolate,
	}
	if !isolate {
		// Leaving isolation: a fresh process in a fresh, ordinary group.
		req.Group = selector.NewGroup()
		req.ClientRequestedSwap = true
	}
	sel, err := s.env.selector.Select(req)
	if err != nil {
		reply(policy.ActionIgnore, "")
		s.failNavigation(nav, err, true)
		s.dropCandidateFor(nav)
		return
	}

	s.logger.Info("Opener policy requires a new process",
		zap.Stringer("navigation_id", nav.ID()),
		zap.String("opener_policy", coop),
		zap.Stringer("pid", sel.Process.ID()))
	reply(policy.ActionLoadWillContinueElsewhere, "")
	s.groups[nav.ID()] = sel.Group
	s.startCandidate(nav, sel, false)
}

// openerPolicySwap decides whether a response with opener policy coop may
// be displayed by host. The active document's policy must match; a
// candidate's process must match the isolation the policy asks for.
func (s *Session) openerPolicySwap(host *process.Process, coop string) (swap, isolate bool) {
	if !s.env.settings.SwapOnOpenerPolicy {
		return false, false
	}
	isolate = coop != types.COOPUnsafeNone
	if host == s.proc {
		return coop != s.openerPolicy, isolate
	}
	return isolate != host.Config().CrossOriginIsolated, isolate
}

func (s *Session) startDownload(nav *navigation.Navigation, reason string) Download {
	dl := Download{
		ID:           uuid.NewString(),
		NavigationID: nav.ID(),
		URL:          nav.URL(),
		Reason:       reason,
		StartedAt:    s.env.sched.Now(),
	}
	s.downloads = append(s.downloads, dl)
	s.failNavigation(nav, ErrConvertedToDownload, false)

	e := s.event(delegate.EventDownloadStarted, nav)
	e.DownloadID = dl.ID
	e.Reason = reason
	s.delegates.Navigation.DidStartDownload(e)
	s.logger.Info("Navigation became a download", zap.Stringer("navigation_id", nav.ID()), zap.String("download_id", dl.ID))
	return dl
}

// startCandidate replaces any outstanding candidate with one hosting nav in
// the selected process, reinstating the selected retired page if the cache
// still holds it.
func (s *Session) startCandidate(nav *navigation.Navigation, sel selector.Result, serverRedirect bool) {
	s.cancelCandidate(candidate.CancelSuperseded)

	var page *retired.Page
	if sel.Retired != nil {
		if taken, ok := s.env.cache.TakeEntry(sel.Retired.Item().ID); ok {
			page = taken
		}
	}

	c := candidate.New(candidate.Options{
		PageID:    s.id,
		Scheduler: s.env.sched,
		Network:   s.env.network,
		Reaper:    s.env.pool,
		Host:      s,
		Metrics:   s.env.metrics,
		Logger:    s.env.logger,
	}, candidate.Params{
		Process:              sel.Process,
		Navigation:           nav,
		MainFrameID:          s.mainFrameID(),
		Policies:             nav.Policies(),
		Retired:              page,
		DelayUntilFirstPaint: s.env.settings.DelayUntilFirstPaint,
		ServerRedirect:       serverRedirect,
	})
	s.candidate = c
	s.logger.Info("Candidate page created",
		zap.Stringer("navigation_id", nav.ID()),
		zap.Stringer("pid", c.Process().ID()),
		zap.String("reason", string(sel.Reason)),
		zap.Bool("retired", page != nil))
	c.Load()
}

func (s *Session) cancelCandidate(reason string) {
	c := s.candidate
	if c == nil {
		return
	}
	s.candidate = nil
	c.Cancel(reason)
}

// dropCandidateFor cancels the candidate hosting nav, if any
func (s *Session) dropCandidateFor(nav *navigation.Navigation) {
	if c := s.candidate; c != nil && c.Navigation() == nav {
		s.cancelCandidate(candidate.CancelDeclined)
	}
}

func (s *Session) treeFor(proc *process.Process) *frame.Tree {
	if c := s.candidate; c != nil && c.Process() == proc && proc != s.proc {
		return c.Tree()
	}
	return s.tree
}
