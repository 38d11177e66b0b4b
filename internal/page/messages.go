package page

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/navswap/internal/backforward"
	"github.com/GriffinCanCode/navswap/internal/candidate"
	"github.com/GriffinCanCode/navswap/internal/delegate"
	"github.com/GriffinCanCode/navswap/internal/frame"
	"github.com/GriffinCanCode/navswap/internal/navigation"
	"github.com/GriffinCanCode/navswap/internal/process"
	"github.com/GriffinCanCode/navswap/internal/shared/id"
	"github.com/GriffinCanCode/navswap/internal/types"
)

var errAbandoned = errors.New("navigation abandoned by the content process")

// Handle processes a message from proc addressed to this page. Messages for
// the candidate are forwarded to it; messages for an instance that is no
// longer active are stale and dropped. Returned errors wrapping
// navigation.ErrProtocolViolation or a frame error make the caller
// terminate proc.
func (s *Session) Handle(proc *process.Process, msg process.Addressed) error {
	if s.closed {
		return nil
	}
	target := msg.Addressee()
	if c := s.candidate; c != nil && c.Owns(proc.ID(), target.Instance) {
		return c.Handle(msg)
	}
	if proc != s.proc || target.Instance != s.instance {
		s.logger.Debug("Dropping message for an inactive instance",
			zap.Stringer("pid", proc.ID()),
			zap.Stringer("instance", target.Instance),
			zap.String("message", msg.MessageName()))
		return nil
	}

	switch m := msg.(type) {
	case process.DecidePolicyForNavigationAction:
		return s.decidePolicyForNavigationAction(proc, m)
	case process.DecidePolicyForResponse:
		return s.decidePolicyForResponse(proc, m)
	case process.DidStartProvisionalLoad:
		return s.didStartProvisionalLoad(proc, m)
	case process.DidReceiveServerRedirect:
		return s.didReceiveServerRedirect(proc, m)
	case process.DidCommitLoad:
		return s.didCommitLoad(proc, m)
	case process.DidFailProvisionalLoad:
		return s.didFailProvisionalLoad(proc, m)
	case process.DidSameDocumentNavigation:
		return s.didSameDocumentNavigation(proc, m)
	case process.DidCreateSubframe:
		_, err := s.tree.AddChild(m.ParentID, m.FrameID, proc, m.Sandbox)
		return err
	case process.DidDestroyNavigation:
		return s.didDestroyNavigation(proc, m)
	case process.DidFirstPaint:
		s.env.cache.DidFirstPaint(s.id)
		s.delegates.Navigation.DidFirstPaint(s.event(delegate.EventFirstPaint, nil))
	case process.TryCloseReply:
		s.didReplyToTryClose(m)
	default:
		s.logger.Debug("Ignoring message", zap.String("message", msg.MessageName()))
	}
	return nil
}

// live resolves a navigation named by a message. A nil navigation with a
// nil error means the message is stale.
func (s *Session) live(proc *process.Process, nid id.NavigationID) (*navigation.Navigation, error) {
	nav, err := s.ledger.Lookup(nid, proc.ID())
	if err != nil || nav == nil {
		return nil, err
	}
	if nav.Disposition().IsTerminal() {
		return nil, nil
	}
	return nav, nil
}

func (s *Session) didStartProvisionalLoad(proc *process.Process, m process.DidStartProvisionalLoad) error {
	nav, err := s.live(proc, m.NavigationID)
	if err != nil || nav == nil {
		return err
	}
	if err := s.tree.DidStartProvisionalLoad(m.FrameID, m.URL); err != nil {
		return err
	}
	if m.FrameID == s.mainFrameID() {
		s.delegates.Navigation.DidStartProvisionalNavigation(s.event(delegate.EventProvisionalLoadStarted, nav))
	}
	return nil
}

func (s *Session) didReceiveServerRedirect(proc *process.Process, m process.DidReceiveServerRedirect) error {
	nav, err := s.live(proc, m.NavigationID)
	if err != nil || nav == nil {
		return err
	}
	if m.Request.URL != nav.Request().URL {
		if err := nav.AppendRedirect(m.Request); err != nil {
			return err
		}
	}
	if m.FrameID == s.mainFrameID() {
		s.delegates.Navigation.DidReceiveServerRedirect(s.event(delegate.EventServerRedirect, nav))
	}
	return nil
}

func (s *Session) didCommitLoad(proc *process.Process, m process.DidCommitLoad) error {
	nav, err := s.live(proc, m.NavigationID)
	if err != nil || nav == nil {
		return err
	}
	if s.current[m.FrameID] != nav.ID() {
		s.logger.Debug("Ignoring commit of a replaced navigation", zap.Stringer("navigation_id", nav.ID()))
		return nil
	}
	if err := s.tree.DidCommitLoad(m.FrameID, m.URL); err != nil {
		return err
	}

	if m.FrameID != s.mainFrameID() {
		s.commitNavigation(nav)
		return nil
	}
	item := s.recordHistory(nav, m)
	s.didCommitMainFrame(nav, item, "same_process")
	return nil
}

func (s *Session) didFailProvisionalLoad(proc *process.Process, m process.DidFailProvisionalLoad) error {
	nav, err := s.live(proc, m.NavigationID)
	if err != nil || nav == nil {
		return err
	}
	if err := s.tree.DidFailProvisionalLoad(m.FrameID, m.UnreachableURL); err != nil {
		return err
	}
	s.failNavigation(nav, fmt.Errorf("%w: %s", candidate.ErrLoadFailed, m.Error), true)
	return nil
}

// didSameDocumentNavigation commits a fragment or history API navigation.
// The document stays, so no process is selected and nothing is retired.
func (s *Session) didSameDocumentNavigation(proc *process.Process, m process.DidSameDocumentNavigation) error {
	var nav *navigation.Navigation
	if m.NavigationID == 0 {
		if _, ok := s.tree.Get(m.FrameID); !ok {
			return fmt.Errorf("same-document navigation in frame %s: %w", m.FrameID, frame.ErrUnknownFrame)
		}
		nav = s.ledger.Create(types.KindSameDocument, proc.ID(), m.FrameID, navigation.Source{Request: types.NewRequest(m.URL)})
	} else {
		found, err := s.live(proc, m.NavigationID)
		if err != nil || found == nil {
			return err
		}
		nav = found
	}

	if err := s.tree.DidSameDocumentNavigation(m.FrameID, m.URL); err != nil {
		return err
	}
	s.commitNavigation(nav)

	if m.FrameID == s.mainFrameID() {
		item := backforward.NewItem(m.URL)
		if cur := s.list.Current(); cur != nil {
			item.Title = cur.Title
		}
		s.list.AddItem(item)

		e := s.event(delegate.EventSameDocument, nav)
		e.URL = m.URL
		e.ItemID = item.ID
		s.delegates.Navigation.DidSameDocumentNavigation(e)
	}
	return nil
}

func (s *Session) didDestroyNavigation(proc *process.Process, m process.DidDestroyNavigation) error {
	nav, err := s.ledger.Lookup(m.NavigationID, proc.ID())
	if err != nil || nav == nil {
		return err
	}
	s.failNavigation(nav, errAbandoned, false)
	delete(s.openerPolicies, nav.ID())
	s.ledger.Destroy(nav.ID())
	return nil
}

// recordHistory updates the back-forward list for a committed main-frame
// navigation and returns the item now current.
func (s *Session) recordHistory(nav *navigation.Navigation, m process.DidCommitLoad) *backforward.Item {
	state, err := backforward.DecodeFrameState(m.FrameState)
	if err != nil {
		s.logger.Debug("Discarding frame state", zap.Stringer("navigation_id", nav.ID()), zap.Error(err))
	}

	var item *backforward.Item
	switch {
	case nav.Kind() == types.KindBackForward && nav.TargetItem() != nil:
		item = nav.TargetItem()
		if !s.list.GoToItem(item.ID) {
			// Pruned while the navigation was in flight.
			s.list.AddItem(item)
		}
	case nav.Kind() == types.KindReload && s.list.Current() != nil:
		item = s.list.Current()
	default:
		item = backforward.NewItem(m.URL)
		if orig := nav.OriginalRequest().URL; orig != "" {
			item.OriginalURL = orig
		}
		s.list.AddItem(item)
	}

	item.URL = m.URL
	if m.Title != "" {
		item.Title = m.Title
	}
	if state != nil {
		item.FrameState = state
	}
	return item
}

// didCommitMainFrame finishes a main-frame commit, whichever instance
// performed it. source labels where the document came from.
func (s *Session) didCommitMainFrame(nav *navigation.Navigation, item *backforward.Item, source string) {
	s.hasCommitted = true
	s.showingInitialEmpty = false
	if p, ok := s.openerPolicies[nav.ID()]; ok {
		s.openerPolicy = p
	} else {
		s.openerPolicy = types.COOPUnsafeNone
	}
	s.documentPolicies = nav.Policies()
	if g, ok := s.groups[nav.ID()]; ok {
		s.group = g
	}
	s.env.selector.Commit(s.group, nav.Site(), s.proc)
	s.commitNavigation(nav)
	s.env.metrics.RecordCommit(source)

	e := s.event(delegate.EventLoadCommitted, nav)
	e.Reason = source
	if item != nil {
		e.ItemID = item.ID
		e.URL = item.URL
	}
	s.delegates.Navigation.DidCommitNavigation(e)
	s.logger.Info("Navigation committed",
		zap.Stringer("navigation_id", nav.ID()),
		zap.Stringer("pid", s.proc.ID()),
		zap.String("source", source))
}
