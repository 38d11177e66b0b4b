package page

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/navswap/internal/backforward"
	"github.com/GriffinCanCode/navswap/internal/candidate"
	"github.com/GriffinCanCode/navswap/internal/delegate"
	"github.com/GriffinCanCode/navswap/internal/frame"
	"github.com/GriffinCanCode/navswap/internal/navigation"
	"github.com/GriffinCanCode/navswap/internal/policy"
	"github.com/GriffinCanCode/navswap/internal/process"
	"github.com/GriffinCanCode/navswap/internal/selector"
	"github.com/GriffinCanCode/navswap/internal/shared/id"
	"github.com/GriffinCanCode/navswap/internal/shared/site"
	"github.com/GriffinCanCode/navswap/internal/surface"
	"github.com/GriffinCanCode/navswap/internal/types"
)

var (
	ErrClosed          = errors.New("page closed")
	ErrNoHistoryItem   = errors.New("no such back-forward item")
	ErrNothingToReload = errors.New("nothing to reload")
	ErrNoGesture       = errors.New("no navigation gesture in progress")

	// Terminal causes that are not errors for the embedder.
	ErrPolicyIgnored       = errors.New("navigation ignored by policy")
	ErrConvertedToDownload = errors.New("navigation converted to download")
	ErrStopped             = errors.New("navigation stopped")
)

// finishedNavigations bounds how many completed navigations a ledger keeps
const finishedNavigations = 16

// PageOptions configures a new page session
type PageOptions struct {
	Delegates delegate.Delegates
	// Policies are the default website policies of the page's navigations.
	Policies *types.WebsitePolicies
	// Opener makes the page share the opener's isolation group, process and
	// session storage. The page starts out showing its initial empty
	// document.
	Opener  *Session
	Visible bool
}

// Download is a navigation handed off to the download system
type Download struct {
	ID           string          `json:"id"`
	NavigationID id.NavigationID `json:"navigation_id"`
	URL          string          `json:"url"`
	Reason       string          `json:"reason,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
}

type frameRef struct {
	tree *frame.Tree
	fid  id.FrameID
}

// Session is one page as the embedder sees it. Its id is stable; its
// instance, process, frame tree and surface change with every swap.
type Session struct {
	id        id.PageID
	env       *Environment
	delegates delegate.Delegates
	policies  *types.WebsitePolicies

	instance id.InstanceID
	proc     *process.Process
	tree     *frame.Tree
	surface  surface.Surface
	group    *selector.Group

	ledger    *navigation.Ledger
	exchange  *policy.Exchange
	list      *backforward.List
	candidate *candidate.Page

	current        map[id.FrameID]id.NavigationID
	refs           map[id.NavigationID]frameRef
	continuing     map[id.NavigationID]bool
	relaunched     map[id.NavigationID]bool
	groups         map[id.NavigationID]*selector.Group
	openerPolicies map[id.NavigationID]string

	openerPolicy        string
	documentPolicies    *types.WebsitePolicies
	hasCommitted        bool
	showingInitialEmpty bool
	visible             bool
	closed              bool
	gesture             bool

	closeSeq     id.Sequence
	closeReplies map[uint64]func(bool)

	downloads []Download
	recovery  *recovery
	logger    *zap.Logger
}

// NewPage creates a page session showing an empty document in a fresh (or
// the opener's) process.
func (e *Environment) NewPage(opts PageOptions) (*Session, error) {
	pageID := id.NewPageID()
	s := &Session{
		id:             pageID,
		env:            e,
		delegates:      opts.Delegates.WithDefaults(),
		policies:       opts.Policies.Clone(),
		current:        make(map[id.FrameID]id.NavigationID),
		refs:           make(map[id.NavigationID]frameRef),
		continuing:     make(map[id.NavigationID]bool),
		relaunched:     make(map[id.NavigationID]bool),
		groups:         make(map[id.NavigationID]*selector.Group),
		openerPolicies: make(map[id.NavigationID]string),
		openerPolicy:   types.COOPUnsafeNone,
		visible:        opts.Visible,
		closeReplies:   make(map[uint64]func(bool)),
		logger:         e.logger.Named("page").With(zap.Stringer("page_id", pageID)),
	}

	var proc *process.Process
	if opener := opts.Opener; opener != nil && !opener.closed {
		s.group = opener.group
		s.showingInitialEmpty = true
		if !opener.proc.IsTerminated() {
			proc = opener.proc
		}
	} else {
		s.group = selector.NewGroup()
	}
	if proc == nil {
		cfg := e.selector.ConfigFor(opts.Policies)
		cfg.CrossOriginIsolated = s.group.IsIsolated()
		p, err := e.pool.ProcessForSite(site.Site{}, cfg)
		if err != nil {
			return nil, fmt.Errorf("initial process for page %s: %w", pageID, err)
		}
		proc = p
	}

	s.ledger = navigation.NewLedger(pageID, navigation.Options{
		Clock:   e.sched.Now,
		Tracer:  e.tracer,
		Metrics: e.metrics,
		Logger:  e.logger,
	})
	s.exchange = policy.NewExchange(policy.Options{
		PageID:               pageID,
		Scheduler:            e.sched,
		Client:               s.delegates.Policy,
		Safety:               e.safety,
		Warnings:             s.delegates.Warnings,
		SafetyTimeout:        e.settings.SafetyTimeout,
		BlockOnSafetyTimeout: e.settings.BlockOnSafetyTimeout,
		Downloads:            e.downloads,
		Rules:                e.rules,
		IsCurrent:            s.isCurrent,
		Metrics:              e.metrics,
		Logger:               e.logger,
	})
	s.list = backforward.NewList(e.settings.HistoryCapacity)
	s.list.OnItemsRemoved(s.historyPruned)
	s.recovery = newRecovery(pageID, e.settings, e.sched.Now)

	s.attach(proc, id.NextInstanceID(), frame.NewTree(id.NextFrameID(), proc, e.logger))
	if opts.Opener != nil {
		e.network.CloneSessionStorage(opts.Opener.id, pageID)
	}
	e.registry.add(s)

	s.send(process.CreatePage{Target: s.target(), MainFrameID: s.mainFrameID(), Policies: s.policies.Clone()})
	s.logger.Info("Page created", zap.Stringer("pid", proc.ID()), zap.Bool("opened", opts.Opener != nil))
	return s, nil
}

func (s *Session) ID() id.PageID                    { return s.id }
func (s *Session) Instance() id.InstanceID          { return s.instance }
func (s *Session) Process() *process.Process        { return s.proc }
func (s *Session) Tree() *frame.Tree                { return s.tree }
func (s *Session) Surface() surface.Surface         { return s.surface }
func (s *Session) Group() *selector.Group           { return s.group }
func (s *Session) Ledger() *navigation.Ledger       { return s.ledger }
func (s *Session) History() *backforward.List       { return s.list }
func (s *Session) Candidate() *candidate.Page       { return s.candidate }
func (s *Session) IsVisible() bool                  { return s.visible }
func (s *Session) IsClosed() bool                   { return s.closed }
func (s *Session) HasCommittedLoad() bool           { return s.hasCommitted }
func (s *Session) OpenerPolicy() string             { return s.openerPolicy }
func (s *Session) Downloads() []Download            { return append([]Download(nil), s.downloads...) }
func (s *Session) CrashReloadPending() bool         { return s.recovery.pending }
func (s *Session) Policies() *types.WebsitePolicies { return s.policies.Clone() }

// URL returns the committed URL of the main frame
func (s *Session) URL() string { return s.tree.Root().URL() }

// AddFrameObserver observes the frame tree of whichever instance is active
func (s *Session) AddFrameObserver(o frame.Observer) {
	s.tree.AddObserver(o)
}

func (s *Session) mainFrameID() id.FrameID { return s.tree.Root().ID() }

func (s *Session) target() process.Target {
	return process.Target{PageID: s.id, Instance: s.instance}
}

func (s *Session) attach(proc *process.Process, instance id.InstanceID, tree *frame.Tree) {
	s.proc = proc
	s.instance = instance
	s.tree = tree
	proc.AddPage(instance, s.id)
	s.surface = s.env.surfaces.CreateFor(proc)
}

func (s *Session) send(msg process.Message) error {
	err := s.proc.Send(msg)
	if err != nil {
		s.logger.Debug("Message not delivered", zap.String("message", msg.MessageName()), zap.Error(err))
	}
	return err
}

func (s *Session) isCurrent(fid id.FrameID, nid id.NavigationID) bool {
	return s.current[fid] == nid
}

func (s *Session) event(t delegate.EventType, nav *navigation.Navigation) delegate.Event {
	e := delegate.Event{
		Type:      t,
		PageID:    s.id,
		ProcessID: s.proc.ID(),
		Time:      s.env.sched.Now(),
	}
	if nav != nil {
		e.NavigationID = nav.ID()
		e.URL = nav.URL()
	}
	return e
}

// LoadRequest navigates the main frame to req
func (s *Session) LoadRequest(req types.Request) (id.NavigationID, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if err := s.ensureProcess(); err != nil {
		return 0, err
	}
	nav := s.ledger.Create(types.KindLoad, s.proc.ID(), s.mainFrameID(), navigation.Source{Request: req})
	return s.startLoad(nav)
}

// LoadURL is LoadRequest for a GET of rawURL
func (s *Session) LoadURL(rawURL string) (id.NavigationID, error) {
	return s.LoadRequest(types.NewRequest(rawURL))
}

// LoadData displays data as if it had been loaded from baseURL
func (s *Session) LoadData(data types.SubstituteData, baseURL string) (id.NavigationID, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if err := s.ensureProcess(); err != nil {
		return 0, err
	}
	d := data
	d.BaseURL = baseURL
	nav := s.ledger.Create(types.KindSubstituteData, s.proc.ID(), s.mainFrameID(), navigation.Source{
		Request:        types.NewRequest(baseURL),
		SubstituteData: &d,
	})
	return s.startLoad(nav)
}

// Reload reloads the current history item
func (s *Session) Reload() (id.NavigationID, error) {
	if s.closed {
		return 0, ErrClosed
	}
	item := s.list.Current()
	if item == nil {
		return 0, ErrNothingToReload
	}
	if err := s.ensureProcess(); err != nil {
		return 0, err
	}
	nav := s.ledger.Create(types.KindReload, s.proc.ID(), s.mainFrameID(), navigation.Source{Request: types.NewRequest(item.URL)})
	return s.startLoad(nav)
}

func (s *Session) startLoad(nav *navigation.Navigation) (id.NavigationID, error) {
	nav.SetFromItem(s.list.Current())
	nav.SetPolicies(s.policies)
	s.beginNavigation(nav)

	err := s.send(process.LoadRequest{
		Target:         s.target(),
		NavigationID:   nav.ID(),
		Kind:           nav.Kind(),
		Request:        nav.Request().Clone(),
		SubstituteData: nav.SubstituteData(),
		Policies:       nav.Policies().Clone(),
	})
	if err != nil {
		s.failNavigation(nav, err, true)
		return nav.ID(), err
	}
	return nav.ID(), nil
}

// GoBack navigates to the previous history item
func (s *Session) GoBack() (id.NavigationID, error) {
	item := s.list.BackItem()
	if item == nil {
		return 0, ErrNoHistoryItem
	}
	return s.GoToItem(item.ID)
}

// GoForward navigates to the next history item
func (s *Session) GoForward() (id.NavigationID, error) {
	item := s.list.ForwardItem()
	if item == nil {
		return 0, ErrNoHistoryItem
	}
	return s.GoToItem(item.ID)
}

// GoToItem navigates to a history item. The current process is asked to
// navigate; the policy decision decides whether a retired page or another
// process takes over.
func (s *Session) GoToItem(itemID id.ItemID) (id.NavigationID, error) {
	if s.closed {
		return 0, ErrClosed
	}
	item, ok := s.list.ItemByID(itemID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoHistoryItem, itemID)
	}
	if err := s.ensureProcess(); err != nil {
		return 0, err
	}

	nav := s.ledger.Create(types.KindBackForward, s.proc.ID(), s.mainFrameID(), navigation.Source{Target: item})
	nav.SetFromItem(s.list.Current())
	nav.SetPolicies(s.policies)
	s.beginNavigation(nav)

	if err := s.sendGoToItem(s.proc, s.target(), nav); err != nil {
		s.failNavigation(nav, err, true)
		return nav.ID(), err
	}
	return nav.ID(), nil
}

func (s *Session) sendGoToItem(proc *process.Process, target process.Target, nav *navigation.Navigation) error {
	item := nav.TargetItem()
	state, err := backforward.EncodeFrameState(item.FrameState)
	if err != nil {
		return err
	}
	return proc.Send(process.GoToBackForwardItem{
		Target:       target,
		NavigationID: nav.ID(),
		ItemID:       item.ID,
		URL:          item.URL,
		FrameState:   state,
	})
}

// StopLoading cancels the candidate page and the provisional load of the
// active instance.
func (s *Session) StopLoading() {
	if s.closed {
		return
	}
	if c := s.candidate; c != nil {
		s.cancelCandidate(candidate.CancelStopLoading)
		s.failNavigation(c.Navigation(), ErrStopped, false)
	}
	if nav, ok := s.ledger.Get(s.current[s.mainFrameID()]); ok {
		s.failNavigation(nav, ErrStopped, false)
	}
	if !s.proc.IsTerminated() {
		s.send(process.StopLoading{Target: s.target()})
	}
}

// SetVisible shows or hides the page. Becoming visible performs a crash
// reload that was held back while hidden.
func (s *Session) SetVisible(visible bool) {
	if s.closed || s.visible == visible {
		return
	}
	s.visible = visible
	if visible && s.recovery.pending {
		s.recoverFromCrash()
	}
}

// TryClose asks the page whether it agrees to close. A process that does
// not answer a responsiveness check in time is bypassed and the page is
// closed directly. done reports whether the page closed.
func (s *Session) TryClose(done func(closed bool)) {
	if s.closed {
		if done != nil {
			done(true)
		}
		return
	}

	replyID := s.closeSeq.Next()
	finished := false
	finish := func(closed bool) {
		if finished {
			return
		}
		finished = true
		delete(s.closeReplies, replyID)
		if closed {
			s.Close()
		}
		if done != nil {
			done(closed)
		}
	}
	s.closeReplies[replyID] = finish

	if err := s.send(process.TryClose{Target: s.target(), ReplyID: replyID}); err != nil {
		finish(true)
		return
	}
	s.proc.CheckResponsiveness(s.env.sched, s.env.settings.ResponsivenessTimeout, func(responsive bool) {
		if !responsive {
			s.logger.Info("Process unresponsive, closing page without asking", zap.Stringer("pid", s.proc.ID()))
			finish(true)
		}
	})
}

func (s *Session) didReplyToTryClose(m process.TryCloseReply) {
	if fn, ok := s.closeReplies[m.ReplyID]; ok {
		fn(m.Allowed)
	}
}

// Close destroys the page. Its candidate is cancelled, its retired pages
// are dropped and processes left without pages exit.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.cancelCandidate(candidate.CancelPageClosed)
	s.exchange.Close()

	replies := s.closeReplies
	s.closeReplies = make(map[uint64]func(bool))
	for _, fn := range replies {
		fn(true)
	}

	if !s.proc.IsTerminated() {
		s.send(process.ClosePage{Target: s.target()})
	}
	s.proc.RemovePage(s.instance)
	s.env.pool.MaybeShutdown(s.proc)
	s.surface.Close()
	s.env.cache.RemoveEntriesForPage(s.id)

	for _, nav := range s.ledger.Navigations() {
		s.failNavigation(nav, ErrClosed, false)
	}
	s.ledger.DestroyAll()
	s.env.registry.remove(s.id)

	s.delegates.Navigation.DidClose(s.event(delegate.EventPageClosed, nil))
	s.logger.Info("Page closed")
}

// BeginNavigationGesture starts a swipe gesture
func (s *Session) BeginNavigationGesture() {
	if s.closed {
		return
	}
	s.gesture = true
	s.delegates.Gesture.DidBeginNavigationGesture(s.event(delegate.EventGestureBegan, nil))
}

// WillEndNavigationGesture announces how the gesture is about to end
func (s *Session) WillEndNavigationGesture(willNavigate bool, itemID id.ItemID) {
	if s.closed || !s.gesture {
		return
	}
	e := s.event(delegate.EventGestureWillEnd, nil)
	e.ItemID = itemID
	e.Reason = gestureOutcome(willNavigate)
	s.delegates.Gesture.WillEndNavigationGesture(e)
}

// EndNavigationGesture ends the gesture. A completed gesture with a target
// item navigates to it.
func (s *Session) EndNavigationGesture(completed bool, itemID id.ItemID) (id.NavigationID, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if !s.gesture {
		return 0, ErrNoGesture
	}
	s.gesture = false

	e := s.event(delegate.EventGestureEnded, nil)
	e.ItemID = itemID
	e.Reason = gestureOutcome(completed)
	s.delegates.Gesture.DidEndNavigationGesture(e)

	if !completed || itemID == "" {
		return 0, nil
	}
	return s.GoToItem(itemID)
}

func gestureOutcome(navigate bool) string {
	if navigate {
		return "navigate"
	}
	return "cancel"
}

// SessionState captures the back-forward list for persistence
func (s *Session) SessionState() backforward.State {
	return s.list.Snapshot()
}

// RestoreSession replaces the back-forward list with state. With navigate
// set the current item is loaded as a back-forward navigation.
func (s *Session) RestoreSession(state backforward.State, navigate bool) (id.NavigationID, error) {
	if s.closed {
		return 0, ErrClosed
	}
	// Retired pages are keyed by item id across the environment, so the
	// restored items must not share ids with the page they were saved from.
	items := make([]backforward.Item, len(state.Items))
	for i, it := range state.Items {
		it.ID = id.NewItemID()
		items[i] = it
	}
	state.Items = items
	s.list.Restore(state)
	s.logger.Info("Session restored", zap.Int("items", s.list.Len()), zap.Int("current", s.list.CurrentIndex()))

	current := s.list.Current()
	if !navigate || current == nil {
		return 0, nil
	}
	return s.GoToItem(current.ID)
}

func (s *Session) historyPruned(items []*backforward.Item) {
	for _, it := range items {
		if !it.HasRetiredPage() {
			continue
		}
		if p, ok := s.env.cache.TakeEntry(it.ID); ok {
			p.Close()
		}
	}
}

// ensureProcess relaunches the page in a freshly selected process when its
// process is gone.
func (s *Session) ensureProcess() error {
	if !s.proc.IsTerminated() {
		return nil
	}
	sel, err := s.env.selector.Select(selector.Request{
		Site:     site.FromURL(s.URL()),
		Policies: s.policies,
		Group:    s.group,
	})
	if err != nil {
		return fmt.Errorf("relaunch page %s: %w", s.id, err)
	}
	s.group = sel.Group

	prev := s.proc
	tree := frame.NewTree(s.mainFrameID(), sel.Process, s.env.logger)
	s.tree.TransferObservers(tree)
	s.surface.Close()
	s.attach(sel.Process, id.NextInstanceID(), tree)
	s.hasCommitted = false

	s.logger.Info("Page relaunched", zap.Stringer("pid", s.proc.ID()), zap.Stringer("previous_pid", prev.ID()))
	s.send(process.CreatePage{Target: s.target(), MainFrameID: s.mainFrameID(), Policies: s.policies.Clone()})
	s.notifyProcessChanged(prev)
	return nil
}

func (s *Session) notifyProcessChanged(prev *process.Process) {
	e := s.event(delegate.EventProcessChanged, nil)
	e.PreviousProcessID = prev.ID()
	s.delegates.Process.DidChangeProcess(e)
}
