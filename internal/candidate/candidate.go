// Package candidate implements the page instance prepared in a new content
// process while a navigation is being swapped.
//
// A candidate is invisible to the embedder until it commits. It either
// commits, after which the page session takes over its process and frame
// tree, or it is cancelled, after which its process is told to abandon the
// load and the page instance is destroyed there.
package candidate

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/navswap/internal/backforward"
	"github.com/GriffinCanCode/navswap/internal/frame"
	"github.com/GriffinCanCode/navswap/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/navswap/internal/loop"
	"github.com/GriffinCanCode/navswap/internal/navigation"
	"github.com/GriffinCanCode/navswap/internal/network"
	"github.com/GriffinCanCode/navswap/internal/policy"
	"github.com/GriffinCanCode/navswap/internal/process"
	"github.com/GriffinCanCode/navswap/internal/retired"
	"github.com/GriffinCanCode/navswap/internal/shared/id"
	"github.com/GriffinCanCode/navswap/internal/shared/site"
	"github.com/GriffinCanCode/navswap/internal/types"
)

var (
	ErrRetiredUnavailable = errors.New("retired page could not be resumed")
	ErrLoadFailed         = errors.New("provisional load failed")
)

// State of a candidate page
type State int

const (
	StateCreated State = iota
	StateLoading
	StateCommitted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateLoading:
		return "loading"
	case StateCommitted:
		return "committed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Cancellation reasons
const (
	CancelSuperseded  = "superseded"
	CancelStopLoading = "stop_loading"
	CancelTerminated  = "process_terminated"
	CancelFailed      = "failed"
	CancelPageClosed  = "page_closed"
	CancelDeclined    = "declined"
)

// Host is the page session a candidate works for. Callbacks run on the
// scheduler.
type Host interface {
	CandidateDidStartProvisionalLoad(c *Page, url string)
	CandidateDidReceiveServerRedirect(c *Page, req types.Request)
	CandidateDidCommit(c *Page, msg process.DidCommitLoad)
	CandidateDidFail(c *Page, err error)
	CandidateDecidePolicyForNavigationAction(c *Page, msg process.DecidePolicyForNavigationAction) error
	CandidateDecidePolicyForResponse(c *Page, msg process.DecidePolicyForResponse) error
}

// Options are shared by every candidate of one page session
type Options struct {
	PageID    id.PageID
	Scheduler loop.Scheduler
	Network   network.Broker
	Reaper    retired.Reaper
	Host      Host
	Metrics   *monitoring.Metrics
	Logger    *zap.Logger
}

// Params describe one candidate
type Params struct {
	Process    *process.Process
	Navigation *navigation.Navigation
	// MainFrameID is reused from the page's current main frame.
	MainFrameID id.FrameID
	Policies    *types.WebsitePolicies
	// Retired is a page taken from the retired page cache. Its process,
	// instance and live frame tree are reused and no network load is issued.
	Retired *retired.Page
	// DelayUntilFirstPaint keeps the outgoing page on screen until the
	// candidate paints.
	DelayUntilFirstPaint bool
	// ServerRedirect is set when a server redirect caused the swap.
	ServerRedirect bool
}

// Page is a candidate page
type Page struct {
	opts     Options
	instance id.InstanceID
	proc     *process.Process
	tree     *frame.Tree
	nav      *navigation.Navigation
	retired  *retired.Page
	policies *types.WebsitePolicies

	state                State
	seq                  *loop.Sequence
	delayUntilFirstPaint bool
	serverRedirect       bool
	cancelReason         string
	logger               *zap.Logger
}

// New creates a candidate in the Created state. Call Load to start it.
func New(opts Options, p Params) *Page {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Network == nil {
		opts.Network = network.Noop{}
	}

	c := &Page{
		opts:                 opts,
		nav:                  p.Navigation,
		retired:              p.Retired,
		policies:             p.Policies.Clone(),
		delayUntilFirstPaint: p.DelayUntilFirstPaint,
		serverRedirect:       p.ServerRedirect,
	}
	if p.Retired != nil {
		c.proc = p.Retired.Process()
		c.instance = p.Retired.Instance()
		c.tree = p.Retired.Tree()
	} else {
		c.proc = p.Process
		c.instance = id.NextInstanceID()
		c.tree = frame.NewTree(p.MainFrameID, p.Process, opts.Logger)
	}
	c.proc.AddPage(c.instance, opts.PageID)
	c.nav.SetProcess(c.proc.ID())
	c.tree.Retain(c.tree.Root().ID())

	c.logger = opts.Logger.Named("candidate").With(
		zap.Stringer("page_id", opts.PageID),
		zap.Stringer("navigation_id", c.nav.ID()),
		zap.Stringer("pid", c.proc.ID()),
		zap.Stringer("instance", c.instance))
	opts.Metrics.IncCandidatesCreated()
	return c
}

func (c *Page) Instance() id.InstanceID            { return c.instance }
func (c *Page) Process() *process.Process          { return c.proc }
func (c *Page) Tree() *frame.Tree                  { return c.tree }
func (c *Page) Navigation() *navigation.Navigation { return c.nav }
func (c *Page) Retired() *retired.Page             { return c.retired }
func (c *Page) Policies() *types.WebsitePolicies   { return c.policies }
func (c *Page) State() State                       { return c.state }
func (c *Page) MainFrameID() id.FrameID            { return c.tree.Root().ID() }
func (c *Page) DelayUntilFirstPaint() bool         { return c.delayUntilFirstPaint }
func (c *Page) CancelReason() string               { return c.cancelReason }

// IsTerminal reports whether the candidate committed or was cancelled
func (c *Page) IsTerminal() bool {
	return c.state == StateCommitted || c.state == StateCancelled
}

// Step names the load step in progress, or ""
func (c *Page) Step() string {
	if c.seq == nil {
		return ""
	}
	return c.seq.Current()
}

func (c *Page) target() process.Target {
	return process.Target{PageID: c.opts.PageID, Instance: c.instance}
}

// Owns reports whether a message from pid for instance belongs here
func (c *Page) Owns(pid id.ProcessID, instance id.InstanceID) bool {
	return c.proc.ID() == pid && c.instance == instance
}

// Load sends the load instruction to the candidate's process. Each
// asynchronous dependency is one step of a sequence so that cancelling the
// candidate stops the chain wherever it is.
func (c *Page) Load() {
	if c.state != StateCreated {
		return
	}
	c.state = StateLoading
	c.seq = loop.NewSequence(c.opts.Scheduler)

	if c.retired != nil {
		c.seq.
			Then("resume", c.resumeRetired).
			Then("navigate", c.goToItem)
	} else {
		c.seq.
			Then("sandbox", c.grantSandbox).
			Then("cookies", c.allowCookies).
			Then("create", c.createPage).
			Then("load", c.load)
	}

	c.logger.Debug("Candidate loading", zap.String("url", c.nav.URL()), zap.Bool("retired", c.retired != nil))
	c.seq.Start(nil)
}

func (c *Page) resumeRetired(next func()) {
	c.retired.WaitUntilReady(func(p *retired.Page) {
		if c.IsTerminal() {
			return
		}
		if p == nil || !p.Resume() {
			c.opts.Scheduler.Dispatch(func() { c.fail(ErrRetiredUnavailable) })
			return
		}
		next()
	})
}

func (c *Page) grantSandbox(next func()) {
	c.opts.Network.GrantSandboxExtension(c.proc.ID(), c.nav.URL(), func(err error) {
		if err != nil {
			c.opts.Scheduler.Dispatch(func() { c.fail(fmt.Errorf("sandbox extension: %w", err)) })
			return
		}
		next()
	})
}

func (c *Page) allowCookies(next func()) {
	domain := site.FromURL(c.nav.URL()).Domain
	c.opts.Network.AllowFirstPartyCookies(c.proc.ID(), domain, func() {
		c.opts.Scheduler.Dispatch(func() {
			if c.IsTerminal() {
				return
			}
			if domain != "" && !c.send(process.AllowCookies{Domain: domain}) {
				return
			}
			next()
		})
	})
}

func (c *Page) createPage(next func()) {
	if c.send(process.CreatePage{Target: c.target(), MainFrameID: c.MainFrameID(), Policies: c.policies.Clone()}) {
		next()
	}
}

func (c *Page) load(next func()) {
	if c.nav.TargetItem() != nil && c.nav.Request().IsEmpty() {
		c.goToItem(next)
		return
	}
	if c.send(process.LoadRequest{
		Target:             c.target(),
		NavigationID:       c.nav.ID(),
		Kind:               c.nav.Kind(),
		Request:            c.nav.Request().Clone(),
		SubstituteData:     c.nav.SubstituteData(),
		Policies:           c.policies.Clone(),
		ExistingNavigation: true,
	}) {
		next()
	}
}

func (c *Page) goToItem(next func()) {
	item := c.nav.TargetItem()
	if item == nil {
		c.fail(fmt.Errorf("back-forward navigation %s has no target item", c.nav.ID()))
		return
	}
	state, err := backforward.EncodeFrameState(item.FrameState)
	if err != nil {
		c.fail(err)
		return
	}
	if c.send(process.GoToBackForwardItem{
		Target:       c.target(),
		NavigationID: c.nav.ID(),
		ItemID:       item.ID,
		URL:          item.URL,
		FrameState:   state,
	}) {
		next()
	}
}

func (c *Page) send(msg process.Message) bool {
	if err := c.proc.Send(msg); err != nil {
		c.logger.Debug("Candidate message not delivered", zap.String("message", msg.MessageName()), zap.Error(err))
		c.fail(err)
		return false
	}
	return true
}

// accepts filters messages addressed to the candidate. Messages for another
// frame or another navigation are stale, not violations.
func (c *Page) accepts(fid id.FrameID, nid id.NavigationID) bool {
	if c.IsTerminal() {
		return false
	}
	if fid != c.MainFrameID() || nid != c.nav.ID() {
		c.logger.Debug("Ignoring stale candidate message",
			zap.Stringer("frame_id", fid),
			zap.Stringer("message_navigation_id", nid))
		return false
	}
	return true
}

// Handle processes a message from the candidate's process
func (c *Page) Handle(msg process.Message) error {
	switch m := msg.(type) {
	case process.DidStartProvisionalLoad:
		if !c.accepts(m.FrameID, m.NavigationID) {
			return nil
		}
		if err := c.tree.DidStartProvisionalLoad(m.FrameID, m.URL); err != nil {
			return err
		}
		if c.serverRedirect {
			// The embedder saw the load start in the old process; the new
			// process starting it again is the redirect.
			c.opts.Host.CandidateDidReceiveServerRedirect(c, c.nav.Request())
			return nil
		}
		c.opts.Host.CandidateDidStartProvisionalLoad(c, m.URL)

	case process.DidReceiveServerRedirect:
		if !c.accepts(m.FrameID, m.NavigationID) {
			return nil
		}
		if err := c.nav.AppendRedirect(m.Request); err != nil {
			return err
		}
		c.opts.Host.CandidateDidReceiveServerRedirect(c, m.Request)

	case process.DecidePolicyForNavigationAction:
		if c.IsTerminal() {
			return nil
		}
		if m.NavigationID == c.nav.ID() && m.FrameID == c.MainFrameID() && !m.Action.IsRedirect {
			// The load continues here; the embedder already decided.
			c.nav.SetLastAction(m.Action)
			c.send(process.PolicyReply{
				Target:       c.target(),
				ReplyID:      m.ReplyID,
				NavigationID: m.NavigationID,
				Action:       policy.ActionUse.String(),
			})
			return nil
		}
		return c.opts.Host.CandidateDecidePolicyForNavigationAction(c, m)

	case process.DecidePolicyForResponse:
		if !c.accepts(m.FrameID, m.NavigationID) {
			return nil
		}
		return c.opts.Host.CandidateDecidePolicyForResponse(c, m)

	case process.DidCommitLoad:
		if !c.accepts(m.FrameID, m.NavigationID) {
			return nil
		}
		if err := c.tree.DidCommitLoad(m.FrameID, m.URL); err != nil {
			return err
		}
		c.state = StateCommitted
		c.tree.Release(c.MainFrameID())
		c.logger.Debug("Candidate committed", zap.String("url", m.URL))
		c.opts.Host.CandidateDidCommit(c, m)

	case process.DidFailProvisionalLoad:
		if !c.accepts(m.FrameID, m.NavigationID) {
			return nil
		}
		if err := c.tree.DidFailProvisionalLoad(m.FrameID, m.UnreachableURL); err != nil {
			return err
		}
		c.fail(fmt.Errorf("%w: %s", ErrLoadFailed, m.Error))

	case process.DidCreateSubframe:
		if c.IsTerminal() {
			return nil
		}
		if _, err := c.tree.AddChild(m.ParentID, m.FrameID, c.proc, m.Sandbox); err != nil {
			return err
		}

	default:
		c.logger.Debug("Candidate ignoring message", zap.String("message", msg.MessageName()))
	}
	return nil
}

// Cancel abandons the candidate. The process is told to stop and the page
// instance is destroyed there. Cancelling a committed or already cancelled
// candidate is a no-op and returns false.
func (c *Page) Cancel(reason string) bool {
	if c.IsTerminal() {
		return false
	}
	c.state = StateCancelled
	c.cancelReason = reason
	if c.seq != nil {
		c.seq.Cancel()
	}
	c.tree.Release(c.MainFrameID())

	if c.retired != nil && c.retired.State() != retired.Resumed {
		// Never resumed: the retired page still owns the instance.
		c.retired.Close()
	} else {
		if !c.proc.IsTerminated() {
			if err := c.proc.Send(process.StopLoading{Target: c.target()}); err != nil {
				c.logger.Debug("Stop request not delivered", zap.Error(err))
			}
			if err := c.proc.Send(process.ClosePage{Target: c.target()}); err != nil {
				c.logger.Debug("Close request not delivered", zap.Error(err))
			}
		}
		c.proc.RemovePage(c.instance)
		if c.opts.Reaper != nil {
			c.opts.Reaper.MaybeShutdown(c.proc)
		}
	}

	c.opts.Metrics.RecordCandidateCancelled(reason)
	c.logger.Debug("Candidate cancelled", zap.String("reason", reason))
	return true
}

// DidTerminate cancels the candidate because its process went away and
// reports the failure to the host. A retired page lost before it resumed is
// reported as unavailable.
func (c *Page) DidTerminate() {
	if c.IsTerminal() {
		return
	}
	err := process.ErrTerminated
	if c.retired != nil && c.retired.State() != retired.Resumed {
		err = ErrRetiredUnavailable
	}
	c.Cancel(CancelTerminated)
	c.opts.Host.CandidateDidFail(c, err)
}

func (c *Page) fail(err error) {
	if c.IsTerminal() {
		return
	}
	c.logger.Info("Candidate failed", zap.Error(err))
	c.Cancel(CancelFailed)
	c.opts.Host.CandidateDidFail(c, err)
}

// Snapshot is a read-only view for the inspector
type Snapshot struct {
	Instance     id.InstanceID   `json:"instance"`
	ProcessID    id.ProcessID    `json:"pid"`
	NavigationID id.NavigationID `json:"navigation_id"`
	URL          string          `json:"url"`
	State        string          `json:"state"`
	Step         string          `json:"step,omitempty"`
	Retired      bool            `json:"retired,omitempty"`
}

// Snapshot returns a read-only view of the candidate
func (c *Page) Snapshot() Snapshot {
	return Snapshot{
		Instance:     c.instance,
		ProcessID:    c.proc.ID(),
		NavigationID: c.nav.ID(),
		URL:          c.nav.URL(),
		State:        c.state.String(),
		Step:         c.Step(),
		Retired:      c.retired != nil,
	}
}
