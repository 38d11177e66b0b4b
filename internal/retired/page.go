package retired

import (
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/navswap/internal/backforward"
	"github.com/GriffinCanCode/navswap/internal/frame"
	"github.com/GriffinCanCode/navswap/internal/loop"
	"github.com/GriffinCanCode/navswap/internal/process"
	"github.com/GriffinCanCode/navswap/internal/shared/id"
)

// SuspensionState of a retired page
type SuspensionState int

const (
	Suspending SuspensionState = iota
	Suspended
	FailedToSuspend
	Resumed
)

func (s SuspensionState) String() string {
	switch s {
	case Suspending:
		return "suspending"
	case Suspended:
		return "suspended"
	case FailedToSuspend:
		return "failed_to_suspend"
	case Resumed:
		return "resumed"
	default:
		return "unknown"
	}
}

// Page is a page incarnation kept alive in its process after the page
// navigated away from it.
type Page struct {
	pageID   id.PageID
	instance id.InstanceID
	proc     *process.Process
	tree     *frame.Tree
	item     *backforward.Item

	state      SuspensionState
	timer      loop.Timer
	waiters    []func(*Page)
	closed     bool
	flashGuard bool

	// set by the cache when the page is admitted
	onFatal func(*Page, string)
	reaper  Reaper
	logger  *zap.Logger
}

// NewPage wraps an outgoing page incarnation. Nothing is sent to the process
// until the page is admitted to the cache or kept as a flash guard.
func NewPage(pageID id.PageID, instance id.InstanceID, proc *process.Process, tree *frame.Tree, item *backforward.Item) *Page {
	return &Page{
		pageID:   pageID,
		instance: instance,
		proc:     proc,
		tree:     tree,
		item:     item,
		logger:   zap.NewNop(),
	}
}

func (p *Page) PageID() id.PageID         { return p.pageID }
func (p *Page) Instance() id.InstanceID   { return p.instance }
func (p *Page) Process() *process.Process { return p.proc }
func (p *Page) Tree() *frame.Tree         { return p.tree }
func (p *Page) Item() *backforward.Item   { return p.item }
func (p *Page) State() SuspensionState    { return p.state }
func (p *Page) IsClosed() bool            { return p.closed }
func (p *Page) IsFlashGuard() bool        { return p.flashGuard }
func (p *Page) MainFrameID() id.FrameID   { return p.tree.Root().ID() }

func (p *Page) target() process.Target {
	return process.Target{PageID: p.pageID, Instance: p.instance}
}

func (p *Page) matches(pid id.ProcessID, instance id.InstanceID) bool {
	return p.proc.ID() == pid && p.instance == instance
}

func (p *Page) suspend(sched loop.Scheduler, timeout time.Duration) {
	p.state = Suspending
	if err := p.proc.Send(process.SetSuspended{Target: p.target(), Suspended: true}); err != nil {
		p.logger.Debug("Suspend request not delivered", zap.Error(err))
	}
	if timeout > 0 {
		p.timer = sched.AfterFunc(timeout, func() {
			if p.state != Suspending || p.closed {
				return
			}
			p.logger.Warn("Retired page suspension timed out")
			p.fatal("suspension_timeout")
		})
	}
}

// DidSuspend records the process's answer to the suspend request
func (p *Page) DidSuspend(ok bool) {
	if p.state != Suspending || p.closed {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	if ok {
		p.state = Suspended
	} else {
		p.state = FailedToSuspend
	}
	p.logger.Debug("Retired page suspension finished", zap.Stringer("state", p.state))

	waiters := p.waiters
	p.waiters = nil
	for _, fn := range waiters {
		if ok {
			fn(p)
		} else {
			fn(nil)
		}
	}

	if !ok {
		p.fatal("failed_to_suspend")
	}
}

// WaitUntilReady calls fn with the page once it may be resumed, or with nil
// if it failed to suspend or was closed.
func (p *Page) WaitUntilReady(fn func(*Page)) {
	switch {
	case p.closed:
		fn(nil)
	case p.state == Suspending:
		p.waiters = append(p.waiters, fn)
	case p.state == Suspended:
		fn(p)
	default:
		fn(nil)
	}
}

// Resume brings the page back. The page leaves the retired state for good;
// its process and frame tree now belong to the caller.
func (p *Page) Resume() bool {
	if p.closed || p.state != Suspended || p.proc.IsTerminated() {
		return false
	}
	p.state = Resumed
	if err := p.proc.Send(process.SetSuspended{Target: p.target(), Suspended: false}); err != nil {
		p.logger.Debug("Resume request not delivered", zap.Error(err))
		return false
	}
	return true
}

// Close destroys the page in its process and lets the process go if it no
// longer hosts anything.
func (p *Page) Close() {
	if p.closed || p.state == Resumed {
		return
	}
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
	}

	if !p.proc.IsTerminated() {
		if err := p.proc.Send(process.ClosePage{Target: p.target()}); err != nil {
			p.logger.Debug("Close request not delivered", zap.Error(err))
		}
	}
	p.proc.RemovePage(p.instance)

	waiters := p.waiters
	p.waiters = nil
	for _, fn := range waiters {
		fn(nil)
	}

	if p.reaper != nil {
		p.reaper.MaybeShutdown(p.proc)
	}
}

func (p *Page) fatal(reason string) {
	if p.onFatal != nil {
		p.onFatal(p, reason)
		return
	}
	p.Close()
}

// Snapshot is a read-only view for the inspector
type Snapshot struct {
	PageID     id.PageID     `json:"page_id"`
	Instance   id.InstanceID `json:"instance"`
	ItemID     id.ItemID     `json:"item_id,omitempty"`
	URL        string        `json:"url,omitempty"`
	ProcessID  id.ProcessID  `json:"pid"`
	State      string        `json:"state"`
	FlashGuard bool          `json:"flash_guard,omitempty"`
}

// Snapshot returns a read-only view of the page
func (p *Page) Snapshot() Snapshot {
	s := Snapshot{
		PageID:     p.pageID,
		Instance:   p.instance,
		ProcessID:  p.proc.ID(),
		State:      p.state.String(),
		FlashGuard: p.flashGuard,
	}
	if p.item != nil {
		s.ItemID = p.item.ID
		s.URL = p.item.URL
	}
	return s
}
