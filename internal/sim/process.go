// Package sim provides simulated content processes and a scenario runner.
//
// A simulated process answers the coordinator the way a well-behaved content
// process would: it asks for policy decisions, commits what it is allowed
// to, suspends when told to and answers pings. Every reaction is queued on
// the scheduler, so replies reach the coordinator as later loop tasks, never
// from inside a Send.
package sim

import (
	"errors"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/navswap/internal/loop"
	"github.com/GriffinCanCode/navswap/internal/policy"
	"github.com/GriffinCanCode/navswap/internal/process"
	"github.com/GriffinCanCode/navswap/internal/shared/id"
	"github.com/GriffinCanCode/navswap/internal/types"
)

// ErrConnectionClosed is returned by Send after the process went away
var ErrConnectionClosed = errors.New("simulated connection closed")

// Fleet launches simulated processes. It implements process.Launcher and
// must only be used from the scheduler.
type Fleet struct {
	sched     loop.Scheduler
	responses *Responses
	route     func(process.Envelope)
	exit      func(id.ProcessID, process.TerminationReason)
	procs     map[id.ProcessID]*Process
	logger    *zap.Logger
}

// NewFleet creates a fleet answering loads with responses
func NewFleet(sched loop.Scheduler, responses *Responses, logger *zap.Logger) *Fleet {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fleet{
		sched:     sched,
		responses: responses,
		procs:     make(map[id.ProcessID]*Process),
		logger:    logger.Named("sim"),
	}
}

// Attach connects the fleet to the coordinator. route receives every message
// a process sends; exit is told when a process dies on its own.
func (f *Fleet) Attach(route func(process.Envelope), exit func(id.ProcessID, process.TerminationReason)) {
	f.route = route
	f.exit = exit
}

// Launch implements process.Launcher
func (f *Fleet) Launch(p *process.Process) (process.Connection, error) {
	sp := &Process{
		fleet:   f,
		pid:     p.ID(),
		pages:   make(map[id.InstanceID]*simPage),
		replies: make(map[uint64]func(string)),
	}
	f.procs[p.ID()] = sp
	f.logger.Debug("Process launched", zap.Stringer("pid", p.ID()))
	return sp, nil
}

// Get returns the simulated side of a process
func (f *Fleet) Get(pid id.ProcessID) (*Process, bool) {
	p, ok := f.procs[pid]
	return p, ok
}

// Crash makes a process die unexpectedly
func (f *Fleet) Crash(pid id.ProcessID) bool {
	p, ok := f.procs[pid]
	if !ok || p.closed {
		return false
	}
	p.closed = true
	f.logger.Info("Simulating crash", zap.Stringer("pid", pid))
	if f.exit != nil {
		f.exit(pid, process.ReasonCrash)
	}
	return true
}

// Hang makes a process stop answering pings and close requests
func (f *Fleet) Hang(pid id.ProcessID) bool {
	p, ok := f.procs[pid]
	if !ok || p.closed {
		return false
	}
	p.hung = true
	return true
}

// Process is one simulated content process
type Process struct {
	fleet    *Fleet
	pid      id.ProcessID
	closed   bool
	hung     bool
	pages    map[id.InstanceID]*simPage
	replies  map[uint64]func(action string)
	replySeq id.Sequence
	received []process.Message
}

type simPage struct {
	target    process.Target
	mainFrame id.FrameID
	loading   id.NavigationID
	suspended bool
	url       string
}

// ID returns the process id
func (p *Process) ID() id.ProcessID { return p.pid }

// Received returns every message the coordinator sent
func (p *Process) Received() []process.Message {
	return append([]process.Message(nil), p.received...)
}

// Pages returns how many page instances the process hosts
func (p *Process) Pages() int { return len(p.pages) }

// Send implements process.Connection
func (p *Process) Send(msg process.Message) error {
	if p.closed {
		return ErrConnectionClosed
	}
	p.received = append(p.received, msg)
	p.fleet.sched.Dispatch(func() { p.handle(msg) })
	return nil
}

// Close implements process.Connection
func (p *Process) Close() error {
	p.closed = true
	p.replies = make(map[uint64]func(string))
	return nil
}

func (p *Process) handle(msg process.Message) {
	if p.closed {
		return
	}
	switch m := msg.(type) {
	case process.CreatePage:
		p.pages[m.Instance] = &simPage{target: m.Target, mainFrame: m.MainFrameID}
	case process.LoadRequest:
		if pg := p.pages[m.Instance]; pg != nil {
			p.navigate(pg, m.NavigationID, m.Kind, m.Request)
		}
	case process.GoToBackForwardItem:
		if pg := p.pages[m.Instance]; pg != nil {
			p.navigate(pg, m.NavigationID, types.KindBackForward, types.NewRequest(m.URL))
		}
	case process.StopLoading:
		if pg := p.pages[m.Instance]; pg != nil {
			pg.loading = 0
		}
	case process.ClosePage:
		delete(p.pages, m.Instance)
	case process.SetSuspended:
		if pg := p.pages[m.Instance]; pg != nil {
			pg.suspended = m.Suspended
			if m.Suspended {
				p.emit(process.DidSuspend{Target: pg.target, OK: true})
			}
		}
	case process.TryClose:
		if !p.hung {
			p.emit(process.TryCloseReply{Target: m.Target, ReplyID: m.ReplyID, Allowed: true})
		}
	case process.Ping:
		if !p.hung {
			p.emit(process.Pong{Token: m.Token})
		}
	case process.PolicyReply:
		if fn, ok := p.replies[m.ReplyID]; ok {
			delete(p.replies, m.ReplyID)
			fn(m.Action)
		}
	}
}

// navigate plays one main-frame load. The load stops at the first answer
// other than use; after continue_elsewhere the coordinator owns the
// navigation and nothing more is said about it.
func (p *Process) navigate(pg *simPage, nid id.NavigationID, kind types.NavigationKind, req types.Request) {
	pg.loading = nid
	rule := p.fleet.responses.For(req.URL)

	p.ask(p.actionAsk(pg, nid, kind, req, false), func(action string) {
		if !p.proceed(pg, nid, action) {
			return
		}
		p.emit(process.DidStartProvisionalLoad{Target: pg.target, FrameID: pg.mainFrame, NavigationID: nid, URL: req.URL})

		if rule.RedirectTo == "" {
			p.respond(pg, nid, req.URL)
			return
		}
		next := types.NewRequest(rule.RedirectTo)
		p.ask(p.actionAsk(pg, nid, kind, next, true), func(action string) {
			if !p.proceed(pg, nid, action) {
				return
			}
			p.emit(process.DidReceiveServerRedirect{Target: pg.target, FrameID: pg.mainFrame, NavigationID: nid, Request: next})
			p.respond(pg, nid, next.URL)
		})
	})
}

func (p *Process) respond(pg *simPage, nid id.NavigationID, url string) {
	rule := p.fleet.responses.For(url)
	p.ask(process.DecidePolicyForResponse{
		Target:       pg.target,
		FrameID:      pg.mainFrame,
		NavigationID: nid,
		Response:     rule.Response(url),
	}, func(action string) {
		if !p.proceed(pg, nid, action) {
			return
		}
		pg.loading = 0
		pg.url = url
		p.emit(process.DidCommitLoad{
			Target:       pg.target,
			FrameID:      pg.mainFrame,
			NavigationID: nid,
			URL:          url,
			Title:        rule.TitleFor(url),
		})
		p.emit(process.DidFirstPaint{Target: pg.target})
	})
}

func (p *Process) actionAsk(pg *simPage, nid id.NavigationID, kind types.NavigationKind, req types.Request, redirect bool) process.DecidePolicyForNavigationAction {
	return process.DecidePolicyForNavigationAction{
		Target:       pg.target,
		FrameID:      pg.mainFrame,
		NavigationID: nid,
		Action: types.NavigationAction{
			Kind:        kind,
			Request:     req,
			IsMainFrame: true,
			IsRedirect:  redirect,
			SourceURL:   pg.url,
		},
	}
}

// proceed reports whether the load of nid in pg may go on after action
func (p *Process) proceed(pg *simPage, nid id.NavigationID, action string) bool {
	if p.closed || p.pages[pg.target.Instance] != pg || pg.loading != nid {
		return false
	}
	if action != policy.ActionUse.String() {
		pg.loading = 0
		return false
	}
	return true
}

// ask sends a policy question and runs then with the answer
func (p *Process) ask(msg process.Message, then func(action string)) {
	replyID := p.replySeq.Next()
	switch m := msg.(type) {
	case process.DecidePolicyForNavigationAction:
		m.ReplyID = replyID
		msg = m
	case process.DecidePolicyForResponse:
		m.ReplyID = replyID
		msg = m
	}
	p.replies[replyID] = then
	p.emit(msg)
}

func (p *Process) emit(msg process.Message) {
	p.fleet.sched.Dispatch(func() {
		if p.closed || p.fleet.route == nil {
			return
		}
		p.fleet.route(process.Envelope{From: p.pid, Msg: msg})
	})
}
