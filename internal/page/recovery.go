package page

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/navswap/internal/candidate"
	"github.com/GriffinCanCode/navswap/internal/delegate"
	"github.com/GriffinCanCode/navswap/internal/frame"
	"github.com/GriffinCanCode/navswap/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/navswap/internal/navigation"
	"github.com/GriffinCanCode/navswap/internal/process"
	"github.com/GriffinCanCode/navswap/internal/shared/id"
)

// recovery bounds automatic crash reloads. Each reload is a failure of the
// breaker; after CrashReloadCap reloads without a quiet period in between
// the breaker opens and stays open for the quiet period.
type recovery struct {
	breaker *resilience.Breaker
	cap     int
	pending bool
}

func newRecovery(pageID id.PageID, settings Settings, clock func() time.Time) *recovery {
	quiet := settings.CrashQuietPeriod
	if quiet <= 0 {
		quiet = 30 * time.Second
	}
	breaker := resilience.New(fmt.Sprintf("crash-reload-%s", pageID), resilience.Settings{
		Threshold: settings.CrashReloadCap,
		Window:    quiet,
		Cooldown:  quiet,
		Clock:     clock,
	})
	return &recovery{breaker: breaker, cap: settings.CrashReloadCap}
}

// allow reports whether another automatic reload may happen and counts it
func (r *recovery) allow() error {
	if r.cap <= 0 {
		return resilience.ErrCircuitOpen
	}
	if err := r.breaker.Allow(); err != nil {
		return err
	}
	r.breaker.RecordFailure()
	return nil
}

// attempts returns the reloads counted in the current window
func (r *recovery) attempts() int { return r.breaker.Failures() }

func reloadsAfter(reason process.TerminationReason) bool {
	switch reason {
	case process.ReasonCrash, process.ReasonUnresponsive, process.ReasonProtocolViolation:
		return true
	default:
		return false
	}
}

// processDidTerminate cleans up after p went away. When p hosted the active
// instance the embedder is told, and unless it handles the termination the
// page reloads as soon as it is visible.
func (s *Session) processDidTerminate(p *process.Process) {
	if s.closed {
		return
	}
	s.group.Unbind(p)

	if c := s.candidate; c != nil && c.Process() == p {
		c.DidTerminate()
	}
	if p != s.proc {
		for _, f := range s.tree.FramesInProcess(p.ID()) {
			if !f.IsMainFrame() {
				_ = s.tree.Remove(f.ID())
			}
		}
		return
	}

	for _, nav := range s.ledger.Navigations() {
		if nav.ProcessID() == p.ID() {
			s.failNavigation(nav, process.ErrTerminated, false)
		}
	}
	s.ledger.DestroyForProcess(p.ID())
	s.hasCommitted = false

	reason := p.TerminationReason()
	e := s.event(delegate.EventProcessTerminated, nil)
	e.Reason = string(reason)
	handled := s.delegates.Process.ProcessDidTerminate(e)
	s.logger.Warn("Page process terminated",
		zap.Stringer("pid", p.ID()),
		zap.String("reason", string(reason)),
		zap.Bool("handled", handled))

	if handled || !reloadsAfter(reason) || s.list.Current() == nil {
		return
	}
	s.recovery.pending = true
	if s.visible {
		s.env.sched.Dispatch(s.recoverFromCrash)
	}
}

// recoverFromCrash performs a held-back crash reload
func (s *Session) recoverFromCrash() {
	if s.closed || !s.visible || !s.recovery.pending {
		return
	}
	s.recovery.pending = false
	if !s.proc.IsTerminated() {
		// Something else already brought the page back.
		return
	}

	if err := s.recovery.allow(); err != nil {
		s.env.metrics.RecordCrashReload("capped")
		s.logger.Warn("Crash reload cap reached, leaving page terminated", zap.Int("attempts", s.recovery.attempts()))
		return
	}
	if _, err := s.Reload(); err != nil {
		s.env.metrics.RecordCrashReload("failed")
		s.logger.Warn("Crash reload failed", zap.Error(err))
		return
	}
	s.env.metrics.RecordCrashReload("reloaded")
	s.logger.Info("Page reloaded after crash", zap.Int("attempts", s.recovery.attempts()))
}

// NavigationSnapshot is a read-only view of one ledger entry
type NavigationSnapshot struct {
	ID          id.NavigationID `json:"id"`
	Kind        string          `json:"kind"`
	ProcessID   id.ProcessID    `json:"pid"`
	FrameID     id.FrameID      `json:"frame_id"`
	URL         string          `json:"url"`
	Disposition string          `json:"disposition"`
	Safety      string          `json:"safety,omitempty"`
	Redirects   []string        `json:"redirects,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Snapshot is a read-only view of a page for the inspector
type Snapshot struct {
	ID            id.PageID            `json:"id"`
	URL           string               `json:"url"`
	ProcessID     id.ProcessID         `json:"pid"`
	Instance      id.InstanceID        `json:"instance"`
	Visible       bool                 `json:"visible"`
	OpenerPolicy  string               `json:"opener_policy"`
	Navigations   []NavigationSnapshot `json:"navigations"`
	Candidate     *candidate.Snapshot  `json:"candidate,omitempty"`
	Frames        frame.Snapshot       `json:"frames"`
	HistoryIndex  int                  `json:"history_index"`
	HistoryLength int                  `json:"history_length"`
	Downloads     []Download           `json:"downloads,omitempty"`
	ReloadPending bool                 `json:"crash_reload_pending,omitempty"`
	CrashReloads  int                  `json:"crash_reloads,omitempty"`
}

// Snapshot returns a read-only view of the page
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		ID:            s.id,
		URL:           s.URL(),
		ProcessID:     s.proc.ID(),
		Instance:      s.instance,
		Visible:       s.visible,
		OpenerPolicy:  s.openerPolicy,
		Frames:        s.tree.Snapshot(),
		HistoryIndex:  s.list.CurrentIndex(),
		HistoryLength: s.list.Len(),
		Downloads:     s.Downloads(),
		ReloadPending: s.recovery.pending,
		CrashReloads:  s.recovery.attempts(),
	}
	for _, nav := range s.ledger.Navigations() {
		ns := NavigationSnapshot{
			ID:          nav.ID(),
			Kind:        nav.Kind().String(),
			ProcessID:   nav.ProcessID(),
			FrameID:     nav.FrameID(),
			URL:         nav.URL(),
			Disposition: nav.Disposition().String(),
			Redirects:   nav.RedirectChain(),
		}
		if nav.SafetyCheck() != navigation.SafetyNotChecked {
			ns.Safety = nav.SafetyCheck().String()
		}
		if err := nav.Failure(); err != nil {
			ns.Error = err.Error()
		}
		snap.Navigations = append(snap.Navigations, ns)
	}
	if c := s.candidate; c != nil {
		cs := c.Snapshot()
		snap.Candidate = &cs
	}
	return snap
}
