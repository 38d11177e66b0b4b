// Package policy implements the asynchronous policy decision exchange.
//
// A decision asks the client (the embedder's policy delegate) whether a
// navigation action, or later its response, may proceed. Every listener is
// resolved exactly once. A result that arrives after a newer navigation took
// over the frame is discarded and delivered as a stale Ignore. Action
// decisions may be held behind a safety check; an unsafe verdict shows a
// warning whose answer re-enters the same resolution path.
package policy

import (
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/navswap/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/navswap/internal/loop"
	"github.com/GriffinCanCode/navswap/internal/navigation"
	"github.com/GriffinCanCode/navswap/internal/shared/id"
	"github.com/GriffinCanCode/navswap/internal/types"
)

// ActionRequest is what the client sees for a navigation action decision
type ActionRequest struct {
	PageID       id.PageID
	NavigationID id.NavigationID
	FrameID      id.FrameID
	Action       types.NavigationAction
	Policies     *types.WebsitePolicies
}

// ResponseRequest is what the client sees for a response decision
type ResponseRequest struct {
	PageID       id.PageID
	NavigationID id.NavigationID
	FrameID      id.FrameID
	Response     types.Response
}

// Client decides policies. Implementations resolve the listener exactly
// once, synchronously or later on the scheduler.
type Client interface {
	DecidePolicyForNavigationAction(req ActionRequest, listener *Listener)
	DecidePolicyForResponse(req ResponseRequest, listener *Listener)
}

// SafetyVerdict is the answer of a SafetyChecker
type SafetyVerdict struct {
	Unsafe bool
	Reason string
}

// SafetyChecker looks up a URL. done may be called from any goroutine.
type SafetyChecker interface {
	CheckURL(rawURL string, done func(SafetyVerdict))
}

// Warning describes an interstitial shown for an unsafe navigation
type Warning struct {
	NavigationID id.NavigationID
	URL          string
	Reason       string
}

// WarningPresenter shows the safety interstitial. respond must be called
// once; proceed=false declines the navigation, rewritten optionally replaces
// the request.
type WarningPresenter interface {
	ShowSafetyWarning(w Warning, respond func(proceed bool, rewritten *types.Request))
}

// Options configures an Exchange
type Options struct {
	PageID    id.PageID
	Scheduler loop.Scheduler
	Client    Client
	Safety    SafetyChecker
	Warnings  WarningPresenter
	// SafetyTimeout bounds the wait for a safety verdict.
	SafetyTimeout time.Duration
	// BlockOnSafetyTimeout turns an expired safety check into Ignore
	// instead of the default proceed.
	BlockOnSafetyTimeout bool
	Downloads            *DownloadRules
	Rules                *Rules
	// IsCurrent reports whether nid is still the navigation of frame fid.
	IsCurrent func(fid id.FrameID, nid id.NavigationID) bool
	Metrics   *monitoring.Metrics
	Logger    *zap.Logger
}

// Exchange runs policy decisions for one page
type Exchange struct {
	opts    Options
	logger  *zap.Logger
	pending map[*decision]struct{}
	closed  bool
}

type decision struct {
	listener *Listener
	nav      *navigation.Navigation
	action   *types.NavigationAction
	response *types.Response
	reply    func(Decision)

	client     *Decision
	safety     SafetyOutcome
	safetyDone bool
	reason     string
	timer      loop.Timer
	warning    bool
	delivered  bool
}

// NewExchange creates an exchange
func NewExchange(opts Options) *Exchange {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SafetyTimeout <= 0 {
		opts.SafetyTimeout = 5 * time.Second
	}
	if opts.Downloads == nil {
		opts.Downloads = NewDownloadRules(nil)
	}
	return &Exchange{
		opts:    opts,
		logger:  opts.Logger.Named("policy").With(zap.Stringer("page_id", opts.PageID)),
		pending: make(map[*decision]struct{}),
	}
}

// Pending returns the number of decisions not yet delivered
func (e *Exchange) Pending() int { return len(e.pending) }

// Close drops every outstanding decision. Listeners may still be resolved
// but nothing is delivered.
func (e *Exchange) Close() {
	e.closed = true
	for d := range e.pending {
		if d.timer != nil {
			d.timer.Stop()
		}
		d.delivered = true
	}
	e.pending = make(map[*decision]struct{})
}

// RequestActionPolicy asks whether nav may proceed with action. reply runs
// once on the scheduler with the effective decision.
func (e *Exchange) RequestActionPolicy(nav *navigation.Navigation, action types.NavigationAction, reply func(Decision)) *Listener {
	nav.SetLastAction(action)
	d := &decision{nav: nav, action: nav.LastAction(), reply: reply}
	l := e.track(d, StageAction)

	e.startSafetyCheck(d)

	e.opts.Client.DecidePolicyForNavigationAction(ActionRequest{
		PageID:       e.opts.PageID,
		NavigationID: nav.ID(),
		FrameID:      nav.FrameID(),
		Action:       *d.action,
		Policies:     nav.Policies().Clone(),
	}, l)
	return l
}

// RequestResponsePolicy asks whether the response of nav may be displayed
func (e *Exchange) RequestResponsePolicy(nav *navigation.Navigation, resp types.Response, reply func(Decision)) *Listener {
	r := resp
	d := &decision{nav: nav, response: &r, reply: reply, safetyDone: true}
	l := e.track(d, StageResponse)

	e.opts.Client.DecidePolicyForResponse(ResponseRequest{
		PageID:       e.opts.PageID,
		NavigationID: nav.ID(),
		FrameID:      nav.FrameID(),
		Response:     resp,
	}, l)
	return l
}

func (e *Exchange) track(d *decision, stage Stage) *Listener {
	d.listener = &Listener{
		stage:   stage,
		navID:   d.nav.ID(),
		frameID: d.nav.FrameID(),
	}
	d.listener.onResolve = func(res Decision) {
		e.opts.Scheduler.Dispatch(func() {
			d.client = &res
			e.advance(d)
		})
	}
	e.pending[d] = struct{}{}
	return d.listener
}

func (e *Exchange) startSafetyCheck(d *decision) {
	if e.opts.Safety == nil || !d.action.IsMainFrame || !checkable(d.nav.URL()) {
		d.safetyDone = true
		return
	}

	d.nav.SetSafetyCheck(navigation.SafetyChecking)
	d.timer = e.opts.Scheduler.AfterFunc(e.opts.SafetyTimeout, func() {
		e.safetyResult(d, SafetyTimedOut, "")
	})
	e.opts.Safety.CheckURL(d.nav.URL(), func(v SafetyVerdict) {
		e.opts.Scheduler.Dispatch(func() {
			if v.Unsafe {
				e.safetyResult(d, SafetyUnsafe, v.Reason)
			} else {
				e.safetyResult(d, SafetySafe, "")
			}
		})
	})
}

// safetyResult records the first of verdict and timeout to reach the loop
func (e *Exchange) safetyResult(d *decision, outcome SafetyOutcome, reason string) {
	if d.safetyDone || d.delivered {
		return
	}
	d.safetyDone = true
	d.safety = outcome
	d.reason = reason
	if d.timer != nil {
		d.timer.Stop()
	}

	switch outcome {
	case SafetySafe:
		d.nav.SetSafetyCheck(navigation.SafetyPassed)
	case SafetyTimedOut:
		e.logger.Info("Safety check timed out",
			zap.Stringer("navigation_id", d.nav.ID()),
			zap.Bool("block", e.opts.BlockOnSafetyTimeout))
		if !e.opts.BlockOnSafetyTimeout {
			d.nav.SetSafetyCheck(navigation.SafetyPassed)
		}
	}
	e.advance(d)
}

func (e *Exchange) advance(d *decision) {
	if d.delivered || d.client == nil || !d.safetyDone || d.warning {
		return
	}

	res := *d.client
	res.Safety = d.safety
	if res.Action == ActionUse {
		switch {
		case d.safety == SafetyUnsafe:
			e.showWarning(d)
			return
		case d.safety == SafetyTimedOut && e.opts.BlockOnSafetyTimeout:
			d.nav.SetSafetyCheck(navigation.SafetyBlocked)
			res.Action = ActionIgnore
			res.Reason = "safety_timeout"
		}
	}
	e.deliver(d, res)
}

func (e *Exchange) showWarning(d *decision) {
	d.warning = true
	d.nav.SetSafetyCheck(navigation.SafetyWarningShown)
	base := *d.client

	if e.opts.Warnings == nil {
		d.nav.SetSafetyCheck(navigation.SafetyBlocked)
		e.deliver(d, Decision{Action: ActionIgnore, Safety: SafetyUnsafe, Reason: "safety_warning"})
		return
	}

	answered := false
	e.opts.Warnings.ShowSafetyWarning(Warning{
		NavigationID: d.nav.ID(),
		URL:          d.nav.URL(),
		Reason:       d.reason,
	}, func(proceed bool, rewritten *types.Request) {
		e.opts.Scheduler.Dispatch(func() {
			if answered || d.delivered {
				return
			}
			answered = true
			if !proceed {
				d.nav.SetSafetyCheck(navigation.SafetyBlocked)
				e.deliver(d, Decision{Action: ActionIgnore, Safety: SafetyUnsafe, Reason: "safety_warning"})
				return
			}
			d.nav.SetSafetyCheck(navigation.SafetyProceededThroughWarning)
			res := base
			res.Safety = SafetyOverridden
			if rewritten != nil {
				r := rewritten.Clone()
				res.Request = &r
			}
			e.deliver(d, res)
		})
	})
}

func (e *Exchange) deliver(d *decision, res Decision) {
	d.delivered = true
	delete(e.pending, d)
	if d.timer != nil {
		d.timer.Stop()
	}
	if e.closed {
		return
	}

	stage := d.listener.stage
	// A superseded navigation keeps the policies it had.
	if e.opts.IsCurrent != nil && !e.opts.IsCurrent(d.nav.FrameID(), d.nav.ID()) {
		res = Decision{Action: ActionIgnore, Stale: true, Reason: "stale", Safety: res.Safety}
	}
	if res.Action == ActionUse {
		if res.Policies == nil && stage == StageAction {
			res.Policies = e.opts.Rules.Match(d.nav.URL())
		}
		if res.Policies != nil {
			d.nav.SetPolicies(res.Policies)
		}

		var force bool
		var why string
		if stage == StageAction {
			force, why = e.opts.Downloads.ForAction(d.action)
		} else {
			force, why = e.opts.Downloads.ForResponse(*d.response, d.nav.Policies())
		}
		if force {
			res.Action = ActionDownload
			res.Reason = why
		}
	}

	e.opts.Metrics.RecordPolicyDecision(string(stage), res.Action.String())
	e.logger.Debug("Policy decided",
		zap.Stringer("navigation_id", d.nav.ID()),
		zap.String("stage", string(stage)),
		zap.Stringer("action", res.Action),
		zap.Stringer("safety", res.Safety),
		zap.Bool("stale", res.Stale),
		zap.String("reason", res.Reason))

	d.reply(res)
}

func checkable(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
