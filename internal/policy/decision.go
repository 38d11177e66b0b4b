package policy

import (
	"errors"
	"fmt"

	"github.com/GriffinCanCode/navswap/internal/shared/id"
	"github.com/GriffinCanCode/navswap/internal/types"
)

// ErrAlreadyResolved is returned when a listener is resolved a second time
var ErrAlreadyResolved = errors.New("policy listener already resolved")

// Action is the verdict of a policy decision
type Action int

const (
	ActionUse Action = iota
	ActionIgnore
	ActionDownload
	ActionLoadWillContinueElsewhere
)

func (a Action) String() string {
	switch a {
	case ActionUse:
		return "use"
	case ActionIgnore:
		return "ignore"
	case ActionDownload:
		return "download"
	case ActionLoadWillContinueElsewhere:
		return "continue_elsewhere"
	default:
		return "unknown"
	}
}

// Stage is the decision point a listener belongs to
type Stage string

const (
	StageAction   Stage = "action"
	StageResponse Stage = "response"
)

// SafetyOutcome is the result of the safety check attached to a decision
type SafetyOutcome int

const (
	SafetyNotChecked SafetyOutcome = iota
	SafetySafe
	SafetyUnsafe
	SafetyTimedOut
	SafetyOverridden
)

func (s SafetyOutcome) String() string {
	switch s {
	case SafetySafe:
		return "safe"
	case SafetyUnsafe:
		return "unsafe"
	case SafetyTimedOut:
		return "timed_out"
	case SafetyOverridden:
		return "overridden"
	default:
		return "not_checked"
	}
}

// Decision is what a listener is resolved with and what the exchange
// finally delivers.
type Decision struct {
	Action Action
	// Policies replace the navigation's website policies when non-nil.
	Policies *types.WebsitePolicies
	// RequestProcessSwap asks for a new process even for a same-site load.
	RequestProcessSwap bool
	// Request replaces the navigation's request. Set by the safety warning.
	Request *types.Request

	// Filled in by the exchange.
	Safety SafetyOutcome
	Stale  bool
	Reason string
}

// Listener is handed to the client and resolved exactly once
type Listener struct {
	stage     Stage
	navID     id.NavigationID
	frameID   id.FrameID
	resolved  bool
	onResolve func(Decision)
}

func (l *Listener) Stage() Stage                  { return l.stage }
func (l *Listener) NavigationID() id.NavigationID { return l.navID }
func (l *Listener) FrameID() id.FrameID           { return l.frameID }
func (l *Listener) Resolved() bool                { return l.resolved }

// Use allows the navigation
func (l *Listener) Use() error { return l.Resolve(Decision{Action: ActionUse}) }

// UseWithPolicies allows the navigation and replaces its website policies
func (l *Listener) UseWithPolicies(p *types.WebsitePolicies) error {
	return l.Resolve(Decision{Action: ActionUse, Policies: p.Clone()})
}

// Ignore declines the navigation
func (l *Listener) Ignore() error { return l.Resolve(Decision{Action: ActionIgnore}) }

// Download turns the navigation into a download
func (l *Listener) Download() error { return l.Resolve(Decision{Action: ActionDownload}) }

// Resolve delivers d. It must be called on the scheduler.
func (l *Listener) Resolve(d Decision) error {
	if l.resolved {
		return fmt.Errorf("%s decision for navigation %s: %w", l.stage, l.navID, ErrAlreadyResolved)
	}
	l.resolved = true
	l.onResolve(d)
	return nil
}
