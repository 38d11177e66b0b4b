package navigation

import (
	"errors"
	"fmt"
	"time"

	"github.com/GriffinCanCode/navswap/internal/backforward"
	"github.com/GriffinCanCode/navswap/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/navswap/internal/shared/id"
	"github.com/GriffinCanCode/navswap/internal/shared/site"
	"github.com/GriffinCanCode/navswap/internal/types"
)

var (
	// ErrProtocolViolation marks a message inconsistent with the sender's
	// declared state. The sender's connection is terminated.
	ErrProtocolViolation = errors.New("protocol violation")
	ErrInvalidTransition = errors.New("invalid disposition transition")
)

// Disposition is where a navigation stands
type Disposition int

const (
	Pending Disposition = iota
	Decided
	Committed
	Failed
	RedirectedIntoNew
)

func (d Disposition) String() string {
	switch d {
	case Pending:
		return "pending"
	case Decided:
		return "decided"
	case Committed:
		return "committed"
	case Failed:
		return "failed"
	case RedirectedIntoNew:
		return "redirected_into_new"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition is possible
func (d Disposition) IsTerminal() bool {
	return d == Committed || d == Failed || d == RedirectedIntoNew
}

// SafetyCheckState tracks the safe-browsing check of a navigation
type SafetyCheckState int

const (
	SafetyNotChecked SafetyCheckState = iota
	SafetyChecking
	SafetyPassed
	SafetyWarningShown
	SafetyProceededThroughWarning
	SafetyBlocked
)

func (s SafetyCheckState) String() string {
	switch s {
	case SafetyChecking:
		return "checking"
	case SafetyPassed:
		return "passed"
	case SafetyWarningShown:
		return "warning_shown"
	case SafetyProceededThroughWarning:
		return "proceeded"
	case SafetyBlocked:
		return "blocked"
	default:
		return "not_checked"
	}
}

// Source is what a navigation loads: a request, a back-forward item or
// substitute data.
type Source struct {
	Request        types.Request
	Target         *backforward.Item
	SubstituteData *types.SubstituteData
}

// Navigation is one attempt to change what a frame displays
type Navigation struct {
	id        id.NavigationID
	kind      types.NavigationKind
	processID id.ProcessID
	frameID   id.FrameID
	handedOff []id.ProcessID

	request         types.Request
	originalRequest types.Request
	redirects       []string
	lastAction      *types.NavigationAction
	policies        *types.WebsitePolicies
	disposition     Disposition
	failure         error
	replacedBy      id.NavigationID

	target         *backforward.Item
	fromItem       *backforward.Item
	substituteData *types.SubstituteData
	safety         SafetyCheckState

	clientRequestedSwap bool
	createdAt           time.Time
	span                *tracing.Span
	ledger              *Ledger
}

func (n *Navigation) ID() id.NavigationID                   { return n.id }
func (n *Navigation) Kind() types.NavigationKind            { return n.kind }
func (n *Navigation) ProcessID() id.ProcessID               { return n.processID }
func (n *Navigation) FrameID() id.FrameID                   { return n.frameID }
func (n *Navigation) Request() types.Request                { return n.request }
func (n *Navigation) OriginalRequest() types.Request        { return n.originalRequest }
func (n *Navigation) LastAction() *types.NavigationAction   { return n.lastAction }
func (n *Navigation) Policies() *types.WebsitePolicies      { return n.policies }
func (n *Navigation) Disposition() Disposition              { return n.disposition }
func (n *Navigation) Failure() error                        { return n.failure }
func (n *Navigation) ReplacedBy() id.NavigationID           { return n.replacedBy }
func (n *Navigation) TargetItem() *backforward.Item         { return n.target }
func (n *Navigation) FromItem() *backforward.Item           { return n.fromItem }
func (n *Navigation) SubstituteData() *types.SubstituteData { return n.substituteData }
func (n *Navigation) SafetyCheck() SafetyCheckState         { return n.safety }
func (n *Navigation) ClientRequestedSwap() bool             { return n.clientRequestedSwap }
func (n *Navigation) CreatedAt() time.Time                  { return n.createdAt }
func (n *Navigation) RedirectChain() []string               { return append([]string(nil), n.redirects...) }
func (n *Navigation) SetPolicies(p *types.WebsitePolicies)  { n.policies = p.Clone() }
func (n *Navigation) SetSafetyCheck(s SafetyCheckState)     { n.safety = s }
func (n *Navigation) SetFromItem(item *backforward.Item)    { n.fromItem = item }
func (n *Navigation) SetClientRequestedSwap(requested bool) { n.clientRequestedSwap = requested }

// URL returns the current request URL, or the target item's URL for
// back-forward navigations.
func (n *Navigation) URL() string {
	if n.request.URL == "" && n.target != nil {
		return n.target.URL
	}
	return n.request.URL
}

// Site returns the site of the current request
func (n *Navigation) Site() site.Site { return site.FromURL(n.URL()) }

// IsRedirected reports whether at least one server redirect happened
func (n *Navigation) IsRedirected() bool { return len(n.redirects) > 0 }

// SetLastAction records the latest navigation action data reported by the
// content process.
func (n *Navigation) SetLastAction(action types.NavigationAction) {
	a := action
	a.Request = action.Request.Clone()
	n.lastAction = &a
}

func (n *Navigation) mutable(op string) error {
	if n.disposition.IsTerminal() {
		return fmt.Errorf("%s on %s navigation %s: %w", op, n.disposition, n.id, ErrInvalidTransition)
	}
	return nil
}

// SetProcess moves ownership to pid. Only the ledger's owner (the page) calls
// this when a load continues in another process. The previous owner is
// remembered so its late messages about the navigation read as stale.
func (n *Navigation) SetProcess(pid id.ProcessID) {
	if pid == n.processID {
		return
	}
	if !n.HandedOffBy(n.processID) {
		n.handedOff = append(n.handedOff, n.processID)
	}
	n.processID = pid
}

// HandedOffBy reports whether pid owned the navigation before it moved to
// another process.
func (n *Navigation) HandedOffBy(pid id.ProcessID) bool {
	for _, prev := range n.handedOff {
		if prev == pid {
			return true
		}
	}
	return false
}

// AppendRedirect records a server redirect and makes req current
func (n *Navigation) AppendRedirect(req types.Request) error {
	if err := n.mutable("redirect"); err != nil {
		return err
	}
	n.redirects = append(n.redirects, n.request.URL)
	n.request = req.Clone()
	if n.span != nil {
		n.span.SetTag("redirects", fmt.Sprint(len(n.redirects)))
	}
	return nil
}

// ReplaceRequest swaps the current request without recording a redirect.
// A safety warning that rewrites the destination uses it.
func (n *Navigation) ReplaceRequest(req types.Request) error {
	if err := n.mutable("replace request"); err != nil {
		return err
	}
	n.request = req.Clone()
	if n.span != nil {
		n.span.SetTag("url", n.request.URL)
	}
	return nil
}

// MarkDecided records that the action policy allowed the navigation.
// Redirects go through the decision again, so Decided is re-entrant.
func (n *Navigation) MarkDecided() error {
	if err := n.mutable("decide"); err != nil {
		return err
	}
	n.disposition = Decided
	return nil
}

// MarkCommitted records that the destination document committed
func (n *Navigation) MarkCommitted() error {
	return n.finish(Committed, nil)
}

// MarkFailed records a failed or abandoned navigation
func (n *Navigation) MarkFailed(cause error) error {
	return n.finish(Failed, cause)
}

// MarkRedirectedInto records that a newer navigation took over this one
func (n *Navigation) MarkRedirectedInto(next id.NavigationID) error {
	n.replacedBy = next
	return n.finish(RedirectedIntoNew, nil)
}

func (n *Navigation) finish(d Disposition, cause error) error {
	if err := n.mutable("finish"); err != nil {
		return err
	}
	n.disposition = d
	n.failure = cause
	if n.ledger != nil {
		n.ledger.finished(n)
	}
	return nil
}
