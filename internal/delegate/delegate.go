// Package delegate defines the capabilities the embedding application plugs
// into a page.
//
// Each capability is a small interface. Default implements all of them as
// a null object so pages never check whether a delegate is installed.
package delegate

import (
	"time"

	"github.com/GriffinCanCode/navswap/internal/policy"
	"github.com/GriffinCanCode/navswap/internal/shared/id"
	"github.com/GriffinCanCode/navswap/internal/types"
)

// EventType names an embedder notification
type EventType string

const (
	EventProvisionalLoadStarted EventType = "provisional_load_started"
	EventServerRedirect         EventType = "server_redirect"
	EventLoadCommitted          EventType = "load_committed"
	EventProvisionalLoadFailed  EventType = "provisional_load_failed"
	EventSameDocument           EventType = "same_document_navigation"
	EventDownloadStarted        EventType = "download_started"
	EventProcessChanged         EventType = "process_changed"
	EventProcessTerminated      EventType = "process_terminated"
	EventGestureBegan           EventType = "gesture_began"
	EventGestureWillEnd         EventType = "gesture_will_end"
	EventGestureEnded           EventType = "gesture_ended"
	EventFirstPaint             EventType = "first_paint"
	EventPageClosed             EventType = "page_closed"
)

// Event is one embedder notification
type Event struct {
	Type              EventType       `json:"type"`
	PageID            id.PageID       `json:"page_id"`
	NavigationID      id.NavigationID `json:"navigation_id,omitempty"`
	ProcessID         id.ProcessID    `json:"pid,omitempty"`
	PreviousProcessID id.ProcessID    `json:"previous_pid,omitempty"`
	URL               string          `json:"url,omitempty"`
	Reason            string          `json:"reason,omitempty"`
	Error             string          `json:"error,omitempty"`
	DownloadID        string          `json:"download_id,omitempty"`
	ItemID            id.ItemID       `json:"item_id,omitempty"`
	Time              time.Time       `json:"time"`
}

// NavigationDelegate receives the navigation lifecycle of a page
type NavigationDelegate interface {
	DidStartProvisionalNavigation(e Event)
	DidReceiveServerRedirect(e Event)
	DidCommitNavigation(e Event)
	DidFailProvisionalNavigation(e Event)
	DidSameDocumentNavigation(e Event)
	DidStartDownload(e Event)
	DidFirstPaint(e Event)
	DidClose(e Event)
}

// ProcessDelegate is told when the process behind a page changes or dies
type ProcessDelegate interface {
	DidChangeProcess(e Event)
	// ProcessDidTerminate reports whether the embedder handled the
	// termination. Unhandled terminations reload the page once visible.
	ProcessDidTerminate(e Event) bool
}

// GestureDelegate receives swipe navigation gestures
type GestureDelegate interface {
	DidBeginNavigationGesture(e Event)
	WillEndNavigationGesture(e Event)
	DidEndNavigationGesture(e Event)
}

// Delegates bundles every capability of a page
type Delegates struct {
	Navigation NavigationDelegate
	Process    ProcessDelegate
	Gesture    GestureDelegate
	Policy     policy.Client
	Warnings   policy.WarningPresenter
}

// WithDefaults fills missing capabilities with Default
func (d Delegates) WithDefaults() Delegates {
	if d.Navigation == nil {
		d.Navigation = Default{}
	}
	if d.Process == nil {
		d.Process = Default{}
	}
	if d.Gesture == nil {
		d.Gesture = Default{}
	}
	if d.Policy == nil {
		d.Policy = Default{}
	}
	if d.Warnings == nil {
		d.Warnings = Default{}
	}
	return d
}

// Default allows every navigation, declines every safety warning and
// ignores notifications.
type Default struct{}

func (Default) DidStartProvisionalNavigation(Event) {}
func (Default) DidReceiveServerRedirect(Event)      {}
func (Default) DidCommitNavigation(Event)           {}
func (Default) DidFailProvisionalNavigation(Event)  {}
func (Default) DidSameDocumentNavigation(Event)     {}
func (Default) DidStartDownload(Event)              {}
func (Default) DidFirstPaint(Event)                 {}
func (Default) DidClose(Event)                      {}
func (Default) DidChangeProcess(Event)              {}
func (Default) ProcessDidTerminate(Event) bool      { return false }
func (Default) DidBeginNavigationGesture(Event)     {}
func (Default) WillEndNavigationGesture(Event)      {}
func (Default) DidEndNavigationGesture(Event)       {}

func (Default) DecidePolicyForNavigationAction(_ policy.ActionRequest, l *policy.Listener) {
	_ = l.Use()
}

func (Default) DecidePolicyForResponse(_ policy.ResponseRequest, l *policy.Listener) {
	_ = l.Use()
}

func (Default) ShowSafetyWarning(_ policy.Warning, respond func(bool, *types.Request)) {
	respond(false, nil)
}
