package process

import (
	"github.com/GriffinCanCode/navswap/internal/shared/id"
	"github.com/GriffinCanCode/navswap/internal/types"
)

// Message is anything exchanged with a content process.
type Message interface {
	MessageName() string
}

// Target addresses one page incarnation inside a process.
type Target struct {
	PageID   id.PageID     `json:"page_id"`
	Instance id.InstanceID `json:"instance"`
}

// ---------------------------------------------------------------------------
// Coordinator -> content process
// ---------------------------------------------------------------------------

// CreatePage instantiates a page in the process.
type CreatePage struct {
	Target
	MainFrameID id.FrameID             `json:"main_frame_id"`
	Policies    *types.WebsitePolicies `json:"policies,omitempty"`
}

// LoadRequest asks the process to start a network or substitute-data load.
type LoadRequest struct {
	Target
	NavigationID   id.NavigationID        `json:"navigation_id"`
	Kind           types.NavigationKind   `json:"kind"`
	Request        types.Request          `json:"request"`
	SubstituteData *types.SubstituteData  `json:"substitute_data,omitempty"`
	Policies       *types.WebsitePolicies `json:"policies,omitempty"`
	// ExistingNavigation marks a load continued in this process after a swap;
	// the process must not consult the embedder again.
	ExistingNavigation bool `json:"existing_navigation,omitempty"`
}

// GoToBackForwardItem asks the process to navigate to a history item.
type GoToBackForwardItem struct {
	Target
	NavigationID id.NavigationID `json:"navigation_id"`
	ItemID       id.ItemID       `json:"item_id"`
	URL          string          `json:"url"`
	FrameState   []byte          `json:"frame_state,omitempty"`
}

// StopLoading cancels whatever provisional load the page has.
type StopLoading struct {
	Target
}

// ClosePage destroys a page in the process.
type ClosePage struct {
	Target
}

// SetSuspended suspends or resumes a retired page.
type SetSuspended struct {
	Target
	Suspended bool `json:"suspended"`
}

// TryClose asks the page whether it agrees to close (beforeunload).
type TryClose struct {
	Target
	ReplyID uint64 `json:"reply_id"`
}

// Ping checks responsiveness.
type Ping struct {
	Token uint64 `json:"token"`
}

// PolicyReply delivers a policy decision back to the process that asked.
type PolicyReply struct {
	Target
	ReplyID      uint64          `json:"reply_id"`
	NavigationID id.NavigationID `json:"navigation_id"`
	Action       string          `json:"action"`
	DownloadID   string          `json:"download_id,omitempty"`
}

// AllowCookies tells the process it may use first-party cookies for a domain.
type AllowCookies struct {
	Domain string `json:"domain"`
}

func (CreatePage) MessageName() string          { return "CreatePage" }
func (LoadRequest) MessageName() string         { return "LoadRequest" }
func (GoToBackForwardItem) MessageName() string { return "GoToBackForwardItem" }
func (StopLoading) MessageName() string         { return "StopLoading" }
func (ClosePage) MessageName() string           { return "ClosePage" }
func (SetSuspended) MessageName() string        { return "SetSuspended" }
func (TryClose) MessageName() string            { return "TryClose" }
func (Ping) MessageName() string                { return "Ping" }
func (PolicyReply) MessageName() string         { return "PolicyReply" }
func (AllowCookies) MessageName() string        { return "AllowCookies" }

// ---------------------------------------------------------------------------
// Content process -> coordinator
// ---------------------------------------------------------------------------

// DecidePolicyForNavigationAction asks whether a navigation may start.
type DecidePolicyForNavigationAction struct {
	Target
	FrameID      id.FrameID             `json:"frame_id"`
	NavigationID id.NavigationID        `json:"navigation_id"`
	ReplyID      uint64                 `json:"reply_id"`
	Action       types.NavigationAction `json:"action"`
}

// DecidePolicyForResponse asks whether a received response may be displayed.
type DecidePolicyForResponse struct {
	Target
	FrameID      id.FrameID      `json:"frame_id"`
	NavigationID id.NavigationID `json:"navigation_id"`
	ReplyID      uint64          `json:"reply_id"`
	Response     types.Response  `json:"response"`
}

// DidStartProvisionalLoad reports that a frame began loading.
type DidStartProvisionalLoad struct {
	Target
	FrameID      id.FrameID      `json:"frame_id"`
	NavigationID id.NavigationID `json:"navigation_id"`
	URL          string          `json:"url"`
}

// DidReceiveServerRedirect reports a redirect of a provisional load.
type DidReceiveServerRedirect struct {
	Target
	FrameID      id.FrameID      `json:"frame_id"`
	NavigationID id.NavigationID `json:"navigation_id"`
	Request      types.Request   `json:"request"`
}

// DidCommitLoad reports that a frame committed a document.
type DidCommitLoad struct {
	Target
	FrameID      id.FrameID      `json:"frame_id"`
	NavigationID id.NavigationID `json:"navigation_id"`
	URL          string          `json:"url"`
	Title        string          `json:"title,omitempty"`
	FrameState   []byte          `json:"frame_state,omitempty"`
}

// DidFailProvisionalLoad reports that a provisional load failed.
type DidFailProvisionalLoad struct {
	Target
	FrameID        id.FrameID      `json:"frame_id"`
	NavigationID   id.NavigationID `json:"navigation_id"`
	UnreachableURL string          `json:"unreachable_url,omitempty"`
	Error          string          `json:"error"`
}

// DidSameDocumentNavigation reports a fragment or history API navigation.
type DidSameDocumentNavigation struct {
	Target
	FrameID      id.FrameID      `json:"frame_id"`
	NavigationID id.NavigationID `json:"navigation_id"`
	URL          string          `json:"url"`
}

// DidCreateSubframe reports a new child frame.
type DidCreateSubframe struct {
	Target
	ParentID id.FrameID         `json:"parent_id"`
	FrameID  id.FrameID         `json:"frame_id"`
	Sandbox  types.SandboxFlags `json:"sandbox,omitempty"`
}

// DidDestroyNavigation reports the process is done with a navigation.
type DidDestroyNavigation struct {
	Target
	NavigationID id.NavigationID `json:"navigation_id"`
}

// DidFirstPaint reports the first visually non-empty paint.
type DidFirstPaint struct {
	Target
}

// DidSuspend answers SetSuspended.
type DidSuspend struct {
	Target
	OK bool `json:"ok"`
}

// TryCloseReply answers TryClose.
type TryCloseReply struct {
	Target
	ReplyID uint64 `json:"reply_id"`
	Allowed bool   `json:"allowed"`
}

// Pong answers Ping.
type Pong struct {
	Token uint64 `json:"token"`
}

func (DecidePolicyForNavigationAction) MessageName() string {
	return "DecidePolicyForNavigationAction"
}
func (DecidePolicyForResponse) MessageName() string   { return "DecidePolicyForResponse" }
func (DidStartProvisionalLoad) MessageName() string   { return "DidStartProvisionalLoad" }
func (DidReceiveServerRedirect) MessageName() string  { return "DidReceiveServerRedirect" }
func (DidCommitLoad) MessageName() string             { return "DidCommitLoad" }
func (DidFailProvisionalLoad) MessageName() string    { return "DidFailProvisionalLoad" }
func (DidSameDocumentNavigation) MessageName() string { return "DidSameDocumentNavigation" }
func (DidCreateSubframe) MessageName() string         { return "DidCreateSubframe" }
func (DidDestroyNavigation) MessageName() string      { return "DidDestroyNavigation" }
func (DidFirstPaint) MessageName() string             { return "DidFirstPaint" }
func (DidSuspend) MessageName() string                { return "DidSuspend" }
func (TryCloseReply) MessageName() string             { return "TryCloseReply" }
func (Pong) MessageName() string                      { return "Pong" }

// Addressed is implemented by messages that name a page incarnation.
type Addressed interface {
	Message
	Addressee() Target
}

func (t Target) Addressee() Target { return t }

// Envelope is an inbound message together with the process that sent it.
type Envelope struct {
	From id.ProcessID
	Msg  Message
}
