package types

import (
	"mime"
	"strings"
)

// NavigationKind classifies what started a navigation
type NavigationKind int

const (
	KindLoad NavigationKind = iota
	KindReload
	KindBackForward
	KindFormSubmission
	KindRedirect
	KindSubstituteData
	KindSameDocument
)

func (k NavigationKind) String() string {
	switch k {
	case KindLoad:
		return "load"
	case KindReload:
		return "reload"
	case KindBackForward:
		return "back_forward"
	case KindFormSubmission:
		return "form_submission"
	case KindRedirect:
		return "redirect"
	case KindSubstituteData:
		return "substitute_data"
	case KindSameDocument:
		return "same_document"
	default:
		return "unknown"
	}
}

// Request is the URL, method and headers of a load
type Request struct {
	URL     string            `json:"url" yaml:"url"`
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// NewRequest builds a GET request for url
func NewRequest(url string) Request {
	return Request{URL: url, Method: "GET"}
}

// Clone returns a deep copy of the request
func (r Request) Clone() Request {
	out := r
	if r.Headers != nil {
		out.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

// IsEmpty reports whether the request has no URL
func (r Request) IsEmpty() bool {
	return r.URL == ""
}

// Cross-Origin-Opener-Policy values
const (
	COOPUnsafeNone            = "unsafe-none"
	COOPSameOrigin            = "same-origin"
	COOPSameOriginAllowPopups = "same-origin-allow-popups"
)

// Response describes the headers of a navigation response
type Response struct {
	URL                string            `json:"url" yaml:"url"`
	StatusCode         int               `json:"status_code" yaml:"status_code"`
	MIMEType           string            `json:"mime_type" yaml:"mime_type"`
	Headers            map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	OpenerPolicy       string            `json:"opener_policy,omitempty" yaml:"opener_policy,omitempty"`
	ContentDisposition string            `json:"content_disposition,omitempty" yaml:"content_disposition,omitempty"`
	// BodyPrefix holds the first bytes of the body when the process sniffed
	// them before asking for a decision.
	BodyPrefix []byte `json:"body_prefix,omitempty" yaml:"body_prefix,omitempty"`
}

// IsAttachment reports whether the response asks to be saved rather than shown
func (r Response) IsAttachment() bool {
	if r.ContentDisposition == "" {
		return false
	}
	disposition, _, err := mime.ParseMediaType(r.ContentDisposition)
	if err != nil {
		return strings.HasPrefix(strings.ToLower(r.ContentDisposition), "attachment")
	}
	return disposition == "attachment"
}

// EffectiveOpenerPolicy normalizes an empty policy to unsafe-none
func (r Response) EffectiveOpenerPolicy() string {
	if r.OpenerPolicy == "" {
		return COOPUnsafeNone
	}
	return r.OpenerPolicy
}

// SubstituteData is the payload of a non-network load
type SubstituteData struct {
	Content  []byte `json:"content"`
	MIMEType string `json:"mime_type"`
	Encoding string `json:"encoding,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
}

// NavigationAction is what the content process reports when asking whether
// a navigation may proceed.
type NavigationAction struct {
	Kind              NavigationKind `json:"kind"`
	Request           Request        `json:"request"`
	IsMainFrame       bool           `json:"is_main_frame"`
	UserGesture       bool           `json:"user_gesture,omitempty"`
	DownloadAttribute string         `json:"download_attribute,omitempty"`
	IsRedirect        bool           `json:"is_redirect,omitempty"`
	SourceURL         string         `json:"source_url,omitempty"`
}

// SandboxFlags is a bit set of sandbox restrictions applied to a frame
type SandboxFlags uint32

const (
	SandboxNone       SandboxFlags = 0
	SandboxNavigation SandboxFlags = 1 << iota
	SandboxPlugins
	SandboxOrigin
	SandboxForms
	SandboxScripts
	SandboxTopNavigation
	SandboxPopups
	SandboxDownloads
)

const SandboxAll = SandboxNavigation | SandboxPlugins | SandboxOrigin | SandboxForms |
	SandboxScripts | SandboxTopNavigation | SandboxPopups | SandboxDownloads

// Has reports whether every flag in mask is set
func (f SandboxFlags) Has(mask SandboxFlags) bool {
	return f&mask == mask
}
