package policy

import (
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/GriffinCanCode/navswap/internal/types"
)

// DownloadRules decide when a decision of Use must become Download
type DownloadRules struct {
	lockdownBlocked []string
}

// NewDownloadRules creates rules that force a download for blocked MIME types
// when lockdown mode is on.
func NewDownloadRules(lockdownBlocked []string) *DownloadRules {
	r := &DownloadRules{}
	for _, mt := range lockdownBlocked {
		if mt = normalizeMIME(mt); mt != "" {
			r.lockdownBlocked = append(r.lockdownBlocked, mt)
		}
	}
	return r
}

// ForAction reports whether a navigation action must be downloaded
func (r *DownloadRules) ForAction(action *types.NavigationAction) (bool, string) {
	if action != nil && action.DownloadAttribute != "" {
		return true, "download_attribute"
	}
	return false, ""
}

// ForResponse reports whether a response must be downloaded
func (r *DownloadRules) ForResponse(resp types.Response, policies *types.WebsitePolicies) (bool, string) {
	if resp.IsAttachment() {
		return true, "attachment"
	}
	if policies.Lockdown() && r != nil && r.blocked(EffectiveMIMEType(resp)) {
		return true, "lockdown_mime"
	}
	return false, ""
}

func (r *DownloadRules) blocked(mt string) bool {
	if mt == "" {
		return false
	}
	known := mimetype.Lookup(mt)
	for _, b := range r.lockdownBlocked {
		if b == mt || (known != nil && known.Is(b)) {
			return true
		}
	}
	return false
}

// EffectiveMIMEType returns the declared MIME type without parameters, or
// the sniffed type when the declaration is missing or generic.
func EffectiveMIMEType(resp types.Response) string {
	mt := normalizeMIME(resp.MIMEType)
	if (mt == "" || mt == "application/octet-stream") && len(resp.BodyPrefix) > 0 {
		mt = normalizeMIME(mimetype.Detect(resp.BodyPrefix).String())
	}
	return mt
}

func normalizeMIME(mt string) string {
	mt = strings.TrimSpace(mt)
	if mt == "" {
		return ""
	}
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		return parsed
	}
	return strings.ToLower(mt)
}
