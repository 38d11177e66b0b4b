package types

// WebsitePolicies are per-navigation overrides chosen by the embedder
type WebsitePolicies struct {
	ContentBlockersEnabled  bool   `json:"content_blockers_enabled" yaml:"content_blockers_enabled" toml:"content_blockers_enabled"`
	LockdownMode            bool   `json:"lockdown_mode" yaml:"lockdown_mode" toml:"lockdown_mode"`
	EnhancedSecurity        bool   `json:"enhanced_security" yaml:"enhanced_security" toml:"enhanced_security"`
	CustomUserAgent         string `json:"custom_user_agent,omitempty" yaml:"custom_user_agent,omitempty" toml:"custom_user_agent"`
	AutoplayPolicy          string `json:"autoplay_policy,omitempty" yaml:"autoplay_policy,omitempty" toml:"autoplay_policy"`
	DataStore               string `json:"data_store,omitempty" yaml:"data_store,omitempty" toml:"data_store"`
	DisableBackForwardCache bool   `json:"disable_back_forward_cache,omitempty" yaml:"disable_back_forward_cache,omitempty" toml:"disable_back_forward_cache"`
}

// Clone returns a copy of p, or nil
func (p *WebsitePolicies) Clone() *WebsitePolicies {
	if p == nil {
		return nil
	}
	out := *p
	return &out
}

// Lockdown reports whether lockdown mode applies, tolerating a nil receiver
func (p *WebsitePolicies) Lockdown() bool {
	return p != nil && p.LockdownMode
}
