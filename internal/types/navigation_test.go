package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestClone(t *testing.T) {
	req := Request{URL: "https://a.example/", Method: "POST", Headers: map[string]string{"X": "1"}}
	clone := req.Clone()
	clone.Headers["X"] = "2"

	assert.Equal(t, "1", req.Headers["X"])
	assert.Equal(t, "POST", clone.Method)
	assert.False(t, req.IsEmpty())
	assert.True(t, Request{}.IsEmpty())
}

func TestResponseIsAttachment(t *testing.T) {
	tests := []struct {
		disposition string
		want        bool
	}{
		{"", false},
		{"inline", false},
		{"attachment", true},
		{`attachment; filename="report.pdf"`, true},
		{"ATTACHMENT;;", true},
	}
	for _, tt := range tests {
		t.Run(tt.disposition, func(t *testing.T) {
			assert.Equal(t, tt.want, Response{ContentDisposition: tt.disposition}.IsAttachment())
		})
	}
}

func TestEffectiveOpenerPolicy(t *testing.T) {
	assert.Equal(t, COOPUnsafeNone, Response{}.EffectiveOpenerPolicy())
	assert.Equal(t, COOPSameOrigin, Response{OpenerPolicy: COOPSameOrigin}.EffectiveOpenerPolicy())
}

func TestSandboxFlags(t *testing.T) {
	flags := SandboxScripts | SandboxForms
	assert.True(t, flags.Has(SandboxScripts))
	assert.True(t, flags.Has(SandboxScripts|SandboxForms))
	assert.False(t, flags.Has(SandboxPopups))
	assert.True(t, SandboxAll.Has(flags))
}

func TestWebsitePoliciesClone(t *testing.T) {
	var nilPolicies *WebsitePolicies
	assert.Nil(t, nilPolicies.Clone())
	assert.False(t, nilPolicies.Lockdown())

	p := &WebsitePolicies{LockdownMode: true}
	c := p.Clone()
	c.LockdownMode = false
	assert.True(t, p.Lockdown())
}

func TestNavigationKindString(t *testing.T) {
	assert.Equal(t, "back_forward", KindBackForward.String())
	assert.Equal(t, "unknown", NavigationKind(99).String())
}
