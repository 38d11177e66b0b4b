package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocalRecordsDirectives(t *testing.T) {
	l := NewLocal(nil)

	var grantErr error
	called := false
	l.GrantSandboxExtension(1, "file:///home/user/docs/index.html", func(err error) {
		called = true
		grantErr = err
	})
	assert.True(t, called)
	assert.NoError(t, grantErr)
	assert.Equal(t, []string{"/home/user/docs"}, l.Grants(1))

	l.GrantSandboxExtension(1, "https://a.example/", func(error) {})
	assert.Len(t, l.Grants(1), 1, "network loads need no extension")

	done := 0
	l.AllowFirstPartyCookies(1, "b.example", func() { done++ })
	l.AllowFirstPartyCookies(1, "a.example", func() { done++ })
	l.AllowFirstPartyCookies(1, "a.example", func() { done++ })
	assert.Equal(t, 3, done)
	assert.Equal(t, []string{"a.example", "b.example"}, l.CookieDomains(1))

	l.CloneSessionStorage("page_a", "page_b")
	from, ok := l.ClonedFrom("page_b")
	assert.True(t, ok)
	assert.Equal(t, "page_a", from.String())

	l.Forget(1)
	assert.Empty(t, l.Grants(1))
	assert.Empty(t, l.CookieDomains(1))
}

func TestNoopCompletes(t *testing.T) {
	var b Broker = Noop{}
	granted, allowed := false, false
	b.GrantSandboxExtension(1, "file:///x", func(err error) { granted = err == nil })
	b.AllowFirstPartyCookies(1, "a.example", func() { allowed = true })
	assert.True(t, granted)
	assert.True(t, allowed)
}
