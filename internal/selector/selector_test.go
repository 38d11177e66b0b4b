package selector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/navswap/internal/backforward"
	"github.com/GriffinCanCode/navswap/internal/frame"
	"github.com/GriffinCanCode/navswap/internal/loop"
	"github.com/GriffinCanCode/navswap/internal/process"
	"github.com/GriffinCanCode/navswap/internal/retired"
	"github.com/GriffinCanCode/navswap/internal/shared/id"
	"github.com/GriffinCanCode/navswap/internal/shared/site"
	"github.com/GriffinCanCode/navswap/internal/types"
)

type nopConn struct{}

func (nopConn) Send(process.Message) error { return nil }
func (nopConn) Close() error               { return nil }

type harness struct {
	sched *loop.Manual
	pool  *process.LocalPool
	cache *retired.Cache
	sel   *Selector
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{sched: loop.NewManual()}
	h.pool = process.NewLocalPool(h.sched, process.LauncherFunc(func(*process.Process) (process.Connection, error) {
		return nopConn{}, nil
	}), process.PoolOptions{}, nil, nil)
	h.cache = retired.NewCache(h.sched, retired.Options{Enabled: true, Capacity: 4, SuspensionTimeout: 10 * time.Second}, h.pool, nil, nil)
	h.sel = New(h.pool, h.cache, opts, nil, nil)
	return h
}

func defaultOptions() Options {
	return Options{SwapEnabled: true, SwapOnCrossSite: true}
}

func (h *harness) processFor(t *testing.T, url string) *process.Process {
	t.Helper()
	p, err := h.pool.ProcessForSite(site.FromURL(url), process.Config{})
	require.NoError(t, err)
	return p
}

func (h *harness) retire(t *testing.T, url string) (*retired.Page, *backforward.Item) {
	t.Helper()
	proc := h.processFor(t, url)
	instance := id.NextInstanceID()
	proc.AddPage(instance, "page_old")
	item := backforward.NewItem(url)
	page := retired.NewPage("page_old", instance, proc, frame.NewTree(id.NextFrameID(), proc, nil), item)
	require.True(t, h.cache.AddEntry(retired.Admission{From: item, HasCommittedLoad: true}, page))
	return page, item
}

func TestSelectSameSiteKeepsProcess(t *testing.T) {
	h := newHarness(t, defaultOptions())
	current := h.processFor(t, "https://a.example/")

	res, err := h.sel.Select(Request{
		Site:                site.FromURL("https://www.a.example/next"),
		Current:             current,
		CurrentHasCommitted: true,
	})
	require.NoError(t, err)
	assert.Same(t, current, res.Process)
	assert.False(t, res.IsSwap)
	assert.Equal(t, ReasonSameSite, res.Reason)
	assert.NotNil(t, res.Group)
}

func TestSelectCrossSiteSwapsAndBindsGroup(t *testing.T) {
	h := newHarness(t, defaultOptions())
	current := h.processFor(t, "https://a.example/")
	group := NewGroup()
	group.Bind(site.FromURL("https://a.example/"), current)

	b := site.FromURL("https://b.example/")
	res, err := h.sel.Select(Request{Site: b, Current: current, CurrentHasCommitted: true, Group: group})
	require.NoError(t, err)
	assert.True(t, res.IsSwap)
	assert.Equal(t, ReasonPool, res.Reason)
	assert.Equal(t, b, res.Process.Site())
	assert.Same(t, group, res.Group)
	_, ok := group.ProcessForSite(b)
	assert.False(t, ok, "bound before commit")

	h.sel.Commit(group, b, res.Process)
	bound, ok := group.ProcessForSite(b)
	require.True(t, ok)
	assert.Same(t, res.Process, bound)

	// A related page in the same group lands in the same process.
	other := h.processFor(t, "https://c.example/")
	again, err := h.sel.Select(Request{Site: b, Current: other, CurrentHasCommitted: true, Group: group})
	require.NoError(t, err)
	assert.Same(t, res.Process, again.Process)
	assert.Equal(t, ReasonGroupBinding, again.Reason)
}

func TestSelectSwapDisabled(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"disabled", Options{SwapEnabled: false, SwapOnCrossSite: true}},
		{"not on cross site", Options{SwapEnabled: true, SwapOnCrossSite: false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.opts)
			current := h.processFor(t, "https://a.example/")
			res, err := h.sel.Select(Request{Site: site.FromURL("https://b.example/"), Current: current, CurrentHasCommitted: true})
			require.NoError(t, err)
			assert.Same(t, current, res.Process)
			assert.False(t, res.IsSwap)
			assert.Equal(t, ReasonSwapDisabled, res.Reason)
		})
	}
}

func TestSelectUncommittedCurrentAdoptsSite(t *testing.T) {
	h := newHarness(t, defaultOptions())
	current, err := h.pool.CreateProcess(process.Config{})
	require.NoError(t, err)

	b := site.FromURL("https://b.example/")
	res, err := h.sel.Select(Request{Site: b, Current: current})
	require.NoError(t, err)
	assert.Same(t, current, res.Process)
	assert.Equal(t, ReasonUncommitted, res.Reason)
	assert.True(t, current.Site().IsEmpty())

	h.sel.Commit(res.Group, b, current)
	assert.Equal(t, b, current.Site())
}

func TestAbandonedSelectionLeavesGroupUnbound(t *testing.T) {
	h := newHarness(t, defaultOptions())
	current := h.processFor(t, "https://a.example/")
	group := NewGroup()
	a := site.FromURL("https://a.example/")
	h.sel.Commit(group, a, current)

	b := site.FromURL("https://b.example/")
	res, err := h.sel.Select(Request{Site: b, Current: current, CurrentHasCommitted: true, Group: group})
	require.NoError(t, err)
	require.True(t, res.IsSwap)

	assert.Equal(t, []site.Site{a}, group.Sites())
	again, err := h.sel.Select(Request{Site: b, Current: current, CurrentHasCommitted: true, Group: group})
	require.NoError(t, err)
	assert.NotEqual(t, ReasonGroupBinding, again.Reason)
}

func TestSelectIncompatibleConfigSwaps(t *testing.T) {
	h := newHarness(t, defaultOptions())
	current := h.processFor(t, "https://a.example/")

	res, err := h.sel.Select(Request{
		Site:                site.FromURL("https://a.example/secure"),
		Current:             current,
		CurrentHasCommitted: true,
		Policies:            &types.WebsitePolicies{LockdownMode: true},
	})
	require.NoError(t, err)
	assert.True(t, res.IsSwap)
	assert.True(t, res.Process.Config().LockdownMode)
}

func TestSelectTerminatedCurrent(t *testing.T) {
	h := newHarness(t, defaultOptions())
	current := h.processFor(t, "https://a.example/")
	h.pool.DidTerminate(current.ID(), process.ReasonCrash)

	res, err := h.sel.Select(Request{Site: site.FromURL("https://a.example/"), Current: current, CurrentHasCommitted: true})
	require.NoError(t, err)
	assert.True(t, res.IsSwap)
	assert.False(t, res.Process.IsTerminated())
}

func TestSelectClientRequestedSwap(t *testing.T) {
	h := newHarness(t, defaultOptions())
	current := h.processFor(t, "https://a.example/")

	res, err := h.sel.Select(Request{
		Site:                site.FromURL("https://a.example/other"),
		Current:             current,
		CurrentHasCommitted: true,
		ClientRequestedSwap: true,
	})
	require.NoError(t, err)
	assert.True(t, res.IsSwap)
	assert.Equal(t, ReasonClientRequested, res.Reason)
}

func TestSelectForceIsolation(t *testing.T) {
	h := newHarness(t, defaultOptions())
	current := h.processFor(t, "https://a.example/")
	group := NewGroup()
	a := site.FromURL("https://a.example/")
	group.Bind(a, current)

	res, err := h.sel.Select(Request{Site: a, Current: current, CurrentHasCommitted: true, Group: group, ForceIsolation: true})
	require.NoError(t, err)
	assert.True(t, res.IsSwap)
	assert.Equal(t, ReasonIsolation, res.Reason)
	assert.True(t, res.Process.Config().CrossOriginIsolated)
	require.NotSame(t, group, res.Group)
	assert.True(t, res.Group.IsIsolated())

	// The old group keeps its binding; the isolated process is not shared.
	bound, _ := group.ProcessForSite(a)
	assert.Same(t, current, bound)

	// Same-site loads inside the isolated page stay put.
	next, err := h.sel.Select(Request{Site: a, Current: res.Process, CurrentHasCommitted: true, Group: res.Group})
	require.NoError(t, err)
	assert.Same(t, res.Process, next.Process)
	assert.False(t, next.IsSwap)
}

func TestSelectRetiredPageForTarget(t *testing.T) {
	h := newHarness(t, defaultOptions())
	page, item := h.retire(t, "https://a.example/")
	current := h.processFor(t, "https://b.example/")

	res, err := h.sel.Select(Request{
		Site:                site.FromURL(item.URL),
		Current:             current,
		CurrentHasCommitted: true,
		TargetItem:          item,
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonRetiredPage, res.Reason)
	assert.Same(t, page, res.Retired)
	assert.Same(t, page.Process(), res.Process)
	assert.True(t, res.IsSwap)
}

func TestSelectRelatedRetiredProcess(t *testing.T) {
	h := newHarness(t, defaultOptions())
	page, _ := h.retire(t, "https://a.example/")
	current := h.processFor(t, "https://b.example/")

	res, err := h.sel.Select(Request{
		Site:                site.FromURL("https://a.example/elsewhere"),
		Current:             current,
		CurrentHasCommitted: true,
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonRelatedProcess, res.Reason)
	assert.Same(t, page.Process(), res.Process)
}

func TestGroupDropsTerminatedBindings(t *testing.T) {
	h := newHarness(t, defaultOptions())
	p := h.processFor(t, "https://a.example/")
	g := NewGroup()
	a := site.FromURL("https://a.example/")
	g.Bind(a, p)
	g.Bind(site.Site{}, p)
	assert.Equal(t, 1, g.Len())

	h.pool.DidTerminate(p.ID(), process.ReasonCrash)
	_, ok := g.ProcessForSite(a)
	assert.False(t, ok)
	assert.Equal(t, 0, g.Len())

	g.Bind(a, p)
	g.Unbind(p)
	assert.Empty(t, g.Sites())
}
