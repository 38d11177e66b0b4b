package retired

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/navswap/internal/backforward"
	"github.com/GriffinCanCode/navswap/internal/frame"
	"github.com/GriffinCanCode/navswap/internal/loop"
	"github.com/GriffinCanCode/navswap/internal/process"
	"github.com/GriffinCanCode/navswap/internal/shared/id"
	"github.com/GriffinCanCode/navswap/internal/shared/site"
)

type recordingConn struct {
	sent []process.Message
}

func (c *recordingConn) Send(msg process.Message) error {
	c.sent = append(c.sent, msg)
	return nil
}

func (c *recordingConn) Close() error { return nil }

type fixture struct {
	sched *loop.Manual
	pool  *process.LocalPool
	conns map[id.ProcessID]*recordingConn
	cache *Cache
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	f := &fixture{sched: loop.NewManual(), conns: make(map[id.ProcessID]*recordingConn)}
	f.pool = process.NewLocalPool(f.sched, process.LauncherFunc(func(p *process.Process) (process.Connection, error) {
		c := &recordingConn{}
		f.conns[p.ID()] = c
		return c, nil
	}), process.PoolOptions{}, nil, nil)
	f.cache = NewCache(f.sched, Options{Enabled: true, Capacity: capacity, SuspensionTimeout: 10 * time.Second}, f.pool, nil, nil)
	return f
}

func (f *fixture) page(t *testing.T, url string) (*Page, *backforward.Item) {
	t.Helper()
	proc, err := f.pool.ProcessForSite(site.FromURL(url), process.Config{})
	require.NoError(t, err)
	instance := id.NextInstanceID()
	proc.AddPage(instance, "page_a")
	item := backforward.NewItem(url)
	return NewPage("page_a", instance, proc, frame.NewTree(1, proc, nil), item), item
}

func (f *fixture) admission(from *backforward.Item) Admission {
	return Admission{From: from, To: backforward.NewItem("https://next.example/"), HasCommittedLoad: true}
}

func TestAdmissionLaw(t *testing.T) {
	a := backforward.NewItem("https://a.example/")
	b := backforward.NewItem("https://b.example/")

	tests := []struct {
		name string
		adm  Admission
		want bool
	}{
		{"eligible", Admission{From: a, To: b, HasCommittedLoad: true}, true},
		{"no destination item yet", Admission{From: a, HasCommittedLoad: true}, true},
		{"same item", Admission{From: a, To: a, HasCommittedLoad: true}, false},
		{"no from item", Admission{To: b, HasCommittedLoad: true}, false},
		{"never committed", Admission{From: a, To: b}, false},
		{"initial empty document", Admission{From: a, To: b, HasCommittedLoad: true, ShowingInitialEmptyDocument: true}, false},
		{"disabled by policy", Admission{From: a, To: b, HasCommittedLoad: true, Disabled: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.adm.Admit())
		})
	}
}

func TestAddEntryNoOpWhenNotAdmitted(t *testing.T) {
	f := newFixture(t, 2)
	page, item := f.page(t, "https://a.example/")

	assert.False(t, f.cache.AddEntry(Admission{From: item, To: item, HasCommittedLoad: true}, page))
	assert.Equal(t, 0, f.cache.Len())
	assert.Empty(t, f.conns[page.Process().ID()].sent)
	assert.False(t, item.HasRetiredPage())
}

func TestAddEntrySuspendsAndTake(t *testing.T) {
	f := newFixture(t, 2)
	page, item := f.page(t, "https://a.example/")

	require.True(t, f.cache.AddEntry(f.admission(item), page))
	assert.True(t, item.HasRetiredPage())
	assert.Equal(t, Suspending, page.State())
	assert.Contains(t, f.conns[page.Process().ID()].sent,
		process.Message(process.SetSuspended{Target: process.Target{PageID: "page_a", Instance: page.Instance()}, Suspended: true}))

	assert.True(t, f.cache.DidSuspend(page.Process().ID(), page.Instance(), true))
	assert.Equal(t, Suspended, page.State())

	got, ok := f.cache.TakeEntry(item.ID)
	require.True(t, ok)
	assert.Same(t, page, got)
	assert.False(t, item.HasRetiredPage())
	assert.Equal(t, 0, f.cache.Len())

	_, ok = f.cache.TakeEntry(item.ID)
	assert.False(t, ok)

	require.True(t, got.Resume())
	assert.Equal(t, Resumed, got.State())
	got.Close()
	assert.False(t, got.IsClosed(), "resumed pages belong to the caller")
}

func TestEvictionLeastRecentlyAdded(t *testing.T) {
	f := newFixture(t, 2)
	p1, i1 := f.page(t, "https://a.example/")
	p2, i2 := f.page(t, "https://b.example/")
	p3, i3 := f.page(t, "https://c.example/")

	require.True(t, f.cache.AddEntry(f.admission(i1), p1))
	require.True(t, f.cache.AddEntry(f.admission(i2), p2))
	require.True(t, f.cache.AddEntry(f.admission(i3), p3))

	assert.Equal(t, 2, f.cache.Len())
	assert.True(t, p1.IsClosed())
	assert.False(t, i1.HasRetiredPage())
	_, ok := f.cache.Lookup(i2.ID)
	assert.True(t, ok)
	_, ok = f.cache.Lookup(i3.ID)
	assert.True(t, ok)

	// The evicted page's process hosted nothing else and is gone.
	assert.True(t, p1.Process().IsTerminated())
}

func TestSupersedeSameItem(t *testing.T) {
	f := newFixture(t, 4)
	p1, item := f.page(t, "https://a.example/")
	p2, _ := f.page(t, "https://a.example/")

	require.True(t, f.cache.AddEntry(f.admission(item), p1))
	require.True(t, f.cache.AddEntry(f.admission(item), p2))

	assert.Equal(t, 1, f.cache.Len())
	assert.True(t, p1.IsClosed())
	got, ok := f.cache.Lookup(item.ID)
	require.True(t, ok)
	assert.Same(t, p2, got)
	assert.True(t, item.HasRetiredPage())
}

func TestSuspensionTimeoutRemovesEntry(t *testing.T) {
	f := newFixture(t, 2)
	page, item := f.page(t, "https://a.example/")
	require.True(t, f.cache.AddEntry(f.admission(item), page))

	var ready []*Page
	page.WaitUntilReady(func(p *Page) { ready = append(ready, p) })

	f.sched.Advance(10 * time.Second)
	assert.Equal(t, 0, f.cache.Len())
	assert.True(t, page.IsClosed())
	assert.Equal(t, []*Page{nil}, ready)
}

func TestFailedToSuspendClosesPage(t *testing.T) {
	f := newFixture(t, 2)
	page, item := f.page(t, "https://a.example/")
	require.True(t, f.cache.AddEntry(f.admission(item), page))

	f.cache.DidSuspend(page.Process().ID(), page.Instance(), false)
	assert.Equal(t, 0, f.cache.Len())
	assert.True(t, page.IsClosed())
	assert.Contains(t, f.conns[page.Process().ID()].sent,
		process.Message(process.ClosePage{Target: process.Target{PageID: "page_a", Instance: page.Instance()}}))
}

func TestRemoveEntriesForProcessAndPage(t *testing.T) {
	f := newFixture(t, 4)
	p1, i1 := f.page(t, "https://a.example/")
	p2, i2 := f.page(t, "https://b.example/")
	require.True(t, f.cache.AddEntry(f.admission(i1), p1))
	require.True(t, f.cache.AddEntry(f.admission(i2), p2))

	f.pool.DidTerminate(p1.Process().ID(), process.ReasonCrash)
	f.cache.RemoveEntriesForProcess(p1.Process().ID())
	assert.Equal(t, 1, f.cache.Len())

	f.cache.RemoveEntriesForPage("page_a")
	assert.Equal(t, 0, f.cache.Len())
	assert.True(t, p2.IsClosed())
}

func TestFindReusableProcess(t *testing.T) {
	f := newFixture(t, 4)
	page, item := f.page(t, "https://a.example/")
	require.True(t, f.cache.AddEntry(f.admission(item), page))

	s := site.FromURL("https://www.a.example/other")
	assert.Same(t, page.Process(), f.cache.FindReusableProcess(s, process.Config{}))
	assert.Nil(t, f.cache.FindReusableProcess(s, process.Config{LockdownMode: true}))
	assert.Nil(t, f.cache.FindReusableProcess(site.FromURL("https://b.example/"), process.Config{}))
	assert.Nil(t, f.cache.FindReusableProcess(s, process.Config{CrossOriginIsolated: true}))
}

func TestFlashGuardTornDownOnFirstPaint(t *testing.T) {
	f := newFixture(t, 2)
	page, _ := f.page(t, "https://a.example/")

	f.cache.AddFlashGuard("page_a", page)
	assert.Equal(t, 0, f.cache.Len(), "flash guards live outside the bounded cache")
	require.Len(t, f.cache.FlashGuards("page_a"), 1)
	assert.True(t, page.IsFlashGuard())
	assert.True(t, f.cache.Owns(page.Process().ID(), page.Instance()))

	f.cache.DidFirstPaint("page_a")
	assert.True(t, page.IsClosed())
	assert.Empty(t, f.cache.FlashGuards("page_a"))
}

func TestSetCapacityEvicts(t *testing.T) {
	f := newFixture(t, 3)
	for _, url := range []string{"https://a.example/", "https://b.example/", "https://c.example/"} {
		page, item := f.page(t, url)
		require.True(t, f.cache.AddEntry(f.admission(item), page))
	}
	f.cache.SetCapacity(1)
	assert.Equal(t, 1, f.cache.Len())
	assert.Equal(t, "https://c.example/", f.cache.Entries()[0].Item().URL)

	f.cache.SetCapacity(0)
	assert.False(t, f.cache.Enabled())
	assert.Equal(t, 0, f.cache.Len())
}
