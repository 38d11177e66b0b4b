// Package retired implements the retired page cache.
//
// Retired pages keep their process and live frame tree so a back-forward
// navigation can resurrect them without a network load. The cache is shared
// by every page of one configuration and is only touched from the scheduler.
// Entries are keyed by back-forward item and evicted least-recently-added
// first. A page kept only to avoid a visible flash on swap lives outside the
// bounded cache until the destination page paints.
package retired

import (
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/navswap/internal/backforward"
	"github.com/GriffinCanCode/navswap/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/navswap/internal/loop"
	"github.com/GriffinCanCode/navswap/internal/process"
	"github.com/GriffinCanCode/navswap/internal/shared/id"
	"github.com/GriffinCanCode/navswap/internal/shared/site"
)

// Eviction reasons
const (
	EvictCapacity          = "capacity"
	EvictSuperseded        = "superseded"
	EvictProcessExit       = "process_exit"
	EvictPageClosed        = "page_closed"
	EvictSuspensionTimeout = "suspension_timeout"
	EvictFailedToSuspend   = "failed_to_suspend"
	EvictCleared           = "cleared"
)

// Reaper terminates processes that no longer host anything
type Reaper interface {
	MaybeShutdown(p *process.Process) bool
}

// Admission describes the navigation that retires a page
type Admission struct {
	From *backforward.Item
	To   *backforward.Item
	// HasCommittedLoad is false when the outgoing page never committed a
	// load of its own.
	HasCommittedLoad bool
	// ShowingInitialEmptyDocument is true for a programmatically opened page
	// that still shows its initial empty document.
	ShowingInitialEmptyDocument bool
	// Disabled reflects website policies that opt the page out.
	Disabled bool
}

// Admit reports whether a retired entry may be created
func (a Admission) Admit() bool {
	if a.From == nil || a.Disabled || !a.HasCommittedLoad || a.ShowingInitialEmptyDocument {
		return false
	}
	return a.To == nil || a.From.ID != a.To.ID
}

// Options configures a Cache
type Options struct {
	Enabled           bool
	Capacity          int
	SuspensionTimeout time.Duration
}

// Cache is the bounded retired page cache
type Cache struct {
	sched   loop.Scheduler
	opts    Options
	reaper  Reaper
	entries []*Page
	guards  map[id.PageID][]*Page
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewCache creates a cache
func NewCache(sched loop.Scheduler, opts Options, reaper Reaper, logger *zap.Logger, metrics *monitoring.Metrics) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Capacity < 0 {
		opts.Capacity = 0
	}
	return &Cache{
		sched:   sched,
		opts:    opts,
		reaper:  reaper,
		guards:  make(map[id.PageID][]*Page),
		metrics: metrics,
		logger:  logger.Named("retired"),
	}
}

// Enabled reports whether the cache admits entries
func (c *Cache) Enabled() bool { return c.opts.Enabled && c.opts.Capacity > 0 }

// Capacity returns the entry bound
func (c *Cache) Capacity() int { return c.opts.Capacity }

// Len returns the number of cached entries
func (c *Cache) Len() int { return len(c.entries) }

func (c *Cache) attach(p *Page) {
	p.reaper = c.reaper
	p.logger = c.logger.With(
		zap.Stringer("page_id", p.pageID),
		zap.Stringer("instance", p.instance),
		zap.Stringer("pid", p.proc.ID()))
	p.onFatal = func(p *Page, reason string) { c.remove(p, reason) }
	p.proc.AddPage(p.instance, p.pageID)
}

// AddEntry admits page under the item adm.From. When adm does not pass the
// admission law, or the cache is disabled, nothing happens and false is
// returned; the caller still owns page.
func (c *Cache) AddEntry(adm Admission, page *Page) bool {
	if !c.Enabled() || !adm.Admit() || page.proc.IsTerminated() {
		return false
	}
	page.item = adm.From

	for _, existing := range c.Entries() {
		if existing.item.ID == adm.From.ID {
			c.remove(existing, EvictSuperseded)
		}
	}

	c.attach(page)
	c.entries = append(c.entries, page)
	adm.From.SetHasRetiredPage(true)
	page.suspend(c.sched, c.opts.SuspensionTimeout)

	for len(c.entries) > c.opts.Capacity {
		c.remove(c.entries[0], EvictCapacity)
	}

	c.metrics.SetRetiredCacheSize(len(c.entries))
	c.logger.Debug("Retired page added",
		zap.Stringer("page_id", page.pageID),
		zap.Stringer("item_id", adm.From.ID),
		zap.Stringer("pid", page.proc.ID()),
		zap.Int("size", len(c.entries)))
	return true
}

// Lookup returns the entry for itemID without removing it
func (c *Cache) Lookup(itemID id.ItemID) (*Page, bool) {
	for _, p := range c.entries {
		if p.item.ID == itemID {
			return p, true
		}
	}
	return nil, false
}

// TakeEntry removes and returns the entry for itemID. The caller becomes its
// owner and must Resume or Close it.
func (c *Cache) TakeEntry(itemID id.ItemID) (*Page, bool) {
	for i, p := range c.entries {
		if p.item.ID != itemID {
			continue
		}
		c.entries = append(c.entries[:i], c.entries[i+1:]...)
		p.item.SetHasRetiredPage(false)
		p.onFatal = nil
		c.metrics.RecordRetiredCacheLookup(true)
		c.metrics.SetRetiredCacheSize(len(c.entries))
		return p, true
	}
	c.metrics.RecordRetiredCacheLookup(false)
	return nil, false
}

// RemoveEntriesForProcess drops every entry and flash guard hosted by pid
func (c *Cache) RemoveEntriesForProcess(pid id.ProcessID) {
	for _, p := range c.Entries() {
		if p.proc.ID() == pid {
			c.remove(p, EvictProcessExit)
		}
	}
	type guard struct {
		owner id.PageID
		page  *Page
	}
	var dead []guard
	for owner, guards := range c.guards {
		for _, g := range guards {
			if g.proc.ID() == pid {
				dead = append(dead, guard{owner, g})
			}
		}
	}
	for _, g := range dead {
		c.dropGuard(g.owner, g.page)
	}
}

// RemoveEntriesForPage drops every entry and flash guard of pageID
func (c *Cache) RemoveEntriesForPage(pageID id.PageID) {
	for _, p := range c.Entries() {
		if p.pageID == pageID {
			c.remove(p, EvictPageClosed)
		}
	}
	for _, g := range c.guards[pageID] {
		g.Close()
	}
	delete(c.guards, pageID)
}

// Clear drops everything
func (c *Cache) Clear() {
	for _, p := range c.Entries() {
		c.remove(p, EvictCleared)
	}
	for owner := range c.guards {
		c.RemoveEntriesForPage(owner)
	}
}

// SetCapacity changes the bound, evicting the oldest entries as needed
func (c *Cache) SetCapacity(n int) {
	if n < 0 {
		n = 0
	}
	c.opts.Capacity = n
	for len(c.entries) > n {
		c.remove(c.entries[0], EvictCapacity)
	}
}

// Entries returns cached pages, oldest first
func (c *Cache) Entries() []*Page { return append([]*Page(nil), c.entries...) }

func (c *Cache) remove(p *Page, reason string) {
	found := false
	for i, e := range c.entries {
		if e == p {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		p.Close()
		return
	}

	p.item.SetHasRetiredPage(false)
	p.onFatal = nil
	p.Close()

	c.metrics.RecordRetiredCacheEviction(reason)
	c.metrics.SetRetiredCacheSize(len(c.entries))
	c.logger.Debug("Retired page removed",
		zap.Stringer("page_id", p.pageID),
		zap.Stringer("item_id", p.item.ID),
		zap.String("reason", reason))
}

// FindReusableProcess returns a live process of a retired page that is locked
// to s and was launched with a configuration compatible with cfg.
func (c *Cache) FindReusableProcess(s site.Site, cfg process.Config) *process.Process {
	if s.IsEmpty() {
		return nil
	}
	for i := len(c.entries) - 1; i >= 0; i-- {
		proc := c.entries[i].proc
		if proc.IsTerminated() || proc.Site() != s || !proc.Config().Compatible(cfg) {
			continue
		}
		return proc
	}
	return nil
}

// AddFlashGuard keeps page alive outside the bounded cache until owner
// paints for the first time.
func (c *Cache) AddFlashGuard(owner id.PageID, page *Page) {
	if page.proc.IsTerminated() {
		return
	}
	page.flashGuard = true
	c.attach(page)
	page.onFatal = func(p *Page, _ string) { c.dropGuard(owner, p) }
	c.guards[owner] = append(c.guards[owner], page)
	page.suspend(c.sched, c.opts.SuspensionTimeout)
}

// DidFirstPaint tears down the flash guards of owner
func (c *Cache) DidFirstPaint(owner id.PageID) {
	guards := c.guards[owner]
	delete(c.guards, owner)
	for _, g := range guards {
		g.Close()
	}
}

// FlashGuards returns the guards held for owner
func (c *Cache) FlashGuards(owner id.PageID) []*Page {
	return append([]*Page(nil), c.guards[owner]...)
}

func (c *Cache) dropGuard(owner id.PageID, p *Page) {
	guards := c.guards[owner]
	for i, g := range guards {
		if g == p {
			c.guards[owner] = append(guards[:i], guards[i+1:]...)
			break
		}
	}
	if len(c.guards[owner]) == 0 {
		delete(c.guards, owner)
	}
	p.onFatal = nil
	p.Close()
}

// DidSuspend routes a suspension answer to the page instance it belongs to
func (c *Cache) DidSuspend(pid id.ProcessID, instance id.InstanceID, ok bool) bool {
	if p := c.find(pid, instance); p != nil {
		p.DidSuspend(ok)
		return true
	}
	return false
}

// Owns reports whether a retired page or flash guard is the instance
func (c *Cache) Owns(pid id.ProcessID, instance id.InstanceID) bool {
	return c.find(pid, instance) != nil
}

func (c *Cache) find(pid id.ProcessID, instance id.InstanceID) *Page {
	for _, p := range c.entries {
		if p.matches(pid, instance) {
			return p
		}
	}
	for _, guards := range c.guards {
		for _, g := range guards {
			if g.matches(pid, instance) {
				return g
			}
		}
	}
	return nil
}

// Snapshot returns read-only views of entries then flash guards
func (c *Cache) Snapshot() []Snapshot {
	out := make([]Snapshot, 0, len(c.entries))
	for _, p := range c.entries {
		out = append(out, p.Snapshot())
	}
	for _, guards := range c.guards {
		for _, g := range guards {
			out = append(out, g.Snapshot())
		}
	}
	return out
}
