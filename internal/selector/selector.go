// Package selector picks the content process that hosts a navigation.
//
// Selection follows a fixed order. Isolation and explicit client requests
// come first, then a retired page for the back-forward target, then the
// current process when it can keep the load, then the isolation group's
// binding for the site, then a related retired page's process, and finally
// the pool. A swap is any result whose process differs from the current one,
// and any result that reinstates a retired page.
package selector

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/navswap/internal/backforward"
	"github.com/GriffinCanCode/navswap/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/navswap/internal/process"
	"github.com/GriffinCanCode/navswap/internal/retired"
	"github.com/GriffinCanCode/navswap/internal/shared/site"
	"github.com/GriffinCanCode/navswap/internal/types"
)

// ErrNoProcess is returned when no process could be obtained
var ErrNoProcess = errors.New("no process available")

// Reason explains a selection
type Reason string

const (
	ReasonSwapDisabled    Reason = "swap_disabled"
	ReasonIsolation       Reason = "cross_origin_isolation"
	ReasonClientRequested Reason = "client_requested"
	ReasonRetiredPage     Reason = "retired_page"
	ReasonSameSite        Reason = "same_site"
	ReasonUncommitted     Reason = "uncommitted"
	ReasonGroupBinding    Reason = "isolation_group"
	ReasonRelatedProcess  Reason = "related_process"
	ReasonPool            Reason = "pool"
)

// Options configures a Selector
type Options struct {
	// SwapEnabled turns process swapping on at all.
	SwapEnabled bool
	// SwapOnCrossSite swaps when the destination site differs.
	SwapOnCrossSite bool
	// DataStore is the default data store for process configurations.
	DataStore string
}

// Request is the input of a selection
type Request struct {
	Site    site.Site
	Current *process.Process
	// CurrentHasCommitted is false while the page never committed a load in
	// Current; such a process may adopt any site.
	CurrentHasCommitted bool
	Policies            *types.WebsitePolicies
	Group               *Group
	// TargetItem is the back-forward item of a history navigation.
	TargetItem *backforward.Item
	// ClientRequestedSwap forces a fresh process.
	ClientRequestedSwap bool
	// ForceIsolation forces a fresh isolated process and group.
	ForceIsolation bool
}

// Result is the outcome of a selection
type Result struct {
	Process *process.Process
	IsSwap  bool
	Reason  Reason
	// Group is the group the page belongs to afterwards. It differs from the
	// request's group only for isolation.
	Group *Group
	// Retired is the retired page to reinstate, if any. It is still owned by
	// the cache.
	Retired *retired.Page
}

// Selector chooses processes for navigations
type Selector struct {
	pool    process.Pool
	cache   *retired.Cache
	opts    Options
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// New creates a selector. cache may be nil.
func New(pool process.Pool, cache *retired.Cache, opts Options, logger *zap.Logger, metrics *monitoring.Metrics) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		pool:    pool,
		cache:   cache,
		opts:    opts,
		metrics: metrics,
		logger:  logger.Named("selector"),
	}
}

// ConfigFor returns the process configuration a navigation with policies needs
func (s *Selector) ConfigFor(policies *types.WebsitePolicies) process.Config {
	return process.ConfigFor(policies, s.opts.DataStore)
}

// Select returns the process that should host req. Nothing is bound until
// the page commits there; see Commit.
func (s *Selector) Select(req Request) (Result, error) {
	group := req.Group
	if group == nil {
		group = NewGroup()
	}
	res, err := s.choose(req, group)
	if err != nil {
		return Result{}, err
	}
	if res.Group == nil {
		res.Group = group
	}

	res.IsSwap = res.Process != req.Current || res.Retired != nil

	if res.IsSwap {
		s.metrics.RecordProcessSwap(string(res.Reason))
	}
	fields := []zap.Field{
		zap.Stringer("site", req.Site),
		zap.Stringer("pid", res.Process.ID()),
		zap.String("reason", string(res.Reason)),
		zap.Bool("swap", res.IsSwap),
	}
	if req.Current != nil {
		fields = append(fields, zap.Stringer("current_pid", req.Current.ID()))
	}
	s.logger.Debug("Process selected", fields...)
	return res, nil
}

// Commit locks p to st and binds st to p in group. Called once a main
// frame load of st has committed in p.
func (s *Selector) Commit(group *Group, st site.Site, p *process.Process) {
	if st.IsEmpty() || p == nil {
		return
	}
	p.AssignSite(st)
	if group != nil {
		group.Bind(st, p)
	}
}

func (s *Selector) choose(req Request, group *Group) (Result, error) {
	cfg := s.ConfigFor(req.Policies)
	if group.IsIsolated() {
		cfg.CrossOriginIsolated = true
	}
	current := req.Current
	currentUsable := current != nil && !current.IsTerminated() && fits(current, cfg)

	if !s.opts.SwapEnabled && currentUsable {
		return Result{Process: current, Reason: ReasonSwapDisabled}, nil
	}

	if req.ForceIsolation {
		cfg.CrossOriginIsolated = true
		p, err := s.pool.CreateProcess(cfg)
		if err != nil {
			return Result{}, fmt.Errorf("isolated process for %s: %w", req.Site, err)
		}
		return Result{Process: p, Reason: ReasonIsolation, Group: NewIsolatedGroup()}, nil
	}

	if req.ClientRequestedSwap {
		p, err := s.pool.CreateProcess(cfg)
		if err != nil {
			return Result{}, fmt.Errorf("requested process for %s: %w", req.Site, err)
		}
		return Result{Process: p, Reason: ReasonClientRequested}, nil
	}

	if req.TargetItem != nil && s.cache != nil && s.cache.Enabled() {
		if page, ok := s.cache.Lookup(req.TargetItem.ID); ok && !page.Process().IsTerminated() && !page.IsClosed() {
			return Result{Process: page.Process(), Reason: ReasonRetiredPage, Retired: page}, nil
		}
	}

	if currentUsable {
		switch {
		case req.Site.IsEmpty():
			return Result{Process: current, Reason: ReasonSameSite}, nil
		case current.Site() == req.Site:
			return Result{Process: current, Reason: ReasonSameSite}, nil
		case current.Site().IsEmpty() || !req.CurrentHasCommitted:
			return Result{Process: current, Reason: ReasonUncommitted}, nil
		case !s.opts.SwapOnCrossSite:
			return Result{Process: current, Reason: ReasonSwapDisabled}, nil
		}
	}

	if p, ok := group.ProcessForSite(req.Site); ok && fits(p, cfg) {
		return Result{Process: p, Reason: ReasonGroupBinding}, nil
	}

	if !group.IsIsolated() && s.cache != nil {
		if p := s.cache.FindReusableProcess(req.Site, cfg); p != nil {
			return Result{Process: p, Reason: ReasonRelatedProcess}, nil
		}
	}

	p, err := s.pool.ProcessForSite(req.Site, cfg)
	if err != nil {
		return Result{}, fmt.Errorf("process for %s: %w", req.Site, err)
	}
	if p == nil {
		return Result{}, fmt.Errorf("process for %s: %w", req.Site, ErrNoProcess)
	}
	return Result{Process: p, Reason: ReasonPool}, nil
}

// fits reports whether p may host a page needing cfg. Isolated processes
// only ever host pages of their own isolated group, which share the exact
// configuration.
func fits(p *process.Process, cfg process.Config) bool {
	if cfg.CrossOriginIsolated {
		return p.Config() == cfg
	}
	return p.Config().Compatible(cfg)
}
