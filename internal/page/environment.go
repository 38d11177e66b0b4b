// Package page implements the page session: the page as the embedder sees
// it, stable across process swaps.
//
// A session owns its navigation ledger, policy exchange, back-forward list
// and frame tree, and at most one candidate page. Everything shared between
// the pages of one configuration (process pool, retired page cache, process
// selector) lives in the Environment, whose Registry routes messages from
// content processes back to the page instance they name.
package page

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/navswap/internal/infrastructure/config"
	"github.com/GriffinCanCode/navswap/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/navswap/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/navswap/internal/loop"
	"github.com/GriffinCanCode/navswap/internal/network"
	"github.com/GriffinCanCode/navswap/internal/policy"
	"github.com/GriffinCanCode/navswap/internal/process"
	"github.com/GriffinCanCode/navswap/internal/retired"
	"github.com/GriffinCanCode/navswap/internal/selector"
	"github.com/GriffinCanCode/navswap/internal/surface"
)

// Settings are the per-configuration knobs every page reads
type Settings struct {
	SwapOnOpenerPolicy    bool
	DelayUntilFirstPaint  bool
	SafetyTimeout         time.Duration
	BlockOnSafetyTimeout  bool
	ResponsivenessTimeout time.Duration
	CrashReloadCap        int
	CrashQuietPeriod      time.Duration
	HistoryCapacity       int
}

// SettingsFrom derives Settings from the loaded configuration
func SettingsFrom(cfg *config.Config) Settings {
	st := Settings{
		SwapOnOpenerPolicy:    cfg.Swap.Enabled && cfg.Swap.OnOpenerPolicy,
		DelayUntilFirstPaint:  cfg.Swap.DelayUntilFirstPaint,
		SafetyTimeout:         cfg.Policy.SafetyCheckTimeout.Duration,
		BlockOnSafetyTimeout:  cfg.Policy.SafetyTimeoutAction == "block",
		ResponsivenessTimeout: cfg.Process.ResponsivenessTimeout.Duration,
		CrashReloadCap:        cfg.Recovery.CrashReloadCap,
		CrashQuietPeriod:      cfg.Recovery.QuietPeriod.Duration,
	}
	if st.ResponsivenessTimeout <= 0 {
		st.ResponsivenessTimeout = 3 * time.Second
	}
	return st
}

// Options configures an Environment
type Options struct {
	Config    *config.Config
	Scheduler loop.Scheduler
	Launcher  process.Launcher
	Network   network.Broker
	Surfaces  surface.Factory
	Safety    policy.SafetyChecker
	Tracer    *tracing.Tracer
	Metrics   *monitoring.Metrics
	Logger    *zap.Logger
}

// Environment holds what the pages of one configuration share. It must only
// be used from the scheduler.
type Environment struct {
	sched     loop.Scheduler
	pool      *process.LocalPool
	cache     *retired.Cache
	selector  *selector.Selector
	network   network.Broker
	surfaces  surface.Factory
	safety    policy.SafetyChecker
	downloads *policy.DownloadRules
	rules     *policy.Rules
	settings  Settings
	registry  *Registry
	tracer    *tracing.Tracer
	metrics   *monitoring.Metrics
	logger    *zap.Logger
}

// NewEnvironment wires the pool, cache, selector and registry together
func NewEnvironment(opts Options) (*Environment, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("environment needs a scheduler")
	}
	if opts.Launcher == nil {
		return nil, fmt.Errorf("environment needs a process launcher")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Network == nil {
		opts.Network = network.Noop{}
	}
	if opts.Surfaces == nil {
		opts.Surfaces = surface.LocalFactory{}
	}

	rules := make([]policy.Rule, 0, len(cfg.Policy.Rules))
	for _, r := range cfg.Policy.Rules {
		rules = append(rules, policy.Rule{Pattern: r.Pattern, Policies: r.Policies})
	}
	compiled, err := policy.NewRules(rules)
	if err != nil {
		return nil, err
	}

	env := &Environment{
		sched:     opts.Scheduler,
		network:   opts.Network,
		surfaces:  opts.Surfaces,
		safety:    opts.Safety,
		downloads: policy.NewDownloadRules(cfg.Policy.LockdownBlockedMIMETypes),
		rules:     compiled,
		settings:  SettingsFrom(cfg),
		tracer:    opts.Tracer,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
	env.pool = process.NewLocalPool(opts.Scheduler, opts.Launcher, process.PoolOptions{
		PrewarmCount: cfg.Process.PrewarmCount,
		LaunchRate:   cfg.Process.LaunchRate,
		LaunchBurst:  cfg.Process.LaunchBurst,
	}, opts.Logger, opts.Metrics)
	env.cache = retired.NewCache(opts.Scheduler, retired.Options{
		Enabled:           cfg.Cache.Enabled,
		Capacity:          cfg.Cache.Capacity,
		SuspensionTimeout: cfg.Cache.SuspensionTimeout.Duration,
	}, env.pool, opts.Logger, opts.Metrics)
	env.selector = selector.New(env.pool, env.cache, selector.Options{
		SwapEnabled:     cfg.Swap.Enabled,
		SwapOnCrossSite: cfg.Swap.OnCrossSite,
	}, opts.Logger, opts.Metrics)
	env.registry = newRegistry(env)
	env.pool.OnProcessTerminated(env.registry.processTerminated)
	return env, nil
}

func (e *Environment) Scheduler() loop.Scheduler    { return e.sched }
func (e *Environment) Pool() *process.LocalPool     { return e.pool }
func (e *Environment) Cache() *retired.Cache        { return e.cache }
func (e *Environment) Selector() *selector.Selector { return e.selector }
func (e *Environment) Registry() *Registry          { return e.registry }
func (e *Environment) Settings() Settings           { return e.settings }

// Start launches the warm spare processes
func (e *Environment) Start() {
	e.pool.Prewarm()
}

// Dispatch routes a message from a content process
func (e *Environment) Dispatch(env process.Envelope) {
	e.registry.Dispatch(env)
}

// Shutdown closes every page and terminates every process
func (e *Environment) Shutdown() {
	for _, s := range e.registry.Pages() {
		s.Close()
	}
	e.cache.Clear()
	e.pool.Shutdown()
}
