package process

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/navswap/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/navswap/internal/loop"
	"github.com/GriffinCanCode/navswap/internal/shared/id"
	"github.com/GriffinCanCode/navswap/internal/shared/site"
)

// Pool hands out content processes
type Pool interface {
	// ProcessForSite returns a process locked to s, reusing a warm spare
	// when one with a compatible configuration exists.
	ProcessForSite(s site.Site, cfg Config) (*Process, error)
	// CreateProcess always launches a fresh, unassigned process.
	CreateProcess(cfg Config) (*Process, error)
}

// Launcher starts the OS-level (or simulated) process behind p
type Launcher interface {
	Launch(p *Process) (Connection, error)
}

// LauncherFunc adapts a function to Launcher
type LauncherFunc func(p *Process) (Connection, error)

func (f LauncherFunc) Launch(p *Process) (Connection, error) { return f(p) }

// PoolOptions configures a LocalPool
type PoolOptions struct {
	PrewarmCount     int
	LaunchRate       float64
	LaunchBurst      int
	DefaultDataStore string
}

// LocalPool launches processes through a Launcher, keeps warm spares and
// fans out terminations. It must only be used from the scheduler.
type LocalPool struct {
	sched    loop.Scheduler
	launcher Launcher
	logger   *zap.Logger
	metrics  *monitoring.Metrics
	limiter  *rate.Limiter
	opts     PoolOptions

	seq        id.Sequence
	processes  map[id.ProcessID]*Process
	warm       []*Process
	observers  []func(*Process)
	refillSent bool
}

// NewLocalPool creates a pool. Call Prewarm to start the warm spares.
func NewLocalPool(sched loop.Scheduler, launcher Launcher, opts PoolOptions, logger *zap.Logger, metrics *monitoring.Metrics) *LocalPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.LaunchRate <= 0 {
		opts.LaunchRate = 20
	}
	if opts.LaunchBurst <= 0 {
		opts.LaunchBurst = 10
	}
	return &LocalPool{
		sched:     sched,
		launcher:  launcher,
		logger:    logger.Named("pool"),
		metrics:   metrics,
		limiter:   rate.NewLimiter(rate.Limit(opts.LaunchRate), opts.LaunchBurst),
		opts:      opts,
		processes: make(map[id.ProcessID]*Process),
	}
}

// DefaultConfig returns the configuration warm spares are launched with
func (lp *LocalPool) DefaultConfig() Config {
	return Config{DataStore: lp.opts.DefaultDataStore}
}

// ProcessForSite implements Pool
func (lp *LocalPool) ProcessForSite(s site.Site, cfg Config) (*Process, error) {
	if !cfg.CrossOriginIsolated {
		if p := lp.takeWarm(cfg); p != nil {
			p.AssignSite(s)
			lp.logger.Debug("Using prewarmed process",
				zap.Stringer("pid", p.ID()),
				zap.Stringer("site", s))
			lp.scheduleRefill()
			return p, nil
		}
	}

	p, err := lp.launch(cfg, false)
	if err != nil {
		return nil, err
	}
	p.AssignSite(s)
	return p, nil
}

// CreateProcess implements Pool
func (lp *LocalPool) CreateProcess(cfg Config) (*Process, error) {
	return lp.launch(cfg, false)
}

func (lp *LocalPool) takeWarm(cfg Config) *Process {
	for i, p := range lp.warm {
		if p.IsTerminated() || !p.Config().Compatible(cfg) {
			continue
		}
		lp.warm = append(lp.warm[:i], lp.warm[i+1:]...)
		p.prewarmed = false
		return p
	}
	return nil
}

func (lp *LocalPool) launch(cfg Config, prewarm bool) (*Process, error) {
	if !lp.limiter.AllowN(lp.sched.Now(), 1) {
		lp.metrics.RecordProcessLaunch("throttled")
		return nil, fmt.Errorf("%w: launch rate exceeded", ErrLaunchFailed)
	}

	pid := id.ProcessID(lp.seq.Next())
	p := newProcess(pid, cfg, lp.sched.Now(), lp.logger)
	p.prewarmed = prewarm

	conn, err := lp.launcher.Launch(p)
	if err != nil {
		lp.metrics.RecordProcessLaunch("error")
		lp.logger.Warn("Process launch failed", zap.Stringer("pid", pid), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	p.conn = conn
	lp.processes[pid] = p

	lp.metrics.RecordProcessLaunch("success")
	lp.metrics.SetProcessesLive(len(lp.processes))
	lp.logger.Info("Process launched",
		zap.Stringer("pid", pid),
		zap.Bool("prewarmed", prewarm),
		zap.Bool("isolated", cfg.CrossOriginIsolated))
	return p, nil
}

// Prewarm launches warm spares until PrewarmCount are available
func (lp *LocalPool) Prewarm() {
	for len(lp.warm) < lp.opts.PrewarmCount {
		p, err := lp.launch(lp.DefaultConfig(), true)
		if err != nil {
			lp.logger.Debug("Prewarm skipped", zap.Error(err))
			return
		}
		lp.warm = append(lp.warm, p)
	}
}

func (lp *LocalPool) scheduleRefill() {
	if lp.refillSent || lp.opts.PrewarmCount == 0 {
		return
	}
	lp.refillSent = true
	lp.sched.Dispatch(func() {
		lp.refillSent = false
		lp.Prewarm()
	})
}

// WarmCount returns the number of idle warm spares
func (lp *LocalPool) WarmCount() int { return len(lp.warm) }

// Lookup finds a live process
func (lp *LocalPool) Lookup(pid id.ProcessID) (*Process, bool) {
	p, ok := lp.processes[pid]
	return p, ok
}

// Processes returns live processes ordered by id
func (lp *LocalPool) Processes() []*Process {
	out := make([]*Process, 0, len(lp.processes))
	for _, p := range lp.processes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// OnProcessTerminated registers fn for every termination in the pool
func (lp *LocalPool) OnProcessTerminated(fn func(*Process)) {
	lp.observers = append(lp.observers, fn)
}

// DidTerminate records that a process exited on its own
func (lp *LocalPool) DidTerminate(pid id.ProcessID, reason TerminationReason) {
	p, ok := lp.processes[pid]
	if !ok {
		return
	}
	lp.finish(p, reason)
}

// Terminate kills a process and fans out the termination
func (lp *LocalPool) Terminate(p *Process, reason TerminationReason) {
	if p.IsTerminated() {
		return
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			lp.logger.Debug("Closing connection failed", zap.Stringer("pid", p.ID()), zap.Error(err))
		}
	}
	lp.finish(p, reason)
}

// MaybeShutdown terminates p if it no longer hosts any page
func (lp *LocalPool) MaybeShutdown(p *Process) bool {
	if p == nil || p.IsTerminated() || p.IsPrewarmed() || p.PageCount() > 0 {
		return false
	}
	lp.Terminate(p, ReasonIdleExit)
	return true
}

// Shutdown terminates every process
func (lp *LocalPool) Shutdown() {
	for _, p := range lp.Processes() {
		lp.Terminate(p, ReasonShutdown)
	}
}

func (lp *LocalPool) finish(p *Process, reason TerminationReason) {
	delete(lp.processes, p.ID())
	for i, w := range lp.warm {
		if w == p {
			lp.warm = append(lp.warm[:i], lp.warm[i+1:]...)
			break
		}
	}

	if !p.markTerminated(reason) {
		return
	}

	lp.metrics.RecordProcessTermination(string(reason))
	lp.metrics.SetProcessesLive(len(lp.processes))

	level := lp.logger.Info
	if reason == ReasonCrash || reason == ReasonProtocolViolation {
		level = lp.logger.Warn
	}
	level("Process terminated",
		zap.Stringer("pid", p.ID()),
		zap.String("reason", string(reason)),
		zap.Int("pages", p.PageCount()))

	for _, fn := range lp.observers {
		fn(p)
	}
}
