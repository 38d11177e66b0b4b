// Package process models content processes as seen by the coordinator.
//
// A Process is owned by the pool that launched it. Pages and frames refer to
// processes by pointer, but a process only keeps non-owning back references
// to the page incarnations it hosts (page id by instance id).
package process

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/navswap/internal/loop"
	"github.com/GriffinCanCode/navswap/internal/shared/id"
	"github.com/GriffinCanCode/navswap/internal/shared/site"
	"github.com/GriffinCanCode/navswap/internal/types"
)

var (
	ErrLaunchFailed = errors.New("process launch failed")
	ErrTerminated   = errors.New("process terminated")
)

// State of a content process
type State int

const (
	StateRunning State = iota
	StateTerminated
)

func (s State) String() string {
	if s == StateTerminated {
		return "terminated"
	}
	return "running"
}

// TerminationReason explains why a process went away
type TerminationReason string

const (
	ReasonCrash             TerminationReason = "crash"
	ReasonIdleExit          TerminationReason = "idle_exit"
	ReasonUnresponsive      TerminationReason = "unresponsive"
	ReasonProtocolViolation TerminationReason = "protocol_violation"
	ReasonRequestedByClient TerminationReason = "requested_by_client"
	ReasonShutdown          TerminationReason = "shutdown"
)

// Config is the privacy and sandbox configuration a process was launched
// with. Two pages can share a process only if their configs are equal.
type Config struct {
	DataStore           string `json:"data_store"`
	LockdownMode        bool   `json:"lockdown_mode"`
	EnhancedSecurity    bool   `json:"enhanced_security"`
	CrossOriginIsolated bool   `json:"cross_origin_isolated"`
}

// ConfigFor derives a process configuration from website policies
func ConfigFor(policies *types.WebsitePolicies, dataStore string) Config {
	cfg := Config{DataStore: dataStore}
	if policies != nil {
		cfg.LockdownMode = policies.LockdownMode
		cfg.EnhancedSecurity = policies.EnhancedSecurity
		if policies.DataStore != "" {
			cfg.DataStore = policies.DataStore
		}
	}
	return cfg
}

// Compatible reports whether a page needing want may run in a process
// launched with c. Isolated processes are never shared.
func (c Config) Compatible(want Config) bool {
	if c.CrossOriginIsolated || want.CrossOriginIsolated {
		return false
	}
	return c.DataStore == want.DataStore &&
		c.LockdownMode == want.LockdownMode &&
		c.EnhancedSecurity == want.EnhancedSecurity
}

// Connection carries messages to a content process.
type Connection interface {
	Send(msg Message) error
	Close() error
}

// Process is one content process
type Process struct {
	id         id.ProcessID
	config     Config
	site       site.Site
	state      State
	reason     TerminationReason
	conn       Connection
	prewarmed  bool
	launchedAt time.Time
	logger     *zap.Logger

	pages map[id.InstanceID]id.PageID

	pingSeq  id.Sequence
	pings    map[uint64]func(bool)
	observer []func(*Process)
}

func newProcess(pid id.ProcessID, cfg Config, now time.Time, logger *zap.Logger) *Process {
	return &Process{
		id:         pid,
		config:     cfg,
		launchedAt: now,
		logger:     logger.With(zap.Stringer("pid", pid)),
		pages:      make(map[id.InstanceID]id.PageID),
		pings:      make(map[uint64]func(bool)),
	}
}

// ID returns the process identifier
func (p *Process) ID() id.ProcessID { return p.id }

// Config returns the launch configuration
func (p *Process) Config() Config { return p.config }

// Site returns the site the process is locked to, or the empty site
func (p *Process) Site() site.Site { return p.site }

// State returns the lifecycle state
func (p *Process) State() State { return p.state }

// IsTerminated reports whether the process is gone
func (p *Process) IsTerminated() bool { return p.state == StateTerminated }

// TerminationReason reports why the process went away, or ""
func (p *Process) TerminationReason() TerminationReason { return p.reason }

// IsPrewarmed reports whether the process is still an unassigned warm spare
func (p *Process) IsPrewarmed() bool { return p.prewarmed }

// LaunchedAt returns the launch time on the scheduler clock
func (p *Process) LaunchedAt() time.Time { return p.launchedAt }

// AssignSite locks the process to s. A process already locked to another
// non-empty site keeps its original site.
func (p *Process) AssignSite(s site.Site) {
	p.prewarmed = false
	if p.site.IsEmpty() {
		p.site = s
	}
}

// Send delivers msg, failing with ErrTerminated once the process is gone
func (p *Process) Send(msg Message) error {
	if p.state == StateTerminated || p.conn == nil {
		return fmt.Errorf("send %s to %s: %w", msg.MessageName(), p.id, ErrTerminated)
	}
	if err := p.conn.Send(msg); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.MessageName(), p.id, err)
	}
	return nil
}

// AddPage records that instance of page lives in this process
func (p *Process) AddPage(instance id.InstanceID, page id.PageID) {
	p.prewarmed = false
	p.pages[instance] = page
}

// RemovePage forgets a page instance
func (p *Process) RemovePage(instance id.InstanceID) {
	delete(p.pages, instance)
}

// PageFor resolves an instance back to its page id
func (p *Process) PageFor(instance id.InstanceID) (id.PageID, bool) {
	page, ok := p.pages[instance]
	return page, ok
}

// PageCount returns the number of hosted page instances
func (p *Process) PageCount() int { return len(p.pages) }

// OnTerminate registers fn to run once when the process terminates
func (p *Process) OnTerminate(fn func(*Process)) {
	p.observer = append(p.observer, fn)
}

// CheckResponsiveness pings the process and calls done with true if it
// answers within timeout, false otherwise. done runs exactly once.
func (p *Process) CheckResponsiveness(sched loop.Scheduler, timeout time.Duration, done func(responsive bool)) {
	if p.IsTerminated() {
		sched.Dispatch(func() { done(false) })
		return
	}

	token := p.pingSeq.Next()
	var timer loop.Timer
	p.pings[token] = func(ok bool) {
		if timer != nil {
			timer.Stop()
		}
		done(ok)
	}
	timer = sched.AfterFunc(timeout, func() {
		p.resolvePing(token, false)
	})

	if err := p.Send(Ping{Token: token}); err != nil {
		p.logger.Debug("Responsiveness ping not delivered", zap.Error(err))
	}
}

// DidReceivePong resolves a pending responsiveness check
func (p *Process) DidReceivePong(token uint64) {
	p.resolvePing(token, true)
}

func (p *Process) resolvePing(token uint64, ok bool) {
	fn, found := p.pings[token]
	if !found {
		return
	}
	delete(p.pings, token)
	fn(ok)
}

// markTerminated transitions to StateTerminated and fires observers once
func (p *Process) markTerminated(reason TerminationReason) bool {
	if p.state == StateTerminated {
		return false
	}
	p.state = StateTerminated
	p.reason = reason

	pending := p.pings
	p.pings = make(map[uint64]func(bool))
	for _, fn := range pending {
		fn(false)
	}

	observers := p.observer
	p.observer = nil
	for _, fn := range observers {
		fn(p)
	}
	return true
}

// Snapshot is a read-only view for the inspector
type Snapshot struct {
	ID        id.ProcessID `json:"id"`
	Site      string       `json:"site"`
	State     string       `json:"state"`
	Reason    string       `json:"reason,omitempty"`
	Config    Config       `json:"config"`
	Pages     int          `json:"pages"`
	Prewarmed bool         `json:"prewarmed"`
}

// Snapshot returns a read-only view of the process
func (p *Process) Snapshot() Snapshot {
	return Snapshot{
		ID:        p.id,
		Site:      p.site.String(),
		State:     p.state.String(),
		Reason:    string(p.reason),
		Config:    p.config,
		Pages:     len(p.pages),
		Prewarmed: p.prewarmed,
	}
}
