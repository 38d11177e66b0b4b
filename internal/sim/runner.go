package sim

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/navswap/internal/delegate"
	"github.com/GriffinCanCode/navswap/internal/infrastructure/config"
	"github.com/GriffinCanCode/navswap/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/navswap/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/navswap/internal/loop"
	"github.com/GriffinCanCode/navswap/internal/page"
)

// ErrExpectation is wrapped by every failed expectation
var ErrExpectation = errors.New("expectation failed")

// StepResult reports one replayed step
type StepResult struct {
	Index int    `json:"index"`
	Do    string `json:"do"`
	Page  string `json:"page,omitempty"`
	URL   string `json:"url,omitempty"`
	Error string `json:"error,omitempty"`
}

// Report is the outcome of a scenario run
type Report struct {
	Name   string          `json:"name"`
	Passed bool            `json:"passed"`
	Steps  []StepResult    `json:"steps"`
	Pages  []page.Snapshot `json:"pages"`
}

// RunnerOptions configures a Runner
type RunnerOptions struct {
	Config  *config.Config
	Tracer  *tracing.Tracer
	Metrics *monitoring.Metrics
	Logger  *zap.Logger
}

type tab struct {
	session *page.Session
	events  *delegate.Recorder
}

// Runner replays a scenario on a deterministic scheduler. Time only moves
// through wait steps.
type Runner struct {
	scenario *Scenario
	sched    *loop.Manual
	env      *page.Environment
	fleet    *Fleet
	tabs     map[string]*tab
	logger   *zap.Logger
}

// NewRunner builds the environment and fleet for sc
func NewRunner(sc *Scenario, opts RunnerOptions) (*Runner, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	cfg := config.Default()
	if opts.Config != nil {
		copied := *opts.Config
		cfg = &copied
	}
	sc.Settings.Apply(cfg)

	responses, err := NewResponses(sc.Responses)
	if err != nil {
		return nil, err
	}
	sched := loop.NewManual()
	fleet := NewFleet(sched, responses, opts.Logger)
	env, err := page.NewEnvironment(page.Options{
		Config:    cfg,
		Scheduler: sched,
		Launcher:  fleet,
		Tracer:    opts.Tracer,
		Metrics:   opts.Metrics,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	fleet.Attach(env.Dispatch, env.Pool().DidTerminate)

	return &Runner{
		scenario: sc,
		sched:    sched,
		env:      env,
		fleet:    fleet,
		tabs:     make(map[string]*tab),
		logger:   opts.Logger.Named("scenario"),
	}, nil
}

// Environment returns the environment the scenario runs in
func (r *Runner) Environment() *page.Environment { return r.env }

// Fleet returns the simulated processes
func (r *Runner) Fleet() *Fleet { return r.fleet }

// Run replays every step. It stops at the first failing step and returns
// the report so far along with the error.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	report := &Report{Name: r.scenario.Name}
	r.env.Start()
	r.sched.Drain()
	defer r.env.Shutdown()

	for i, s := range r.scenario.Steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res := StepResult{Index: i + 1, Do: s.Do, Page: s.Page, URL: s.URL}
		err := r.step(s)
		r.sched.Drain()
		if err == nil && s.Expect != nil {
			err = r.check(s.Page, s.Expect)
		}
		if err != nil {
			res.Error = err.Error()
			report.Steps = append(report.Steps, res)
			report.Pages = r.snapshots()
			r.logger.Warn("Scenario step failed", zap.Int("step", res.Index), zap.String("do", s.Do), zap.Error(err))
			return report, fmt.Errorf("step %d (%s): %w", res.Index, s.Do, err)
		}
		report.Steps = append(report.Steps, res)
		r.logger.Debug("Scenario step done", zap.Int("step", res.Index), zap.String("do", s.Do))
	}

	report.Passed = true
	report.Pages = r.snapshots()
	r.logger.Info("Scenario passed", zap.String("name", r.scenario.Name), zap.Int("steps", len(report.Steps)))
	return report, nil
}

func (r *Runner) step(s Step) error {
	if s.Do == DoWait {
		r.sched.Advance(s.wait)
		return nil
	}
	if s.Do == DoOpen {
		return r.open(s)
	}

	t := r.tabs[s.Page]
	if t == nil {
		return fmt.Errorf("page %q is not open", s.Page)
	}
	sess := t.session
	var err error
	switch s.Do {
	case DoLoad:
		_, err = sess.LoadURL(s.URL)
	case DoBack:
		_, err = sess.GoBack()
	case DoForward:
		_, err = sess.GoForward()
	case DoReload:
		_, err = sess.Reload()
	case DoStop:
		sess.StopLoading()
	case DoHide:
		sess.SetVisible(false)
	case DoShow:
		sess.SetVisible(true)
	case DoCrash:
		if !r.fleet.Crash(sess.Process().ID()) {
			err = fmt.Errorf("process %s is not running", sess.Process().ID())
		}
	case DoHang:
		if !r.fleet.Hang(sess.Process().ID()) {
			err = fmt.Errorf("process %s is not running", sess.Process().ID())
		}
	case DoTryClose:
		sess.TryClose(nil)
	case DoClose:
		sess.Close()
	}
	return err
}

func (r *Runner) open(s Step) error {
	events := &delegate.Recorder{}
	opts := page.PageOptions{
		Delegates: delegate.Delegates{Navigation: events, Process: events, Gesture: events},
		Visible:   true,
	}
	if s.Opener != "" {
		opener := r.tabs[s.Opener]
		if opener == nil {
			return fmt.Errorf("unknown opener %q", s.Opener)
		}
		opts.Opener = opener.session
	}
	sess, err := r.env.NewPage(opts)
	if err != nil {
		return err
	}
	r.tabs[s.Page] = &tab{session: sess, events: events}
	if s.URL != "" {
		_, err = sess.LoadURL(s.URL)
	}
	return err
}

func (r *Runner) check(name string, want *Expect) error {
	var errs []error
	fail := func(what string, got, expected interface{}) {
		errs = append(errs, fmt.Errorf("%w: %s is %v, want %v", ErrExpectation, what, got, expected))
	}

	if t := r.tabs[name]; t != nil {
		s := t.session
		if want.URL != nil && s.URL() != *want.URL {
			fail("url", s.URL(), *want.URL)
		}
		if want.History != nil && s.History().Len() != *want.History {
			fail("history length", s.History().Len(), *want.History)
		}
		if want.HistoryIndex != nil && s.History().CurrentIndex() != *want.HistoryIndex {
			fail("history index", s.History().CurrentIndex(), *want.HistoryIndex)
		}
		if want.ProcessChanges != nil {
			if n := t.events.Count(delegate.EventProcessChanged); n != *want.ProcessChanges {
				fail("process changes", n, *want.ProcessChanges)
			}
		}
		if want.LastCommit != nil {
			e, _ := t.events.Last(delegate.EventLoadCommitted)
			if e.Reason != *want.LastCommit {
				fail("last commit", e.Reason, *want.LastCommit)
			}
		}
		if want.Candidate != nil && (s.Candidate() != nil) != *want.Candidate {
			fail("candidate present", s.Candidate() != nil, *want.Candidate)
		}
		if want.Closed != nil && s.IsClosed() != *want.Closed {
			fail("closed", s.IsClosed(), *want.Closed)
		}
		if want.Downloads != nil && len(s.Downloads()) != *want.Downloads {
			fail("downloads", len(s.Downloads()), *want.Downloads)
		}
		if want.OpenerPolicy != nil && s.OpenerPolicy() != *want.OpenerPolicy {
			fail("opener policy", s.OpenerPolicy(), *want.OpenerPolicy)
		}
		if want.CrashReloadPending != nil && s.CrashReloadPending() != *want.CrashReloadPending {
			fail("crash reload pending", s.CrashReloadPending(), *want.CrashReloadPending)
		}
	}
	if want.CacheEntries != nil && r.env.Cache().Len() != *want.CacheEntries {
		fail("cache entries", r.env.Cache().Len(), *want.CacheEntries)
	}
	if want.LiveProcesses != nil {
		if n := len(r.env.Pool().Processes()); n != *want.LiveProcesses {
			fail("live processes", n, *want.LiveProcesses)
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) snapshots() []page.Snapshot {
	out := make([]page.Snapshot, 0, len(r.tabs))
	for _, s := range r.env.Registry().Pages() {
		out = append(out, s.Snapshot())
	}
	return out
}
