package sim

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/GriffinCanCode/navswap/internal/infrastructure/config"
)

// Step actions
const (
	DoOpen     = "open"
	DoLoad     = "load"
	DoBack     = "back"
	DoForward  = "forward"
	DoReload   = "reload"
	DoStop     = "stop"
	DoHide     = "hide"
	DoShow     = "show"
	DoCrash    = "crash"
	DoHang     = "hang"
	DoTryClose = "try_close"
	DoClose    = "close"
	DoWait     = "wait"
	DoExpect   = "expect"
)

var pageless = map[string]bool{DoWait: true}

// Scenario is a scripted sequence of embedder actions and expectations
// replayed against simulated content processes.
type Scenario struct {
	Name      string         `yaml:"name"`
	Settings  Overrides      `yaml:"settings,omitempty"`
	Responses []ResponseRule `yaml:"responses,omitempty"`
	Steps     []Step         `yaml:"steps"`
}

// Overrides adjusts the loaded configuration for one scenario
type Overrides struct {
	SwapOnCrossSite      *bool `yaml:"swap_on_cross_site,omitempty"`
	SwapOnOpenerPolicy   *bool `yaml:"swap_on_opener_policy,omitempty"`
	DelayUntilFirstPaint *bool `yaml:"delay_until_first_paint,omitempty"`
	CacheEnabled         *bool `yaml:"cache_enabled,omitempty"`
	CacheCapacity        *int  `yaml:"cache_capacity,omitempty"`
	CrashReloadCap       *int  `yaml:"crash_reload_cap,omitempty"`
	PrewarmCount         *int  `yaml:"prewarm_count,omitempty"`
}

// Apply writes the set overrides into cfg
func (o Overrides) Apply(cfg *config.Config) {
	if o.SwapOnCrossSite != nil {
		cfg.Swap.OnCrossSite = *o.SwapOnCrossSite
	}
	if o.SwapOnOpenerPolicy != nil {
		cfg.Swap.OnOpenerPolicy = *o.SwapOnOpenerPolicy
	}
	if o.DelayUntilFirstPaint != nil {
		cfg.Swap.DelayUntilFirstPaint = *o.DelayUntilFirstPaint
	}
	if o.CacheEnabled != nil {
		cfg.Cache.Enabled = *o.CacheEnabled
	}
	if o.CacheCapacity != nil {
		cfg.Cache.Capacity = *o.CacheCapacity
	}
	if o.CrashReloadCap != nil {
		cfg.Recovery.CrashReloadCap = *o.CrashReloadCap
	}
	if o.PrewarmCount != nil {
		cfg.Process.PrewarmCount = *o.PrewarmCount
	}
}

// Step is one action, optionally followed by expectations checked once the
// coordinator and the simulated processes have gone quiet.
type Step struct {
	Do     string  `yaml:"do"`
	Page   string  `yaml:"page,omitempty"`
	URL    string  `yaml:"url,omitempty"`
	Opener string  `yaml:"opener,omitempty"`
	For    string  `yaml:"for,omitempty"`
	Expect *Expect `yaml:"expect,omitempty"`

	wait time.Duration
}

// Expect lists the page and fleet properties to check. Unset fields are
// not checked.
type Expect struct {
	URL                *string `yaml:"url,omitempty"`
	History            *int    `yaml:"history,omitempty"`
	HistoryIndex       *int    `yaml:"history_index,omitempty"`
	ProcessChanges     *int    `yaml:"process_changes,omitempty"`
	LastCommit         *string `yaml:"last_commit,omitempty"`
	Candidate          *bool   `yaml:"candidate,omitempty"`
	Closed             *bool   `yaml:"closed,omitempty"`
	Downloads          *int    `yaml:"downloads,omitempty"`
	OpenerPolicy       *string `yaml:"opener_policy,omitempty"`
	CrashReloadPending *bool   `yaml:"crash_reload_pending,omitempty"`
	CacheEntries       *int    `yaml:"cache_entries,omitempty"`
	LiveProcesses      *int    `yaml:"live_processes,omitempty"`
}

// Parse decodes and validates a scenario
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.UnmarshalWithOptions(data, &sc, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// LoadFile reads a scenario file
func LoadFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	return Parse(data)
}

// Validate checks step actions and their arguments
func (sc *Scenario) Validate() error {
	if len(sc.Steps) == 0 {
		return fmt.Errorf("scenario %q has no steps", sc.Name)
	}
	if _, err := NewResponses(sc.Responses); err != nil {
		return err
	}

	opened := make(map[string]bool)
	for i := range sc.Steps {
		s := &sc.Steps[i]
		where := fmt.Sprintf("step %d (%s)", i+1, s.Do)

		switch s.Do {
		case DoOpen, DoLoad, DoBack, DoForward, DoReload, DoStop, DoHide, DoShow,
			DoCrash, DoHang, DoTryClose, DoClose, DoWait, DoExpect:
		default:
			return fmt.Errorf("%s: unknown action", where)
		}
		if !pageless[s.Do] {
			if s.Page == "" {
				return fmt.Errorf("%s: page is required", where)
			}
			if s.Do == DoOpen {
				if opened[s.Page] {
					return fmt.Errorf("%s: page %q already opened", where, s.Page)
				}
				if s.Opener != "" && !opened[s.Opener] {
					return fmt.Errorf("%s: unknown opener %q", where, s.Opener)
				}
				opened[s.Page] = true
			} else if !opened[s.Page] {
				return fmt.Errorf("%s: page %q is not open", where, s.Page)
			}
		}
		if s.Do == DoLoad && s.URL == "" {
			return fmt.Errorf("%s: url is required", where)
		}
		if s.Do == DoWait {
			d, err := time.ParseDuration(s.For)
			if err != nil || d <= 0 {
				return fmt.Errorf("%s: invalid duration %q", where, s.For)
			}
			s.wait = d
		}
		if s.Do == DoExpect && s.Expect == nil {
			return fmt.Errorf("%s: nothing to expect", where)
		}
	}
	return nil
}
