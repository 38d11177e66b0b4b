package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while a breaker refuses attempts
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures a Breaker
type Settings struct {
	// Threshold is the number of failures inside one window that opens the
	// breaker. Defaults to 5.
	Threshold int
	// Window is the quiet period after which the failure count clears. It
	// restarts on every failure.
	Window time.Duration
	// Cooldown is how long the breaker stays open. Once it passes the
	// breaker closes with a clean count.
	Cooldown time.Duration
	// OnStateChange is called on every transition, under the breaker's lock.
	OnStateChange func(name string, from, to State)
	// Clock supplies the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Breaker counts failures and refuses further attempts once too many
// happened close together
type Breaker struct {
	name     string
	settings Settings

	mu       sync.Mutex
	state    State
	failures int
	until    time.Time
}

// New creates a closed breaker
func New(name string, settings Settings) *Breaker {
	if settings.Threshold <= 0 {
		settings.Threshold = 5
	}
	if settings.Window <= 0 {
		settings.Window = time.Minute
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = time.Minute
	}
	if settings.Clock == nil {
		settings.Clock = time.Now
	}
	return &Breaker{name: name, settings: settings}
}

func (b *Breaker) Name() string { return b.name }

// State returns the state at the current time
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expire(b.settings.Clock())
	return b.state
}

// Failures returns the failures counted in the current window. An open
// breaker reports the count that opened it.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expire(b.settings.Clock())
	return b.failures
}

// Allow returns ErrCircuitOpen while the breaker is open. It counts nothing;
// pair it with RecordFailure or RecordSuccess.
func (b *Breaker) Allow() error {
	if b.State() == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

// RecordFailure counts a failure and returns the resulting state
func (b *Breaker) RecordFailure() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.settings.Clock()
	b.expire(now)
	if b.state == StateOpen {
		return b.state
	}
	b.failures++
	b.until = now.Add(b.settings.Window)
	if b.failures >= b.settings.Threshold {
		b.setState(StateOpen, now.Add(b.settings.Cooldown))
	}
	return b.state
}

// RecordSuccess clears the failure count of a closed breaker
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expire(b.settings.Clock())
	if b.state == StateClosed {
		b.failures = 0
	}
}

// Do runs fn unless the breaker is open and records its outcome
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

func (b *Breaker) expire(now time.Time) {
	if b.until.IsZero() || b.until.After(now) {
		return
	}
	b.failures = 0
	b.until = time.Time{}
	if b.state == StateOpen {
		b.setState(StateClosed, time.Time{})
	}
}

func (b *Breaker) setState(state State, until time.Time) {
	prev := b.state
	b.state = state
	b.until = until
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, prev, state)
	}
}
