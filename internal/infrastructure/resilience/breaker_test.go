package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

var errWrite = errors.New("write failed")

func TestDoOpensAfterThreshold(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []error
		want     State
	}{
		{"successes", []error{nil, nil, nil}, StateClosed},
		{"failures", []error{errWrite, errWrite, errWrite}, StateOpen},
		{"success in between", []error{errWrite, errWrite, nil, errWrite}, StateClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("test", Settings{Threshold: 3, Clock: newClock().Now})
			for _, outcome := range tt.outcomes {
				_ = b.Do(func() error { return outcome })
			}
			assert.Equal(t, tt.want, b.State())
		})
	}
}

func TestOpenBreakerSkipsWork(t *testing.T) {
	b := New("store", Settings{Threshold: 2, Clock: newClock().Now})
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Do(func() error { return errWrite }), errWrite)
	}

	ran := false
	err := b.Do(func() error { ran = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, ran)
	assert.Equal(t, 2, b.Failures())
}

func TestRecordFailureCapsRetries(t *testing.T) {
	clock := newClock()
	b := New("crash-reload", Settings{Threshold: 3, Window: 30 * time.Second, Cooldown: 30 * time.Second, Clock: clock.Now})

	require.NoError(t, b.Allow())
	assert.Equal(t, StateClosed, b.RecordFailure())
	assert.Equal(t, StateClosed, b.RecordFailure())
	assert.Equal(t, StateOpen, b.RecordFailure())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	clock.Advance(30 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, 0, b.Failures())
}

func TestWindowRestartsOnEveryFailure(t *testing.T) {
	clock := newClock()
	b := New("crash-reload", Settings{Threshold: 3, Window: 30 * time.Second, Clock: clock.Now})

	b.RecordFailure()
	clock.Advance(20 * time.Second)
	b.RecordFailure()

	clock.Advance(20 * time.Second)
	assert.Equal(t, 2, b.Failures())

	clock.Advance(11 * time.Second)
	assert.Equal(t, 0, b.Failures())

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
}

func TestStateChangesAreReported(t *testing.T) {
	clock := newClock()
	var transitions []string
	b := New("store", Settings{
		Threshold: 1,
		Cooldown:  time.Second,
		Clock:     clock.Now,
		OnStateChange: func(name string, from, to State) {
			assert.Equal(t, "store", name)
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	b.RecordFailure()
	clock.Advance(time.Second)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
}
