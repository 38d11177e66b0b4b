package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoopRunsTasksInOrder(t *testing.T) {
	l := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go l.Run(ctx)

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		l.Dispatch(func() { got = append(got, i) })
	}

	var snapshot []int
	require.NoError(t, l.Call(ctx, func() { snapshot = append(snapshot, got...) }))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, snapshot)
}

func TestLoopDispatchFromManyGoroutines(t *testing.T) {
	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Dispatch(func() { counter++ })
			}
		}()
	}
	wg.Wait()

	var final int
	require.NoError(t, l.Call(ctx, func() { final = counter }))
	assert.Equal(t, 1000, final)
}

func TestLoopRecoversFromPanics(t *testing.T) {
	l := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	l.Dispatch(func() { panic("boom") })
	ran := false
	require.NoError(t, l.Call(ctx, func() { ran = true }))
	assert.True(t, ran)
}

func TestLoopAfterFuncAndStop(t *testing.T) {
	l := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	fired := make(chan struct{})
	l.AfterFunc(5*time.Millisecond, func() { close(fired) })

	stopped := l.AfterFunc(5*time.Millisecond, func() { t.Error("stopped timer fired") })
	assert.True(t, stopped.Stop())
	assert.False(t, stopped.Stop())

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestLoopCallAfterStop(t *testing.T) {
	l := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	cancel()
	<-l.Done()

	assert.ErrorIs(t, l.Call(context.Background(), func() {}), ErrStopped)
}

func TestManualDrainRunsNestedTasks(t *testing.T) {
	m := NewManual()
	var order []string
	m.Dispatch(func() {
		order = append(order, "a")
		m.Dispatch(func() { order = append(order, "c") })
	})
	m.Dispatch(func() { order = append(order, "b") })

	assert.Equal(t, 3, m.Drain())
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestManualAdvanceFiresTimersInOrder(t *testing.T) {
	m := NewManual()
	start := m.Now()
	var order []string

	m.AfterFunc(3*time.Second, func() { order = append(order, "3s") })
	m.AfterFunc(1*time.Second, func() {
		order = append(order, "1s")
		assert.Equal(t, start.Add(time.Second), m.Now())
	})
	late := m.AfterFunc(10*time.Second, func() { order = append(order, "10s") })

	m.Advance(5 * time.Second)
	assert.Equal(t, []string{"1s", "3s"}, order)
	assert.Equal(t, start.Add(5*time.Second), m.Now())

	assert.True(t, late.Stop())
	m.Advance(time.Minute)
	assert.Equal(t, []string{"1s", "3s"}, order)

	tasks, timers := m.Pending()
	assert.Zero(t, tasks)
	assert.Zero(t, timers)
}

func TestManualTimerStopAfterFire(t *testing.T) {
	m := NewManual()
	tm := m.AfterFunc(time.Second, func() {})
	m.Advance(time.Second)
	assert.False(t, tm.Stop())
}
