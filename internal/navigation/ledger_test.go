package navigation

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/navswap/internal/backforward"
	"github.com/GriffinCanCode/navswap/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/navswap/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/navswap/internal/shared/id"
	"github.com/GriffinCanCode/navswap/internal/types"
)

func newLedger() *Ledger {
	return NewLedger("page_test", Options{})
}

func TestCreateAssignsMonotonicIDs(t *testing.T) {
	l := newLedger()
	a := l.Create(types.KindLoad, 1, 1, Source{Request: types.NewRequest("https://a.example/")})
	b := l.Create(types.KindReload, 1, 1, Source{Request: types.NewRequest("https://a.example/")})
	l.Destroy(b.ID())
	c := l.Create(types.KindLoad, 1, 1, Source{Request: types.NewRequest("https://c.example/")})

	assert.Less(t, a.ID(), b.ID())
	assert.Less(t, b.ID(), c.ID())
	assert.Equal(t, c.ID(), l.LastID())
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, Pending, a.Disposition())
}

func TestBackForwardNavigationURL(t *testing.T) {
	l := newLedger()
	item := backforward.NewItem("https://a.example/")
	n := l.Create(types.KindBackForward, 1, 1, Source{Target: item})

	assert.Equal(t, "https://a.example/", n.URL())
	assert.Equal(t, item, n.TargetItem())
	assert.Equal(t, "https://a.example", n.Site().String())
}

func TestLookup(t *testing.T) {
	l := newLedger()
	n := l.Create(types.KindLoad, 7, 1, Source{Request: types.NewRequest("https://a.example/")})

	tests := []struct {
		name      string
		nid       id.NavigationID
		pid       id.ProcessID
		wantNav   bool
		violation bool
	}{
		{name: "owner", nid: n.ID(), pid: 7, wantNav: true},
		{name: "wrong process", nid: n.ID(), pid: 8, violation: true},
		{name: "never issued", nid: 99, pid: 7, violation: true},
		{name: "zero", nid: 0, pid: 7, violation: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.Lookup(tt.nid, tt.pid)
			if tt.violation {
				assert.ErrorIs(t, err, ErrProtocolViolation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantNav, got != nil)
		})
	}
}

func TestLookupDestroyedIsStale(t *testing.T) {
	l := newLedger()
	n := l.Create(types.KindLoad, 7, 1, Source{Request: types.NewRequest("https://a.example/")})
	l.Destroy(n.ID())
	l.Destroy(n.ID())

	got, err := l.Lookup(n.ID(), 8)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestDispositionTransitions(t *testing.T) {
	l := newLedger()
	n := l.Create(types.KindLoad, 1, 1, Source{Request: types.NewRequest("https://a.example/")})

	require.NoError(t, n.MarkDecided())
	require.NoError(t, n.AppendRedirect(types.NewRequest("https://b.example/")))
	require.NoError(t, n.MarkDecided())
	assert.Equal(t, []string{"https://a.example/"}, n.RedirectChain())
	assert.Equal(t, "https://b.example/", n.Request().URL)
	assert.Equal(t, "https://a.example/", n.OriginalRequest().URL)

	require.NoError(t, n.MarkCommitted())
	assert.ErrorIs(t, n.MarkFailed(errors.New("late")), ErrInvalidTransition)
	assert.ErrorIs(t, n.MarkDecided(), ErrInvalidTransition)
	assert.ErrorIs(t, n.AppendRedirect(types.NewRequest("https://c.example/")), ErrInvalidTransition)
	assert.Equal(t, Committed, n.Disposition())
}

func TestRedirectedIntoNew(t *testing.T) {
	l := newLedger()
	n := l.Create(types.KindLoad, 1, 1, Source{Request: types.NewRequest("https://a.example/")})
	next := l.Create(types.KindRedirect, 1, 1, Source{Request: types.NewRequest("https://b.example/")})

	require.NoError(t, n.MarkRedirectedInto(next.ID()))
	assert.Equal(t, RedirectedIntoNew, n.Disposition())
	assert.Equal(t, next.ID(), n.ReplacedBy())
	assert.True(t, n.Disposition().IsTerminal())
}

func TestDestroyForProcess(t *testing.T) {
	l := newLedger()
	a := l.Create(types.KindLoad, 1, 1, Source{Request: types.NewRequest("https://a.example/")})
	b := l.Create(types.KindLoad, 2, 1, Source{Request: types.NewRequest("https://b.example/")})
	c := l.Create(types.KindLoad, 1, 1, Source{Request: types.NewRequest("https://c.example/")})

	destroyed := l.DestroyForProcess(1)
	assert.Equal(t, []id.NavigationID{a.ID(), c.ID()}, destroyed)
	_, ok := l.Get(b.ID())
	assert.True(t, ok)

	l.DestroyAll()
	assert.Equal(t, 0, l.Len())
}

func TestSetProcessMovesOwnership(t *testing.T) {
	l := newLedger()
	n := l.Create(types.KindLoad, 1, 1, Source{Request: types.NewRequest("https://b.example/")})
	n.SetProcess(2)

	got, err := l.Lookup(n.ID(), 2)
	require.NoError(t, err)
	assert.Equal(t, n, got)

	// The process that handed the load off may still be reporting on it.
	got, err = l.Lookup(n.ID(), 1)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.True(t, n.HandedOffBy(1))

	_, err = l.Lookup(n.ID(), 3)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestSetProcessBackToEarlierOwner(t *testing.T) {
	l := newLedger()
	n := l.Create(types.KindLoad, 1, 1, Source{Request: types.NewRequest("https://b.example/")})
	n.SetProcess(2)
	n.SetProcess(1)

	got, err := l.Lookup(n.ID(), 1)
	require.NoError(t, err)
	assert.Equal(t, n, got)
	got, err = l.Lookup(n.ID(), 2)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMetricsAndSpans(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	var mu sync.Mutex
	var spans []*tracing.Span
	tracer := tracing.New("test", zap.NewNop(), tracing.WithSink(func(s *tracing.Span) {
		mu.Lock()
		spans = append(spans, s)
		mu.Unlock()
	}))

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLedger("page_test", Options{
		Clock:   func() time.Time { return now },
		Tracer:  tracer,
		Metrics: metrics,
	})

	committed := l.Create(types.KindLoad, 1, 1, Source{Request: types.NewRequest("https://a.example/")})
	now = now.Add(250 * time.Millisecond)
	require.NoError(t, committed.MarkCommitted())

	abandoned := l.Create(types.KindReload, 1, 1, Source{Request: types.NewRequest("https://a.example/")})
	l.Destroy(abandoned.ID())
	tracer.Close()

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NavigationsTotal.WithLabelValues("load", "committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NavigationsTotal.WithLabelValues("reload", "abandoned")))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, spans, 2)
	assert.Equal(t, "navigation.load", spans[0].Name)
	assert.Equal(t, "committed", spans[0].Tags["disposition"])
	assert.Equal(t, 250*time.Millisecond, spans[0].Duration)
	assert.Equal(t, tracing.TraceID("page_test"), spans[0].TraceID)
	assert.Equal(t, "abandoned", spans[1].Tags["disposition"])
}
