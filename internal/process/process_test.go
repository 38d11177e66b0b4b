package process

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/navswap/internal/loop"
	"github.com/GriffinCanCode/navswap/internal/shared/id"
	"github.com/GriffinCanCode/navswap/internal/shared/site"
	"github.com/GriffinCanCode/navswap/internal/types"
)

// MockConnection is a mock implementation of Connection for testing.
type MockConnection struct {
	mock.Mock
}

// Send mocks the Send method.
func (m *MockConnection) Send(msg Message) error {
	args := m.Called(msg)
	return args.Error(0)
}

// Close mocks the Close method.
func (m *MockConnection) Close() error {
	args := m.Called()
	return args.Error(0)
}

func newMockConnection() *MockConnection {
	conn := new(MockConnection)
	conn.On("Send", mock.Anything).Return(nil).Maybe()
	conn.On("Close").Return(nil).Maybe()
	return conn
}

func newTestPool(t *testing.T, opts PoolOptions) (*LocalPool, *loop.Manual, map[id.ProcessID]*MockConnection) {
	t.Helper()
	sched := loop.NewManual()
	conns := make(map[id.ProcessID]*MockConnection)
	launcher := LauncherFunc(func(p *Process) (Connection, error) {
		conn := newMockConnection()
		conns[p.ID()] = conn
		return conn, nil
	})
	return NewLocalPool(sched, launcher, opts, zap.NewNop(), nil), sched, conns
}

func TestConfigFor(t *testing.T) {
	assert.Equal(t, Config{DataStore: "default"}, ConfigFor(nil, "default"))

	cfg := ConfigFor(&types.WebsitePolicies{LockdownMode: true, DataStore: "ephemeral"}, "default")
	assert.Equal(t, Config{DataStore: "ephemeral", LockdownMode: true}, cfg)
}

func TestConfigCompatible(t *testing.T) {
	base := Config{DataStore: "default"}
	assert.True(t, base.Compatible(Config{DataStore: "default"}))
	assert.False(t, base.Compatible(Config{DataStore: "other"}))
	assert.False(t, base.Compatible(Config{DataStore: "default", LockdownMode: true}))
	assert.False(t, base.Compatible(Config{DataStore: "default", EnhancedSecurity: true}))

	isolated := Config{DataStore: "default", CrossOriginIsolated: true}
	assert.False(t, isolated.Compatible(isolated))
}

func TestProcessForSiteUsesWarmSpare(t *testing.T) {
	pool, sched, _ := newTestPool(t, PoolOptions{PrewarmCount: 1})
	pool.Prewarm()
	require.Equal(t, 1, pool.WarmCount())

	s := site.FromURL("https://a.example/")
	p, err := pool.ProcessForSite(s, pool.DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, id.ProcessID(1), p.ID())
	assert.Equal(t, s, p.Site())
	assert.False(t, p.IsPrewarmed())
	assert.Equal(t, 0, pool.WarmCount())

	// The spare is replaced on the next loop turn.
	sched.Drain()
	assert.Equal(t, 1, pool.WarmCount())
	assert.Len(t, pool.Processes(), 2)
}

func TestProcessForSiteSkipsIncompatibleSpare(t *testing.T) {
	pool, _, _ := newTestPool(t, PoolOptions{PrewarmCount: 1})
	pool.Prewarm()

	p, err := pool.ProcessForSite(site.FromURL("https://a.example/"), Config{LockdownMode: true})
	require.NoError(t, err)
	assert.Equal(t, id.ProcessID(2), p.ID())
	assert.Equal(t, 1, pool.WarmCount())

	isolated, err := pool.ProcessForSite(site.FromURL("https://b.example/"), Config{CrossOriginIsolated: true})
	require.NoError(t, err)
	assert.Equal(t, id.ProcessID(3), isolated.ID())
	assert.Equal(t, 1, pool.WarmCount())
}

func TestAssignSiteIsSticky(t *testing.T) {
	pool, _, _ := newTestPool(t, PoolOptions{})
	p, err := pool.CreateProcess(Config{})
	require.NoError(t, err)
	assert.True(t, p.Site().IsEmpty())

	a := site.FromURL("https://a.example/")
	p.AssignSite(a)
	p.AssignSite(site.FromURL("https://b.example/"))
	assert.Equal(t, a, p.Site())
}

func TestLaunchFailure(t *testing.T) {
	sched := loop.NewManual()
	pool := NewLocalPool(sched, LauncherFunc(func(*Process) (Connection, error) {
		return nil, errors.New("no fork for you")
	}), PoolOptions{}, nil, nil)

	_, err := pool.CreateProcess(Config{})
	assert.ErrorIs(t, err, ErrLaunchFailed)
	assert.Empty(t, pool.Processes())
}

func TestLaunchThrottled(t *testing.T) {
	pool, sched, _ := newTestPool(t, PoolOptions{LaunchRate: 1, LaunchBurst: 2})

	_, err := pool.CreateProcess(Config{})
	require.NoError(t, err)
	_, err = pool.CreateProcess(Config{})
	require.NoError(t, err)

	_, err = pool.CreateProcess(Config{})
	assert.ErrorIs(t, err, ErrLaunchFailed)

	sched.Advance(time.Second)
	_, err = pool.CreateProcess(Config{})
	assert.NoError(t, err)
}

func TestTerminationFansOut(t *testing.T) {
	pool, _, conns := newTestPool(t, PoolOptions{})
	p, err := pool.CreateProcess(Config{})
	require.NoError(t, err)

	var processObserved, poolObserved []id.ProcessID
	p.OnTerminate(func(p *Process) { processObserved = append(processObserved, p.ID()) })
	pool.OnProcessTerminated(func(p *Process) { poolObserved = append(poolObserved, p.ID()) })

	pool.Terminate(p, ReasonProtocolViolation)
	pool.Terminate(p, ReasonCrash)
	pool.DidTerminate(p.ID(), ReasonCrash)

	assert.True(t, p.IsTerminated())
	assert.Equal(t, ReasonProtocolViolation, p.TerminationReason())
	assert.Equal(t, []id.ProcessID{p.ID()}, processObserved)
	assert.Equal(t, []id.ProcessID{p.ID()}, poolObserved)
	conns[p.ID()].AssertNumberOfCalls(t, "Close", 1)

	_, ok := pool.Lookup(p.ID())
	assert.False(t, ok)

	err = p.Send(Ping{Token: 1})
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestMaybeShutdown(t *testing.T) {
	pool, _, _ := newTestPool(t, PoolOptions{})
	p, err := pool.CreateProcess(Config{})
	require.NoError(t, err)

	p.AddPage(7, "page_a")
	assert.False(t, pool.MaybeShutdown(p))

	page, ok := p.PageFor(7)
	assert.True(t, ok)
	assert.Equal(t, id.PageID("page_a"), page)

	p.RemovePage(7)
	assert.True(t, pool.MaybeShutdown(p))
	assert.Equal(t, ReasonIdleExit, p.TerminationReason())
}

func TestCheckResponsiveness(t *testing.T) {
	pool, sched, conns := newTestPool(t, PoolOptions{})
	p, err := pool.CreateProcess(Config{})
	require.NoError(t, err)

	var results []bool
	p.CheckResponsiveness(sched, time.Second, func(ok bool) { results = append(results, ok) })
	conns[p.ID()].AssertCalled(t, "Send", Ping{Token: 1})

	p.DidReceivePong(1)
	sched.Advance(2 * time.Second)
	assert.Equal(t, []bool{true}, results)

	p.CheckResponsiveness(sched, time.Second, func(ok bool) { results = append(results, ok) })
	sched.Advance(time.Second)
	p.DidReceivePong(2)
	assert.Equal(t, []bool{true, false}, results)
}

func TestCheckResponsivenessOnTermination(t *testing.T) {
	pool, sched, _ := newTestPool(t, PoolOptions{})
	p, err := pool.CreateProcess(Config{})
	require.NoError(t, err)

	var results []bool
	p.CheckResponsiveness(sched, time.Minute, func(ok bool) { results = append(results, ok) })
	pool.DidTerminate(p.ID(), ReasonCrash)
	assert.Equal(t, []bool{false}, results)

	p.CheckResponsiveness(sched, time.Minute, func(ok bool) { results = append(results, ok) })
	sched.Drain()
	assert.Equal(t, []bool{false, false}, results)
}

func TestShutdownTerminatesAll(t *testing.T) {
	pool, _, _ := newTestPool(t, PoolOptions{PrewarmCount: 2})
	pool.Prewarm()
	_, err := pool.CreateProcess(Config{})
	require.NoError(t, err)

	pool.Shutdown()
	assert.Empty(t, pool.Processes())
	assert.Equal(t, 0, pool.WarmCount())
}

func TestSnapshot(t *testing.T) {
	pool, _, _ := newTestPool(t, PoolOptions{})
	p, err := pool.ProcessForSite(site.FromURL("https://a.example/"), Config{DataStore: "default"})
	require.NoError(t, err)
	p.AddPage(1, "page_a")

	snap := p.Snapshot()
	assert.Equal(t, "https://a.example", snap.Site)
	assert.Equal(t, "running", snap.State)
	assert.Equal(t, 1, snap.Pages)
}
