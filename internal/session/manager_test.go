package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/navswap/internal/backforward"
	"github.com/GriffinCanCode/navswap/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/navswap/internal/loop"
	"github.com/GriffinCanCode/navswap/internal/shared/id"
)

type fakePage struct {
	id       id.PageID
	state    backforward.State
	restored []backforward.State
	navigate bool
}

func (p *fakePage) ID() id.PageID                   { return p.id }
func (p *fakePage) SessionState() backforward.State { return p.state }

func (p *fakePage) RestoreSession(state backforward.State, navigate bool) (id.NavigationID, error) {
	p.restored = append(p.restored, state)
	p.navigate = navigate
	return 7, nil
}

func testState() backforward.State {
	return backforward.State{
		Items: []backforward.Item{
			{ID: "bfi_a", URL: "https://a.example/", Title: "A"},
			{ID: "bfi_b", URL: "https://b.example/", Title: "B"},
		},
		CurrentIndex: 1,
	}
}

func newTestManager(t *testing.T) (*Manager, *loop.Manual, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "snapshots")
	sched := loop.NewManual()
	m, err := NewManager(Options{Dir: dir, Scheduler: sched})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, sched, dir
}

func save(t *testing.T, m *Manager, sched *loop.Manual, p Restorer, name string) (Metadata, error) {
	t.Helper()
	var (
		meta   Metadata
		err    error
		called bool
	)
	m.Save(p, name, func(md Metadata, e error) {
		meta, err, called = md, e, true
	})
	m.Wait()
	sched.Drain()
	require.True(t, called, "save callback must run on the loop")
	return meta, err
}

func TestSaveAndLoad(t *testing.T) {
	m, sched, dir := newTestManager(t)
	page := &fakePage{id: "page_1", state: testState()}

	meta, err := save(t, m, sched, page, "before crash")
	require.NoError(t, err)

	assert.Equal(t, id.PageID("page_1"), meta.PageID)
	assert.Equal(t, "before crash", meta.Name)
	assert.Equal(t, 2, meta.Items)
	assert.Equal(t, "https://b.example/", meta.URL)
	assert.Positive(t, meta.Size)
	assert.FileExists(t, filepath.Join(dir, string(meta.ID)+dataExt))
	assert.FileExists(t, filepath.Join(dir, string(meta.ID)+metaExt))

	state, err := m.Load(meta.ID)
	require.NoError(t, err)
	assert.Equal(t, testState(), state)

	stats := m.Stats()
	assert.Equal(t, 1, stats.TotalSnapshots)
	require.NotNil(t, stats.LastSaved)
	assert.Nil(t, stats.LastRestored)
	assert.Equal(t, resilience.StateClosed.String(), stats.StoreState)
}

func TestRestoreRunsOnLoop(t *testing.T) {
	m, sched, _ := newTestManager(t)
	meta, err := save(t, m, sched, &fakePage{id: "page_1", state: testState()}, "")
	require.NoError(t, err)

	target := &fakePage{id: "page_2"}
	var (
		nid    id.NavigationID
		rerr   error
		called bool
	)
	m.Restore(target, meta.ID, true, func(n id.NavigationID, e error) {
		nid, rerr, called = n, e, true
	})
	m.Wait()
	assert.Empty(t, target.restored, "the page is only touched on the loop")

	sched.Drain()
	require.True(t, called)
	require.NoError(t, rerr)
	assert.Equal(t, id.NavigationID(7), nid)
	require.Len(t, target.restored, 1)
	assert.Equal(t, testState(), target.restored[0])
	assert.True(t, target.navigate)
	assert.NotNil(t, m.Stats().LastRestored)
}

func TestRestoreUnknownSnapshot(t *testing.T) {
	m, sched, _ := newTestManager(t)
	target := &fakePage{id: "page_2"}

	var rerr error
	m.Restore(target, "snap_missing", false, func(_ id.NavigationID, e error) { rerr = e })
	m.Wait()
	sched.Drain()

	assert.ErrorIs(t, rerr, ErrNotFound)
	assert.Empty(t, target.restored)
}

func TestListReadsMetadataFromDisk(t *testing.T) {
	m, sched, dir := newTestManager(t)
	first, err := save(t, m, sched, &fakePage{id: "page_1", state: testState()}, "one")
	require.NoError(t, err)
	sched.Advance(1)
	second, err := save(t, m, sched, &fakePage{id: "page_2", state: testState()}, "two")
	require.NoError(t, err)

	// A second manager over the same directory has nothing cached.
	other, err := NewManager(Options{Dir: dir, Scheduler: sched})
	require.NoError(t, err)
	defer other.Close()

	list, err := other.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
	assert.Equal(t, "one", list[1].Name)
	assert.Equal(t, 2, other.Stats().TotalSnapshots)
}

func TestDelete(t *testing.T) {
	m, sched, dir := newTestManager(t)
	meta, err := save(t, m, sched, &fakePage{id: "page_1", state: testState()}, "")
	require.NoError(t, err)

	require.NoError(t, m.Delete(meta.ID))
	assert.NoFileExists(t, filepath.Join(dir, string(meta.ID)+dataExt))

	list, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, list)

	assert.ErrorIs(t, m.Delete(meta.ID), ErrNotFound)
	_, err = m.Load(meta.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadRejectsCorruptSnapshot(t *testing.T) {
	m, _, dir := newTestManager(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snap_bad"+dataExt), []byte("not zstd"), 0o644))

	_, err := m.Load("snap_bad")
	assert.ErrorIs(t, err, backforward.ErrCorruptSnapshot)
}

func TestLoadRejectsPathTraversal(t *testing.T) {
	m, _, _ := newTestManager(t)

	for _, bad := range []id.SnapshotID{"", "..", "../etc/passwd", `a\b`} {
		_, err := m.Load(bad)
		assert.ErrorIs(t, err, ErrNotFound, "id %q", bad)
	}
}

func TestStoreBreakerOpensAfterRepeatedFailures(t *testing.T) {
	m, sched, dir := newTestManager(t)
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("in the way"), 0o644))
	page := &fakePage{id: "page_1", state: testState()}

	for i := 0; i < 5; i++ {
		_, err := save(t, m, sched, page, "")
		require.Error(t, err)
		assert.NotErrorIs(t, err, resilience.ErrCircuitOpen)
	}

	_, err := save(t, m, sched, page, "")
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, resilience.StateOpen.String(), m.Stats().StoreState)
	assert.Equal(t, 0, m.Stats().TotalSnapshots)
}
