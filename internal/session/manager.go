// Package session persists back-forward lists so a page can be restored
// into a fresh Page Session later.
//
// Encoding and disk I/O run on background goroutines. Callers hand over the
// list state captured on the loop and get their completion callback back on
// the loop through the scheduler.
package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/navswap/internal/backforward"
	"github.com/GriffinCanCode/navswap/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/navswap/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/navswap/internal/loop"
	"github.com/GriffinCanCode/navswap/internal/shared/id"
)

const (
	dataExt = ".bfs"
	metaExt = ".meta.json"
)

// ErrNotFound is returned for an unknown snapshot id
var ErrNotFound = errors.New("snapshot not found")

// Restorer is a page whose back-forward list can be saved and replaced
type Restorer interface {
	ID() id.PageID
	SessionState() backforward.State
	RestoreSession(state backforward.State, navigate bool) (id.NavigationID, error)
}

// Metadata describes a persisted snapshot
type Metadata struct {
	ID        id.SnapshotID `json:"id"`
	PageID    id.PageID     `json:"page_id"`
	Name      string        `json:"name"`
	Items     int           `json:"items"`
	URL       string        `json:"url,omitempty"`
	Size      int           `json:"size"`
	CreatedAt time.Time     `json:"created_at"`
}

// Stats summarizes the manager
type Stats struct {
	TotalSnapshots int        `json:"total_snapshots"`
	LastSaved      *time.Time `json:"last_saved,omitempty"`
	LastRestored   *time.Time `json:"last_restored,omitempty"`
	StoreState     string     `json:"store_state"`
}

// Options configures a Manager
type Options struct {
	Dir       string
	Scheduler loop.Scheduler
	// Codec is shared with the caller when set; otherwise the manager owns one.
	Codec   *backforward.Codec
	Metrics *monitoring.Metrics
	Logger  *zap.Logger
}

// Manager handles snapshot persistence
type Manager struct {
	dir       string
	sched     loop.Scheduler
	codec     *backforward.Codec
	ownsCodec bool
	breaker   *resilience.Breaker
	snapshots sync.Map
	metrics   *monitoring.Metrics
	logger    *zap.Logger

	mu           sync.RWMutex
	lastSaved    *time.Time
	lastRestored *time.Time

	wg sync.WaitGroup
}

// NewManager creates a manager storing snapshots under opts.Dir
func NewManager(opts Options) (*Manager, error) {
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("session manager needs a scheduler")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	m := &Manager{
		dir:     opts.Dir,
		sched:   opts.Scheduler,
		codec:   opts.Codec,
		metrics: opts.Metrics,
		logger:  opts.Logger.Named("session"),
	}
	if m.codec == nil {
		codec, err := backforward.NewCodec()
		if err != nil {
			return nil, err
		}
		m.codec = codec
		m.ownsCodec = true
	}
	m.breaker = resilience.New("snapshot-store", resilience.Settings{
		Threshold: 5,
		Window:    time.Minute,
		Cooldown:  30 * time.Second,
		OnStateChange: func(name string, from, to resilience.State) {
			m.logger.Warn("Snapshot store breaker changed state",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})
	return m, nil
}

// Save captures the back-forward list of p and writes it in the background.
// It must be called on the loop; done runs on the loop once the write ends.
func (m *Manager) Save(p Restorer, name string, done func(Metadata, error)) {
	state := p.SessionState()
	meta := Metadata{
		ID:        id.NewSnapshotID(),
		PageID:    p.ID(),
		Name:      name,
		Items:     len(state.Items),
		CreatedAt: m.sched.Now(),
	}
	if state.CurrentIndex >= 0 && state.CurrentIndex < len(state.Items) {
		meta.URL = state.Items[state.CurrentIndex].URL
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		start := time.Now()

		err := m.breaker.Do(func() error {
			data, err := m.codec.Encode(state)
			if err != nil {
				return err
			}
			meta.Size = len(data)
			return m.write(meta, data)
		})
		m.metrics.RecordOperation("session", "save", status(err), time.Since(start))

		if err != nil {
			m.logger.Warn("Failed to save snapshot", zap.Stringer("page_id", meta.PageID), zap.Error(err))
			err = fmt.Errorf("failed to save snapshot: %w", err)
		} else {
			m.snapshots.Store(meta.ID, meta)
			m.mu.Lock()
			saved := meta.CreatedAt
			m.lastSaved = &saved
			m.mu.Unlock()
			m.logger.Info("Snapshot saved",
				zap.Stringer("snapshot_id", meta.ID),
				zap.Stringer("page_id", meta.PageID),
				zap.Int("items", meta.Items),
				zap.Int("bytes", meta.Size))
		}

		if done != nil {
			m.sched.Dispatch(func() { done(meta, err) })
		}
	}()
}

// Restore reads a snapshot in the background and then, on the loop, replaces
// the back-forward list of p with it.
func (m *Manager) Restore(p Restorer, snapshotID id.SnapshotID, navigate bool, done func(id.NavigationID, error)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		state, err := m.Load(snapshotID)
		m.sched.Dispatch(func() {
			var nid id.NavigationID
			if err == nil {
				nid, err = p.RestoreSession(state, navigate)
			}
			if err == nil {
				now := m.sched.Now()
				m.mu.Lock()
				m.lastRestored = &now
				m.mu.Unlock()
			}
			if done != nil {
				done(nid, err)
			}
		})
	}()
}

// Load reads and decodes a snapshot. It blocks on disk I/O.
func (m *Manager) Load(snapshotID id.SnapshotID) (backforward.State, error) {
	start := time.Now()
	state, err := m.load(snapshotID)
	m.metrics.RecordOperation("session", "load", status(err), time.Since(start))
	return state, err
}

func (m *Manager) load(snapshotID id.SnapshotID) (backforward.State, error) {
	if !validID(snapshotID) {
		return backforward.State{}, fmt.Errorf("%w: %s", ErrNotFound, snapshotID)
	}
	data, err := os.ReadFile(m.path(snapshotID, dataExt))
	if errors.Is(err, fs.ErrNotExist) {
		return backforward.State{}, fmt.Errorf("%w: %s", ErrNotFound, snapshotID)
	}
	if err != nil {
		return backforward.State{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return m.codec.Decode(data)
}

// List returns every stored snapshot, newest first
func (m *Manager) List() ([]Metadata, error) {
	names, err := doublestar.Glob(os.DirFS(m.dir), "*"+metaExt)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	metadata := make([]Metadata, 0, len(names))
	for _, name := range names {
		sid := id.SnapshotID(strings.TrimSuffix(name, metaExt))
		if cached, ok := m.snapshots.Load(sid); ok {
			metadata = append(metadata, cached.(Metadata))
			continue
		}
		raw, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			m.logger.Debug("Skipping unreadable snapshot metadata", zap.String("file", name), zap.Error(err))
			continue
		}
		var meta Metadata
		if err := sonic.Unmarshal(raw, &meta); err != nil || meta.ID != sid {
			m.logger.Debug("Skipping corrupt snapshot metadata", zap.String("file", name))
			continue
		}
		m.snapshots.Store(sid, meta)
		metadata = append(metadata, meta)
	}

	sort.Slice(metadata, func(i, j int) bool {
		if metadata[i].CreatedAt.Equal(metadata[j].CreatedAt) {
			return metadata[i].ID > metadata[j].ID
		}
		return metadata[i].CreatedAt.After(metadata[j].CreatedAt)
	})
	return metadata, nil
}

// Delete removes a snapshot
func (m *Manager) Delete(snapshotID id.SnapshotID) error {
	if !validID(snapshotID) {
		return fmt.Errorf("%w: %s", ErrNotFound, snapshotID)
	}
	err := os.Remove(m.path(snapshotID, dataExt))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, snapshotID)
	}
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	if err := os.Remove(m.path(snapshotID, metaExt)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete snapshot metadata: %w", err)
	}
	m.snapshots.Delete(snapshotID)
	return nil
}

// Stats returns session manager statistics
func (m *Manager) Stats() Stats {
	var total int
	m.snapshots.Range(func(_, _ interface{}) bool {
		total++
		return true
	})

	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		TotalSnapshots: total,
		LastSaved:      m.lastSaved,
		LastRestored:   m.lastRestored,
		StoreState:     m.breaker.State().String(),
	}
}

// Wait blocks until background saves and restores have finished
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close waits for background work and releases the codec if owned
func (m *Manager) Close() {
	m.wg.Wait()
	if m.ownsCodec {
		m.codec.Close()
	}
}

// write stores data then metadata, each through a rename so readers never
// see a partial file.
func (m *Manager) write(meta Metadata, data []byte) error {
	if err := writeAtomic(m.path(meta.ID, dataExt), data); err != nil {
		return err
	}
	raw, err := sonic.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot metadata: %w", err)
	}
	return writeAtomic(m.path(meta.ID, metaExt), raw)
}

func (m *Manager) path(snapshotID id.SnapshotID, ext string) string {
	return filepath.Join(m.dir, string(snapshotID)+ext)
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// validID rejects ids that could escape the snapshot directory
func validID(snapshotID id.SnapshotID) bool {
	s := string(snapshotID)
	return s != "" && !strings.ContainsAny(s, `/\`) && s != "." && s != ".."
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
