// Package id provides centralized ID generation for the coordinator.
//
// Two families of identifiers live here:
//   - ULID-backed string IDs for things that must survive serialization and
//     restarts (pages, back-forward items, snapshots). They carry a type prefix
//     so logs stay readable (page_*, bfi_*, snap_*).
//   - Monotonic numeric IDs for things that only need to be unique within the
//     lifetime of the coordinating process (navigations, frames, page instances,
//     content processes). They are handed out by a Sequence and never reused.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Type-Safe ID Wrappers
// ============================================================================

// PageID is the stable identifier of a page session. It survives process swaps.
type PageID string

// ItemID identifies a back-forward list item across session restores.
type ItemID string

// SnapshotID identifies a persisted back-forward snapshot.
type SnapshotID string

// NavigationID identifies one navigation within a page.
type NavigationID uint64

// FrameID identifies a frame session.
type FrameID uint64

// InstanceID identifies one incarnation of a page inside a content process.
// It changes on every process swap.
type InstanceID uint64

// ProcessID identifies a content process.
type ProcessID uint64

// ============================================================================
// ID Prefixes (for debugging and type identification)
// ============================================================================

const (
	PagePrefix     = "page"
	ItemPrefix     = "bfi"
	SnapshotPrefix = "snap"
	TracePrefix    = "trace"
	SpanPrefix     = "span"
)

// ============================================================================
// ULID Generator
// ============================================================================

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewGeneratorWithEntropy creates a generator with custom entropy source.
// Useful for testing with deterministic entropy.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: entropy,
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewPageID generates a new page ID
func NewPageID() PageID {
	return PageID(Default().GenerateWithPrefix(PagePrefix))
}

// NewItemID generates a new back-forward item ID
func NewItemID() ItemID {
	return ItemID(Default().GenerateWithPrefix(ItemPrefix))
}

// NewSnapshotID generates a new snapshot ID
func NewSnapshotID() SnapshotID {
	return SnapshotID(Default().GenerateWithPrefix(SnapshotPrefix))
}

func (id PageID) String() string     { return string(id) }
func (id ItemID) String() string     { return string(id) }
func (id SnapshotID) String() string { return string(id) }

func (id NavigationID) String() string { return strconv.FormatUint(uint64(id), 10) }
func (id FrameID) String() string      { return strconv.FormatUint(uint64(id), 10) }
func (id InstanceID) String() string   { return strconv.FormatUint(uint64(id), 10) }
func (id ProcessID) String() string    { return strconv.FormatUint(uint64(id), 10) }

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// Timestamp extracts the timestamp from a ULID
func Timestamp(id string) (time.Time, error) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}

// ============================================================================
// Monotonic sequences
// ============================================================================

// Sequence hands out strictly increasing numbers starting at 1. Zero is
// reserved to mean "no identifier".
type Sequence struct {
	last atomic.Uint64
}

// Next returns the next value of the sequence.
func (s *Sequence) Next() uint64 {
	return s.last.Add(1)
}

// Last returns the most recently issued value, or 0.
func (s *Sequence) Last() uint64 {
	return s.last.Load()
}

var (
	frameSequence    Sequence
	instanceSequence Sequence
)

// NextFrameID returns a frame identifier unique within this process.
func NextFrameID() FrameID {
	return FrameID(frameSequence.Next())
}

// NextInstanceID returns a page instance identifier unique within this process.
func NextInstanceID() InstanceID {
	return InstanceID(instanceSequence.Next())
}
