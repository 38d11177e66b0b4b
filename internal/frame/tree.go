// Package frame keeps the per-page tree of frame sessions.
//
// Every frame is bound to exactly one hosting process at a time. A frame that
// an in-flight navigation still references is never deleted; its removal is
// deferred until the last reference is released.
package frame

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/navswap/internal/process"
	"github.com/GriffinCanCode/navswap/internal/shared/id"
	"github.com/GriffinCanCode/navswap/internal/types"
)

var (
	ErrUnknownFrame    = errors.New("unknown frame")
	ErrDuplicateFrame  = errors.New("frame already exists")
	ErrRemoveRoot      = errors.New("cannot remove root frame")
	ErrFrameReferenced = errors.New("frame referenced by a navigation")
)

// LoadState of a frame
type LoadState int

const (
	LoadStateNone LoadState = iota
	LoadStateProvisional
	LoadStateCommitted
)

func (s LoadState) String() string {
	switch s {
	case LoadStateProvisional:
		return "provisional"
	case LoadStateCommitted:
		return "committed"
	default:
		return "none"
	}
}

// Frame is one frame session
type Frame struct {
	id       id.FrameID
	parent   *Frame
	children []*Frame
	proc     *process.Process

	loadState      LoadState
	url            string
	provisionalURL string
	unreachableURL string
	sandbox        types.SandboxFlags

	navRefs       int
	pendingRemove bool
}

func (f *Frame) ID() id.FrameID              { return f.id }
func (f *Frame) Parent() *Frame              { return f.parent }
func (f *Frame) Process() *process.Process   { return f.proc }
func (f *Frame) LoadState() LoadState        { return f.loadState }
func (f *Frame) URL() string                 { return f.url }
func (f *Frame) ProvisionalURL() string      { return f.provisionalURL }
func (f *Frame) UnreachableURL() string      { return f.unreachableURL }
func (f *Frame) Sandbox() types.SandboxFlags { return f.sandbox }
func (f *Frame) IsMainFrame() bool           { return f.parent == nil }
func (f *Frame) NavigationReferences() int   { return f.navRefs }
func (f *Frame) Children() []*Frame          { return append([]*Frame(nil), f.children...) }

// SetSandbox replaces the sandbox flags. Grants only ever widen what the
// process may do, so callers pass the already-merged set.
func (f *Frame) SetSandbox(s types.SandboxFlags) { f.sandbox = s }

// HasCommittedLoad reports whether the frame ever committed a document other
// than the initial empty one.
func (f *Frame) HasCommittedLoad() bool {
	return f.url != "" && f.url != "about:blank"
}

// referenced reports whether f or any descendant is held by a navigation
func (f *Frame) referenced() bool {
	if f.navRefs > 0 {
		return true
	}
	for _, c := range f.children {
		if c.referenced() {
			return true
		}
	}
	return false
}

// Observer is notified of structural and load changes
type Observer interface {
	FrameAdded(f *Frame)
	FrameRemoved(f *Frame)
	FrameCommitted(f *Frame)
}

// Tree is the frame tree of one page incarnation
type Tree struct {
	root      *Frame
	frames    map[id.FrameID]*Frame
	observers []Observer
	logger    *zap.Logger
}

// NewTree creates a tree whose root frame is hosted by proc
func NewTree(rootID id.FrameID, proc *process.Process, logger *zap.Logger) *Tree {
	if logger == nil {
		logger = zap.NewNop()
	}
	root := &Frame{id: rootID, proc: proc}
	return &Tree{
		root:   root,
		frames: map[id.FrameID]*Frame{rootID: root},
		logger: logger.Named("frames"),
	}
}

// Root returns the main frame
func (t *Tree) Root() *Frame { return t.root }

// Get looks up a frame
func (t *Tree) Get(fid id.FrameID) (*Frame, bool) {
	f, ok := t.frames[fid]
	return f, ok
}

// Len returns the number of frames
func (t *Tree) Len() int { return len(t.frames) }

// Walk visits frames depth-first, parents before children
func (t *Tree) Walk(fn func(f *Frame)) {
	var visit func(f *Frame)
	visit = func(f *Frame) {
		fn(f)
		for _, c := range f.children {
			visit(c)
		}
	}
	visit(t.root)
}

// AddObserver registers o and returns a function that unregisters it
func (t *Tree) AddObserver(o Observer) func() {
	t.observers = append(t.observers, o)
	return func() { t.removeObserver(o) }
}

func (t *Tree) removeObserver(o Observer) {
	for i, existing := range t.observers {
		if existing == o {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

// ObserverCount returns the number of attached observers
func (t *Tree) ObserverCount() int { return len(t.observers) }

// TransferObservers detaches every observer from t and attaches it to dst
func (t *Tree) TransferObservers(dst *Tree) {
	dst.observers = append(dst.observers, t.observers...)
	t.observers = nil
}

// AddChild creates a subframe
func (t *Tree) AddChild(parentID, fid id.FrameID, proc *process.Process, sandbox types.SandboxFlags) (*Frame, error) {
	parent, ok := t.frames[parentID]
	if !ok {
		return nil, fmt.Errorf("add frame %s: parent %s: %w", fid, parentID, ErrUnknownFrame)
	}
	if _, exists := t.frames[fid]; exists {
		return nil, fmt.Errorf("add frame %s: %w", fid, ErrDuplicateFrame)
	}

	child := &Frame{id: fid, parent: parent, proc: proc, sandbox: parent.sandbox | sandbox}
	parent.children = append(parent.children, child)
	t.frames[fid] = child

	for _, o := range t.observers {
		o.FrameAdded(child)
	}
	return child, nil
}

// Remove deletes a subframe and its descendants. When a navigation still
// references the subtree the removal is deferred and ErrFrameReferenced is
// returned.
func (t *Tree) Remove(fid id.FrameID) error {
	f, ok := t.frames[fid]
	if !ok {
		return fmt.Errorf("remove frame %s: %w", fid, ErrUnknownFrame)
	}
	if f.IsMainFrame() {
		return ErrRemoveRoot
	}
	if f.referenced() {
		f.pendingRemove = true
		return fmt.Errorf("remove frame %s: %w", fid, ErrFrameReferenced)
	}
	t.detach(f)
	return nil
}

func (t *Tree) detach(f *Frame) {
	if p := f.parent; p != nil {
		for i, c := range p.children {
			if c == f {
				p.children = append(p.children[:i], p.children[i+1:]...)
				break
			}
		}
	}
	t.forget(f)
}

func (t *Tree) forget(f *Frame) {
	for _, c := range f.children {
		t.forget(c)
	}
	delete(t.frames, f.id)
	for _, o := range t.observers {
		o.FrameRemoved(f)
	}
}

// Retain marks fid as referenced by an in-flight navigation
func (t *Tree) Retain(fid id.FrameID) bool {
	f, ok := t.frames[fid]
	if !ok {
		return false
	}
	f.navRefs++
	return true
}

// Release drops a navigation reference and completes a deferred removal
func (t *Tree) Release(fid id.FrameID) {
	f, ok := t.frames[fid]
	if !ok || f.navRefs == 0 {
		return
	}
	f.navRefs--

	// A deferred removal may be waiting on this frame or on an ancestor.
	for cur := f; cur != nil; cur = cur.parent {
		if cur.pendingRemove && !cur.referenced() {
			t.detach(cur)
			return
		}
	}
}

// DidStartProvisionalLoad moves a frame into the provisional state
func (t *Tree) DidStartProvisionalLoad(fid id.FrameID, url string) error {
	f, ok := t.frames[fid]
	if !ok {
		return fmt.Errorf("provisional load in frame %s: %w", fid, ErrUnknownFrame)
	}
	f.loadState = LoadStateProvisional
	f.provisionalURL = url
	f.unreachableURL = ""
	return nil
}

// DidCommitLoad commits a new document in a frame. Children belonging to
// the previous document are dropped unless a navigation references them.
func (t *Tree) DidCommitLoad(fid id.FrameID, url string) error {
	f, ok := t.frames[fid]
	if !ok {
		return fmt.Errorf("commit in frame %s: %w", fid, ErrUnknownFrame)
	}
	f.loadState = LoadStateCommitted
	f.url = url
	f.provisionalURL = ""
	f.unreachableURL = ""

	for _, c := range f.Children() {
		if err := t.Remove(c.id); err != nil {
			t.logger.Debug("Keeping referenced subframe across commit",
				zap.Stringer("frame_id", c.id), zap.Error(err))
		}
	}

	for _, o := range t.observers {
		o.FrameCommitted(f)
	}
	return nil
}

// DidFailProvisionalLoad returns the frame to its last committed state and
// records the URL that could not be reached.
func (t *Tree) DidFailProvisionalLoad(fid id.FrameID, unreachableURL string) error {
	f, ok := t.frames[fid]
	if !ok {
		return fmt.Errorf("failed load in frame %s: %w", fid, ErrUnknownFrame)
	}
	if f.url != "" {
		f.loadState = LoadStateCommitted
	} else {
		f.loadState = LoadStateNone
	}
	f.provisionalURL = ""
	f.unreachableURL = unreachableURL
	return nil
}

// DidSameDocumentNavigation updates the URL without a new document
func (t *Tree) DidSameDocumentNavigation(fid id.FrameID, url string) error {
	f, ok := t.frames[fid]
	if !ok {
		return fmt.Errorf("same-document navigation in frame %s: %w", fid, ErrUnknownFrame)
	}
	f.url = url
	return nil
}

// Rebind moves every frame to proc. Used when the whole tree changes host.
func (t *Tree) Rebind(proc *process.Process) {
	t.Walk(func(f *Frame) { f.proc = proc })
}

// FramesInProcess returns the frames hosted by pid
func (t *Tree) FramesInProcess(pid id.ProcessID) []*Frame {
	var out []*Frame
	t.Walk(func(f *Frame) {
		if f.proc != nil && f.proc.ID() == pid {
			out = append(out, f)
		}
	})
	return out
}

// Snapshot is a read-only view of a frame subtree
type Snapshot struct {
	ID             id.FrameID   `json:"id"`
	URL            string       `json:"url"`
	LoadState      string       `json:"load_state"`
	UnreachableURL string       `json:"unreachable_url,omitempty"`
	ProcessID      id.ProcessID `json:"pid"`
	Children       []Snapshot   `json:"children,omitempty"`
}

// Snapshot returns a read-only view of the tree
func (t *Tree) Snapshot() Snapshot {
	var build func(f *Frame) Snapshot
	build = func(f *Frame) Snapshot {
		s := Snapshot{
			ID:             f.id,
			URL:            f.url,
			LoadState:      f.loadState.String(),
			UnreachableURL: f.unreachableURL,
		}
		if f.proc != nil {
			s.ProcessID = f.proc.ID()
		}
		for _, c := range f.children {
			s.Children = append(s.Children, build(c))
		}
		return s
	}
	return build(t.root)
}
