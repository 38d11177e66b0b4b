// Package backforward holds a page's back-forward list. The list is the
// serialization boundary for session restoration: items carry a stable id, a
// URL and a frame-state tree, and nothing that refers to live processes.
package backforward

import (
	"github.com/GriffinCanCode/navswap/internal/shared/id"
)

// DefaultCapacity bounds the number of items a list keeps
const DefaultCapacity = 100

// FrameState is the serialized state of one frame and its children
type FrameState struct {
	URL      string        `json:"url"`
	Target   string        `json:"target,omitempty"`
	State    []byte        `json:"state,omitempty"`
	Children []*FrameState `json:"children,omitempty"`
}

// Clone returns a deep copy
func (fs *FrameState) Clone() *FrameState {
	if fs == nil {
		return nil
	}
	out := &FrameState{URL: fs.URL, Target: fs.Target}
	if fs.State != nil {
		out.State = append([]byte(nil), fs.State...)
	}
	for _, c := range fs.Children {
		out.Children = append(out.Children, c.Clone())
	}
	return out
}

// Item is one entry of the back-forward list
type Item struct {
	ID          id.ItemID   `json:"id"`
	URL         string      `json:"url"`
	OriginalURL string      `json:"original_url,omitempty"`
	Title       string      `json:"title,omitempty"`
	FrameState  *FrameState `json:"frame_state,omitempty"`

	retired bool
}

// NewItem creates an item with a fresh id
func NewItem(url string) *Item {
	return &Item{
		ID:          id.NewItemID(),
		URL:         url,
		OriginalURL: url,
		FrameState:  &FrameState{URL: url},
	}
}

// HasRetiredPage reports whether the retired page cache holds an entry for
// this item.
func (it *Item) HasRetiredPage() bool { return it.retired }

// SetHasRetiredPage is maintained by the retired page cache
func (it *Item) SetHasRetiredPage(v bool) { it.retired = v }

// List is an ordered history with a current position. Adding an item drops
// every item forward of the current one.
type List struct {
	items     []*Item
	current   int
	capacity  int
	onRemoved []func(items []*Item)
}

// NewList creates an empty list
func NewList(capacity int) *List {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &List{current: -1, capacity: capacity}
}

// OnItemsRemoved registers fn for items pruned from the list
func (l *List) OnItemsRemoved(fn func(items []*Item)) {
	l.onRemoved = append(l.onRemoved, fn)
}

func (l *List) removed(items []*Item) {
	if len(items) == 0 {
		return
	}
	for _, fn := range l.onRemoved {
		fn(items)
	}
}

// AddItem appends item after the current one and makes it current
func (l *List) AddItem(item *Item) {
	var pruned []*Item
	if l.current+1 < len(l.items) {
		pruned = append(pruned, l.items[l.current+1:]...)
		l.items = l.items[:l.current+1]
	}

	l.items = append(l.items, item)
	l.current = len(l.items) - 1

	if over := len(l.items) - l.capacity; over > 0 {
		pruned = append(pruned, l.items[:over]...)
		l.items = append([]*Item(nil), l.items[over:]...)
		l.current -= over
	}
	l.removed(pruned)
}

// Current returns the current item or nil
func (l *List) Current() *Item {
	if l.current < 0 {
		return nil
	}
	return l.items[l.current]
}

// CurrentIndex returns the current position, -1 when empty
func (l *List) CurrentIndex() int { return l.current }

// Len returns the number of items
func (l *List) Len() int { return len(l.items) }

// Items returns a copy of the items in order
func (l *List) Items() []*Item { return append([]*Item(nil), l.items...) }

// ItemAtOffset returns the item delta steps from the current one
func (l *List) ItemAtOffset(delta int) *Item {
	i := l.current + delta
	if l.current < 0 || i < 0 || i >= len(l.items) {
		return nil
	}
	return l.items[i]
}

// BackItem returns the item before the current one
func (l *List) BackItem() *Item { return l.ItemAtOffset(-1) }

// ForwardItem returns the item after the current one
func (l *List) ForwardItem() *Item { return l.ItemAtOffset(1) }

// ItemByID looks up an item
func (l *List) ItemByID(itemID id.ItemID) (*Item, bool) {
	for _, it := range l.items {
		if it.ID == itemID {
			return it, true
		}
	}
	return nil, false
}

// GoToItem makes the item with itemID current
func (l *List) GoToItem(itemID id.ItemID) bool {
	for i, it := range l.items {
		if it.ID == itemID {
			l.current = i
			return true
		}
	}
	return false
}

// Clear removes every item
func (l *List) Clear() {
	pruned := l.items
	l.items = nil
	l.current = -1
	l.removed(pruned)
}

// State is the serialized form of a list
type State struct {
	Items        []Item `json:"items"`
	CurrentIndex int    `json:"current_index"`
}

// Snapshot captures the list for persistence
func (l *List) Snapshot() State {
	state := State{CurrentIndex: l.current, Items: make([]Item, 0, len(l.items))}
	for _, it := range l.items {
		state.Items = append(state.Items, Item{
			ID:          it.ID,
			URL:         it.URL,
			OriginalURL: it.OriginalURL,
			Title:       it.Title,
			FrameState:  it.FrameState.Clone(),
		})
	}
	return state
}

// Restore replaces the list contents with state
func (l *List) Restore(state State) {
	l.Clear()
	for i := range state.Items {
		it := state.Items[i]
		it.FrameState = it.FrameState.Clone()
		l.items = append(l.items, &it)
	}
	l.current = state.CurrentIndex
	if l.current >= len(l.items) {
		l.current = len(l.items) - 1
	}
	if len(l.items) > 0 && l.current < 0 {
		l.current = 0
	}
}
