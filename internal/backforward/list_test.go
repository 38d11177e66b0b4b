package backforward

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func urls(items []*Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.URL)
	}
	return out
}

func TestAddItemPrunesForwardList(t *testing.T) {
	l := NewList(0)
	var pruned []string
	l.OnItemsRemoved(func(items []*Item) { pruned = append(pruned, urls(items)...) })

	a, b, c := NewItem("https://a.example/"), NewItem("https://b.example/"), NewItem("https://c.example/")
	l.AddItem(a)
	l.AddItem(b)
	l.AddItem(c)
	require.True(t, l.GoToItem(a.ID))
	assert.Equal(t, b, l.ForwardItem())
	assert.Nil(t, l.BackItem())

	d := NewItem("https://d.example/")
	l.AddItem(d)
	assert.Equal(t, []string{"https://a.example/", "https://d.example/"}, urls(l.Items()))
	assert.Equal(t, []string{"https://b.example/", "https://c.example/"}, pruned)
	assert.Equal(t, d, l.Current())
}

func TestCapacity(t *testing.T) {
	l := NewList(2)
	var pruned []string
	l.OnItemsRemoved(func(items []*Item) { pruned = append(pruned, urls(items)...) })

	l.AddItem(NewItem("1"))
	l.AddItem(NewItem("2"))
	l.AddItem(NewItem("3"))
	assert.Equal(t, []string{"2", "3"}, urls(l.Items()))
	assert.Equal(t, 1, l.CurrentIndex())
	assert.Equal(t, []string{"1"}, pruned)
}

func TestEmptyList(t *testing.T) {
	l := NewList(0)
	assert.Nil(t, l.Current())
	assert.Nil(t, l.ItemAtOffset(0))
	assert.Equal(t, -1, l.CurrentIndex())
	assert.False(t, l.GoToItem("bfi_missing"))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	l := NewList(0)
	a := NewItem("https://a.example/")
	a.Title = "A"
	a.FrameState.Children = []*FrameState{{URL: "https://ads.example/", State: []byte{1, 2}}}
	l.AddItem(a)
	l.AddItem(NewItem("https://b.example/"))
	l.AddItem(NewItem("https://c.example/"))
	require.True(t, l.GoToItem(a.ID))

	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	data, err := codec.Encode(l.Snapshot())
	require.NoError(t, err)
	state, err := codec.Decode(data)
	require.NoError(t, err)

	restored := NewList(0)
	restored.Restore(state)

	assert.Equal(t, urls(l.Items()), urls(restored.Items()))
	assert.Equal(t, l.CurrentIndex(), restored.CurrentIndex())
	for i, it := range restored.Items() {
		assert.Equal(t, l.Items()[i].ID, it.ID)
	}
	assert.Equal(t, "A", restored.Current().Title)
	assert.Equal(t, []byte{1, 2}, restored.Current().FrameState.Children[0].State)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	l := NewList(0)
	a := NewItem("https://a.example/")
	l.AddItem(a)

	state := l.Snapshot()
	a.FrameState.URL = "mutated"
	assert.Equal(t, "https://a.example/", state.Items[0].FrameState.URL)
}

func TestDecodeCorrupt(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	_, err = codec.Decode([]byte("not zstd"))
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
}

func TestFrameStateRoundTrip(t *testing.T) {
	fs := &FrameState{URL: "https://a.example/", Children: []*FrameState{{URL: "https://ads.example/", Target: "ad"}}}
	raw, err := EncodeFrameState(fs)
	require.NoError(t, err)

	got, err := DecodeFrameState(raw)
	require.NoError(t, err)
	assert.Equal(t, fs, got)

	raw, err = EncodeFrameState(nil)
	require.NoError(t, err)
	assert.Nil(t, raw)

	_, err = DecodeFrameState([]byte("{"))
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
}
