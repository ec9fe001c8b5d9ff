package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func restored(id ID) *Batch {
	return Restore(id, string(id), StatusQueued, nil, Deps{})
}

func TestRegistry_PreservesInsertionOrder(t *testing.T) {
	r := NewRegistry()

	for _, id := range []ID{"c", "a", "b"} {
		assert.True(t, r.Add(restored(id)))
	}

	assert.Equal(t, []ID{"c", "a", "b"}, r.Values().IDs())
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	first := restored("a")

	assert.True(t, r.Add(first))
	assert.False(t, r.Add(restored("a")))

	got, ok := r.Get("a")
	assert.True(t, ok)
	assert.Same(t, first, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_RemoveAndReinsert(t *testing.T) {
	r := NewRegistry()
	for _, id := range []ID{"a", "b", "c"} {
		r.Add(restored(id))
	}

	b, pos, ok := r.Remove("b")
	assert.True(t, ok)
	assert.Equal(t, 1, pos)
	assert.Equal(t, []ID{"a", "c"}, r.Values().IDs())

	assert.True(t, r.Insert(pos, b))
	assert.Equal(t, []ID{"a", "b", "c"}, r.Values().IDs())
}

func TestRegistry_RemoveUnknown(t *testing.T) {
	r := NewRegistry()

	_, pos, ok := r.Remove("nope")

	assert.False(t, ok)
	assert.Equal(t, -1, pos)
}

func TestRegistry_InsertClampsPosition(t *testing.T) {
	r := NewRegistry()
	r.Add(restored("a"))

	r.Insert(10, restored("z"))
	r.Insert(-3, restored("first"))

	assert.Equal(t, []ID{"first", "a", "z"}, r.Values().IDs())
}

func TestBatches_ValuesIsSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Add(restored("a"))

	view := r.Values()
	r.Add(restored("b"))

	assert.True(t, view.Contains("a"))
	assert.False(t, view.Contains("b"))
}

func TestStatus_TextRoundTrip(t *testing.T) {
	for status := range statusNames {
		text, err := status.MarshalText()
		assert.NoError(t, err)

		var decoded Status
		assert.NoError(t, decoded.UnmarshalText(text))
		assert.Equal(t, status, decoded)
	}

	_, err := ParseStatus("exploded")
	assert.Error(t, err)
}

func TestStatus_Edges(t *testing.T) {
	assert.True(t, StatusQueued.CanTransitionTo(StatusDownloading))
	assert.True(t, StatusPaused.CanTransitionTo(StatusDownloading))
	assert.True(t, StatusDownloaded.CanTransitionTo(StatusDeleted))
	assert.False(t, StatusDeleted.CanTransitionTo(StatusDownloading))
	assert.False(t, StatusError.CanTransitionTo(StatusDownloading))
	assert.False(t, StatusPaused.CanTransitionTo(StatusDownloaded))
}
