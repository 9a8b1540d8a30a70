package upload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryGetOrCreate(t *testing.T) {
	r := NewRegistry(100)

	s1, created, err := r.GetOrCreate("clip.mov", "clip.mov", 3)
	require.NoError(t, err)
	assert.True(t, created)

	s2, created, err := r.GetOrCreate("clip.mov", "clip.mov", 7)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, s1, s2)
	assert.Equal(t, 3, s2.Total)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryValidatesTotal(t *testing.T) {
	r := NewRegistry(10)

	for _, total := range []int{0, -2, 11} {
		_, _, err := r.GetOrCreate("x", "x", total)
		assert.ErrorIs(t, err, ErrValidation, "total %d", total)
		_, err = r.Create("x", total)
		assert.ErrorIs(t, err, ErrValidation, "total %d", total)
	}
	assert.Zero(t, r.Len())
}

func TestRegistryCreateIsolatesSameName(t *testing.T) {
	r := NewRegistry(10)

	a, err := r.Create("clip.mov", 2)
	require.NoError(t, err)
	b, err := r.Create("clip.mov", 2)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.Token, b.Token)
	got, ok := r.Get(a.ID)
	require.True(t, ok)
	assert.Same(t, a, got)
}

func TestRegistryRemoveOnlyMatchingSession(t *testing.T) {
	r := NewRegistry(10)
	old, _, err := r.GetOrCreate("f", "f", 1)
	require.NoError(t, err)
	require.True(t, r.Remove("f", old))

	fresh, _, err := r.GetOrCreate("f", "f", 1)
	require.NoError(t, err)

	assert.False(t, r.Remove("f", old))
	got, ok := r.Get("f")
	require.True(t, ok)
	assert.Same(t, fresh, got)
}

func TestRegistryDiscardEmptyOnly(t *testing.T) {
	r := NewRegistry(10)
	s, _, err := r.GetOrCreate("f", "f", 2)
	require.NoError(t, err)

	_, err = s.Record(0, 2, ref(0))
	require.NoError(t, err)
	assert.False(t, r.Discard("f", s))

	empty, _, err := r.GetOrCreate("g", "g", 2)
	require.NoError(t, err)
	assert.True(t, r.Discard("g", empty))
	_, ok := r.Get("g")
	assert.False(t, ok)
}

func TestRegistryReap(t *testing.T) {
	r := NewRegistry(10)

	idle, _, err := r.GetOrCreate("idle", "idle", 2)
	require.NoError(t, err)
	_, err = idle.Record(1, 2, ref(1))
	require.NoError(t, err)

	merging, _, err := r.GetOrCreate("merging", "merging", 1)
	require.NoError(t, err)
	_, err = merging.Record(0, 1, ref(0))
	require.NoError(t, err)

	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	expired := r.Reap(30 * time.Minute)

	require.Len(t, expired, 1)
	assert.Same(t, idle, expired[0].Session)
	assert.Equal(t, []ChunkRef{ref(1)}, expired[0].Refs)

	_, ok := r.Get("idle")
	assert.False(t, ok)
	_, ok = r.Get("merging")
	assert.True(t, ok)
}

func TestRegistryJoinHoldsSessionOpen(t *testing.T) {
	r := NewRegistry(10)

	creator, created, err := r.Join("f", "f", 2)
	require.NoError(t, err)
	require.True(t, created)
	other, created, err := r.Join("f", "f", 2)
	require.NoError(t, err)
	require.False(t, created)
	require.Same(t, creator, other)

	// the creator's write failed; another write is still in flight
	creator.EndPut()
	assert.False(t, r.Discard("f", creator))

	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	assert.Empty(t, r.Reap(30*time.Minute))

	res, err := other.Record(1, 2, ref(1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Received)
	other.EndPut()

	assert.Len(t, r.Reap(30*time.Minute), 1)
}

func TestSessionBeginPutAfterClose(t *testing.T) {
	r := NewRegistry(10)
	s, _, err := r.GetOrCreate("f", "f", 2)
	require.NoError(t, err)
	require.True(t, r.Discard("f", s))

	assert.ErrorIs(t, s.BeginPut(), ErrUploadNotFound)
}
