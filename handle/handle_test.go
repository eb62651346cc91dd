package handle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateStartsAtOne(t *testing.T) {
	m := NewManager()
	fh := m.Allocate(5, 0)
	assert.EqualValues(t, 1, fh)
	ino, ok := m.GetInode(fh)
	require.True(t, ok)
	assert.EqualValues(t, 5, ino)
}

func TestSequentialReadDetection(t *testing.T) {
	m := NewManager()
	fh := m.Allocate(1, 0)

	assert.Equal(t, 1, m.UpdateState(fh, 0, 1024))
	assert.Equal(t, 2, m.UpdateState(fh, 1024, 1024))
	assert.Equal(t, 3, m.UpdateState(fh, 2048, 1024))

	// A seek breaks the streak.
	assert.Equal(t, 1, m.UpdateState(fh, 9999, 1024))
}

func TestPrefetchFlag(t *testing.T) {
	m := NewManager()
	fh := m.Allocate(1, 0)
	assert.False(t, m.IsPrefetching(fh))
	m.SetPrefetching(fh, true)
	assert.True(t, m.IsPrefetching(fh))
}

func TestRemoveExpired(t *testing.T) {
	m := NewManager()
	fh := m.Allocate(1, 0)
	m.UpdateState(fh, 0, 1)

	assert.Equal(t, 0, m.CountExpired(time.Hour))
	assert.Equal(t, 0, m.RemoveExpired(time.Hour))

	time.Sleep(2 * time.Millisecond)
	assert.Equal(t, 1, m.CountExpired(time.Millisecond))
	assert.Equal(t, 1, m.RemoveExpired(time.Millisecond))
	assert.False(t, m.Contains(fh))
}

func TestHandlesForInode(t *testing.T) {
	m := NewManager()
	fh1 := m.Allocate(1, 0)
	fh2 := m.Allocate(1, 0)
	m.Allocate(2, 0)

	got := m.HandlesForInode(1)
	assert.ElementsMatch(t, []uint64{fh1, fh2}, got)
}
