package rcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicGetInsert(t *testing.T) {
	c, err := New[int](Config{MaxEntries: 100, DefaultTTL: time.Minute})
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Insert("a", 42)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestStatsTrackHitsAndMisses(t *testing.T) {
	c, err := New[string](Config{MaxEntries: 100, DefaultTTL: time.Minute})
	require.NoError(t, err)
	defer c.Close()

	c.Insert("k", "v")
	c.Get("k")
	c.Get("missing")

	s := c.Stats()
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
}

func TestRemoveAndClear(t *testing.T) {
	c, err := New[int](Config{MaxEntries: 100, DefaultTTL: time.Minute})
	require.NoError(t, err)
	defer c.Close()

	c.Insert("a", 1)
	c.Insert("b", 2)
	c.Remove("a")
	assert.False(t, c.ContainsKey("a"))

	c.Clear()
	assert.False(t, c.ContainsKey("b"))
}

func TestInsertWithTTLOverrideIsIgnored(t *testing.T) {
	// The cache's configured default TTL is always used; the ttl
	// argument to InsertWithTTL is accepted but has no effect, matching
	// the ported original.
	c, err := New[int](Config{MaxEntries: 100, DefaultTTL: time.Hour})
	require.NoError(t, err)
	defer c.Close()

	c.InsertWithTTL("a", 1, time.Nanosecond)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}
