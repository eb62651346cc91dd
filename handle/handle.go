// Package handle implements the file-handle table: per-open-file state
// used for sequential-read detection and prefetch triggering.
package handle

import (
	"sync"
	"sync/atomic"
	"time"
)

// State tracks the read pattern of one open file handle.
type State struct {
	LastOffset      int64
	LastSize        int64
	SequentialCount int
	LastAccess      time.Time
	IsPrefetching   bool
}

// observe updates the state for a read at offset of size bytes and
// reports whether the access continues a sequential run. A read whose
// offset exactly follows the previous one's end bumps the streak
// counter; any other offset resets it to 1.
func (s *State) observe(offset, size int64) bool {
	sequential := s.LastOffset+s.LastSize == offset
	if sequential {
		s.SequentialCount++
	} else {
		s.SequentialCount = 1
	}
	s.LastOffset = offset
	s.LastSize = size
	s.LastAccess = time.Now()
	return sequential
}

// Handle is one allocated file handle.
type Handle struct {
	FH        uint64
	Ino       uint64
	Flags     uint32
	CreatedAt time.Time

	mu    sync.Mutex
	state *State
}

// IsExpired reports whether the handle has been idle longer than ttl.
func (h *Handle) IsExpired(ttl time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	last := h.CreatedAt
	if h.state != nil && !h.state.LastAccess.IsZero() {
		last = h.state.LastAccess
	}
	return time.Since(last) > ttl
}

// Manager allocates and tracks file handles. Handles start at 1; 0 is
// reserved as an invalid sentinel.
type Manager struct {
	next atomic.Uint64

	mu      sync.Mutex
	handles map[uint64]*Handle
}

// NewManager creates an empty handle table.
func NewManager() *Manager {
	m := &Manager{handles: make(map[uint64]*Handle)}
	m.next.Store(1)
	return m
}

// Allocate creates a new handle for ino and returns its number.
func (m *Manager) Allocate(ino uint64, flags uint32) uint64 {
	fh := m.next.Add(1) - 1
	h := &Handle{FH: fh, Ino: ino, Flags: flags, CreatedAt: time.Now()}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles[fh] = h
	return fh
}

// Get returns the handle for fh.
func (m *Manager) Get(fh uint64) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[fh]
	return h, ok
}

// Remove deletes fh from the table.
func (m *Manager) Remove(fh uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handles, fh)
}

// UpdateState records a read of size bytes at offset against fh and
// reports the resulting sequential-run length, or 0 if fh is unknown.
func (m *Manager) UpdateState(fh uint64, offset, size int64) int {
	m.mu.Lock()
	h, ok := m.handles[fh]
	m.mu.Unlock()
	if !ok {
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == nil {
		h.state = &State{}
	}
	h.state.observe(offset, size)
	return h.state.SequentialCount
}

// SetPrefetching marks fh as currently prefetching (or not).
func (m *Manager) SetPrefetching(fh uint64, prefetching bool) {
	m.mu.Lock()
	h, ok := m.handles[fh]
	m.mu.Unlock()
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == nil {
		h.state = &State{}
	}
	h.state.IsPrefetching = prefetching
}

// IsPrefetching reports whether fh currently has a prefetch in flight.
func (m *Manager) IsPrefetching(fh uint64) bool {
	m.mu.Lock()
	h, ok := m.handles[fh]
	m.mu.Unlock()
	if !ok {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state != nil && h.state.IsPrefetching
}

// SequentialCount returns fh's current sequential-read streak length.
func (m *Manager) SequentialCount(fh uint64) int {
	m.mu.Lock()
	h, ok := m.handles[fh]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == nil {
		return 0
	}
	return h.state.SequentialCount
}

// GetInode returns the inode fh was opened against.
func (m *Manager) GetInode(fh uint64) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[fh]
	if !ok {
		return 0, false
	}
	return h.Ino, true
}

// Contains reports whether fh is currently allocated.
func (m *Manager) Contains(fh uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handles[fh]
	return ok
}

// Len returns the number of open handles.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// IsEmpty reports whether there are no open handles.
func (m *Manager) IsEmpty() bool { return m.Len() == 0 }

// HandlesForInode returns every handle currently open against ino.
func (m *Manager) HandlesForInode(ino uint64) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uint64
	for fh, h := range m.handles {
		if h.Ino == ino {
			out = append(out, fh)
		}
	}
	return out
}

// AllHandles returns every currently open handle number.
func (m *Manager) AllHandles() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, 0, len(m.handles))
	for fh := range m.handles {
		out = append(out, fh)
	}
	return out
}

// RemoveExpired deletes every handle idle longer than ttl and returns
// how many were removed.
func (m *Manager) RemoveExpired(ttl time.Duration) int {
	m.mu.Lock()
	var stale []uint64
	for fh, h := range m.handles {
		if h.IsExpired(ttl) {
			stale = append(stale, fh)
		}
	}
	for _, fh := range stale {
		delete(m.handles, fh)
	}
	m.mu.Unlock()
	return len(stale)
}

// CountExpired reports how many handles are idle longer than ttl
// without removing them.
func (m *Manager) CountExpired(ttl time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, h := range m.handles {
		if h.IsExpired(ttl) {
			count++
		}
	}
	return count
}
