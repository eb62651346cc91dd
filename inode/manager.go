package inode

import (
	"path"
	"sync"
	"sync/atomic"

	"github.com/rqbitfuse/rqbitfuse/errs"
)

// Manager is the concurrent inode table. A single RWMutex guards all
// three indices together rather than sharding per map.
type Manager struct {
	mu sync.RWMutex

	next      atomic.Uint64
	entries   map[uint64]*Entry
	pathIndex map[string]uint64
	torrentIx map[string]uint64

	maxInodes int
}

// NewManager creates a table pre-seeded with the root directory at
// inode 1 and the dynamic counter starting at 2.
func NewManager(maxInodes int) *Manager {
	m := &Manager{
		entries:   make(map[uint64]*Entry),
		pathIndex: make(map[string]uint64),
		torrentIx: make(map[string]uint64),
		maxInodes: maxInodes,
	}
	m.next.Store(firstDynamicIno)
	m.entries[RootIno] = &Entry{
		Ino:           RootIno,
		Kind:          KindDirectory,
		Name:          "",
		Parent:        RootIno,
		CanonicalPath: "/",
		Children:      make(map[string]uint64),
	}
	m.pathIndex["/"] = RootIno
	return m
}

func (m *Manager) buildPath(parent uint64, name string) string {
	p, ok := m.entries[parent]
	if !ok || p.CanonicalPath == "/" {
		return "/" + name
	}
	return path.Join(p.CanonicalPath, name)
}

// allocateEntry assigns the next inode number, inserts the entry and
// wires it into the parent's child set and the path index. Callers
// hold mu for writing.
func (m *Manager) allocateEntry(parent uint64, name string, build func(ino uint64, canonicalPath string) *Entry) (*Entry, error) {
	if m.maxInodes > 0 && len(m.entries) >= m.maxInodes {
		return nil, errs.NewNotReady("inode table is full")
	}
	parentEntry, ok := m.entries[parent]
	if !ok || !parentEntry.IsDir() {
		return nil, errs.NewNotDirectory()
	}

	ino := m.next.Add(1) - 1
	canonicalPath := m.buildPath(parent, name)
	e := build(ino, canonicalPath)
	m.entries[ino] = e
	m.pathIndex[canonicalPath] = ino
	parentEntry.Children[name] = ino
	return e, nil
}

// Allocate creates a plain directory under parent.
func (m *Manager) Allocate(parent uint64, name string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocateEntry(parent, name, func(ino uint64, cp string) *Entry {
		return &Entry{
			Ino: ino, Kind: KindDirectory, Name: name, Parent: parent,
			CanonicalPath: cp, Children: make(map[string]uint64),
		}
	})
}

// AllocateTorrentDirectory creates a directory under parent that is
// the root of a projected torrent, additionally indexed by torrentID.
func (m *Manager) AllocateTorrentDirectory(parent uint64, name, torrentID string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.allocateEntry(parent, name, func(ino uint64, cp string) *Entry {
		return &Entry{
			Ino: ino, Kind: KindDirectory, Name: name, Parent: parent,
			CanonicalPath: cp, Children: make(map[string]uint64), TorrentID: torrentID,
		}
	})
	if err != nil {
		return nil, err
	}
	m.torrentIx[torrentID] = e.Ino
	return e, nil
}

// AllocateFile creates a file entry under parent.
func (m *Manager) AllocateFile(parent uint64, name string, size int64, torrentID string, fileIndex int) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocateEntry(parent, name, func(ino uint64, cp string) *Entry {
		return &Entry{
			Ino: ino, Kind: KindFile, Name: name, Parent: parent,
			CanonicalPath: cp, Size: size, TorrentID: torrentID, FileIndex: fileIndex,
		}
	})
}

// AllocateTorrentFile creates a file entry under parent that is itself
// the root of a projected torrent (the single-file torrent case),
// additionally indexed by torrentID the way AllocateTorrentDirectory
// indexes a directory.
func (m *Manager) AllocateTorrentFile(parent uint64, name string, size int64, torrentID string, fileIndex int) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.allocateEntry(parent, name, func(ino uint64, cp string) *Entry {
		return &Entry{
			Ino: ino, Kind: KindFile, Name: name, Parent: parent,
			CanonicalPath: cp, Size: size, TorrentID: torrentID, FileIndex: fileIndex,
		}
	})
	if err != nil {
		return nil, err
	}
	m.torrentIx[torrentID] = e.Ino
	return e, nil
}

// AllocateSymlink creates a symlink entry under parent.
func (m *Manager) AllocateSymlink(parent uint64, name, target string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocateEntry(parent, name, func(ino uint64, cp string) *Entry {
		return &Entry{
			Ino: ino, Kind: KindSymlink, Name: name, Parent: parent,
			CanonicalPath: cp, Target: target,
		}
	})
}

// Get returns the entry for ino.
func (m *Manager) Get(ino uint64) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[ino]
	return e, ok
}

// LookupByPath resolves a canonical path to an inode number.
func (m *Manager) LookupByPath(p string) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ino, ok := m.pathIndex[p]
	return ino, ok
}

// LookupTorrent resolves a torrent ID to its directory inode, or to its
// file inode for a single-file torrent.
func (m *Manager) LookupTorrent(torrentID string) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ino, ok := m.torrentIx[torrentID]
	return ino, ok
}

// GetPathForInode returns the canonical path stored for ino.
func (m *Manager) GetPathForInode(ino uint64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[ino]
	if !ok {
		return "", false
	}
	return e.CanonicalPath, true
}

// Contains reports whether ino exists in the table.
func (m *Manager) Contains(ino uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[ino]
	return ok
}

// Len returns the number of entries in the table, root included.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// IsEmpty reports whether only the root entry remains.
func (m *Manager) IsEmpty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries) <= 1
}

// GetChildren returns the inode numbers of ino's children. If the
// stored child set is empty it falls back to a full scan for entries
// whose Parent is ino, as a defensive recovery for a child index that
// somehow went stale.
func (m *Manager) GetChildren(ino uint64) []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[ino]
	if !ok || !e.IsDir() {
		return nil
	}
	if len(e.Children) > 0 {
		out := make([]uint64, 0, len(e.Children))
		for _, c := range e.Children {
			out = append(out, c)
		}
		return out
	}

	var out []uint64
	for candidateIno, candidate := range m.entries {
		if candidateIno != ino && candidate.Parent == ino {
			out = append(out, candidateIno)
		}
	}
	return out
}

// NextInode previews the next inode number that would be allocated.
func (m *Manager) NextInode() uint64 {
	return m.next.Load()
}

// InodeCount is an alias of Len kept for callers that prefer the name.
func (m *Manager) InodeCount() int { return m.Len() }

// RemoveInode deletes ino and, if it is a directory, all of its
// descendants, bottom-up. The entry is removed from the primary table
// last, which acts as the commit point: a reader that observes ino
// missing from the primary table is guaranteed every index referencing
// it has already been cleaned up.
func (m *Manager) RemoveInode(ino uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ino == RootIno {
		return errs.NewInvalidArgument("cannot remove the root inode")
	}
	return m.removeInodeLocked(ino)
}

func (m *Manager) removeInodeLocked(ino uint64) error {
	e, ok := m.entries[ino]
	if !ok {
		return errs.NewNotFound("no such inode")
	}

	if e.IsDir() {
		children := make([]uint64, 0, len(e.Children))
		for _, c := range e.Children {
			children = append(children, c)
		}
		for _, c := range children {
			if err := m.removeInodeLocked(c); err != nil {
				return err
			}
		}
	}

	if parent, ok := m.entries[e.Parent]; ok && parent.IsDir() {
		delete(parent.Children, e.Name)
	}

	delete(m.pathIndex, e.CanonicalPath)
	if e.TorrentID != "" {
		delete(m.torrentIx, e.TorrentID)
	}
	delete(m.entries, ino)
	return nil
}

// ClearTorrents removes every torrent directory (and its subtree),
// then resets the dynamic inode counter back to 2 so renumbering
// restarts cleanly after a full clear.
func (m *Manager) ClearTorrents() {
	m.mu.Lock()
	defer m.mu.Unlock()

	roots := make([]uint64, 0, len(m.torrentIx))
	for _, ino := range m.torrentIx {
		roots = append(roots, ino)
	}
	for _, ino := range roots {
		_ = m.removeInodeLocked(ino)
	}

	m.torrentIx = make(map[string]uint64)
	m.next.Store(firstDynamicIno)
}
