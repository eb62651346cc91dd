// Package stream reuses an in-flight HTTP byte stream from the daemon
// across consecutive sequential FUSE reads of the same torrent file,
// instead of opening a fresh ranged GET per read call.
package stream

import (
	"context"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rqbitfuse/rqbitfuse/apiclient"
	"github.com/rqbitfuse/rqbitfuse/errs"
)

const (
	// MaxSeekForward bounds how far ahead of a stream's current
	// position a read can land and still be served by skip-discarding
	// rather than opening a new connection.
	MaxSeekForward int64 = 10 << 20 // 10 MiB

	// IdleTimeout is how long a stream may sit untouched before the
	// reaper closes it.
	IdleTimeout = 30 * time.Second

	// CleanupInterval is how often the reaper sweeps for idle streams.
	CleanupInterval = 10 * time.Second

	// SkipYieldInterval bounds how many bytes a single discard-skip
	// reads before yielding, so a large forward seek never starves
	// other readers for long.
	SkipYieldInterval int64 = 1 << 20 // 1 MiB

	// DefaultMaxStreams is the default capacity ceiling.
	DefaultMaxStreams = 50
)

type key struct {
	TorrentID string
	FileIndex int
}

// pStream is one reusable in-flight HTTP stream.
type pStream struct {
	mu         sync.Mutex
	body       io.ReadCloser
	offset     int64
	lastAccess time.Time
	closed     bool
}

func (s *pStream) canReadAt(offset int64) bool {
	return offset == s.offset || (offset > s.offset && offset-s.offset <= MaxSeekForward)
}

func (s *pStream) isIdle(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.lastAccess) > timeout
}

// closeOnce closes the underlying body at most once, so two readers
// that both discover the same stream is stale don't double-close it.
func (s *pStream) closeOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.body.Close()
}

// Manager reuses and caps concurrent persistent streams against the daemon.
type Manager struct {
	client *apiclient.Client

	maxStreams int

	mu      sync.Mutex
	streams map[key]*pStream

	stopOnce sync.Once
	stopChan chan struct{}

	log zerolog.Logger
}

// Config configures a Manager.
type Config struct {
	MaxStreams int
}

// New creates a Manager, starting its background idle reaper.
func New(client *apiclient.Client, cfg Config) *Manager {
	max := cfg.MaxStreams
	if max <= 0 {
		max = DefaultMaxStreams
	}
	m := &Manager{
		client:     client,
		maxStreams: max,
		streams:    make(map[key]*pStream),
		stopChan:   make(chan struct{}),
		log:        log.Logger.With().Str("component", "stream-manager").Logger(),
	}
	go m.cleanupLoop()
	return m
}

// Close stops the background reaper and closes every open stream.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopChan) })

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, s := range m.streams {
		s.closeOnce()
		delete(m.streams, k)
	}
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *Manager) sweepIdle() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, s := range m.streams {
		s.mu.Lock()
		idle := s.isIdle(now, IdleTimeout)
		s.mu.Unlock()
		if idle {
			s.closeOnce()
			delete(m.streams, k)
			m.log.Debug().Str("torrent", k.TorrentID).Int("file", k.FileIndex).Msg("closed idle stream")
		}
	}
}

// Read fills buf starting at offset, reusing the stream for (torrentID,
// fileIndex) when the request continues it (forward, within
// MaxSeekForward), otherwise opening a fresh one. Returns the number
// of bytes read, which may be less than len(buf) only at EOF.
func (m *Manager) Read(ctx context.Context, torrentID string, fileIndex int, offset int64, buf []byte) (int, error) {
	k := key{TorrentID: torrentID, FileIndex: fileIndex}

	s, err := m.acquire(ctx, k, offset)
	if err != nil {
		return 0, err
	}
	return m.readFrom(ctx, k, s, offset, buf)
}

// readFrom performs the actual read against s, re-validating that s is
// still positioned to serve offset before trusting it. acquire's
// reusability check and this read are not atomic: a concurrent read on
// the same key (the common case, since prefetch races the foreground
// read) can advance s's offset in between. Trusting the stale check
// would silently return bytes from the wrong position.
func (m *Manager) readFrom(ctx context.Context, k key, s *pStream, offset int64, buf []byte) (int, error) {
	s.mu.Lock()
	if !s.canReadAt(offset) {
		s.mu.Unlock()
		m.discardStale(k, s)
		var err error
		s, err = m.openFresh(ctx, k, offset)
		if err != nil {
			return 0, err
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	if offset > s.offset {
		if err := m.skip(ctx, s, offset-s.offset); err != nil {
			return 0, err
		}
	}

	n, err := io.ReadFull(s.body, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return n, errs.Wrap(errs.IOError, "reading stream", err)
	}
	s.offset += int64(n)
	s.lastAccess = time.Now()
	return n, nil
}

// discardStale removes stale from the table, if it is still the entry
// registered for k, and closes it. Safe to call even if another reader
// already replaced or closed it.
func (m *Manager) discardStale(k key, stale *pStream) {
	m.mu.Lock()
	if cur, ok := m.streams[k]; ok && cur == stale {
		delete(m.streams, k)
	}
	m.mu.Unlock()
	stale.closeOnce()
}

// skip discards n bytes from s's body, yielding every SkipYieldInterval
// bytes so a long forward seek does not monopolize the caller.
func (m *Manager) skip(ctx context.Context, s *pStream, n int64) error {
	discard := make([]byte, 32*1024)
	var done int64
	for done < n {
		chunk := n - done
		if chunk > int64(len(discard)) {
			chunk = int64(len(discard))
		}
		read, err := io.ReadFull(s.body, discard[:chunk])
		done += int64(read)
		s.offset += int64(read)
		if err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				return nil
			}
			return errs.Wrap(errs.IOError, "skipping stream", err)
		}
		if done%SkipYieldInterval < int64(len(discard)) {
			select {
			case <-ctx.Done():
				return errs.NewTimedOut("context canceled during skip")
			default:
			}
			runtime.Gosched()
		}
	}
	return nil
}

// acquire returns a stream positioned to serve offset for k, reusing
// an existing one when possible. The table lock is dropped before any
// network dial so a slow daemon connection never blocks other readers.
func (m *Manager) acquire(ctx context.Context, k key, offset int64) (*pStream, error) {
	m.mu.Lock()
	if existing, ok := m.streams[k]; ok {
		existing.mu.Lock()
		reusable := existing.canReadAt(offset)
		existing.mu.Unlock()
		if reusable {
			m.mu.Unlock()
			return existing, nil
		}
		delete(m.streams, k)
		existing.closeOnce()
	}
	if len(m.streams) >= m.maxStreams {
		if !m.evictLRULocked() {
			m.mu.Unlock()
			return nil, errs.NewNotReady("no stream slots available")
		}
	}
	m.mu.Unlock()

	return m.openFresh(ctx, k, offset)
}

// openFresh dials a new ranged read and registers it for k, replacing
// (and closing) whatever is currently registered there, if anything.
func (m *Manager) openFresh(ctx context.Context, k key, offset int64) (*pStream, error) {
	result, err := m.client.ReadRange(ctx, k.TorrentID, k.FileIndex, offset)
	if err != nil {
		return nil, err
	}

	s := &pStream{body: result.Body, offset: offset, lastAccess: time.Now()}
	if !result.Status206 {
		// The daemon ignored our range and sent the whole file from 0;
		// skip client-side to the offset we actually asked for.
		s.offset = 0
		if err := m.skip(ctx, s, offset); err != nil {
			s.closeOnce()
			return nil, err
		}
	}

	m.mu.Lock()
	if prev, ok := m.streams[k]; ok && prev != s {
		prev.closeOnce()
	}
	m.streams[k] = s
	m.mu.Unlock()
	return s, nil
}

// evictLRULocked closes and removes the least-recently-used stream among
// those idle longer than IdleTimeout, reporting false when there is
// none. Caller holds m.mu.
func (m *Manager) evictLRULocked() bool {
	now := time.Now()
	var lruKey key
	var lruStream *pStream
	for k, s := range m.streams {
		s.mu.Lock()
		la := s.lastAccess
		idle := s.isIdle(now, IdleTimeout)
		s.mu.Unlock()
		if !idle {
			continue
		}
		if lruStream == nil || la.Before(lruStream.lastAccess) {
			lruKey, lruStream = k, s
		}
	}
	if lruStream == nil {
		return false
	}
	lruStream.closeOnce()
	delete(m.streams, lruKey)
	return true
}

// CloseStream closes the stream for one torrent file, if any is open.
func (m *Manager) CloseStream(torrentID string, fileIndex int) {
	k := key{TorrentID: torrentID, FileIndex: fileIndex}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[k]; ok {
		s.closeOnce()
		delete(m.streams, k)
	}
}

// CloseTorrentStreams closes every open stream for torrentID, e.g.
// when the torrent is dropped from the daemon.
func (m *Manager) CloseTorrentStreams(torrentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, s := range m.streams {
		if k.TorrentID == torrentID {
			s.closeOnce()
			delete(m.streams, k)
		}
	}
}

// Stats reports the current number of open streams.
func (m *Manager) Stats() (openStreams int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}
