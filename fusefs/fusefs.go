// Package fusefs implements the read-only FUSE projection of the
// daemon's torrent swarm, mounted via cgofuse's path-based
// FileSystemInterface.
package fusefs

import (
	"context"
	"path"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/billziss-gh/cgofuse/fuse"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rqbitfuse/rqbitfuse/apiclient"
	"github.com/rqbitfuse/rqbitfuse/bridge"
	"github.com/rqbitfuse/rqbitfuse/errs"
	"github.com/rqbitfuse/rqbitfuse/handle"
	"github.com/rqbitfuse/rqbitfuse/inode"
	"github.com/rqbitfuse/rqbitfuse/stream"
)

// Config configures a FS.
type Config struct {
	HandleTTL      time.Duration
	HandleSweep    time.Duration
	SyncInterval   time.Duration
	AllowOther     bool
	MaxInodes      int
}

// FS implements fuse.FileSystemInterface, embedding FileSystemBase for
// the callbacks it does not implement; ops.go answers every write path
// with EROFS itself.
type FS struct {
	fuse.FileSystemBase

	cfg    Config
	client *apiclient.Client
	bridge *bridge.Worker
	stream *stream.Manager

	inodes  *inode.Manager
	handles *handle.Manager

	mu          sync.RWMutex
	initialized bool

	stopChan chan struct{}
	log      zerolog.Logger
}

// New builds an FS ready to be mounted. The background sync (daemon
// torrent list -> inode tree) and handle-expiry sweep goroutines are
// started here and stopped by Close.
func New(cfg Config, client *apiclient.Client, br *bridge.Worker, sm *stream.Manager) *FS {
	fs := &FS{
		cfg:      cfg,
		client:   client,
		bridge:   br,
		stream:   sm,
		inodes:   inode.NewManager(cfg.MaxInodes),
		handles:  handle.NewManager(),
		stopChan: make(chan struct{}),
		log:      log.Logger.With().Str("component", "fusefs").Logger(),
	}
	go fs.syncLoop()
	go fs.handleSweepLoop()
	return fs
}

// Close stops background goroutines. It does not unmount; the caller
// owns the fuse.FileSystemHost lifecycle.
func (fs *FS) Close() {
	close(fs.stopChan)
}

// Handles exposes the file-handle table for diagnostics callers such
// as statusapi; it is not used by any FUSE callback.
func (fs *FS) Handles() *handle.Manager {
	return fs.handles
}

func (fs *FS) syncLoop() {
	interval := fs.cfg.SyncInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-fs.stopChan:
			return
		case <-ticker.C:
			fs.sync()
		}
	}
}

func (fs *FS) handleSweepLoop() {
	ttl := fs.cfg.HandleTTL
	sweep := fs.cfg.HandleSweep
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if sweep <= 0 {
		sweep = time.Minute
	}
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()
	for {
		select {
		case <-fs.stopChan:
			return
		case <-ticker.C:
			if n := fs.handles.RemoveExpired(ttl); n > 0 {
				fs.log.Debug().Int("count", n).Msg("swept expired file handles")
			}
		}
	}
}

// sync reconciles the inode tree with the daemon's current torrent
// list: new torrents get their entries allocated (a single file under
// root, or a directory and file tree for a multi-file torrent), and
// torrents the daemon no longer reports are torn down, including their
// open streams.
func (fs *FS) sync() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	torrents, err := fs.client.ListTorrents(ctx)
	if err != nil {
		fs.log.Warn().Err(err).Msg("failed to list torrents from daemon")
		return
	}

	seen := make(map[string]bool, len(torrents))
	for _, t := range torrents {
		seen[t.ID] = true
		if _, ok := fs.inodes.LookupTorrent(t.ID); ok {
			continue
		}
		fs.addTorrent(t)
	}

	fs.reconcileRemovals(seen)
}

func (fs *FS) addTorrent(t apiclient.TorrentSummary) {
	name := sanitizeName(t.Name)

	if len(t.Files) == 1 {
		fs.addSingleFileTorrent(t, name)
		return
	}

	dir, err := fs.inodes.AllocateTorrentDirectory(inode.RootIno, name, t.ID)
	if err != nil {
		fs.log.Warn().Err(err).Str("torrent", t.ID).Msg("failed to allocate torrent directory")
		return
	}
	for _, f := range t.Files {
		fs.addFile(dir.Ino, t.ID, f)
	}
	fs.log.Info().Str("torrent", t.ID).Str("name", name).Int("files", len(t.Files)).Msg("torrent added")
}

// addSingleFileTorrent attaches a single-file torrent's one file
// directly under root rather than wrapping it in a torrent-name
// directory, and indexes the torrent against the file inode instead
// of a directory inode.
func (fs *FS) addSingleFileTorrent(t apiclient.TorrentSummary, name string) {
	f := t.Files[0]
	leaf := sanitizeName(path.Base(f.Path))
	if leaf == "" || leaf == "_" || leaf == "." {
		leaf = name
	}
	entry, err := fs.inodes.AllocateTorrentFile(inode.RootIno, leaf, f.Size, t.ID, f.Index)
	if err != nil {
		fs.log.Warn().Err(err).Str("torrent", t.ID).Msg("failed to allocate single-file torrent")
		return
	}
	fs.log.Info().Str("torrent", t.ID).Str("name", entry.Name).Msg("single-file torrent added")
}

// addFile walks f.Path (which may contain slashes for a multi-file
// torrent) creating any needed intermediate directories under dir.
func (fs *FS) addFile(dirIno uint64, torrentID string, f apiclient.File) {
	parts := strings.Split(strings.Trim(f.Path, "/"), "/")
	parent := dirIno
	for _, part := range parts[:len(parts)-1] {
		// Directory may already exist from a sibling file.
		if existing, ok := fs.inodes.Get(parent); ok {
			if ino, ok := existing.Children[sanitizeName(part)]; ok {
				parent = ino
				continue
			}
		}
		child, err := fs.inodes.Allocate(parent, sanitizeName(part))
		if err != nil {
			return
		}
		parent = child.Ino
	}
	leaf := sanitizeName(parts[len(parts)-1])
	if _, err := fs.inodes.AllocateFile(parent, leaf, f.Size, torrentID, f.Index); err != nil {
		fs.log.Warn().Err(err).Str("torrent", torrentID).Str("file", f.Path).Msg("failed to allocate file")
	}
}

func (fs *FS) reconcileRemovals(seen map[string]bool) {
	for _, child := range fs.inodes.GetChildren(inode.RootIno) {
		entry, ok := fs.inodes.Get(child)
		if !ok || entry.TorrentID == "" {
			continue
		}
		if seen[entry.TorrentID] {
			continue
		}
		fs.log.Info().Str("torrent", entry.TorrentID).Msg("torrent removed by daemon")
		fs.stream.CloseTorrentStreams(entry.TorrentID)
		fs.client.ForgetTorrent(entry.TorrentID)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = fs.bridge.ForgetTorrent(ctx, entry.TorrentID)
		cancel()
		_ = fs.inodes.RemoveInode(child)
	}
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "_"
	}
	return strings.ReplaceAll(name, "/", "_")
}

// resolve looks up the entry for a cgofuse path ("/", "/show/a.mkv", ...).
func (fs *FS) resolve(p string) (*inode.Entry, error) {
	clean := path.Clean(p)
	if clean == "." {
		clean = "/"
	}
	ino, ok := fs.inodes.LookupByPath(clean)
	if !ok {
		return nil, errs.NewNotFound(p)
	}
	e, ok := fs.inodes.Get(ino)
	if !ok {
		return nil, errs.NewNotFound(p)
	}
	return e, nil
}

func errnoOf(err error) int {
	if err == nil {
		return 0
	}
	if e, ok := errs.As(err); ok {
		return -int(e.Errno())
	}
	return -int(syscall.EIO)
}
