package fusefs

import (
	"context"
	"syscall"
	"time"

	"github.com/billziss-gh/cgofuse/fuse"

	"github.com/rqbitfuse/rqbitfuse/errs"
	"github.com/rqbitfuse/rqbitfuse/inode"
)

const readTimeout = 30 * time.Second

// Init checks that the daemon is reachable, then syncs the tree and
// marks the filesystem initialized. A failed health check is logged as
// an error; the mount is not aborted.
func (fs *FS) Init() {
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	if err := fs.client.HealthCheck(ctx); err != nil {
		fs.log.Error().Err(err).Msg("daemon health check failed at mount")
	}
	fs.sync()

	fs.mu.Lock()
	fs.initialized = true
	fs.mu.Unlock()
}

// Destroy marks the filesystem torn down. Background goroutines are
// stopped separately via Close, which Mounter.Unmount calls after
// unmounting the fuse host.
func (fs *FS) Destroy() {
	fs.mu.Lock()
	fs.initialized = false
	fs.mu.Unlock()
}

// Getattr fills stat for path.
func (fs *FS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	e, err := fs.resolve(path)
	if err != nil {
		return errnoOf(err)
	}
	buildAttr(e, len(fs.inodes.GetChildren(e.Ino)), stat)
	return 0
}

// Open allocates a real file handle for path via the handle table,
// rejecting directories and any non-read-only open mode.
func (fs *FS) Open(path string, flags int) (int, uint64) {
	e, err := fs.resolve(path)
	if err != nil {
		return errnoOf(err), 0
	}
	if e.IsDir() {
		return -int(syscall.EISDIR), 0
	}
	if flags&syscall.O_ACCMODE != syscall.O_RDONLY {
		return -int(syscall.EROFS), 0
	}
	fh := fs.handles.Allocate(e.Ino, uint32(flags))
	return 0, fh
}

// Opendir resolves path as a directory handle. Directories don't need
// per-handle read-state, so the inode itself doubles as the handle.
func (fs *FS) Opendir(path string) (int, uint64) {
	e, err := fs.resolve(path)
	if err != nil {
		return errnoOf(err), 0
	}
	if !e.IsDir() {
		return -int(syscall.ENOTDIR), 0
	}
	return 0, e.Ino
}

// Read serves bytes for an already-open file handle, tracking the read
// pattern for prefetch and routing the actual byte fetch through the
// async bridge (which in turn reuses persistent streams where possible).
func (fs *FS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	if ofst < 0 {
		return -int(syscall.EINVAL)
	}
	e, err := fs.resolve(path)
	if err != nil {
		return errnoOf(err)
	}
	if e.IsDir() {
		return -int(syscall.EISDIR)
	}
	if ofst >= e.Size {
		return 0
	}

	end := ofst + int64(len(buff))
	if end > e.Size {
		end = e.Size
	}
	want := buff[:end-ofst]

	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	n, rerr := fs.bridge.ReadFile(ctx, e.TorrentID, e.FileIndex, ofst, want)
	if rerr != nil {
		return errnoOf(rerr)
	}

	streak := fs.handles.UpdateState(fh, ofst, int64(n))
	if streak >= 2 && !fs.handles.IsPrefetching(fh) {
		fs.triggerPrefetch(fh, e, ofst+int64(n))
	}
	return n
}

// triggerPrefetch fires a bounded, fire-and-forget read of the region
// immediately following the just-served read, up to EOF. It never
// blocks the foreground Read call.
func (fs *FS) triggerPrefetch(fh uint64, e *inode.Entry, from int64) {
	if from >= e.Size {
		return
	}
	fs.handles.SetPrefetching(fh, true)
	go func() {
		defer fs.handles.SetPrefetching(fh, false)

		const prefetchSize = 1 << 20 // 1 MiB
		end := from + prefetchSize
		if end > e.Size {
			end = e.Size
		}
		buf := make([]byte, end-from)
		ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
		defer cancel()
		if _, err := fs.bridge.ReadFile(ctx, e.TorrentID, e.FileIndex, from, buf); err != nil {
			fs.log.Debug().Err(err).Str("torrent", e.TorrentID).Msg("prefetch read failed")
		}
	}()
}

// Release frees a file handle.
func (fs *FS) Release(path string, fh uint64) int {
	fs.handles.Remove(fh)
	return 0
}

// Releasedir is a no-op; directory handles are just inode numbers.
func (fs *FS) Releasedir(path string, fh uint64) int {
	return 0
}

// Readdir lists the children of path, always emitting "." and ".." first.
func (fs *FS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	e, err := fs.resolve(path)
	if err != nil {
		return errnoOf(err)
	}
	if !e.IsDir() {
		return -int(syscall.ENOTDIR)
	}

	fill(".", nil, 0)
	fill("..", nil, 0)

	for name, childIno := range e.Children {
		child, ok := fs.inodes.Get(childIno)
		if !ok {
			continue
		}
		var stat fuse.Stat_t
		buildAttr(child, len(fs.inodes.GetChildren(child.Ino)), &stat)
		if !fill(name, &stat, 0) {
			break
		}
	}
	return 0
}

// Readlink returns the target of a symlink entry.
func (fs *FS) Readlink(path string) (int, string) {
	e, err := fs.resolve(path)
	if err != nil {
		return errnoOf(err), ""
	}
	if e.Kind != inode.KindSymlink {
		return -int(syscall.EINVAL), ""
	}
	return 0, e.Target
}

// Setattr-family: Chmod, Chown and Truncate always return EROFS;
// Utimens accepts time changes as a no-op.
func (fs *FS) Chmod(path string, mode uint32) int              { return -int(syscall.EROFS) }
func (fs *FS) Chown(path string, uid uint32, gid uint32) int   { return -int(syscall.EROFS) }
func (fs *FS) Truncate(path string, size int64, fh uint64) int { return -int(syscall.EROFS) }
func (fs *FS) Utimens(path string, tmsp []fuse.Timespec) int   { return 0 }

func (fs *FS) Mkdir(path string, mode uint32) int                  { return -int(syscall.EROFS) }
func (fs *FS) Rmdir(path string) int                               { return -int(syscall.EROFS) }
func (fs *FS) Unlink(path string) int                              { return -int(syscall.EROFS) }
func (fs *FS) Rename(oldpath string, newpath string) int           { return -int(syscall.EROFS) }
func (fs *FS) Link(oldpath string, newpath string) int             { return -int(syscall.EROFS) }
func (fs *FS) Symlink(target string, newpath string) int           { return -int(syscall.EROFS) }
func (fs *FS) Mknod(path string, mode uint32, dev uint64) int      { return -int(syscall.EROFS) }
func (fs *FS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	return -int(syscall.EROFS)
}
func (fs *FS) Create(path string, flags int, mode uint32) (int, uint64) {
	return -int(syscall.EROFS), 0
}

var _ error = (*errs.Error)(nil)
