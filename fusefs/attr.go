package fusefs

import (
	"time"

	"github.com/billziss-gh/cgofuse/fuse"

	"github.com/rqbitfuse/rqbitfuse/inode"
)

// crtimeBase is a fixed creation-time baseline; this module persists
// nothing across restarts, so there is no real creation time to
// report.
var crtimeBase = time.Unix(1700000000, 0)

const blockSize = 4096

func blocksFor(size int64) int64 {
	return (size + blockSize - 1) / blockSize
}

func toTimespec(t time.Time) fuse.Timespec {
	return fuse.Timespec{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

// buildAttr fills stat for e: directories are 0555 with Nlink =
// 2+children, files are 0444 with
// Nlink = 1 and a real size. Access/modify/change times are always
// "now" since no real mtimes are tracked; only the creation time is
// pinned to a fixed baseline.
func buildAttr(e *inode.Entry, childCount int, stat *fuse.Stat_t) {
	now := toTimespec(time.Now())
	crtime := toTimespec(crtimeBase)

	*stat = fuse.Stat_t{
		Ino:      e.Ino,
		Atim:     now,
		Mtim:     now,
		Ctim:     now,
		Birthtim: crtime,
	}

	switch e.Kind {
	case inode.KindDirectory:
		stat.Mode = fuse.S_IFDIR | 0555
		stat.Nlink = uint32(2 + childCount)
		stat.Size = 0
	case inode.KindSymlink:
		stat.Mode = fuse.S_IFLNK | 0444
		stat.Nlink = 1
		stat.Size = int64(len(e.Target))
	default: // file
		stat.Mode = fuse.S_IFREG | 0444
		stat.Nlink = 1
		stat.Size = e.Size
		stat.Blksize = blockSize
		stat.Blocks = blocksFor(e.Size)
	}
}
