package fusefs

import (
	"github.com/billziss-gh/cgofuse/fuse"

	"github.com/rqbitfuse/rqbitfuse/errs"
)

// Mounter owns the cgofuse host and this module's background state.
// Mount options are always read-only, with allow_other config-gated.
type Mounter struct {
	fs   *FS
	host *fuse.FileSystemHost
}

// NewMounter wraps fs in a cgofuse host.
func NewMounter(fs *FS) *Mounter {
	host := fuse.NewFileSystemHost(fs)
	host.SetCapReaddirPlus(true)
	return &Mounter{fs: fs, host: host}
}

func buildMountOptions(allowOther bool) []string {
	opts := []string{"-o", "ro", "-o", "noatime"}
	if allowOther {
		opts = append(opts, "-o", "allow_other")
	}
	return opts
}

// Mount blocks serving FUSE requests at mountPoint until Unmount is called.
func (m *Mounter) Mount(mountPoint string) error {
	opts := buildMountOptions(m.fs.cfg.AllowOther)
	if !m.host.Mount(mountPoint, opts) {
		return errs.NewIOError("fuse mount failed")
	}
	return nil
}

// Unmount tears down the mount and stops the filesystem's background goroutines.
func (m *Mounter) Unmount() {
	m.host.Unmount()
	m.fs.Close()
}
