package daemon

import (
	"fmt"
	"strings"

	"github.com/ncw/famd/internal/famevent"
	"github.com/ncw/famd/internal/famstat"
	"github.com/ncw/famd/internal/fstable"
	"github.com/ncw/famd/internal/interest"
	"github.com/ncw/famd/internal/pollster"
)

// mountTablePath is the kernel file the daemon watches for mount-table
// changes, per spec.md §4.6. mountinfo itself already knows how to read
// the right file for the platform; this is only the identity the
// InternalInterest watches for a change in the file's own stat.
const mountTablePath = "/proc/self/mountinfo"

// mountWatchFS is a one-off interest.FileSystem implementation backing
// the InternalInterest that watches the mount table: its Stat is just an
// lstat of the mount-table file itself, and Watch/Unwatch hand the Node
// straight to the Pollster rather than the kernel monitor — a procfs
// pseudo-file's own mtime doesn't reliably fire inotify the way a real
// file's does, so this is exactly the kind of thing spec.md §4.3
// describes the Pollster existing to cover.
type mountWatchFS struct {
	poll *pollster.Pollster
}

func (m *mountWatchFS) Stat(path string) (famstat.Snapshot, error) {
	return famstat.Lstat(path)
}

func (m *mountWatchFS) ReadDir(path string) ([]string, error) {
	return nil, fmt.Errorf("daemon: %s is not a directory", path)
}

func (m *mountWatchFS) Watch(n *interest.Node) error {
	m.poll.WatchInterest(n)
	return nil
}

func (m *mountWatchFS) Unwatch(n *interest.Node) error {
	m.poll.ForgetInterest(n)
	return nil
}

// watchMountTable installs the InternalInterest that notices mount-table
// changes and drives FilesystemTable relocation, per spec.md §4.6.
func (c *Context) watchMountTable() {
	fs := &mountWatchFS{poll: c.Poll}
	node := interest.NewInternal(mountTablePath, fs, nil, func(kind famevent.Kind) {
		if kind == famevent.Changed || kind == famevent.Created || kind == famevent.Deleted {
			c.onMountTableChanged()
		}
	})
	c.mountWatch = node
	_ = fs.Watch(node)
	node.Scan()
}

// onMountTableChanged rebuilds the FilesystemTable and relocates every
// Interest that the rebuild moved onto a different FileSystem.
//
// Relocation order matters, per spec.md §4.6: a newly-mounted child over
// an existing monitored subtree must claim its Interests before the
// (about-to-be-discarded) parent relocates them elsewhere, so newly
// added FileSystems claim subtree Interests first and FileSystems no
// longer present are drained and dropped second.
func (c *Context) onMountTableChanged() {
	added, removed, err := c.Table.Rebuild()
	if err != nil {
		c.Log.Errorf("daemon", "rebuilding filesystem table: %v", err)
		return
	}
	for _, fs := range added {
		c.claimSubtree(fs)
	}
	for _, fs := range removed {
		c.relocateFrom(fs)
	}
}

// claimSubtree moves every Interest that now belongs under newFS's mount
// point — because newFS is a more specific (longer) prefix than wherever
// the Interest currently sits — onto newFS.
func (c *Context) claimSubtree(newFS *fstable.FileSystem) {
	for _, other := range c.Table.All() {
		if other == newFS || len(newFS.MountPoint) <= len(other.MountPoint) {
			continue
		}
		for _, raw := range other.Nodes() {
			n, ok := raw.(*interest.Node)
			if !ok || !underMount(n.Name, newFS.MountPoint) {
				continue
			}
			c.relocateNode(n, other, newFS)
		}
	}
}

// relocateFrom moves every surviving Interest off a FileSystem that the
// rebuild determined is no longer present, onto whatever FileSystem now
// covers its path.
func (c *Context) relocateFrom(oldFS *fstable.FileSystem) {
	for _, raw := range oldFS.Nodes() {
		n, ok := raw.(*interest.Node)
		if !ok {
			continue
		}
		dest, err := c.Table.Find(n.Name)
		if err != nil || dest == oldFS {
			continue
		}
		c.relocateNode(n, oldFS, dest)
	}
}

// relocateNode moves n from one FileSystem to another: it revokes
// whatever subscription it held under the old backend, re-homes it on
// the new backend's resident set, and re-scans so it re-subscribes
// (kernel monitor, Pollster, or RemoteHost, whichever the destination
// uses) under its new FileSystem. No events are lost: the Node's
// identity and LastStat survive the move, so the rescan only reports a
// real Changed if the entity genuinely differs.
func (c *Context) relocateNode(n *interest.Node, from, to *fstable.FileSystem) {
	backend := backendOf(to)
	if backend == nil {
		return
	}
	if n.FS != nil {
		_ = n.FS.Unwatch(n)
	}
	from.Detach(n)
	n.FS = backend
	n.Entry = to
	to.Attach(n)
	// DoScan's own reindex only re-subscribes when the identity changed,
	// which a mere relocation usually won't trigger — the file didn't
	// change, only which FileSystem claims it. Explicitly (re)establish
	// the subscription under the new backend so a relocated Interest
	// doesn't silently stop being watched.
	if !n.Identity.IsZero() {
		_ = backend.Watch(n)
	}
	n.ScanState = interest.Dirty
	n.DoScan()
}

// underMount reports whether path lives under mountPoint (path equals
// mountPoint, or mountPoint is one of its directory prefixes).
func underMount(path, mountPoint string) bool {
	if path == mountPoint {
		return true
	}
	prefix := strings.TrimSuffix(mountPoint, "/") + "/"
	return strings.HasPrefix(path, prefix)
}
