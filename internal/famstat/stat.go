// Package famstat holds the filesystem-object identity and stat snapshot
// types shared by the Interest graph, the change-discovery engine and the
// directory scanner. Identity extraction uses golang.org/x/sys/unix for
// the 64-bit dev/ino pair this daemon needs.
package famstat

import (
	"os"
	"time"
)

// Identity names a filesystem object independently of its path: the
// (device, inode) pair obtained from the last successful stat. Zero when
// the entity does not exist.
type Identity struct {
	Device uint64
	Inode  uint64
}

// IsZero reports whether the identity is unset, meaning the backing entity
// does not currently exist.
func (id Identity) IsZero() bool {
	return id.Device == 0 && id.Inode == 0
}

// Snapshot is the subset of stat(2) fields the daemon diffs on to decide
// whether an Interest changed.
type Snapshot struct {
	Identity
	Mode  os.FileMode
	Size  int64
	UID   uint32
	GID   uint32
	CTime time.Time
	MTime time.Time
}

// Exists reports whether this snapshot describes a real entity. A
// snapshot obtained from a failed lstat is the zero Snapshot.
func (s Snapshot) Exists() bool {
	return s.Mode != 0 || !s.Identity.IsZero()
}

// Changed reports whether two snapshots of an entity that existed both
// before and after differ in any field the daemon treats as significant:
// ctime, mtime, mode, uid, gid, size or inode number, not a broader "any
// byte differs" comparison.
func (s Snapshot) Changed(prev Snapshot) bool {
	return !s.CTime.Equal(prev.CTime) ||
		!s.MTime.Equal(prev.MTime) ||
		s.Mode != prev.Mode ||
		s.UID != prev.UID ||
		s.GID != prev.GID ||
		s.Size != prev.Size ||
		s.Inode != prev.Inode
}
