//go:build linux

package famstat

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Lstat stats path without following a terminal symlink and returns a
// Snapshot. A non-existent path is reported as the zero Snapshot, not an
// error: callers treat ENOENT as "doesn't exist right now" rather than a
// failure worth propagating.
func Lstat(path string) (Snapshot, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return Snapshot{}, err
	}
	return Snapshot{
		Identity: Identity{
			Device: uint64(st.Dev),
			Inode:  uint64(st.Ino),
		},
		Mode:  os.FileMode(st.Mode),
		Size:  st.Size,
		UID:   st.Uid,
		GID:   st.Gid,
		CTime: time.Unix(st.Ctim.Sec, st.Ctim.Nsec),
		MTime: time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
	}, nil
}
