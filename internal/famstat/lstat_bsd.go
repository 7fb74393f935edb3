//go:build darwin || freebsd || netbsd || openbsd

package famstat

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Lstat is the BSD/Darwin counterpart of the Linux implementation in
// lstat_unix.go; golang.org/x/sys/unix names the timespec fields
// differently across these families (Ctimespec/Mtimespec here,
// Ctim/Mtim on Linux).
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
		CTime: time.Unix(st.Ctimespec.Sec, st.Ctimespec.Nsec),
		MTime: time.Unix(st.Mtimespec.Sec, st.Mtimespec.Nsec),
	}, nil
}
