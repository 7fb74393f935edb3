// Package filesystem implements the two FileSystem back ends: Local,
// which watches paths via the kernel monitor or the Pollster fallback,
// and Remote, which forwards everything to a peer daemon through a
// RemoteHost.
package filesystem

import (
	"os"

	"github.com/ncw/famd/internal/changesource"
	"github.com/ncw/famd/internal/famstat"
	"github.com/ncw/famd/internal/interest"
	"github.com/ncw/famd/internal/pollster"
)

// Local is the FileSystem back end for paths the kernel monitor can
// watch directly: local paths map to themselves, so the interest.Node
// methods already do the cancel/suspend/resume work, and Local only
// needs to implement the interest.FileSystem capability surface.
type Local struct {
	cs   *changesource.Source
	poll *pollster.Pollster
}

// NewLocal returns a Local FileSystem backed by cs (the kernel monitor,
// possibly never opened) and poll (the fallback scanner).
func NewLocal(cs *changesource.Source, poll *pollster.Pollster) *Local {
	return &Local{cs: cs, poll: poll}
}

// Stat implements interest.FileSystem.
func (l *Local) Stat(path string) (famstat.Snapshot, error) {
	return famstat.Lstat(path)
}

// ReadDir implements interest.FileSystem by listing path with the
// standard library directory iterator.
func (l *Local) ReadDir(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}

// Watch tries the kernel monitor first; if it can't cover this path
// (not opened, or express failed), falls back to the Pollster. A
// successful kernel subscription means the Pollster no longer needs to
// carry this Node.
//
// Express's own post-watch stat can race a concurrent replacement of the
// inode at this path; per the change-discovery engine's express
// contract, that identity is compared against what the Node's own prior
// stat resolved, and a mismatch revokes the just-added subscription and
// reports the Node bad rather than risk delivering events keyed to the
// wrong inode.
func (l *Local) Watch(n *interest.Node) error {
	if l.cs != nil {
		got, err := l.cs.Express(n.Name)
		if err == nil {
			if !n.Identity.IsZero() && got != n.Identity {
				_ = l.cs.Revoke(n.Name)
				n.ReportBad()
				return nil
			}
			l.poll.ForgetInterest(n)
			return nil
		}
	}
	l.poll.WatchInterest(n)
	return nil
}

// Unwatch revokes both the kernel subscription and the Pollster
// registration; either may be a no-op depending on which one actually
// covered this Node.
func (l *Local) Unwatch(n *interest.Node) error {
	if l.cs != nil {
		_ = l.cs.Revoke(n.Name)
	}
	l.poll.ForgetInterest(n)
	return nil
}
