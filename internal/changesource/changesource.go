// Package changesource wraps the host's kernel inode-change notification
// facility behind an express/revoke contract: Express asks the kernel to
// watch a path, Revoke withdraws that interest, and every delivered
// notification and overflow signal is handed back to callers on the
// single reactor goroutine.
//
// No platform-portable kernel change-notification device exists across
// every target Go builds for, so Source is built on fsnotify for the
// kernel event stream. IsNFS uses github.com/moby/sys/mountinfo to tell
// whether a path lies under an NFS mount; Express itself does not call
// it and watches whatever path it is given.
//
// Process exec/exit transitions have no fsnotify equivalent, and
// nothing here or in the Interest graph's scans detects them: Executing
// and Exited are never reported.
package changesource

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/moby/sys/mountinfo"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/ncw/famd/internal/famevent"
	"github.com/ncw/famd/internal/famlog"
	"github.com/ncw/famd/internal/famstat"
	"github.com/ncw/famd/internal/scheduler"
)

// overflowWindow bounds how often a flapping kernel monitor can force a
// conservative "mark everything dirty and rescan" pass: a watcher that
// errors repeatedly (a full queue under heavy churn, e.g.) should not be
// allowed to schedule more than one overflow rescan per window, since
// each one is a full pass over every watched entity.
const overflowWindow = time.Second

// Notification is one (device, inode, event_kind) tuple delivered off
// the kernel event stream.
type Notification struct {
	Identity famstat.Identity
	Path     string
	Kind     famevent.Kind
}

// Source is the process-wide singleton wrapper around the kernel's inode
// monitor. It lazily opens its watcher on first Express call; if that
// fails, it is permanently inactive and Express always returns an error,
// which callers (the Interest graph, via the FileSystem layer) treat as
// "fall back entirely to polling."
type Source struct {
	sched   *scheduler.Scheduler
	log     *famlog.Logger
	OnEvent func(Notification)
	// OnOverflow fires when the kernel event queue could not keep up and
	// the daemon must conservatively mark every watched entity dirty and
	// rescan.
	OnOverflow func()

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	failed  bool
	paths   map[string]famstat.Identity // path -> identity at express-time

	overflowLimiter *rate.Limiter
}

// New returns an inactive Source. It does nothing until Express is first
// called.
func New(sched *scheduler.Scheduler, log *famlog.Logger) *Source {
	return &Source{
		sched:           sched,
		log:             log,
		paths:           make(map[string]famstat.Identity),
		overflowLimiter: rate.NewLimiter(rate.Every(overflowWindow), 1),
	}
}

// Active reports whether the kernel monitor is usable. It is false before
// the first Express call resolves, and permanently false once opening the
// watcher has failed once.
func (s *Source) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watcher != nil && !s.failed
}

// IsNFS reports whether path is beneath an NFS mount, in which case the
// kernel monitor must never be asked to watch it — NFS paths belong to a
// RemoteHost's peer-forwarded event stream instead.
func IsNFS(path string) (bool, error) {
	infos, err := mountinfo.GetMounts(mountinfo.ParentsFilter(path))
	if err != nil {
		return false, errors.Wrapf(err, "changesource: resolving mount for %s", path)
	}
	for _, info := range infos {
		if info.FSType == "nfs" || info.FSType == "nfs4" {
			return true, nil
		}
	}
	return false, nil
}

func (s *Source) ensureWatcher() error {
	if s.watcher != nil {
		return nil
	}
	if s.failed {
		return errors.New("changesource: kernel monitor unavailable")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.failed = true
		s.log.Errorf("changesource", "failed to open kernel monitor, falling back to polling: %v", err)
		return errors.Wrap(err, "changesource: opening watcher")
	}
	s.watcher = w
	go s.pump()
	return nil
}

// Express asks the kernel to watch path, returning the identity it
// resolved at express-time. The caller MUST re-stat path and compare the
// returned identity against whatever it already believed; a mismatch
// means the inode was replaced between express and stat, and the caller
// should immediately Revoke and report the entity bad rather than trust
// this identity.
func (s *Source) Express(path string) (famstat.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureWatcher(); err != nil {
		return famstat.Identity{}, err
	}
	if err := s.watcher.Add(path); err != nil {
		return famstat.Identity{}, errors.Wrapf(err, "changesource: watching %s", path)
	}
	snap, err := famstat.Lstat(path)
	if err != nil {
		_ = s.watcher.Remove(path)
		return famstat.Identity{}, errors.Wrapf(err, "changesource: stat after express %s", path)
	}
	s.paths[path] = snap.Identity
	return snap.Identity, nil
}

// Revoke withdraws interest in path. Revoking a path that was never
// expressed, or was already revoked, is a no-op.
func (s *Source) Revoke(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher == nil {
		return nil
	}
	delete(s.paths, path)
	if err := s.watcher.Remove(path); err != nil {
		return errors.Wrapf(err, "changesource: revoking %s", path)
	}
	return nil
}

// pump runs on its own goroutine, since fsnotify exposes its events as
// channels rather than a pollable descriptor the Scheduler could
// register directly. Every delivered notification and overflow signal
// is handed back to the reactor with Post, so OnEvent/OnOverflow always
// run on the single reactor goroutine.
func (s *Source) pump() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.deliver(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Errorf("changesource", "kernel monitor error, treating as overflow: %v", err)
			if !s.overflowLimiter.Allow() {
				s.log.Debugf("changesource", "suppressing overflow rescan, one already ran within %s", overflowWindow)
				continue
			}
			s.sched.Post(func() {
				if s.OnOverflow != nil {
					s.OnOverflow()
				}
			})
		}
	}
}

func (s *Source) deliver(ev fsnotify.Event) {
	kind, ok := classify(ev.Op)
	if !ok {
		return
	}

	s.mu.Lock()
	id, known := s.paths[ev.Name]
	s.mu.Unlock()
	if !known {
		return
	}

	s.sched.Post(func() {
		if s.OnEvent != nil {
			s.OnEvent(Notification{Identity: id, Path: ev.Name, Kind: kind})
		}
	})
}

// classify maps an fsnotify operation to the closed event set. Rename is
// treated as Deleted: the watch on the old name is no longer valid and
// the Interest graph's scan will discover whatever now exists (or
// doesn't) at that path on its next stat.
func classify(op fsnotify.Op) (famevent.Kind, bool) {
	switch {
	case op&fsnotify.Remove != 0, op&fsnotify.Rename != 0:
		return famevent.Deleted, true
	case op&fsnotify.Create != 0:
		return famevent.Created, true
	case op&(fsnotify.Write|fsnotify.Chmod) != 0:
		return famevent.Changed, true
	default:
		return 0, false
	}
}

// Close releases the kernel watcher, if one was ever opened.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}
