package filesystem

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/ncw/famd/internal/famevent"
	"github.com/ncw/famd/internal/famstat"
	"github.com/ncw/famd/internal/interest"
	"github.com/ncw/famd/internal/remotehost"
	"github.com/ncw/famd/internal/scheduler"
)

// DefaultRetryInterval is the deferred-rescan retry cadence —
// deliberately the same cadence as the Pollster's default tick, since
// both exist to paper over the same class of "the kernel won't tell us"
// gap.
const DefaultRetryInterval = 6 * time.Second

// Remote is the FileSystem back end for NFS mounts. Stat and ReadDir are
// ordinary local syscalls — the NFS mount itself is still a local mount
// point, which is exactly why its attribute cache can lie to us; the
// interesting behavior lives in Watch/Unwatch (forward to the peer
// daemon) and in the deferred-rescan logic that defeats that cache.
type Remote struct {
	host             *remotehost.Host
	mountPoint       string
	remotePrefix     string
	attrCacheTimeout time.Duration
	sched            *scheduler.Scheduler

	// attrCache stands in for the NFS client-side attribute cache the
	// deferred rescan exists to defeat: a Stat served within
	// attrCacheTimeout of the last one returns the same stale snapshot.
	// It is nil under "noac" (attrCacheTimeout <= 0), where every Stat
	// hits the real filesystem.
	attrCache *cache.Cache

	nextReqID uint32
	byNode    map[*interest.Node]uint32
	byReqID   map[uint32]*interest.Node
	retries   map[uint32]int
}

// NewRemote returns a Remote FileSystem forwarding through host. mountPoint
// is the local path this FileSystem is mounted at; remotePrefix is the
// path prefix to prepend once the mount point is stripped. attrCacheTimeout
// is the staleness bound derived from the mount's
// acregmax/actimeo/acregmin/noac options.
func NewRemote(host *remotehost.Host, mountPoint, remotePrefix string, attrCacheTimeout time.Duration, sched *scheduler.Scheduler) *Remote {
	r := &Remote{
		host:             host,
		mountPoint:       mountPoint,
		remotePrefix:     remotePrefix,
		attrCacheTimeout: attrCacheTimeout,
		sched:            sched,
		byNode:           make(map[*interest.Node]uint32),
		byReqID:          make(map[uint32]*interest.Node),
		retries:          make(map[uint32]int),
	}
	if attrCacheTimeout > 0 {
		r.attrCache = cache.New(attrCacheTimeout, 2*attrCacheTimeout)
	}
	return r
}

// Stat implements interest.FileSystem. The NFS mount is still a local
// mount point, so the real work is an ordinary lstat — but it is served
// through attrCache first, exactly the client-side attribute cache the
// deferred rescan exists to defeat: a Stat repeated within
// attrCacheTimeout of the last one returns the same (possibly stale)
// snapshot instead of re-reading the mount.
func (r *Remote) Stat(path string) (famstat.Snapshot, error) {
	if r.attrCache != nil {
		if cached, found := r.attrCache.Get(path); found {
			return cached.(famstat.Snapshot), nil
		}
	}
	snap, err := famstat.Lstat(path)
	if err == nil && r.attrCache != nil {
		r.attrCache.SetDefault(path, snap)
	}
	return snap, err
}

// ReadDir implements interest.FileSystem the same way Local does: the
// mount point is still a local directory.
func (r *Remote) ReadDir(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}

// remotePath maps a local path to its path on the peer: canonicalise,
// strip the local mount-point prefix, prepend the remote prefix. If
// canonicalisation of the full path fails (an intermediate component is
// absent, e.g. because it hasn't appeared on this side yet), peel
// trailing components off and retry on the shrinking prefix, then
// re-append the peeled suffix once a canonical answer is found.
func (r *Remote) remotePath(local string) string {
	rel := strings.TrimPrefix(local, r.mountPoint)
	rel = strings.TrimPrefix(rel, string(filepath.Separator))

	canon, suffix := canonicalizeWithFallback(filepath.Join(r.mountPoint, rel))
	rel = strings.TrimPrefix(canon, r.mountPoint)
	rel = strings.TrimPrefix(rel, string(filepath.Separator))
	return filepath.Join(r.remotePrefix, rel, suffix)
}

// canonicalizeWithFallback resolves path with EvalSymlinks, peeling
// trailing components off and retrying when an intermediate component
// doesn't exist. It returns the canonical prefix that did resolve and
// the suffix that had to be peeled off (rejoined as-is).
func canonicalizeWithFallback(path string) (canon, suffix string) {
	cur := path
	var peeled []string
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return resolved, filepath.Join(peeled...)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path, ""
		}
		peeled = append([]string{filepath.Base(cur)}, peeled...)
		cur = parent
	}
}

// Watch forwards a monitor request to the peer daemon. Kernel monitoring
// and polling are the peer's job; this FileSystem's only local
// responsibility is noticing when the peer says something changed and
// re-stating the (possibly cache-stale) local mount.
func (r *Remote) Watch(n *interest.Node) error {
	reqID := r.nextReqID
	r.nextReqID++
	r.byNode[n] = reqID
	r.byReqID[reqID] = n
	return r.host.SendMonitor(reqID, r.remotePath(n.Name))
}

// Unwatch cancels the forwarded monitor request.
func (r *Remote) Unwatch(n *interest.Node) error {
	reqID, ok := r.byNode[n]
	if !ok {
		return nil
	}
	delete(r.byNode, n)
	delete(r.byReqID, reqID)
	delete(r.retries, reqID)
	return r.host.CancelMonitor(reqID)
}

// HandlePeerEvent is invoked by the RemoteHost when it relays a Changed
// or Deleted notification from the peer for reqID: the daemon scans
// immediately, then schedules a later rescan to defeat the NFS
// attribute cache.
func (r *Remote) HandlePeerEvent(reqID uint32, kind famevent.Kind) {
	n, ok := r.byReqID[reqID]
	if !ok {
		return
	}
	n.Scan()
	if kind == famevent.Changed || kind == famevent.Deleted {
		budget := retryBudget(r.attrCacheTimeout)
		r.retries[reqID] = budget
		r.scheduleDeferred(reqID, n)
	}
}

func retryBudget(timeout time.Duration) int {
	if timeout <= 0 || DefaultRetryInterval <= 0 {
		return 0
	}
	budget := int(timeout / DefaultRetryInterval)
	if timeout%DefaultRetryInterval != 0 {
		budget++
	}
	return budget
}

func (r *Remote) scheduleDeferred(reqID uint32, n *interest.Node) {
	delay := DefaultRetryInterval
	if r.attrCacheTimeout > 0 && r.attrCacheTimeout < delay {
		delay = r.attrCacheTimeout
	}
	key := deferredKey{reqID: reqID, attempt: r.retries[reqID]}
	r.sched.InstallOneTime(time.Now().Add(delay), key, func() {
		r.runDeferred(reqID, n)
	})
}

func (r *Remote) runDeferred(reqID uint32, n *interest.Node) {
	before := n.LastStat
	n.Scan()
	if n.LastStat.Changed(before) || n.LastStat.Exists() != before.Exists() {
		delete(r.retries, reqID)
		return
	}
	remaining := r.retries[reqID] - 1
	if remaining <= 0 {
		delete(r.retries, reqID)
		return
	}
	r.retries[reqID] = remaining
	r.scheduleDeferred(reqID, n)
}

type deferredKey struct {
	reqID   uint32
	attempt int
}
