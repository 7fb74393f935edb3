// Package fstable implements the FilesystemTable: the mount-table model
// that maps a path to the FileSystem it lives on, and rebuilds itself
// whenever the mount table changes.
package fstable

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/moby/sys/mountinfo"
	"github.com/pkg/errors"
)

// Kind distinguishes the two FileSystem back ends: Local uses
// ChangeSource/Pollster directly, Remote delegates to a RemoteHost.
type Kind int

const (
	Local Kind = iota
	Remote
)

// FileSystem is the table's unit of bookkeeping: a mount point, the
// backing device name, and which kind of back end serves it. The actual
// Local/Remote implementation (internal/filesystem) is carried opaquely
// in Backend; the table only needs enough to resolve "what FileSystem
// does this path belong to."
type FileSystem struct {
	MountPoint string
	DeviceName string
	FSType     string
	Kind       Kind

	// AttrCacheTimeout is the attribute-cache staleness bound derived
	// from a remote mount's options: the max of acregmax/actimeo/acregmin
	// that are set, zero under "noac", and DefaultAttrCacheTimeout when
	// none of those options appear. Unused for Local FileSystems.
	AttrCacheTimeout time.Duration

	// Backend is an opaque handle the caller attaches (the
	// internal/filesystem.Local or .Remote value for this mount); the
	// table never interprets it.
	Backend interface{}

	// nodes is the set of Interests currently residing on this
	// FileSystem (spec.md §3's "Holds a set of Interests residing on
	// it"), stored as opaque values so this package never needs to
	// import internal/interest. The daemon package attaches a Node here
	// when it resolves it onto this FileSystem and relocates it away on
	// a mount-table rebuild; internal/interest.Node.Destroy detaches it
	// through the EntryDetacher interface.
	nodes map[interface{}]struct{}
}

// Attach records node as currently residing on fs.
func (fs *FileSystem) Attach(node interface{}) {
	if fs.nodes == nil {
		fs.nodes = make(map[interface{}]struct{})
	}
	fs.nodes[node] = struct{}{}
}

// Detach implements interest.EntryDetacher: it removes node from fs's
// resident set, called both on ordinary Interest destruction and when a
// mount-table rebuild relocates node onto a different FileSystem.
func (fs *FileSystem) Detach(node interface{}) {
	delete(fs.nodes, node)
}

// Nodes returns every Interest currently attached to fs, for a
// mount-table rebuild to enumerate and relocate.
func (fs *FileSystem) Nodes() []interface{} {
	out := make([]interface{}, 0, len(fs.nodes))
	for n := range fs.nodes {
		out = append(out, n)
	}
	return out
}

// DefaultAttrCacheTimeout is the bound used when a remote mount's options
// name none of acregmax/actimeo/acregmin, matching the Linux NFS client's
// own default actimeo of 60s as a round, documented fallback rather than
// silently picking an arbitrary number.
const DefaultAttrCacheTimeout = 60 * time.Second

// attrCacheTimeout parses a remote mount's VFS options for
// acregmax/actimeo/acregmin, taking the max of whichever are present, 0
// if "noac" is set, and the package default if none of those three
// appear.
func attrCacheTimeout(vfsOptions string) time.Duration {
	if hasOption(vfsOptions, "noac") {
		return 0
	}
	var best time.Duration
	found := false
	for _, name := range []string{"acregmax", "actimeo", "acregmin"} {
		if secs, ok := optionValue(vfsOptions, name); ok {
			found = true
			if d := time.Duration(secs) * time.Second; d > best {
				best = d
			}
		}
	}
	if !found {
		return DefaultAttrCacheTimeout
	}
	return best
}

func hasOption(opts, name string) bool {
	for _, field := range strings.Split(opts, ",") {
		if field == name {
			return true
		}
	}
	return false
}

func optionValue(opts, name string) (int, bool) {
	prefix := name + "="
	for _, field := range strings.Split(opts, ",") {
		if strings.HasPrefix(field, prefix) {
			n, err := strconv.Atoi(strings.TrimPrefix(field, prefix))
			if err != nil {
				return 0, false
			}
			return n, true
		}
	}
	return 0, false
}

// Table holds name->FileSystem (keyed by mount point) and id->FileSystem
// (keyed by a filesystem-id token).
type Table struct {
	mu      sync.Mutex
	byName  map[string]*FileSystem
	byID    map[string]*FileSystem
	mounts  []mountinfo.Info
	// NewBackend constructs a Backend for a freshly discovered mount;
	// the table calls it during Rebuild for any mount it hasn't seen
	// before. Left nil, new mounts get a FileSystem with no Backend.
	NewBackend func(fs *FileSystem) interface{}
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		byName: make(map[string]*FileSystem),
		byID:   make(map[string]*FileSystem),
	}
}

// fsID is the token byID is keyed by — analogous to a statvfs fsid,
// realized here as "device name" since Go has no portable statvfs
// binding in the example pack worth depending on. The table keeps byID
// up to date, but Find does not consult it: lookups go by mount-point
// prefix only.
func fsID(info mountinfo.Info) string {
	return info.Source
}

// Rebuild re-reads the mount table and reconciles it against the current
// set of FileSystems: entries whose mount point and device name already
// match are kept as-is; everything else becomes a freshly constructed
// FileSystem.
func (t *Table) Rebuild() ([]*FileSystem, []*FileSystem, error) {
	infos, err := mountinfo.GetMounts(nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "fstable: reading mount table")
	}
	// Longest-mountpoint-first, so added (and t.mounts) list a more
	// specific mount before its parents. Find does not depend on this
	// order; it compares prefix lengths itself.
	sort.Slice(infos, func(i, j int) bool {
		return len(infos[i].Mountpoint) > len(infos[j].Mountpoint)
	})

	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]bool, len(infos))
	var added []*FileSystem
	for _, info := range infos {
		seen[info.Mountpoint] = true
		if existing, ok := t.byName[info.Mountpoint]; ok && existing.DeviceName == info.Source {
			continue
		}
		kind := Local
		if info.FSType == "nfs" || info.FSType == "nfs4" {
			kind = Remote
		}
		fs := &FileSystem{MountPoint: info.Mountpoint, DeviceName: info.Source, FSType: info.FSType, Kind: kind}
		if kind == Remote {
			fs.AttrCacheTimeout = attrCacheTimeout(info.VFSOptions)
		}
		if t.NewBackend != nil {
			fs.Backend = t.NewBackend(fs)
		}
		t.byName[info.Mountpoint] = fs
		t.byID[fsID(info)] = fs
		added = append(added, fs)
	}

	var removed []*FileSystem
	for name, fs := range t.byName {
		if !seen[name] {
			delete(t.byName, name)
			delete(t.byID, fs.DeviceName)
			removed = append(removed, fs)
		}
	}
	t.mounts = infos
	return added, removed, nil
}

// Find resolves path to the FileSystem whose mount point is the longest
// matching prefix. The root filesystem ("/") is always the fallback
// when nothing more specific matches.
func (t *Table) Find(path string) (*FileSystem, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	clean := filepath.Clean(path)
	var best *FileSystem
	bestLen := -1
	for name, fs := range t.byName {
		if name == clean || strings.HasPrefix(clean, strings.TrimSuffix(name, "/")+"/") {
			if len(name) > bestLen {
				best = fs
				bestLen = len(name)
			}
		}
	}
	if best == nil {
		if root, ok := t.byName["/"]; ok {
			return root, nil
		}
		return nil, errors.Errorf("fstable: no filesystem registered for %s", path)
	}
	return best, nil
}

// Add registers fs directly under its own MountPoint and DeviceName,
// bypassing a mount-table read. Rebuild is the table's usual populator;
// Add exists for pre-seeding a table from a source other than the live
// mount table (tests, or a caller replaying a snapshot).
func (t *Table) Add(fs *FileSystem) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byName[fs.MountPoint] = fs
	t.byID[fs.DeviceName] = fs
}

// All returns every registered FileSystem, for callers that need to
// relocate Interests across a rebuild.
func (t *Table) All() []*FileSystem {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*FileSystem, 0, len(t.byName))
	for _, fs := range t.byName {
		out = append(out, fs)
	}
	return out
}
