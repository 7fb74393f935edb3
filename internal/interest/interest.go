// Package interest implements the monitored-entity graph: File,
// Directory, DirEntry and InternalInterest collapse into one concrete
// Node type carrying a Kind tag — a single struct with a few kind-gated
// branches reads more naturally in Go than a parallel interface-per-variant
// hierarchy for four shapes this close in shape.
//
// The stat-diff table, the identity index and the created/deleted
// re-indexing rules are the heart of change detection: a Node re-stats
// itself, diffs against its last known snapshot, and re-homes itself in
// the identity index whenever its (device, inode) pair changes.
package interest

import (
	"github.com/ncw/famd/internal/famevent"
	"github.com/ncw/famd/internal/famstat"
)

// Kind tags which of the four original variants a Node plays.
type Kind int

const (
	FileKind Kind = iota
	DirectoryKind
	DirEntryKind
	InternalKind
)

func (k Kind) String() string {
	switch k {
	case FileKind:
		return "file"
	case DirectoryKind:
		return "directory"
	case DirEntryKind:
		return "direntry"
	case InternalKind:
		return "internal"
	default:
		return "unknown"
	}
}

// ScanState tracks whether a Node needs re-statting.
type ScanState int

const (
	Clean ScanState = iota
	Dirty
)

// ExecState tracks whether some process holds the Node's file open as a
// running image.
type ExecState int

const (
	NotExecuting ExecState = iota
	Executing
)

// Session is the capability a Node needs from its owning ClientSession: a
// way to test output readiness, emit events, and defer a scan when the
// session is backed up. Defined here (rather than imported from a
// session package) so session can depend on interest without a cycle.
type Session interface {
	Ready() bool
	// PostEvent delivers kind for n. The session resolves n to a wire
	// request id itself: a top-level File/Directory carries its own
	// request id from the client's monitor request, while a DirEntry's
	// events are reported under its parent Directory's request id with
	// the entry's bare name as the path field (so "e2 a", "e2 b", ...
	// all share request id 2 during directory enumeration).
	PostEvent(n *Node, kind famevent.Kind)
	EnqueueScan(n *Node)
}

// FileSystem is the capability a Node needs from the FileSystem it
// currently lives on: stat the path, and (un)subscribe it with whichever
// backend — ChangeSource, Pollster, or a RemoteHost proxy — that
// FileSystem uses.
type FileSystem interface {
	Stat(path string) (famstat.Snapshot, error)
	Watch(n *Node) error
	Unwatch(n *Node) error
	// ReadDir lists path's entries (excluding "." and ".."), in whatever
	// order the backend's directory iterator yields them, for
	// internal/dirscan's reconciliation algorithm.
	ReadDir(path string) ([]string, error)
}

// Scanner is the resumable directory-reconciliation state machine
// (internal/dirscan.Scanner) that a Directory Node delegates to.
// Kept as an interface here so interest never imports dirscan — dirscan
// imports interest instead and works on *Node directly.
type Scanner interface {
	// Resume drives the scanner until it either finishes or is suspended
	// again on back-pressure; it reports whether the scan completed.
	Resume() (done bool)
}

// Node is one monitored entity: a File, a Directory, a DirEntry inside a
// Directory's listing, or an InternalInterest watching the daemon's own
// configuration/mount files.
type Node struct {
	Name   string
	Kind   Kind
	Parent *Node // set on DirEntry children; nil otherwise

	Identity  famstat.Identity
	LastStat  famstat.Snapshot
	ScanState ScanState
	ExecState ExecState
	activeF   bool

	// observed is set once this Node's first DoScan has run. A File or
	// InternalInterest's first scan reports Exists or Deleted for
	// whatever state it finds instead of the normal appeared/vanished
	// diff, matching the original Interest constructor's immediate
	// report of present-or-absent; a DirEntry is never gated by this
	// (its first announcement is PostChildEvent, not DoScan).
	observed bool

	Session Session
	FS      FileSystem
	Index   *IdentityIndex

	// Entry is an opaque back-reference to whichever fstable.FileSystem
	// entry currently claims this Node — set and consulted only by the
	// daemon package (via a type assertion); interest itself never
	// interprets it. It exists so a mount-table rebuild can enumerate
	// every Node on a given FileSystem and relocate it without interest
	// needing to import fstable.
	Entry interface{}

	// Children holds this Directory's DirEntry list, in enumeration
	// order — the list the DirectoryScanner reconciles.
	Children []*Node
	scanner  Scanner

	// ScannerFactory, when set, lets a dirty Directory Node start a
	// fresh DirectoryScanner itself once the previous one has finished,
	// rather than relying on whatever external caller attached the
	// first one to also notice and reattach a replacement. Set by the
	// daemon package (via a closure over internal/dirscan.New) so this
	// package never imports dirscan. newKind is the event a genuinely
	// new entry should be reported as; onDone is invoked when the
	// scanner finishes.
	ScannerFactory func(newKind famevent.Kind, onDone func()) Scanner

	// onEvent, when set, receives every event this Node posts in
	// addition to (or instead of, for InternalKind) the Session path —
	// this is how InternalInterest receives events via a callback
	// closure rather than a ClientSession.
	onEvent func(famevent.Kind)
}

// NewFile creates a top-level File Node.
func NewFile(name string, sess Session, fs FileSystem, idx *IdentityIndex) *Node {
	return &Node{Name: name, Kind: FileKind, Session: sess, FS: fs, Index: idx, activeF: true}
}

// NewDirectory creates a top-level Directory Node.
func NewDirectory(name string, sess Session, fs FileSystem, idx *IdentityIndex) *Node {
	return &Node{Name: name, Kind: DirectoryKind, Session: sess, FS: fs, Index: idx, activeF: true}
}

// NewInternal creates an InternalInterest watching name, delivering
// events to onEvent rather than a ClientSession.
func NewInternal(name string, fs FileSystem, idx *IdentityIndex, onEvent func(famevent.Kind)) *Node {
	return &Node{Name: name, Kind: InternalKind, FS: fs, Index: idx, activeF: true, onEvent: onEvent}
}

// Active reports whether this Node is currently subscribed to events. A
// DirEntry forwards to its parent Directory.
func (n *Node) Active() bool {
	if n.Kind == DirEntryKind && n.Parent != nil {
		return n.Parent.Active()
	}
	return n.activeF
}

// Suspend stops event delivery without destroying the Node, so a client
// can resume it later without re-resolving identity.
func (n *Node) Suspend() {
	if n.Kind == DirEntryKind && n.Parent != nil {
		n.Parent.Suspend()
		return
	}
	n.activeF = false
}

// Resume re-enables event delivery and immediately re-scans, since state
// may have drifted while suspended.
func (n *Node) Resume() {
	if n.Kind == DirEntryKind && n.Parent != nil {
		n.Parent.Resume()
		return
	}
	n.activeF = true
	n.Scan()
}

// Poll satisfies internal/pollster.Polled: polling an Interest is
// equivalent to scanning it.
func (n *Node) Poll() {
	n.Scan()
}

// Scan marks the Node dirty and runs DoScan right away if the owning
// session can accept output, or defers it otherwise.
func (n *Node) Scan() {
	n.ScanState = Dirty
	if n.Session == nil || n.Session.Ready() {
		n.DoScan()
		return
	}
	n.Session.EnqueueScan(n)
}

// DoScan re-stats the Node, diffs against LastStat, and posts whichever
// event the transition (appeared, vanished, or changed in place) calls
// for. The very first scan of a File or InternalInterest is not a
// transition at all: it reports the entity's initial state as Exists or
// Deleted, the same way the original Interest constructor did, rather
// than routing it through the appeared/vanished diff (which would
// misreport a pre-existing file as Created). A Directory's own first
// scan posts nothing for the directory itself — only its children, via
// the DirectoryScanner this drives below, are reported as Exists. A
// DirEntry's first observation is always PostChildEvent, so it never
// takes this branch. Directories additionally drive their
// DirectoryScanner, starting a fresh one if none is active.
func (n *Node) DoScan() {
	if !n.Active() || n.ScanState != Dirty {
		return
	}
	n.ScanState = Clean

	prev := n.LastStat
	snap, err := n.FS.Stat(n.Name)
	if err != nil {
		snap = famstat.Snapshot{}
	}

	n.reindex(prev, snap)
	n.LastStat = snap
	existsNow := snap.Exists()

	switch {
	case !n.observed && n.Kind != DirEntryKind:
		n.observed = true
		if n.Kind != DirectoryKind {
			if existsNow {
				n.post(famevent.Exists)
			} else {
				n.post(famevent.Deleted)
			}
		}
	case !prev.Exists() && !existsNow:
		// nothing
	case !prev.Exists() && existsNow:
		n.post(famevent.Created)
		if n.Parent != nil {
			n.Parent.notifyCreated(n)
		}
	case prev.Exists() && !existsNow:
		n.post(famevent.Deleted)
		if n.Parent != nil {
			n.Parent.notifyDeleted(n)
		}
	default: // prev.Exists() && existsNow
		if snap.Changed(prev) {
			n.post(famevent.Changed)
		}
	}

	if n.Kind == DirectoryKind && existsNow {
		n.driveScanner()
	}
}

// driveScanner resumes this Directory's scanner if one is attached, or
// starts a fresh one via ScannerFactory when the directory has gone
// dirty again after its previous scanner already finished. An ordinary
// rescan reports Created for newly-appeared children and Deleted for
// ones no longer present; unlike the initial enumeration it has no
// EndExist of its own. At most one scanner per Directory is active at
// a time.
func (n *Node) driveScanner() {
	if n.scanner == nil {
		if n.ScannerFactory == nil {
			return
		}
		n.scanner = n.ScannerFactory(famevent.Created, func() {})
	}
	if n.scanner.Resume() {
		n.scanner = nil
	}
}

// AttachScanner installs s as this Directory's active scanner. It is an
// error (the caller's bug, not a runtime condition) to attach a second
// scanner while one is active; callers must check Scanning first.
func (n *Node) AttachScanner(s Scanner) {
	n.scanner = s
}

// Scanning reports whether a DirectoryScanner currently holds this
// Directory.
func (n *Node) Scanning() bool {
	return n.scanner != nil
}

// PostChildEvent is called by internal/dirscan on a Directory Node to
// announce that one of its DirEntry children was just discovered, still
// exists, or is no longer present. It finishes wiring the child (parent,
// Session, FS, Index all come from the Directory) and posts kind for
// child, which the session reports under the Directory's own request id
// with just the child's name.
func (n *Node) PostChildEvent(child *Node, kind famevent.Kind) {
	child.Parent = n
	child.Session = n.Session
	child.FS = n.FS
	child.Index = n.Index
	if n.Session != nil {
		n.Session.PostEvent(child, kind)
	}
}

// notifyCreated / notifyDeleted fire when a descendant's identity
// materialised or vanished. The FileSystem uses these to move the
// sub-Interest on or off the Pollster; Node itself just forwards to FS.
func (n *Node) notifyCreated(sub *Node) {
	if n.FS != nil {
		_ = n.FS.Watch(sub)
	}
}

func (n *Node) notifyDeleted(sub *Node) {
	if n.FS != nil {
		_ = n.FS.Unwatch(sub)
	}
}

// post delivers kind to this Node's session (or callback, for
// InternalInterest), and to this Node only. Fan-out across hard links
// happens one level up, where the daemon looks a kernel notification's
// identity up in the IdentityIndex and scans every Node sharing it.
func (n *Node) post(kind famevent.Kind) {
	if n.onEvent != nil {
		n.onEvent(kind)
		return
	}
	if n.Session != nil {
		n.Session.PostEvent(n, kind)
	}
}

// reindex re-homes this Node in the process-wide identity index when its
// (device, inode) pair changes, and re-expresses kernel interest under
// the new identity: the old kernel subscription is only revoked if no
// sibling Node still shares the old identity.
func (n *Node) reindex(prev, snap famstat.Snapshot) {
	if prev.Identity == snap.Identity {
		return
	}
	if n.Index != nil && !prev.Identity.IsZero() {
		n.Index.Remove(prev.Identity, n)
		if !n.Index.Has(prev.Identity) && n.FS != nil {
			_ = n.FS.Unwatch(n)
		}
	}
	n.Identity = snap.Identity
	if n.Index != nil && !snap.Identity.IsZero() {
		n.Index.Add(snap.Identity, n)
		if n.FS != nil {
			_ = n.FS.Watch(n)
		}
	}
}

// EntryDetacher is implemented by whatever a Node's Entry field holds,
// letting Destroy detach the Node from its owning table entry (e.g. an
// fstable.FileSystem's node set) without this package importing fstable.
type EntryDetacher interface {
	Detach(node interface{})
}

// Destroy tears this Node down per spec.md's Interest lifecycle: it
// recursively destroys every child DirEntry first, then revokes this
// Node's own kernel subscription (if no sibling Node still shares its
// identity), removes it from the identity index, and dequeues it from
// the Pollster. It is called when a client cancels a request, when a
// session disconnects, or when a Directory's parent is itself
// destroyed. After Destroy, Active reports false and the Node posts no
// further events.
func (n *Node) Destroy() {
	for _, child := range n.Children {
		child.Destroy()
	}
	n.Children = nil
	n.scanner = nil
	n.activeF = false
	n.Parent = nil

	if d, ok := n.Entry.(EntryDetacher); ok {
		d.Detach(n)
	}

	if !n.Identity.IsZero() && n.Index != nil {
		n.Index.Remove(n.Identity, n)
		if n.Index.Has(n.Identity) {
			// A sibling still shares this identity: leave the kernel
			// subscription (and any Pollster registration) in place for it.
			return
		}
	}
	if n.FS != nil {
		_ = n.FS.Unwatch(n)
	}
}

// ReportBad handles the express race spec.md's change-discovery engine
// calls out: the kernel's own post-express stat resolved to an identity
// different from the one the daemon itself had just stat'd, meaning the
// inode was replaced in the window between the two. There is no safe way
// to trust a kernel subscription keyed to the wrong inode, so the entity
// the daemon believed it was watching is treated as gone: it is dropped
// from the identity index and, if it previously existed, a Deleted event
// is synthesised. FS.Watch callers (internal/filesystem.Local) call this
// instead of trusting the identity express returned.
func (n *Node) ReportBad() {
	if !n.Identity.IsZero() && n.Index != nil {
		n.Index.Remove(n.Identity, n)
	}
	existed := n.LastStat.Exists()
	n.Identity = famstat.Identity{}
	n.LastStat = famstat.Snapshot{}
	if existed {
		n.post(famevent.Deleted)
		if n.Parent != nil {
			n.Parent.notifyDeleted(n)
		}
	}
}

// ReportExecState transitions ExecState between its Executing/NotExecuting
// values, posting the corresponding event on change.
func (n *Node) ReportExecState(executing bool) {
	want := NotExecuting
	if executing {
		want = Executing
	}
	if want == n.ExecState {
		return
	}
	n.ExecState = want
	if executing {
		n.post(famevent.Executing)
	} else {
		n.post(famevent.Exited)
	}
}
