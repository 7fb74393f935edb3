// Package dirscan implements a resumable directory-reconciliation state
// machine: enumerate the current directory listing, classify each name
// against what was already known, and emit the resulting Created/Exists
// and Deleted events while honoring back-pressure between every one.
//
// Entries that still exist keep their Node (and so keep their identity,
// their kernel subscription, and their child DirEntries if they're
// themselves directories); entries that no longer appear are deleted;
// new names get fresh Nodes. Classification happens over a name-indexed
// map rather than list-splicing, since a map lookup makes the position
// of an entry in any prior listing irrelevant.
package dirscan

import (
	"github.com/ncw/famd/internal/famevent"
	"github.com/ncw/famd/internal/interest"
)

// Scanner reconciles one Directory Node's Children against the current
// on-disk listing. It is resumable: Resume does as much work as
// back-pressure allows and returns false if the session stopped being
// ready for output partway through, leaving the scanner suspended.
type Scanner struct {
	dir       *interest.Node
	fs        interest.FileSystem
	newKind   famevent.Kind // Created for a normal rescan, Exists for the initial enumeration
	recursive bool
	onDone    func()

	started   bool
	names     []string
	pos       int
	remaining map[string]*interest.Node
	newOrder  []*interest.Node

	// sweeping is true once the listing phase is done and we are
	// emitting Deleted for entries that no longer exist.
	sweeping   bool
	sweepNames []string
	sweepPos   int
}

// New creates a scanner over dir. newKind distinguishes the initial
// enumeration (Exists) from an ordinary rescan (Created). onDone is
// invoked once the scan completes; the Directory's scanning bit is
// expected to be cleared by the caller inside onDone, not before.
func New(dir *interest.Node, fs interest.FileSystem, newKind famevent.Kind, recursive bool, onDone func()) *Scanner {
	return &Scanner{dir: dir, fs: fs, newKind: newKind, recursive: recursive, onDone: onDone}
}

// Resume drives the state machine forward. It returns true once the scan
// has fully completed (onDone has been called).
func (s *Scanner) Resume() bool {
	if !s.started {
		if !s.start() {
			return s.runSweep()
		}
	}
	if !s.sweeping {
		if !s.reconcileNames() {
			return false
		}
		s.beginSweep()
	}
	return s.runSweep()
}

// start fetches the directory listing. On failure the directory is
// treated as having no contents, so every known child goes straight to
// the Deleted sweep.
func (s *Scanner) start() bool {
	s.started = true
	s.remaining = make(map[string]*interest.Node, len(s.dir.Children))
	for _, child := range s.dir.Children {
		s.remaining[child.Name] = child
	}

	names, err := s.fs.ReadDir(s.dir.Name)
	if err != nil {
		return false
	}
	s.names = names
	return true
}

// reconcileNames walks s.names from the resumable cursor s.pos,
// classifying each against s.remaining, emitting a created/exists event
// for genuinely new names and recursing into reused directories/files
// when s.recursive is set. It checks back-pressure after every emitted
// event.
func (s *Scanner) reconcileNames() bool {
	for s.pos < len(s.names) {
		name := s.names[s.pos]
		s.pos++

		if name == "." || name == ".." {
			continue
		}

		if existing, ok := s.remaining[name]; ok {
			delete(s.remaining, name)
			s.newOrder = append(s.newOrder, existing)
			if s.recursive {
				existing.Scan()
				if !s.readyForMore() {
					return false
				}
			}
			continue
		}

		entry := &interest.Node{Name: name, Kind: interest.DirEntryKind, Parent: s.dir}
		s.newOrder = append(s.newOrder, entry)
		s.dir.PostChildEvent(entry, s.newKind)
		if !s.readyForMore() {
			return false
		}
	}
	return true
}

// beginSweep snapshots whatever is left in s.remaining (names present
// before but not found in this listing) as the Deleted sweep.
func (s *Scanner) beginSweep() {
	s.sweeping = true
	s.sweepNames = make([]string, 0, len(s.remaining))
	for name := range s.remaining {
		s.sweepNames = append(s.sweepNames, name)
	}
}

// runSweep emits Deleted for every entry no longer present, checking
// back-pressure between events, then finalizes the Directory's Children
// and invokes onDone.
func (s *Scanner) runSweep() bool {
	if !s.sweeping {
		s.beginSweep()
	}
	for s.sweepPos < len(s.sweepNames) {
		name := s.sweepNames[s.sweepPos]
		s.sweepPos++
		entry := s.remaining[name]
		delete(s.remaining, name)
		s.dir.PostChildEvent(entry, famevent.Deleted)
		entry.Destroy()
		if !s.readyForMore() {
			return false
		}
	}
	s.dir.Children = s.newOrder
	s.onDone()
	return true
}

// readyForMore is the back-pressure check consulted after every event
// this scanner emits.
func (s *Scanner) readyForMore() bool {
	if s.dir.Session == nil {
		return true
	}
	return s.dir.Session.Ready()
}
