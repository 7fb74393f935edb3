package daemon

import (
	"testing"

	"github.com/ncw/famd/internal/famstat"
	"github.com/ncw/famd/internal/fstable"
	"github.com/ncw/famd/internal/interest"
)

// fakeBackend is a minimal interest.FileSystem stub for exercising
// relocation without a real mount or kernel monitor.
type fakeBackend struct {
	name      string
	snap      famstat.Snapshot
	watched   int
	unwatched int
}

func (f *fakeBackend) Stat(path string) (famstat.Snapshot, error) { return f.snap, nil }
func (f *fakeBackend) ReadDir(path string) ([]string, error)      { return nil, nil }
func (f *fakeBackend) Watch(n *interest.Node) error               { f.watched++; return nil }
func (f *fakeBackend) Unwatch(n *interest.Node) error             { f.unwatched++; return nil }

func newRelocationContext() *Context {
	return &Context{
		Index: interest.NewIdentityIndex(),
		Table: fstable.New(),
	}
}

func TestRelocateNodeMovesResidencyAndResubscribes(t *testing.T) {
	c := newRelocationContext()
	oldBackend := &fakeBackend{snap: famstat.Snapshot{Identity: famstat.Identity{Device: 1, Inode: 1}, Mode: 0o644}}
	newBackend := &fakeBackend{snap: famstat.Snapshot{Identity: famstat.Identity{Device: 1, Inode: 1}, Mode: 0o644}}
	oldFS := &fstable.FileSystem{MountPoint: "/mnt/old", Backend: oldBackend}
	newFS := &fstable.FileSystem{MountPoint: "/mnt/new", Backend: newBackend}

	n := interest.NewFile("/mnt/old/file", nil, oldBackend, c.Index)
	n.Entry = oldFS
	oldFS.Attach(n)
	n.Scan() // establish a non-zero identity so relocation re-subscribes

	c.relocateNode(n, oldFS, newFS)

	if len(oldFS.Nodes()) != 0 {
		t.Fatal("expected the old FileSystem to no longer list the relocated node")
	}
	if len(newFS.Nodes()) != 1 {
		t.Fatal("expected the new FileSystem to list the relocated node")
	}
	if oldBackend.unwatched == 0 {
		t.Fatal("expected the old backend's subscription to be revoked")
	}
	if newBackend.watched == 0 {
		t.Fatal("expected the new backend to receive a fresh subscription")
	}
	if n.Entry != newFS {
		t.Fatal("expected the node's Entry to point at the new FileSystem")
	}
}

func TestClaimSubtreeMovesOnlyNodesUnderTheNewMount(t *testing.T) {
	c := newRelocationContext()
	parentBackend := &fakeBackend{snap: famstat.Snapshot{Identity: famstat.Identity{Device: 2, Inode: 2}, Mode: 0o644}}
	childBackend := &fakeBackend{snap: famstat.Snapshot{Identity: famstat.Identity{Device: 2, Inode: 2}, Mode: 0o644}}
	parentFS := &fstable.FileSystem{MountPoint: "/mnt", Backend: parentBackend}
	childFS := &fstable.FileSystem{MountPoint: "/mnt/sub", Backend: childBackend}

	inside := interest.NewFile("/mnt/sub/file", nil, parentBackend, c.Index)
	inside.Entry = parentFS
	parentFS.Attach(inside)
	inside.Scan()

	outside := interest.NewFile("/mnt/other-file", nil, parentBackend, c.Index)
	outside.Entry = parentFS
	parentFS.Attach(outside)
	outside.Scan()

	// All() reads through the table, so both FileSystems need to be
	// registered there for claimSubtree's sibling scan to see parentFS.
	c.Table.Add(parentFS)
	c.Table.Add(childFS)

	c.claimSubtree(childFS)

	if inside.Entry != childFS {
		t.Fatal("expected the in-subtree node to be claimed by the new child mount")
	}
	if outside.Entry != parentFS {
		t.Fatal("expected the node outside the subtree to stay on the parent mount")
	}
}

