package fstable

import (
	"testing"
	"time"
)

func TestFindFallsBackToRoot(t *testing.T) {
	tbl := New()
	tbl.byName["/"] = &FileSystem{MountPoint: "/", DeviceName: "root"}
	tbl.byName["/mnt/data"] = &FileSystem{MountPoint: "/mnt/data", DeviceName: "data"}

	fs, err := tbl.Find("/etc/passwd")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if fs.DeviceName != "root" {
		t.Fatalf("got %q, want root fs", fs.DeviceName)
	}
}

func TestFindPrefersLongestMountPrefix(t *testing.T) {
	tbl := New()
	tbl.byName["/"] = &FileSystem{MountPoint: "/", DeviceName: "root"}
	tbl.byName["/mnt"] = &FileSystem{MountPoint: "/mnt", DeviceName: "outer"}
	tbl.byName["/mnt/data"] = &FileSystem{MountPoint: "/mnt/data", DeviceName: "inner"}

	fs, err := tbl.Find("/mnt/data/file.txt")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if fs.DeviceName != "inner" {
		t.Fatalf("got %q, want inner fs", fs.DeviceName)
	}
}

func TestFindExactMountPoint(t *testing.T) {
	tbl := New()
	tbl.byName["/"] = &FileSystem{MountPoint: "/", DeviceName: "root"}
	tbl.byName["/mnt/data"] = &FileSystem{MountPoint: "/mnt/data", DeviceName: "inner"}

	fs, err := tbl.Find("/mnt/data")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if fs.DeviceName != "inner" {
		t.Fatalf("got %q, want inner fs", fs.DeviceName)
	}
}

func TestFileSystemAttachDetachNodes(t *testing.T) {
	fs := &FileSystem{MountPoint: "/mnt/data", DeviceName: "data"}
	a, b := "node-a", "node-b"

	fs.Attach(a)
	fs.Attach(b)
	if got := len(fs.Nodes()); got != 2 {
		t.Fatalf("got %d nodes after attaching two, want 2", got)
	}

	fs.Detach(a)
	nodes := fs.Nodes()
	if len(nodes) != 1 || nodes[0] != b {
		t.Fatalf("got %v after detaching a, want [%q]", nodes, b)
	}
}

func TestAttrCacheTimeoutNoac(t *testing.T) {
	if got := attrCacheTimeout("rw,noac,vers=3"); got != 0 {
		t.Fatalf("got %v, want 0 under noac", got)
	}
}

func TestAttrCacheTimeoutDefaultWhenUnset(t *testing.T) {
	if got := attrCacheTimeout("rw,vers=3"); got != DefaultAttrCacheTimeout {
		t.Fatalf("got %v, want default %v", got, DefaultAttrCacheTimeout)
	}
}

func TestAttrCacheTimeoutTakesMaxOfPresentOptions(t *testing.T) {
	got := attrCacheTimeout("rw,acregmin=3,acregmax=60,actimeo=30")
	if got != 60*time.Second {
		t.Fatalf("got %v, want 60s (the max of the three)", got)
	}
}
