package changesource

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ncw/famd/internal/famevent"
	"github.com/ncw/famd/internal/famlog"
	"github.com/ncw/famd/internal/scheduler"
)

func TestExpressThenWriteDeliversChanged(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "watched")
	if err := os.WriteFile(file, []byte("one"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	sched := scheduler.New()
	go sched.Run()
	defer sched.Exit()

	src := New(sched, famlog.New())
	events := make(chan Notification, 8)
	src.OnEvent = func(n Notification) { events <- n }
	defer src.Close()

	if _, err := src.Express(file); err != nil {
		t.Fatalf("express: %v", err)
	}
	if !src.Active() {
		t.Fatal("expected source to be active after a successful express")
	}

	if err := os.WriteFile(file, []byte("two"), 0o644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}

	select {
	case n := <-events:
		if n.Kind != famevent.Changed {
			t.Fatalf("got kind %v, want Changed", n.Kind)
		}
		if n.Path != file {
			t.Fatalf("got path %q, want %q", n.Path, file)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change notification")
	}
}

func TestRevokeStopsDelivery(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "watched")
	if err := os.WriteFile(file, []byte("one"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	sched := scheduler.New()
	go sched.Run()
	defer sched.Exit()

	src := New(sched, famlog.New())
	events := make(chan Notification, 8)
	src.OnEvent = func(n Notification) { events <- n }
	defer src.Close()

	if _, err := src.Express(file); err != nil {
		t.Fatalf("express: %v", err)
	}
	if err := src.Revoke(file); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := os.WriteFile(file, []byte("two"), 0o644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}

	select {
	case n := <-events:
		t.Fatalf("unexpected notification after revoke: %+v", n)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClassify(t *testing.T) {
	// exec-start/exec-exit events have no fsnotify equivalent; classify
	// must reject operations it doesn't recognize rather than guess.
	if _, ok := classify(0); ok {
		t.Fatal("expected classify(0) to report not-ok")
	}
}

func TestOverflowLimiterSuppressesBursts(t *testing.T) {
	src := New(scheduler.New(), famlog.New())
	if !src.overflowLimiter.Allow() {
		t.Fatal("expected the first overflow signal in a window to be allowed")
	}
	if src.overflowLimiter.Allow() {
		t.Fatal("expected a second overflow signal within the same window to be suppressed")
	}
}
