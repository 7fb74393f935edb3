package famconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFileParsesRecognizedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fam.conf")
	body := "# comment\n! also a comment\nuntrusted_user = nobody\nidle_timeout = 30\nnfs_polling_interval = 10\nlocal_only = yes\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	c := Default()
	if err := c.LoadFile(path, map[string]bool{}); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if c.UntrustedUser != "nobody" {
		t.Fatalf("got untrusted user %q", c.UntrustedUser)
	}
	if c.IdleTimeout != 30*time.Second {
		t.Fatalf("got idle timeout %v", c.IdleTimeout)
	}
	if c.PollInterval != 10*time.Second {
		t.Fatalf("got poll interval %v", c.PollInterval)
	}
	if !c.LocalOnly {
		t.Fatal("expected local_only to be true")
	}
}

func TestLoadFileSkipsKeysAlreadySetByFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fam.conf")
	if err := os.WriteFile(path, []byte("idle_timeout = 99\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	c := Default()
	c.IdleTimeout = 7 * time.Second
	if err := c.LoadFile(path, map[string]bool{"idle_timeout": true}); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if c.IdleTimeout != 7*time.Second {
		t.Fatalf("expected flag value to win, got %v", c.IdleTimeout)
	}
}

func TestLoadFileMissingIsNotAnError(t *testing.T) {
	c := Default()
	if err := c.LoadFile("/no/such/file.conf", map[string]bool{}); err != nil {
		t.Fatalf("expected missing config file to be a no-op, got %v", err)
	}
}

func TestLoadFileRejectsUnknownKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fam.conf")
	if err := os.WriteFile(path, []byte("bogus_key = 1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	c := Default()
	if err := c.LoadFile(path, map[string]bool{}); err == nil {
		t.Fatal("expected unknown key to be rejected")
	}
}

func TestApplyParsedFlagsSplitsProgramVersion(t *testing.T) {
	c := Default()
	pv := "391003.3"
	c.programVersionFlag = &pv
	if err := c.ApplyParsedFlags(); err != nil {
		t.Fatalf("ApplyParsedFlags: %v", err)
	}
	if c.Program != 391003 || c.Version != 3 {
		t.Fatalf("got program=%d version=%d", c.Program, c.Version)
	}
}
