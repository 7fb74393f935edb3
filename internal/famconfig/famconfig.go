// Package famconfig implements famd's CLI surface and config file
// format: cobra+pflag for the command surface, and a line-oriented
// `key = value` parser for the config file, since famd's format
// (`#`/`!` comments, no sections) doesn't match any structured format
// (YAML/TOML/ini) worth pulling in a library for.
package famconfig

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
)

// Config holds every value the CLI flags and config file can set, after
// flags have overridden whatever the config file specified — flags win
// over the config file's values.
type Config struct {
	Foreground bool
	Debug      bool
	Info       bool
	LocalOnly  bool
	InsecureCompat bool
	DisableRemotePolling bool

	PollInterval  time.Duration
	IdleTimeout   time.Duration
	Program       uint32
	Version       uint32

	ConfigFile string

	UntrustedUser     string
	XtabVerification  bool
	DisableAudit      bool
	DisableMAC        bool

	programVersionFlag *string
}

// Default returns a Config with the daemon's documented defaults.
func Default() *Config {
	return &Config{
		PollInterval: 6 * time.Second,
		IdleTimeout:  5 * time.Second,
		Program:      391002,
		Version:      2,
		ConfigFile:   "/etc/fam.conf",
		UntrustedUser: "nobody",
	}
}

// BindFlags registers famd's CLI flag table onto fs, writing parsed
// values into c.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.BoolVarP(&c.Foreground, "foreground", "f", c.Foreground, "stay in foreground")
	fs.BoolVarP(&c.Debug, "debug", "d", c.Debug, "log at debug level")
	fs.BoolVarP(&c.Info, "verbose", "v", c.Info, "log at info level")
	fs.BoolVarP(&c.LocalOnly, "local-only", "L", c.LocalOnly, "refuse off-host connections")
	fs.DurationVarP(&c.PollInterval, "poll-interval", "t", c.PollInterval, "poll interval, as a duration with a unit (e.g. 6s); a bare number of seconds is rejected")
	fs.DurationVarP(&c.IdleTimeout, "idle-timeout", "T", c.IdleTimeout, "inactivity timeout before exit")
	fs.StringVarP(&c.ConfigFile, "config", "c", c.ConfigFile, "alternate config file")
	fs.BoolVarP(&c.InsecureCompat, "insecure-compat", "C", c.InsecureCompat, "trust payload credentials (insecure compatibility)")
	fs.BoolVarP(&c.DisableRemotePolling, "disable-remote-polling", "l", c.DisableRemotePolling, "disable remote polling")

	var programVersion string
	fs.StringVarP(&programVersion, "program", "p", "", "override RPC program/version as P.V")
	c.programVersionFlag = &programVersion
}

// ApplyParsedFlags finishes anything BindFlags couldn't do inline, such
// as splitting -p's "P.V" syntax. Call after fs.Parse.
func (c *Config) ApplyParsedFlags() error {
	if c.programVersionFlag == nil || *c.programVersionFlag == "" {
		return nil
	}
	parts := strings.SplitN(*c.programVersionFlag, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("famconfig: -p expects PROGRAM.VERSION, got %q", *c.programVersionFlag)
	}
	prog, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return fmt.Errorf("famconfig: invalid program number %q: %w", parts[0], err)
	}
	vers, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return fmt.Errorf("famconfig: invalid version %q: %w", parts[1], err)
	}
	c.Program = uint32(prog)
	c.Version = uint32(vers)
	return nil
}

// LoadFile parses famd's config file format: line-oriented `key = value`
// with `#` or `!` comment lines. Values already set by a CLI flag are
// not overridden — flags win.
func (c *Config) LoadFile(path string, explicitlySet map[string]bool) error {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("famconfig: expanding %s: %w", path, err)
	}
	path = expanded

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("famconfig: reading %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("famconfig: %s:%d: expected key = value", path, lineNo)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if err := c.applyKey(key, value, explicitlySet); err != nil {
			return fmt.Errorf("famconfig: %s:%d: %w", path, lineNo, err)
		}
	}
	return scanner.Err()
}

func (c *Config) applyKey(key, value string, explicitlySet map[string]bool) error {
	if explicitlySet[key] {
		return nil
	}
	switch key {
	case "untrusted_user":
		c.UntrustedUser = value
	case "local_only":
		c.LocalOnly = parseBool(value)
	case "xtab_verification":
		c.XtabVerification = parseBool(value)
	case "idle_timeout":
		secs, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("idle_timeout: %w", err)
		}
		c.IdleTimeout = time.Duration(secs) * time.Second
	case "nfs_polling_interval":
		secs, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("nfs_polling_interval: %w", err)
		}
		c.PollInterval = time.Duration(secs) * time.Second
	case "insecure_compatibility":
		c.InsecureCompat = parseBool(value)
	case "disable_remote_polling":
		c.DisableRemotePolling = parseBool(value)
	case "disable_audit":
		c.DisableAudit = parseBool(value)
	case "disable_mac":
		c.DisableMAC = parseBool(value)
	default:
		return fmt.Errorf("unrecognized key %q", key)
	}
	return nil
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
