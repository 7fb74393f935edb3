// Package daemon wires every component into the single daemon process:
// one Scheduler, one identity index, one FilesystemTable, one
// ChangeSource, one Pollster, a registry of RemoteHost peers, and the
// Listener that feeds new connections into fresh ClientSessions.
//
// Every one of those lives on one explicit Context value rather than as
// package-level state, which is what lets a test construct two
// independent daemons in one process.
package daemon

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ncw/famd/internal/changesource"
	"github.com/ncw/famd/internal/collaborator"
	"github.com/ncw/famd/internal/cred"
	"github.com/ncw/famd/internal/dirscan"
	"github.com/ncw/famd/internal/famconfig"
	"github.com/ncw/famd/internal/famevent"
	"github.com/ncw/famd/internal/famlog"
	"github.com/ncw/famd/internal/filesystem"
	"github.com/ncw/famd/internal/fstable"
	"github.com/ncw/famd/internal/interest"
	"github.com/ncw/famd/internal/listener"
	"github.com/ncw/famd/internal/netframe"
	"github.com/ncw/famd/internal/pollster"
	"github.com/ncw/famd/internal/portmap"
	"github.com/ncw/famd/internal/remotehost"
	"github.com/ncw/famd/internal/scheduler"
	"github.com/ncw/famd/internal/session"
)

// remoteMount pairs the shared RemoteHost for one NFS server with every
// Remote FileSystem backend this daemon has created against it — more
// than one when the same server is mounted at more than one local path.
type remoteMount struct {
	host    *remotehost.Host
	remotes []*filesystem.Remote
}

// Context is the daemon's process-wide state, passed by reference rather
// than held in package globals: the identity index, the FilesystemTable
// and the ChangeSource are all owned by one explicit Context value.
type Context struct {
	Config *famconfig.Config
	Log    *famlog.Logger
	Sched  *scheduler.Scheduler

	Index   *interest.IdentityIndex
	Table   *fstable.Table
	Changes *changesource.Source
	Poll    *pollster.Pollster
	PM      *portmap.Client

	Audit    collaborator.AuditSink
	Labels   collaborator.LabelChecker
	ExportOK collaborator.ExportVerifier

	untrustedCred cred.Credential

	listenerTCP  *listener.Listener
	listenerUnix *listener.Listener

	sessions         map[*session.Session]struct{}
	remoteMounts     map[string]*remoteMount
	privateListeners []*listener.Listener
	mountWatch       *interest.Node

	idleTimerKey struct{}
	onIdleExit   func()
}

// New constructs a Context from cfg. It resolves the untrusted_user
// credential now, since a lookup failure is a configuration-fatal error
// that should stop startup before any socket is opened.
func New(cfg *famconfig.Config, log *famlog.Logger) (*Context, error) {
	untrusted, err := (cred.Resolver{}).ResolveNamedOrNumeric(cfg.UntrustedUser)
	if err != nil {
		return nil, fmt.Errorf("daemon: resolving untrusted_user %q: %w", cfg.UntrustedUser, err)
	}

	sched := scheduler.New()
	c := &Context{
		Config:        cfg,
		Log:           log,
		Sched:         sched,
		Index:         interest.NewIdentityIndex(),
		Table:         fstable.New(),
		Changes:       changesource.New(sched, log),
		Poll:          pollster.New(sched, cfg.PollInterval),
		PM:            portmap.NewClient(),
		Audit:         collaborator.NoopAudit{Log: log},
		Labels:        collaborator.NoopLabelChecker{},
		ExportOK:      collaborator.AlwaysExported{},
		untrustedCred: untrusted,
		sessions:      make(map[*session.Session]struct{}),
		remoteMounts:  make(map[string]*remoteMount),
	}
	c.Table.NewBackend = c.newBackend
	c.Changes.OnEvent = c.handleKernelEvent
	c.Changes.OnOverflow = c.handleOverflow
	if _, _, err := c.Table.Rebuild(); err != nil {
		return nil, fmt.Errorf("daemon: building filesystem table: %w", err)
	}
	c.watchMountTable()
	return c, nil
}

// handleKernelEvent fans a single kernel-monitor notification out to
// every Node sharing the reported identity — necessary because hard
// links mean more than one Interest can be watching the same inode.
// Identity, not path, drives this lookup on purpose: by the time the
// event is delivered the path may already refer to something else, but
// the Node's own re-stat in Scan is what settles what actually happened.
func (c *Context) handleKernelEvent(n changesource.Notification) {
	for _, node := range c.Index.Lookup(n.Identity) {
		node.Scan()
	}
}

// handleOverflow implements spec.md's conservative overflow recovery:
// the kernel event queue could not keep up, so every Interest the
// identity index knows about is marked dirty and rescanned rather than
// trusting that every individual notification since the last full scan
// was actually delivered.
func (c *Context) handleOverflow() {
	for _, node := range c.Index.All() {
		node.Scan()
	}
}

// newBackend constructs the internal/filesystem backend for a freshly
// discovered mount: Local FileSystems share this daemon's
// ChangeSource/Pollster; Remote (NFS) FileSystems get a
// RemoteHost proxy, one per remote device, reused across mounts from the
// same server.
func (c *Context) newBackend(fs *fstable.FileSystem) interface{} {
	if fs.Kind == fstable.Local {
		return filesystem.NewLocal(c.Changes, c.Poll)
	}

	mount := c.remoteMountFor(fs.DeviceName)
	remote := filesystem.NewRemote(mount.host, fs.MountPoint, "/", fs.AttrCacheTimeout, c.Sched)
	mount.remotes = append(mount.remotes, remote)
	return remote
}

// remoteMountFor returns the shared RemoteHost (and attached Remote list)
// for a device name (an NFS server:/export source string), creating one
// on first use.
func (c *Context) remoteMountFor(deviceName string) *remoteMount {
	if m, ok := c.remoteMounts[deviceName]; ok {
		return m
	}
	hostPart, _ := splitNFSDevice(deviceName)
	poll := c.Poll
	if c.Config.DisableRemotePolling {
		poll = nil
	}
	m := &remoteMount{
		host: remotehost.New(hostPart, c.Sched, c.Log, poll, c.PM, c.Config.Program, c.Config.Version, selfIdentifier()),
	}
	m.host.OnPeerEvent = func(reqID uint32, kind famevent.Kind) {
		for _, r := range m.remotes {
			r.HandlePeerEvent(reqID, kind)
		}
	}
	c.remoteMounts[deviceName] = m
	return m
}

// splitNFSDevice splits a mountinfo source string of the form
// "host:/export" into its host and export path.
func splitNFSDevice(device string) (host, export string) {
	for i := 0; i < len(device); i++ {
		if device[i] == ':' {
			return device[:i], device[i+1:]
		}
	}
	return device, ""
}

func selfIdentifier() string {
	h, err := os.Hostname()
	if err != nil {
		return "famd"
	}
	return h
}

// Find implements session.Resolver by delegating to the FilesystemTable.
func (c *Context) Find(path string) (*fstable.FileSystem, error) {
	return c.Table.Find(path)
}

func backendOf(fs *fstable.FileSystem) interest.FileSystem {
	ifs, _ := fs.Backend.(interest.FileSystem)
	return ifs
}

// NewFileNode implements session.Resolver.
func (c *Context) NewFileNode(path string, fs *fstable.FileSystem, sess interest.Session, idx *interest.IdentityIndex) *interest.Node {
	n := interest.NewFile(path, sess, backendOf(fs), idx)
	n.Entry = fs
	fs.Attach(n)
	return n
}

// NewDirectoryNode implements session.Resolver. It also wires the Node's
// ScannerFactory so a rescan after the initial enumeration can start a
// fresh dirscan.Scanner on its own, without interest importing dirscan.
func (c *Context) NewDirectoryNode(path string, fs *fstable.FileSystem, sess interest.Session, idx *interest.IdentityIndex) *interest.Node {
	n := interest.NewDirectory(path, sess, backendOf(fs), idx)
	n.Entry = fs
	n.ScannerFactory = func(newKind famevent.Kind, onDone func()) interest.Scanner {
		return dirscan.New(n, n.FS, newKind, false, onDone)
	}
	fs.Attach(n)
	return n
}

// CheckAccess implements session.Resolver: it runs path and credential
// past the configured LabelChecker, and, for a Remote FileSystem with
// xtab_verification enabled, the configured ExportVerifier. Both default
// to always-allow (collaborator.NoopLabelChecker, collaborator.AlwaysExported)
// since spec.md treats authoritative enforcement of either as an external
// collaborator's concern, not the core's.
func (c *Context) CheckAccess(path string, fs *fstable.FileSystem, credential cred.Credential) error {
	if !c.Config.DisableMAC {
		if err := c.Labels.Check(path, credential.UID, credential.GID); err != nil {
			return fmt.Errorf("daemon: label check for %s: %w", path, err)
		}
	}
	if fs.Kind == fstable.Remote && c.Config.XtabVerification {
		host, _ := splitNFSDevice(fs.DeviceName)
		if !c.ExportOK.Verify(path, host) {
			return fmt.Errorf("daemon: %s is not exported to %s", path, host)
		}
	}
	return nil
}

// RecordAudit implements session.Resolver by forwarding to the
// configured AuditSink, unless disable_audit turns the whole hook off.
func (c *Context) RecordAudit(event, detail string) {
	if c.Config.DisableAudit {
		return
	}
	c.Audit.Record(event, detail)
}

// BeginDirectoryScan implements session.Resolver: it attaches a fresh
// dirscan.Scanner to dir for the initial enumeration and lets the Node's
// own DoScan drive it. Later rescans don't come through here at all —
// dir's ScannerFactory lets DoScan start those itself once this first
// scanner finishes. A Directory may have at most one active scanner at
// a time.
func (c *Context) BeginDirectoryScan(dir *interest.Node, newKind famevent.Kind, onDone func()) {
	sc := dirscan.New(dir, dir.FS, newKind, false, onDone)
	dir.AttachScanner(sc)
}

// RegisterPortmapper announces this daemon's TCP rendezvous port to the
// portmapper. Call once at startup, after the listener is bound; call
// DeregisterPortmapper on clean shutdown.
func (c *Context) RegisterPortmapper(port uint16) error {
	_ = c.PM.Unregister(c.Config.Program, c.Config.Version)
	return c.PM.Register(c.Config.Program, c.Config.Version, port)
}

// DeregisterPortmapper withdraws this daemon's portmapper registration.
func (c *Context) DeregisterPortmapper() error {
	return c.PM.Unregister(c.Config.Program, c.Config.Version)
}

// Serve starts accepting on tcpLn (the reserved-port inet rendezvous
// socket) and unixLn (the local rendezvous socket), dispatching each
// accepted connection to a fresh ClientSession. credSource resolves a
// Unix peer's credential (listener.SOPeerCred on Linux).
func (c *Context) Serve(tcpLn, unixLn net.Listener, credSource listener.CredentialSource) {
	onAccept := func(a listener.Accepted) {
		c.Sched.Post(func() {
			c.acceptSession(a)
		})
	}
	c.listenerTCP = listener.New(c.Log, credSource, c.untrustedCred, c.Config.LocalOnly, onAccept)
	c.listenerTCP.ListenTCP(tcpLn)

	c.listenerUnix = listener.New(c.Log, credSource, c.untrustedCred, c.Config.LocalOnly, onAccept)
	c.listenerUnix.ListenUnix(unixLn)
}

func (c *Context) acceptSession(a listener.Accepted) {
	nf := netframe.New(a.Conn, c.Log)
	sess := session.New(nf, c.Log, c, c.Index, a.Mode, a.Authenticated)
	c.sessions[sess] = struct{}{}
	c.cancelIdleTimer()
	sess.OnIdle = func() {
		c.Sched.Post(func() { c.forgetSession(sess) })
	}
	c.RecordAudit("session-start", a.Conn.RemoteAddr().String())
	nf.OnClosed = func(err error) {
		c.Sched.Post(func() { c.forgetSession(sess) })
	}
	nf.Start()
}

// CreatePrivateSocket implements session.Resolver's private-socket
// upgrade: it opens a fresh Unix socket under the OS temp directory,
// named with a random UUID (so one client can't guess or collide with
// another's), and wires it into the same acceptSession path every other
// rendezvous socket uses.
func (c *Context) CreatePrivateSocket(groups []uint32, authenticated cred.Credential) (string, error) {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("famd-%s.sock", uuid.NewString()))
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return "", fmt.Errorf("daemon: creating private socket: %w", err)
	}
	l := listener.New(c.Log, nil, authenticated, false, func(a listener.Accepted) {
		c.Sched.Post(func() { c.acceptSession(a) })
	})
	l.ListenPrivateUnix(ln, authenticated)
	c.privateListeners = append(c.privateListeners, l)
	return path, nil
}

func (c *Context) forgetSession(sess *session.Session) {
	if _, ok := c.sessions[sess]; !ok {
		return
	}
	delete(c.sessions, sess)
	sess.Close()
	if len(c.sessions) == 0 {
		c.armIdleTimer()
	}
}

// armIdleTimer schedules the clean-exit timeout: when the last
// user-serving session ends, a one-shot timer fires after a configurable
// grace period and terminates the reactor loop.
func (c *Context) armIdleTimer() {
	if c.Config.IdleTimeout <= 0 {
		return
	}
	c.Sched.InstallOneTime(time.Now().Add(c.Config.IdleTimeout), &c.idleTimerKey, func() {
		if len(c.sessions) == 0 && c.onIdleExit != nil {
			c.onIdleExit()
		}
	})
}

func (c *Context) cancelIdleTimer() {
	c.Sched.RemoveOneTime(&c.idleTimerKey)
}

// OnIdleExit sets the callback invoked when the idle timer fires with no
// active sessions — wired by cmd/famd to call Sched.Exit().
func (c *Context) OnIdleExit(fn func()) {
	c.onIdleExit = fn
}

// Close tears down every listening socket and the kernel monitor.
func (c *Context) Close() {
	if c.listenerTCP != nil {
		c.listenerTCP.Close()
	}
	if c.listenerUnix != nil {
		c.listenerUnix.Close()
	}
	for _, l := range c.privateListeners {
		l.Close()
	}
	_ = c.Changes.Close()
}
