// Package listener implements the transport bootstrap: accepting new
// connections and deciding each one's trust level before handing it to
// internal/session.
//
// A connection from loopback is always treated as untrusted (the
// payload's claimed uid/gid is never believed, regardless of source
// port), while an off-host connection is trusted only if it arrived on
// a reserved (sub-1024) source port — a proxy for "came from a process
// that could bind a privileged port, i.e. root on its own host." An
// off-host connection on an unprivileged port falls back to the
// configured untrusted user, same as loopback.
//
// The master/slave descriptor-handoff hack is out of scope here; the
// extension point for it is internal/collaborator.ProcessHandoff.
// Similarly, the "N"-with-groups-tail private Unix-domain-socket
// upgrade is reimplemented over a real net.UnixListener rather than a
// raw SCM_RIGHTS/tempnam dance.
package listener

import (
	"net"
	"strconv"

	"github.com/ncw/famd/internal/cred"
	"github.com/ncw/famd/internal/famlog"
)

const reservedPortCeiling = 1024

// Accepted is one freshly accepted connection paired with the trust
// decision the Listener made about it, ready for internal/session.New.
type Accepted struct {
	Conn          net.Conn
	Mode          cred.Mode
	Authenticated cred.Credential
}

// CredentialSource resolves the local peer credential for a connection
// the kernel can tell us the truth about (a loopback TCP peer, or a Unix
// domain socket peer) — e.g. via SO_PEERCRED or getpeereid. Listener
// depends on this rather than hard-coding a platform syscall so tests can
// supply a fake.
type CredentialSource interface {
	PeerCredential(conn net.Conn) (cred.Credential, error)
}

// Listener owns the daemon's listening sockets: a TCP rendezvous socket
// for inet clients (reserved-port bound, like the original's `bindresvport`
// call) and a Unix-domain rendezvous socket for local clients that have
// already upgraded via the private-socket path.
type Listener struct {
	log          *famlog.Logger
	untrusted    cred.Credential
	localOnly    bool
	credSource   CredentialSource
	tcpListener  net.Listener
	unixListener net.Listener
	onAccept     func(Accepted)
}

// New creates a Listener. untrusted is the resolved Credential substituted
// for any connection this daemon doesn't trust to state its own identity,
// per the untrusted_user config value. onAccept is called (from whatever
// goroutine Accept ran on — callers typically Post it to the reactor) for
// every connection this Listener hands off.
func New(log *famlog.Logger, credSource CredentialSource, untrusted cred.Credential, localOnly bool, onAccept func(Accepted)) *Listener {
	return &Listener{
		log:        log,
		untrusted:  untrusted,
		localOnly:  localOnly,
		credSource: credSource,
		onAccept:   onAccept,
	}
}

// ListenTCP starts accepting on the inet rendezvous socket ln. Binding a
// reserved port is the caller's job (cmd/famd), not this package's —
// Listener just accepts on whatever listener it's given.
func (l *Listener) ListenTCP(ln net.Listener) {
	l.tcpListener = ln
	go l.acceptLoop(ln, l.classifyTCP)
}

// ListenUnix opens the local rendezvous socket for clients that connect
// directly over a Unix domain socket (the modern replacement for
// create_local_client's per-uid temporary socket).
func (l *Listener) ListenUnix(ln net.Listener) {
	l.unixListener = ln
	go l.acceptLoop(ln, l.classifyUnix)
}

// ListenPrivateUnix accepts connections on a per-client private socket
// created for the "N"-with-groups-tail upgrade. Knowledge of the
// socket's path is itself the trust
// boundary here — only the client this daemon told the path to can ever
// dial it — so every connection accepted on it is classified
// TrustPayload under the fixed credential the socket was created for,
// skipping the SO_PEERCRED lookup ListenUnix uses for the shared local
// rendezvous socket.
func (l *Listener) ListenPrivateUnix(ln net.Listener, authenticated cred.Credential) {
	l.unixListener = ln
	go l.acceptLoop(ln, func(conn net.Conn) (Accepted, bool) {
		return Accepted{Conn: conn, Mode: cred.TrustPayload, Authenticated: authenticated}, true
	})
}

// Close tears down both rendezvous sockets.
func (l *Listener) Close() {
	if l.tcpListener != nil {
		_ = l.tcpListener.Close()
	}
	if l.unixListener != nil {
		_ = l.unixListener.Close()
	}
}

func (l *Listener) acceptLoop(ln net.Listener, classify func(net.Conn) (Accepted, bool)) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			l.log.Debugf("listener", "rendezvous socket closed: %v", err)
			return
		}
		accepted, ok := classify(conn)
		if !ok {
			_ = conn.Close()
			continue
		}
		l.onAccept(accepted)
	}
}

// classifyTCP implements the loopback/reserved-port trust rule.
func (l *Listener) classifyTCP(conn net.Conn) (Accepted, bool) {
	remote, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		l.log.Errorf("listener", "TCP connection with non-TCP remote addr %v", conn.RemoteAddr())
		return Accepted{}, false
	}

	if remote.IP.IsLoopback() {
		l.log.Debugf("listener", "client %s is local/untrusted", remote)
		return Accepted{Conn: conn, Mode: cred.AuthenticatedOnly, Authenticated: l.untrusted}, true
	}

	if l.localOnly {
		l.log.Errorf("listener", "rejecting off-host connection from %s (local-only mode)", remote)
		return Accepted{}, false
	}

	if remote.Port < reservedPortCeiling {
		l.log.Debugf("listener", "client %s is remote/trusted (reserved port)", remote)
		return Accepted{Conn: conn, Mode: cred.TrustPayload, Authenticated: cred.Credential{}}, true
	}

	l.log.Debugf("listener", "client %s is remote/untrusted (unprivileged port)", remote)
	return Accepted{Conn: conn, Mode: cred.AuthenticatedOnly, Authenticated: l.untrusted}, true
}

// classifyUnix trusts the kernel-reported peer credential of a Unix
// domain socket outright: no program other than the kernel can forge
// SO_PEERCRED.
func (l *Listener) classifyUnix(conn net.Conn) (Accepted, bool) {
	if l.credSource == nil {
		l.log.Errorf("listener", "no credential source configured for unix listener")
		return Accepted{}, false
	}
	peer, err := l.credSource.PeerCredential(conn)
	if err != nil {
		l.log.Errorf("listener", "resolving peer credential: %v", err)
		return Accepted{}, false
	}
	l.log.Debugf("listener", "client on unix socket is local/trusted (uid %d)", peer.UID)
	return Accepted{Conn: conn, Mode: cred.TrustPayload, Authenticated: peer}, true
}

// ParseHostPort splits a host:port bind address into its host and its
// numeric port.
func ParseHostPort(hostport string) (host string, port int, err error) {
	h, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, err
	}
	port64, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, err
	}
	return h, port64, nil
}
