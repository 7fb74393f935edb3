package listener

import (
	"net"
	"testing"
	"time"

	"github.com/ncw/famd/internal/cred"
	"github.com/ncw/famd/internal/famlog"
)

type fakeCredSource struct {
	cred cred.Credential
	err  error
}

func (f fakeCredSource) PeerCredential(conn net.Conn) (cred.Credential, error) {
	return f.cred, f.err
}

func TestLoopbackTCPClientIsAlwaysUntrusted(t *testing.T) {
	untrusted := cred.Credential{UID: 65534, GID: 65534}
	l := New(famlog.New(), nil, untrusted, false, func(Accepted) {})

	accepted, ok := l.classifyTCP(fakeTCPConn(t, "127.0.0.1", 42))
	if !ok {
		t.Fatal("expected loopback client to be accepted")
	}
	if accepted.Mode != cred.AuthenticatedOnly || accepted.Authenticated != untrusted {
		t.Fatalf("got %+v, want AuthenticatedOnly with untrusted credential", accepted)
	}
}

func TestRemoteClientOnReservedPortIsTrusted(t *testing.T) {
	untrusted := cred.Credential{UID: 65534}
	l := New(famlog.New(), nil, untrusted, false, func(Accepted) {})

	accepted, ok := l.classifyTCP(fakeTCPConn(t, "10.0.0.5", 512))
	if !ok {
		t.Fatal("expected remote client on reserved port to be accepted")
	}
	if accepted.Mode != cred.TrustPayload {
		t.Fatalf("got mode %v, want TrustPayload", accepted.Mode)
	}
}

func TestRemoteClientOnUnprivilegedPortIsUntrusted(t *testing.T) {
	untrusted := cred.Credential{UID: 65534}
	l := New(famlog.New(), nil, untrusted, false, func(Accepted) {})

	accepted, ok := l.classifyTCP(fakeTCPConn(t, "10.0.0.5", 5000))
	if !ok {
		t.Fatal("expected remote client on unprivileged port to still be accepted")
	}
	if accepted.Mode != cred.AuthenticatedOnly || accepted.Authenticated != untrusted {
		t.Fatalf("got %+v, want AuthenticatedOnly with untrusted credential", accepted)
	}
}

func TestRemoteClientRejectedWhenLocalOnly(t *testing.T) {
	l := New(famlog.New(), nil, cred.Credential{}, true, func(Accepted) {})

	_, ok := l.classifyTCP(fakeTCPConn(t, "10.0.0.5", 111))
	if ok {
		t.Fatal("expected remote client to be rejected in local-only mode")
	}
}

func TestUnixClientTrustsPeerCredential(t *testing.T) {
	peer := cred.Credential{UID: 1001, GID: 1001}
	l := New(famlog.New(), fakeCredSource{cred: peer}, cred.Credential{}, false, func(Accepted) {})

	accepted, ok := l.classifyUnix(nil)
	if !ok {
		t.Fatal("expected unix client to be accepted")
	}
	if accepted.Mode != cred.TrustPayload || accepted.Authenticated != peer {
		t.Fatalf("got %+v, want TrustPayload with peer credential", accepted)
	}
}

func TestAcceptLoopDispatchesClassifiedConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	dispatched := make(chan Accepted, 1)
	l := New(famlog.New(), nil, cred.Credential{UID: 65534}, false, func(a Accepted) {
		dispatched <- a
	})
	l.ListenTCP(ln)
	defer l.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	select {
	case a := <-dispatched:
		if a.Conn == nil {
			t.Fatal("expected a non-nil connection")
		}
		a.Conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accepted connection")
	}
}

func fakeTCPConn(t *testing.T, ip string, port int) net.Conn {
	t.Helper()
	return &fakeAddrConn{addr: &net.TCPAddr{IP: net.ParseIP(ip), Port: port}}
}

// fakeAddrConn is a net.Conn stub whose only purpose is to report a chosen
// RemoteAddr, since classifyTCP only inspects that field.
type fakeAddrConn struct {
	net.Conn
	addr net.Addr
}

func (f *fakeAddrConn) RemoteAddr() net.Addr { return f.addr }
func (f *fakeAddrConn) Close() error         { return nil }
