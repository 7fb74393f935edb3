//go:build linux

package listener

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/ncw/famd/internal/cred"
)

// SOPeerCred resolves a Unix domain socket peer's credential via
// SO_PEERCRED, the kernel-enforced fact Listener::accept_localclient
// relied on implicitly by owning the per-uid socket file itself.
type SOPeerCred struct{}

// PeerCredential implements CredentialSource.
func (SOPeerCred) PeerCredential(conn net.Conn) (cred.Credential, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return cred.Credential{}, fmt.Errorf("listener: not a unix socket connection")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return cred.Credential{}, err
	}
	var ucred *unix.Ucred
	var sysErr error
	err = raw.Control(func(fd uintptr) {
		ucred, sysErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return cred.Credential{}, err
	}
	if sysErr != nil {
		return cred.Credential{}, sysErr
	}
	return cred.Credential{UID: ucred.Uid, GID: ucred.Gid}, nil
}
