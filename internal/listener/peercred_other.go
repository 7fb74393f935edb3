//go:build !linux

package listener

import (
	"fmt"
	"net"

	"github.com/ncw/famd/internal/cred"
)

// SOPeerCred is unimplemented outside Linux; SO_PEERCRED's equivalent
// (LOCAL_PEERCRED on BSD/Darwin) differs enough in shape that it isn't
// worth guessing at without a platform to test against. Callers on these
// platforms must supply their own CredentialSource.
type SOPeerCred struct{}

// PeerCredential implements CredentialSource.
func (SOPeerCred) PeerCredential(conn net.Conn) (cred.Credential, error) {
	return cred.Credential{}, fmt.Errorf("listener: peer credential resolution not implemented on this platform")
}
