// Package cred implements credential resolution: for a request carrying
// a uid/gid/group-list, decide whether to believe the payload or
// substitute the session's own authenticated identity, and resolve a
// bare uid into its full group set when the core needs one (the
// untrusted-user fallback, primarily).
package cred

import (
	"os/user"
	"strconv"

	"github.com/pkg/errors"
)

// Mode is the per-session trust policy: set once at session construction
// and never changed afterward.
type Mode int

const (
	// TrustPayload believes the uid/gid/groups a request carries,
	// valid only for a connection already trusted as a peer daemon.
	TrustPayload Mode = iota
	// AuthenticatedOnly ignores whatever a request claims and always
	// substitutes the session's own authenticated credential.
	AuthenticatedOnly
)

// Credential is the resolved identity the core assumes before a
// filesystem access made on behalf of one request.
type Credential struct {
	UID    uint32
	GID    uint32
	Groups []uint32
}

// Resolve picks the Credential to use for one request, given what the
// payload claimed and the session's own authenticated identity, per the
// session's Mode.
func Resolve(mode Mode, claimed, authenticated Credential) Credential {
	if mode == TrustPayload {
		return claimed
	}
	return authenticated
}

// Resolver looks up the full Credential (primary plus supplementary
// groups) for a bare uid, for the untrusted-user configuration value and
// for any request that names a uid this daemon has never seen a group
// list for.
type Resolver struct{}

// ForUID resolves uid to its system Credential. An unknown uid is not an
// error: it falls back to the untrusted user's gid, which callers
// achieve here by passing untrusted's GID as the fallback.
func (Resolver) ForUID(uid uint32, fallbackGID uint32) Credential {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return Credential{UID: uid, GID: fallbackGID}
	}
	gid, _ := strconv.ParseUint(u.Gid, 10, 32)
	groupIDs, _ := u.GroupIds()
	groups := make([]uint32, 0, len(groupIDs))
	for _, g := range groupIDs {
		if n, err := strconv.ParseUint(g, 10, 32); err == nil {
			groups = append(groups, uint32(n))
		}
	}
	return Credential{UID: uid, GID: uint32(gid), Groups: groups}
}

// ResolveNamedOrNumeric resolves the `untrusted_user` config value,
// which may be either a username or a numeric uid.
func (r Resolver) ResolveNamedOrNumeric(value string) (Credential, error) {
	if n, err := strconv.ParseUint(value, 10, 32); err == nil {
		return r.ForUID(uint32(n), uint32(n)), nil
	}
	u, err := user.Lookup(value)
	if err != nil {
		return Credential{}, errors.Wrapf(err, "cred: resolving untrusted user %q", value)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return Credential{}, errors.Wrapf(err, "cred: parsing uid for %q", value)
	}
	return r.ForUID(uint32(uid), uint32(uid)), nil
}
