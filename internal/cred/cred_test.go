package cred

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveTrustPayloadUsesClaimed(t *testing.T) {
	claimed := Credential{UID: 42, GID: 42}
	authenticated := Credential{UID: 1, GID: 1}
	got := Resolve(TrustPayload, claimed, authenticated)
	assert.Equal(t, claimed, got)
}

func TestResolveAuthenticatedOnlyIgnoresClaimed(t *testing.T) {
	claimed := Credential{UID: 42, GID: 42}
	authenticated := Credential{UID: 1, GID: 1}
	got := Resolve(AuthenticatedOnly, claimed, authenticated)
	assert.Equal(t, authenticated, got)
}

func TestForUIDFallsBackOnUnknownUser(t *testing.T) {
	r := Resolver{}
	got := r.ForUID(999999999, 65534)
	assert.Equal(t, uint32(999999999), got.UID)
	assert.Equal(t, uint32(65534), got.GID)
}
