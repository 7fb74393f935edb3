// Package collaborator holds the external-collaborator seams whose
// implementation is deliberately out of the core's scope: security-label
// (MAC) checks, audit record writing, and export-table verification. The
// core calls these through small interfaces so a real deployment can
// wire in a platform-specific implementation without the core needing to
// know about it.
package collaborator

import "github.com/ncw/famd/internal/famlog"

// AuditSink records security-relevant daemon events (new session, monitor
// request, cancel). The default NoopAudit logs at debug level instead of
// silently discarding, so a missing collaborator is visible in the logs
// rather than invisible.
type AuditSink interface {
	Record(event string, detail string)
}

// LabelChecker enforces security-label (MAC) policy on a path before it is
// monitored on behalf of a credential. The default NoopLabelChecker always
// allows: authoritative security policy is left to the collaborator,
// not enforced by the core.
type LabelChecker interface {
	Check(path string, uid, gid uint32) error
}

// ExportVerifier answers whether path is exported (via NFS xtab or
// equivalent) to host. The default always grants, since xtab
// verification is a collaborator hook the core does not implement.
type ExportVerifier interface {
	Verify(path string, host string) bool
}

// NoopAudit is the default AuditSink.
type NoopAudit struct {
	Log *famlog.Logger
}

// Record implements AuditSink.
func (a NoopAudit) Record(event, detail string) {
	if a.Log != nil {
		a.Log.Debugf("audit", "%s: %s", event, detail)
	}
}

// NoopLabelChecker is the default LabelChecker: always permits.
type NoopLabelChecker struct{}

// Check implements LabelChecker.
func (NoopLabelChecker) Check(path string, uid, gid uint32) error { return nil }

// AlwaysExported is the default ExportVerifier: always grants, used when
// xtab_verification is disabled (the default).
type AlwaysExported struct{}

// Verify implements ExportVerifier.
func (AlwaysExported) Verify(path string, host string) bool { return true }

// ProcessHandoff is a deployment-specific way to transfer a live
// listening descriptor to a freshly-exec'd process started by an unaware
// super-server (e.g. inetd). The core never calls this itself; it exists
// purely as a documented extension point for an external harness.
type ProcessHandoff interface {
	Handoff(listenFD uintptr) error
}
