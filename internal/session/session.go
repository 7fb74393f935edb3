// Package session implements one client connection's protocol state: the
// request parser, request table, scan queue and back-pressure plumbing
// layered on top of internal/netframe.
//
// A single connection pairs a request table keyed by id with a
// deferred-work queue drained as output capacity frees up; the
// scanQueue/drain pair below is that same shape applied to re-scanning
// Interests that went dirty while the connection was backed up.
package session

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/ncw/famd/internal/cred"
	"github.com/ncw/famd/internal/famevent"
	"github.com/ncw/famd/internal/famlog"
	"github.com/ncw/famd/internal/fstable"
	"github.com/ncw/famd/internal/interest"
	"github.com/ncw/famd/internal/netframe"
)

// Opcode is one of the single-character request codes on the wire.
type Opcode byte

const (
	OpMonitorFile      Opcode = 'W'
	OpMonitorDirectory Opcode = 'M'
	OpCancel           Opcode = 'C'
	OpSuspend          Opcode = 'S'
	OpResume           Opcode = 'U'
	OpName             Opcode = 'N'
	// D, V, E are historical opcodes with no remaining behavior; named
	// here only so parsing can recognize and discard them without error.
	OpIgnoredD Opcode = 'D'
	OpIgnoredV Opcode = 'V'
	OpIgnoredE Opcode = 'E'
)

// Resolver is the capability a Session needs to turn a monitor request's
// path into an Interest on the right FileSystem — the FilesystemTable
// plus whatever constructs File/Directory Nodes for a given FileSystem.
type Resolver interface {
	Find(path string) (*fstable.FileSystem, error)
	NewFileNode(path string, fs *fstable.FileSystem, sess interest.Session, idx *interest.IdentityIndex) *interest.Node
	NewDirectoryNode(path string, fs *fstable.FileSystem, sess interest.Session, idx *interest.IdentityIndex) *interest.Node
	BeginDirectoryScan(dir *interest.Node, newKind famevent.Kind, onDone func())

	// CreatePrivateSocket implements the "N"-with-groups-tail upgrade: it
	// opens a fresh per-client Unix socket, wires it into the same accept
	// path as every other rendezvous socket, and returns its filesystem
	// path for the client to reconnect on. authenticated is the
	// credential new connections on that socket are trusted under.
	CreatePrivateSocket(groups []uint32, authenticated cred.Credential) (path string, err error)

	// CheckAccess runs path and the request's resolved credential past
	// whatever security-label and export-table collaborators this
	// daemon is configured with, before path is turned into an
	// Interest. A non-nil error rejects the request.
	CheckAccess(path string, fs *fstable.FileSystem, credential cred.Credential) error

	// RecordAudit logs a security-relevant session event (new session,
	// monitor request, cancel) through the configured AuditSink.
	RecordAudit(event, detail string)
}

// Session is one client's protocol state machine, layered on a NetFrame.
type Session struct {
	nf            *netframe.NetFrame
	log           *famlog.Logger
	resolver      Resolver
	idx           *interest.IdentityIndex
	mode          cred.Mode
	authenticated cred.Credential

	requests  map[uint32]*interest.Node
	reqByNode map[*interest.Node]uint32

	scanQueue []*interest.Node
	queuedSet map[*interest.Node]bool

	// OnIdle fires when this session's request table becomes empty, so
	// the daemon can arm its idle-exit timer.
	OnIdle func()
}

// New wraps nf as a ClientSession using resolver to turn monitor
// requests into Interests, authenticated as the given credential under
// mode (the session's trust-model setting, fixed for its lifetime).
func New(nf *netframe.NetFrame, log *famlog.Logger, resolver Resolver, idx *interest.IdentityIndex, mode cred.Mode, authenticated cred.Credential) *Session {
	s := &Session{
		nf:            nf,
		log:           log,
		resolver:      resolver,
		idx:           idx,
		mode:          mode,
		authenticated: authenticated,
		requests:      make(map[uint32]*interest.Node),
		reqByNode:     make(map[*interest.Node]uint32),
		queuedSet:     make(map[*interest.Node]bool),
	}
	nf.OnMessage = s.handleMessage
	nf.OnUnblock = s.drain
	return s
}

// Ready implements interest.Session: the session accepts output iff its
// NetFrame's send queue is empty.
func (s *Session) Ready() bool {
	return s.nf.Ready()
}

// PostEvent implements interest.Session, formatting and sending the wire
// frame `<code><reqid> <path>\n`. For a DirEntry, the parent's request
// id is used with n's bare name; for a top-level File/Directory, its own
// request id and full path are used.
func (s *Session) PostEvent(n *interest.Node, kind famevent.Kind) {
	reqID, name, ok := s.resolveWireIdentity(n)
	if !ok {
		return
	}
	_ = s.nf.Sendf("%c%d %s\n", kind.WireCode(), reqID, name)
}

func (s *Session) resolveWireIdentity(n *interest.Node) (reqID uint32, name string, ok bool) {
	if id, found := s.reqByNode[n]; found {
		return id, n.Name, true
	}
	if n.Kind == interest.DirEntryKind && n.Parent != nil {
		id, _, ok := s.resolveWireIdentity(n.Parent)
		return id, n.Name, ok
	}
	return 0, "", false
}

// EnqueueScan implements interest.Session: a Node marked dirty while the
// session is backed up waits here until the unblock edge, in insertion
// order.
func (s *Session) EnqueueScan(n *interest.Node) {
	if s.queuedSet[n] {
		return
	}
	s.queuedSet[n] = true
	s.scanQueue = append(s.scanQueue, n)
}

// drain runs on the NetFrame's unblock edge: it drains the Interest scan
// queue in insertion order until the queue empties or output blocks
// again.
func (s *Session) drain() {
	for len(s.scanQueue) > 0 && s.Ready() {
		n := s.scanQueue[0]
		s.scanQueue = s.scanQueue[1:]
		delete(s.queuedSet, n)
		n.DoScan()
	}
}

// handleMessage parses one request frame and dispatches it. The wire
// grammar is <opcode><reqid> <uid> <gid> <path>\n
func (s *Session) handleMessage(payload []byte) {
	if payload == nil {
		return // EOF; NetFrame already invoked OnClosed
	}
	// The first message is the textual request line; a second message,
	// separated by a NUL byte, optionally carries the additional-groups
	// list. NetFrame has already stripped the frame's own trailing NUL
	// terminator, so a present tail begins exactly at the NUL this
	// protocol uses as an inline separator.
	var tail []byte
	body := payload
	if nl := bytes.IndexByte(payload, '\n'); nl >= 0 {
		body = payload[:nl]
		tail = payload[nl+1:]
	}
	line := string(body)
	if line == "" {
		return
	}
	opcode := Opcode(line[0])
	fields := strings.SplitN(line[1:], " ", 4)
	if len(fields) < 4 {
		s.log.Errorf("session", "malformed request %q", line)
		return
	}
	reqID64, err1 := strconv.ParseUint(fields[0], 10, 32)
	uid64, err2 := strconv.ParseUint(fields[1], 10, 32)
	gid64, err3 := strconv.ParseUint(fields[2], 10, 32)
	if err1 != nil || err2 != nil || err3 != nil {
		s.log.Errorf("session", "malformed numeric field in %q", line)
		return
	}
	reqID := uint32(reqID64)
	claimed := cred.Credential{UID: uint32(uid64), GID: uint32(gid64)}
	credential := cred.Resolve(s.mode, claimed, s.authenticated)
	path := fields[3]

	switch opcode {
	case OpMonitorFile:
		s.monitor(reqID, path, false, credential)
	case OpMonitorDirectory:
		s.monitor(reqID, path, true, credential)
	case OpCancel:
		s.cancel(reqID)
	case OpSuspend:
		s.suspend(reqID)
	case OpResume:
		s.resume(reqID)
	case OpName:
		s.name(reqID, parseGroupsTail(tail))
	case OpIgnoredD, OpIgnoredV, OpIgnoredE:
		// Historical opcodes, silently discarded.
	default:
		s.log.Errorf("session", "unknown opcode %q", opcode)
	}
}

// parseGroupsTail decodes the optional `\0 ngroups gid1 gid2 ...` message
// that follows an "N" request's line. It returns nil when no tail is
// present, which callers treat as "no private-socket upgrade requested."
func parseGroupsTail(tail []byte) []uint32 {
	if len(tail) == 0 || tail[0] != 0 {
		return nil
	}
	fields := strings.Fields(string(tail[1:]))
	if len(fields) == 0 {
		return []uint32{}
	}
	groups := make([]uint32, 0, len(fields)-1)
	for _, f := range fields[1:] {
		if n, err := strconv.ParseUint(f, 10, 32); err == nil {
			groups = append(groups, uint32(n))
		}
	}
	return groups
}

// name implements the "N" opcode. The groups-tail's presence is itself
// the signal that the client wants to switch to a private-socket
// transport: this daemon opens a fresh per-client Unix socket and
// replies with its path, rather than handing off a descriptor.
func (s *Session) name(reqID uint32, groups []uint32) {
	if groups == nil {
		return
	}
	authenticated := s.authenticated
	if len(groups) > 0 {
		authenticated.Groups = groups
	}
	socketPath, err := s.resolver.CreatePrivateSocket(groups, authenticated)
	if err != nil {
		s.log.Errorf("session", "creating private socket for request %d: %v", reqID, err)
		return
	}
	_ = s.nf.Sendf("%s\n", socketPath)
}

func (s *Session) monitor(reqID uint32, path string, directory bool, credential cred.Credential) {
	if _, exists := s.requests[reqID]; exists {
		s.log.Errorf("session", "duplicate request id %d", reqID)
		return
	}
	if !strings.HasPrefix(path, "/") {
		s.ack(reqID, path)
		return
	}

	fs, err := s.resolver.Find(path)
	if err != nil {
		s.log.Errorf("session", "resolving filesystem for %s: %v", path, err)
		return
	}

	if err := s.resolver.CheckAccess(path, fs, credential); err != nil {
		s.log.Errorf("session", "access check for %s: %v", path, err)
		s.ack(reqID, path)
		return
	}

	var n *interest.Node
	if directory {
		n = s.resolver.NewDirectoryNode(path, fs, s, s.idx)
	} else {
		n = s.resolver.NewFileNode(path, fs, s, s.idx)
	}
	s.requests[reqID] = n
	s.reqByNode[n] = reqID
	s.resolver.RecordAudit("monitor", path)

	if directory {
		s.resolver.BeginDirectoryScan(n, famevent.Exists, func() {
			_ = s.nf.Sendf("%c%d %s\n", famevent.EndExist.WireCode(), reqID, path)
		})
	}
	n.Scan()
}

func (s *Session) ack(reqID uint32, path string) {
	_ = s.nf.Sendf("%c%d %s\n", famevent.Acknowledge.WireCode(), reqID, path)
}

func (s *Session) cancel(reqID uint32) {
	n, ok := s.requests[reqID]
	if !ok {
		return
	}
	delete(s.requests, reqID)
	delete(s.reqByNode, n)
	delete(s.queuedSet, n)
	n.Destroy()
	s.resolver.RecordAudit("cancel", n.Name)
	s.ack(reqID, n.Name)
	if len(s.requests) == 0 && s.OnIdle != nil {
		s.OnIdle()
	}
}

// Close destroys every Interest this session still owns — invoked once,
// when the underlying connection goes away, so the session's teardown
// order matches spec.md's lifecycle rule: a session destroys its
// Interests before it, and any Node it held, ceases to exist.
func (s *Session) Close() {
	for reqID, n := range s.requests {
		delete(s.requests, reqID)
		delete(s.reqByNode, n)
		n.Destroy()
	}
	s.scanQueue = nil
	s.queuedSet = make(map[*interest.Node]bool)
}

func (s *Session) suspend(reqID uint32) {
	if n, ok := s.requests[reqID]; ok {
		n.Suspend()
	}
}

func (s *Session) resume(reqID uint32) {
	if n, ok := s.requests[reqID]; ok {
		n.Resume()
	}
}
