// Package remotehost implements the RemoteHost proxy: a shared,
// reference-counted connection to a peer famd, reconnected with
// exponential backoff, that replays outstanding monitor requests on
// reconnect and falls back to polling while disconnected.
//
// Reconnect delay comes from internal/backoff, the wire framing for the
// peer connection is internal/netframe, and the peer's listening port is
// resolved with internal/portmap, exactly as a second famd instance
// would expect of any ONC-RPC client.
package remotehost

import (
	"fmt"
	"net"
	"time"

	"github.com/ncw/famd/internal/backoff"
	"github.com/ncw/famd/internal/famevent"
	"github.com/ncw/famd/internal/famlog"
	"github.com/ncw/famd/internal/netframe"
	"github.com/ncw/famd/internal/pollster"
	"github.com/ncw/famd/internal/portmap"
	"github.com/ncw/famd/internal/scheduler"
)

// State is one of the six RemoteHost connection states.
type State int

const (
	Idle State = iota
	Pmapping
	Connecting
	Pausing
	Connected
	TimingOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pmapping:
		return "pmapping"
	case Connecting:
		return "connecting"
	case Pausing:
		return "pausing"
	case Connected:
		return "connected"
	case TimingOut:
		return "timingout"
	default:
		return "unknown"
	}
}

type monitorEntry struct {
	path      string
	uid, gid  uint32
	suspended bool
}

// Host is a shared connection to one peer famd, indexed by canonical
// hostname and any aliases the caller chooses to register it under.
type Host struct {
	Name string

	sched   *scheduler.Scheduler
	log     *famlog.Logger
	poll    *pollster.Pollster
	portmap *portmap.Client
	program, version uint32

	state State
	conn  *netframe.NetFrame
	back  *backoff.Backoff

	monitored map[uint32]*monitorEntry

	// OnPeerEvent receives every event frame relayed by the peer,
	// keyed by the local request id it was sent under.
	OnPeerEvent func(reqID uint32, kind famevent.Kind)

	selfIdentifier string
	idleTimerKey   struct{}
}

// New returns an idle Host for the given peer name. program/version are
// the ONC-RPC program and version to look up via the portmapper.
func New(name string, sched *scheduler.Scheduler, log *famlog.Logger, poll *pollster.Pollster, pm *portmap.Client, program, version uint32, selfIdentifier string) *Host {
	return &Host{
		Name:           name,
		sched:          sched,
		log:            log,
		poll:           poll,
		portmap:        pm,
		program:        program,
		version:        version,
		back:           backoff.New(time.Second, 1024*time.Second),
		monitored:      make(map[uint32]*monitorEntry),
		selfIdentifier: selfIdentifier,
	}
}

// Active reports whether this host has any monitored requests.
func (h *Host) Active() bool {
	return len(h.monitored) > 0
}

// SendMonitor records a forwarded monitor request and, if connected,
// sends it immediately; otherwise it is replayed once connected.
func (h *Host) SendMonitor(reqID uint32, path string) error {
	h.monitored[reqID] = &monitorEntry{path: path}
	h.activate()
	if h.state == Connected {
		return h.sendFrame("W", reqID, path)
	}
	return nil
}

// CancelMonitor withdraws a forwarded request. When the last one goes
// away while connected, an idle timeout is armed.
func (h *Host) CancelMonitor(reqID uint32) error {
	delete(h.monitored, reqID)
	var err error
	if h.state == Connected {
		err = h.sendFrame("C", reqID, "")
	}
	if !h.Active() {
		h.armIdleTimeout()
	}
	return err
}

// SuspendMonitor/ResumeMonitor forward the corresponding opcode to the
// peer, per ClientSession's own Suspend/Resume handling one hop removed.
func (h *Host) SuspendMonitor(reqID uint32) error {
	if e, ok := h.monitored[reqID]; ok {
		e.suspended = true
	}
	if h.state == Connected {
		return h.sendFrame("S", reqID, "")
	}
	return nil
}

func (h *Host) ResumeMonitor(reqID uint32) error {
	if e, ok := h.monitored[reqID]; ok {
		e.suspended = false
	}
	if h.state == Connected {
		return h.sendFrame("U", reqID, "")
	}
	return nil
}

// activate kicks off the connect loop if this host is currently idle.
func (h *Host) activate() {
	if h.state == Idle {
		h.state = Pmapping
		h.connectStep()
	}
}

// connectStep drives Idle -> Pmapping -> Connecting -> Connected, or
// schedules a backoff retry on any failure.
func (h *Host) connectStep() {
	port, err := h.portmap.Lookup(h.Name, h.program, h.version)
	if err != nil {
		h.log.Debugf(h.Name, "portmap lookup failed, retrying: %v", err)
		h.retryAfterBackoff()
		return
	}

	h.state = Connecting
	addr := fmt.Sprintf("%s:%d", h.Name, port)
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		h.log.Debugf(h.Name, "connect failed, retrying: %v", err)
		h.retryAfterBackoff()
		return
	}

	h.back.Reset()
	h.conn = netframe.New(conn, h.log)
	h.conn.OnMessage = h.onMessage
	h.conn.OnClosed = h.onClosed
	h.conn.Start()
	h.state = Connected
	h.onConnected()
}

func (h *Host) retryAfterBackoff() {
	h.state = Pausing
	delay := h.back.Next()
	h.sched.InstallOneTime(time.Now().Add(delay), h, func() {
		h.state = Pmapping
		h.connectStep()
	})
}

// onConnected sends the daemon's self-identifier and replays every
// outstanding request, suspending whichever ones were already suspended.
// It also takes this host off the Pollster, where onClosed put it.
func (h *Host) onConnected() {
	if h.poll != nil {
		h.poll.ForgetHost(h)
	}
	_ = h.conn.Sendf("N %s\n", h.selfIdentifier)
	for reqID, e := range h.monitored {
		_ = h.sendFrame("W", reqID, e.path)
		if e.suspended {
			_ = h.sendFrame("S", reqID, "")
		}
	}
}

func (h *Host) sendFrame(opcode string, reqID uint32, path string) error {
	if h.conn == nil {
		return fmt.Errorf("remotehost: %s not connected", h.Name)
	}
	return h.conn.Sendf("%s%d 0 0 %s\n", opcode, reqID, path)
}

// onMessage parses one event frame from the peer and dispatches it. The
// wire format is: <code><reqid> [<flags> ] <path>\n
func (h *Host) onMessage(payload []byte) {
	if payload == nil {
		return // peer closed; onClosed handles reconnect
	}
	reqID, kind, ok := parseEventFrame(payload)
	if !ok {
		h.log.Errorf(h.Name, "malformed event frame from peer: %q", payload)
		return
	}
	if h.OnPeerEvent != nil {
		h.OnPeerEvent(reqID, kind)
	}
}

// onClosed handles peer disconnection: if this host is still active,
// fall back to polling for its Interests and restart the connect loop;
// otherwise just go idle.
func (h *Host) onClosed(err error) {
	h.conn = nil
	if h.Active() {
		h.log.Infof(h.Name, "peer connection lost, falling back to polling: %v", err)
		if h.poll != nil {
			h.poll.WatchHost(h)
		}
		h.state = Pmapping
		h.connectStep()
		return
	}
	h.state = Idle
}

// armIdleTimeout schedules the one-shot disconnect: when the last
// request is cancelled and the connection is up, schedule a one-shot
// task the Pollster's interval ahead.
func (h *Host) armIdleTimeout() {
	if h.state != Connected {
		return
	}
	h.state = TimingOut
	h.sched.InstallOneTime(time.Now().Add(pollster.DefaultInterval), h.idleTimeoutKey(), func() {
		if h.Active() {
			h.state = Connected
			return
		}
		if h.conn != nil {
			_ = h.conn.Close(nil)
		}
		h.conn = nil
		h.state = Idle
	})
}

func (h *Host) idleTimeoutKey() interface{} {
	return &h.idleTimerKey
}

// Poll is invoked by the Pollster while this host has no live
// connection but still has monitored requests; it's an opportunistic
// nudge to retry sooner than the backoff timer might otherwise allow.
func (h *Host) Poll() {
	if h.state == Idle || h.state == Pausing {
		h.state = Pmapping
		h.connectStep()
	}
}

// parseEventFrame parses "<code><reqid> [<flags> ]<path>\n" into a
// request id and the famevent.Kind its code denotes.
func parseEventFrame(payload []byte) (uint32, famevent.Kind, bool) {
	if len(payload) == 0 {
		return 0, 0, false
	}
	code := payload[0]
	kind, ok := decodeWireCode(code)
	if !ok {
		return 0, 0, false
	}
	rest := payload[1:]
	var reqID uint32
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		reqID = reqID*10 + uint32(rest[i]-'0')
		i++
	}
	if i == 0 {
		return 0, 0, false
	}
	return reqID, kind, true
}

func decodeWireCode(b byte) (famevent.Kind, bool) {
	switch b {
	case 'c':
		return famevent.Changed, true
	case 'A':
		return famevent.Deleted, true
	case 'X':
		return famevent.Executing, true
	case 'Q':
		return famevent.Exited, true
	case 'F':
		return famevent.Created, true
	case 'G':
		return famevent.Acknowledge, true
	case 'e':
		return famevent.Exists, true
	case 'P':
		return famevent.EndExist, true
	default:
		return 0, false
	}
}
