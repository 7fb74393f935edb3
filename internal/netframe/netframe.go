// Package netframe implements length-prefixed message framing over a
// stream socket: four bytes of message length (MSB first) followed by
// length bytes of data, the last byte of which must be NUL.
//
// Reading is suspended whenever the outbound queue is non-empty, and
// resumes only once the queue has fully drained — this is what lets the
// flow-control signal propagate up through ClientSession into
// DirectoryScanner, which checks whether the session is still ready for
// output before doing more work.
package netframe

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/ncw/famd/internal/famlog"
)

// MaxPayload bounds a single frame's payload: PATH_MAX-ish plus a small
// envelope for opcode/reqid/credential fields.
const MaxPayload = 4096 + 64

// lengthHeaderSize is the width of the big-endian length prefix.
const lengthHeaderSize = 4

// ErrFrameTooLarge is passed to OnClosed, and the connection closed, when
// a declared frame length is zero or exceeds MaxPayload.
var ErrFrameTooLarge = errors.New("netframe: frame exceeds maximum payload size")

// ErrMissingTerminator is returned when a frame's last byte isn't NUL.
var ErrMissingTerminator = errors.New("netframe: frame missing NUL terminator")

// NetFrame multiplexes one stream connection into discrete, NUL-terminated
// payloads with output back-pressure.
type NetFrame struct {
	conn net.Conn
	r    *bufio.Reader
	log  *famlog.Logger

	// OnMessage is called with each payload, stripped of its trailing NUL,
	// as frames arrive. OnMessage(nil) signals EOF, matching
	// NetConnection::input_msg's "NULL address and count" convention.
	OnMessage func(payload []byte)
	// OnUnblock fires whenever the output queue transitions from
	// non-empty to empty — the back-pressure "unblock edge."
	OnUnblock func()
	// OnClosed fires once, when the connection is torn down for any
	// reason (EOF, protocol violation, write error).
	OnClosed func(err error)

	mu      sync.Mutex
	queue   [][]byte
	writing bool
	closed  bool
	paused  bool
	resume  chan struct{}
}

// New wraps conn. Call Start to begin the reader goroutine.
func New(conn net.Conn, log *famlog.Logger) *NetFrame {
	return &NetFrame{
		conn:   conn,
		r:      bufio.NewReaderSize(conn, MaxPayload+lengthHeaderSize),
		log:    log,
		resume: make(chan struct{}, 1),
	}
}

// Start launches the reader goroutine. Must be called exactly once.
func (nf *NetFrame) Start() {
	go nf.readLoop()
}

// Ready reports whether the output queue is empty — the session-level
// "ready for events" predicate.
func (nf *NetFrame) Ready() bool {
	nf.mu.Lock()
	defer nf.mu.Unlock()
	return len(nf.queue) == 0
}

// Send frames payload (appending the NUL terminator) and enqueues it for
// output. It never blocks: if the connection can't absorb the write
// immediately, the frame queues and a writer goroutine drains it
// asynchronously.
func (nf *NetFrame) Send(payload []byte) error {
	if len(payload)+1 > MaxPayload {
		return fmt.Errorf("netframe: payload of %d bytes exceeds max %d", len(payload), MaxPayload)
	}
	frame := make([]byte, lengthHeaderSize+len(payload)+1)
	binary.BigEndian.PutUint32(frame, uint32(len(payload)+1))
	copy(frame[lengthHeaderSize:], payload)
	// last byte is already zero (NUL terminator) from make()

	nf.mu.Lock()
	if nf.closed {
		nf.mu.Unlock()
		return io.ErrClosedPipe
	}
	nf.queue = append(nf.queue, frame)
	wasEmpty := len(nf.queue) == 1
	nf.mu.Unlock()

	if wasEmpty {
		go nf.drainLoop()
	}
	return nil
}

// Sendf is the printf-style convenience wrapper around Send.
func (nf *NetFrame) Sendf(format string, args ...interface{}) error {
	return nf.Send([]byte(fmt.Sprintf(format, args...)))
}

func (nf *NetFrame) drainLoop() {
	for {
		nf.mu.Lock()
		if nf.closed || len(nf.queue) == 0 {
			empty := len(nf.queue) == 0
			nf.mu.Unlock()
			if empty {
				nf.notifyUnblock()
			}
			return
		}
		frame := nf.queue[0]
		nf.mu.Unlock()

		if _, err := nf.conn.Write(frame); err != nil {
			if isBrokenPipe(err) {
				nf.log.Debugf(nf.conn.RemoteAddr().String(), "write: client closed (broken pipe): %v", err)
			} else {
				nf.log.Errorf(nf.conn.RemoteAddr().String(), "write error: %v", err)
			}
			nf.Close(err)
			return
		}

		nf.mu.Lock()
		nf.queue = nf.queue[1:]
		empty := len(nf.queue) == 0
		nf.mu.Unlock()
		if empty {
			nf.notifyUnblock()
			return
		}
	}
}

func (nf *NetFrame) notifyUnblock() {
	select {
	case nf.resume <- struct{}{}:
	default:
	}
	if nf.OnUnblock != nil {
		nf.OnUnblock()
	}
}

// readLoop parses complete frames out of conn and delivers each payload.
// It pauses (stops issuing reads) while the output queue is non-empty,
// resuming on the unblock edge — the framing layer's back-pressure
// primitive.
func (nf *NetFrame) readLoop() {
	var closeErr error
	defer func() {
		nf.Close(closeErr)
	}()

	for {
		if !nf.Ready() {
			<-nf.resume
			continue
		}

		var hdr [lengthHeaderSize]byte
		if _, err := io.ReadFull(nf.r, hdr[:]); err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				closeErr = err
			}
			if nf.OnMessage != nil {
				nf.OnMessage(nil)
			}
			return
		}
		length := binary.BigEndian.Uint32(hdr[:])
		if length == 0 || int(length) > MaxPayload {
			closeErr = ErrFrameTooLarge
			return
		}

		buf := make([]byte, length)
		if _, err := io.ReadFull(nf.r, buf); err != nil {
			closeErr = err
			return
		}
		if buf[length-1] != 0 {
			closeErr = ErrMissingTerminator
			return
		}
		payload := buf[:length-1]
		if nf.OnMessage != nil {
			nf.OnMessage(payload)
		}
	}
}

// Close tears down the connection once, invoking OnClosed.
func (nf *NetFrame) Close(err error) error {
	nf.mu.Lock()
	if nf.closed {
		nf.mu.Unlock()
		return nil
	}
	nf.closed = true
	nf.mu.Unlock()

	cerr := nf.conn.Close()
	if nf.OnClosed != nil {
		nf.OnClosed(err)
	}
	return cerr
}

func isBrokenPipe(err error) bool {
	if errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset")
}
