// Package famevent defines the closed event alphabet posted to clients.
//
// Events are values, not objects: they carry no payload beyond their tag,
// matching the wire codes in the protocol (see internal/session).
package famevent

// Kind is one tag drawn from the closed event set.
type Kind int

const (
	// Changed means a monitored entity's attributes, content or size differ
	// from the last observed stat.
	Changed Kind = iota
	// Deleted means a monitored entity that existed no longer does.
	Deleted
	// Executing means a process has started running a monitored file as
	// an image.
	Executing
	// Exited means no process is running a monitored file as an image
	// any more.
	Exited
	// Created means a monitored entity that did not exist now does.
	Created
	// Acknowledge confirms a cancel, or reports a per-request error back to
	// the client on its own request id.
	Acknowledge
	// Exists reports a pre-existing directory entry found during the
	// initial enumeration of a directory.
	Exists
	// EndExist marks the end of the initial enumeration of a directory.
	EndExist
)

// wireCode is the single-byte protocol code for each Kind.
var wireCode = map[Kind]byte{
	Changed:     'c',
	Deleted:     'A',
	Executing:   'X',
	Exited:      'Q',
	Created:     'F',
	Acknowledge: 'G',
	Exists:      'e',
	EndExist:    'P',
}

// WireCode returns the single byte code used to frame this event on the
// wire. Created-during-enumeration and Exists-during-enumeration share the
// tag space with Changed/Deleted but use their own letters.
func (k Kind) WireCode() byte {
	c, ok := wireCode[k]
	if !ok {
		panic("famevent: unknown event kind")
	}
	return c
}

// String names the event for logging.
func (k Kind) String() string {
	switch k {
	case Changed:
		return "Changed"
	case Deleted:
		return "Deleted"
	case Executing:
		return "Executing"
	case Exited:
		return "Exited"
	case Created:
		return "Created"
	case Acknowledge:
		return "Acknowledge"
	case Exists:
		return "Exists"
	case EndExist:
		return "EndExist"
	default:
		return "Unknown"
	}
}
