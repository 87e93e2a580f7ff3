// Package frame defines the on-wire frame (spec §3, §6): the logical unit
// exchanged between two ATTP sessions. Transports (package transport) are
// responsible for framing these fields bit-exactly on the underlying byte
// stream; this package only carries the decoded fields.
package frame

import (
	"crypto/rand"
	"fmt"
)

// CommandType is the frame's on-wire command byte.
type CommandType uint8

const (
	// AUTH initiates authentication. Always carries route id 1.
	AUTH CommandType = iota + 1
	// READY marks handshake completion. Always carries route id 0.
	READY
	// DISCONNECT requests a clean session shutdown.
	DISCONNECT
	// CALL is a correlated request; requires a correlation id.
	CALL
	// EMIT is a fire-and-forget event; must not carry a correlation id.
	EMIT
	// ACK is a successful CALL reply.
	ACK
	// ERR carries a correlation id iff it answers a correlated request.
	ERR
	// DEFER signals backpressure; the caller should keep waiting.
	DEFER
	// STREAMBOS opens a server stream reusing the CALL's correlation id.
	STREAMBOS
	// CHUNK carries one item of a server stream.
	CHUNK
	// STREAMEOS terminates a server stream.
	STREAMEOS
)

func (c CommandType) String() string {
	switch c {
	case AUTH:
		return "AUTH"
	case READY:
		return "READY"
	case DISCONNECT:
		return "DISCONNECT"
	case CALL:
		return "CALL"
	case EMIT:
		return "EMIT"
	case ACK:
		return "ACK"
	case ERR:
		return "ERR"
	case DEFER:
		return "DEFER"
	case STREAMBOS:
		return "STREAMBOS"
	case CHUNK:
		return "CHUNK"
	case STREAMEOS:
		return "STREAMEOS"
	default:
		return "UNKNOWN"
	}
}

// IsResponseClass reports whether command_type belongs to the response
// class the frame dispatcher feeds to the ack gate (spec §4.7):
// ACK, DEFER, STREAMBOS, CHUNK, STREAMEOS. ERR is not in this set; the
// dispatcher routes a correlated ERR separately.
func (c CommandType) IsResponseClass() bool {
	switch c {
	case ACK, DEFER, STREAMBOS, CHUNK, STREAMEOS:
		return true
	default:
		return false
	}
}

// CorrelationID is the 16-byte opaque identifier matching a CALL with its
// ACK/ERR/DEFER/stream frames (spec §3). The zero value means "absent";
// Frame.HasCorrelation disambiguates an absent id from a present-but-zero
// one (astronomically unlikely from NewCorrelationID, but not excluded by
// the wire format).
type CorrelationID [16]byte

// NewCorrelationID generates a fresh random correlation id.
func NewCorrelationID() (CorrelationID, error) {
	var id CorrelationID
	if _, err := rand.Read(id[:]); err != nil {
		return CorrelationID{}, fmt.Errorf("generate correlation id: %w", err)
	}
	return id, nil
}

func (c CorrelationID) String() string {
	return fmt.Sprintf("%x", [16]byte(c))
}

// Version is the 2-byte (major, minor) wire version tuple.
type Version struct {
	Major uint8
	Minor uint8
}

// DefaultVersion is the protocol version this package speaks.
var DefaultVersion = Version{Major: 1, Minor: 0}

// Frame is the decoded on-wire unit exchanged between two ATTP sessions.
type Frame struct {
	RouteID        uint64
	Command        CommandType
	CorrelationID  CorrelationID
	HasCorrelation bool
	Payload        []byte
	Version        Version
}

// HasPayload reports whether the frame carries a non-nil payload. An
// empty-but-non-nil payload is distinct from an absent one (e.g. an ACK
// with an empty return value vs. one with none at all).
func (f Frame) HasPayload() bool {
	return f.Payload != nil
}

// New builds a Frame with the default version.
func New(routeID uint64, cmd CommandType, payload []byte) Frame {
	return Frame{RouteID: routeID, Command: cmd, Payload: payload, Version: DefaultVersion}
}

// WithCorrelation returns a copy of f carrying the given correlation id.
func (f Frame) WithCorrelation(cid CorrelationID) Frame {
	f.CorrelationID = cid
	f.HasCorrelation = true
	return f
}

// Validate enforces the command-specific correlation-id contract of spec
// §6: CALL requires one, EMIT must not carry one.
func (f Frame) Validate() error {
	switch f.Command {
	case CALL:
		if !f.HasCorrelation {
			return fmt.Errorf("frame: CALL requires a correlation id")
		}
	case EMIT:
		if f.HasCorrelation {
			return fmt.Errorf("frame: EMIT must not carry a correlation id")
		}
	}
	return nil
}
