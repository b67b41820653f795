// Package wire implements the Chord node's datagram codec: the
// fixed-schema, single-datagram wire format every peer message is
// encoded as.
//
// Every message begins with a (type, size) header, both 4-byte
// big-endian unsigned integers, followed by zero or more 4-byte
// big-endian header fields, followed by an optional NUL-terminated
// trailing string that fills out the remainder of the datagram. There
// is no fragmentation: a message that would not fit in one datagram is
// a programming error, not a wire case to handle.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type identifies a message variant on the wire.
type Type uint32

const (
	SuccessorQuery        Type = 1
	JoinSuccessorQuery    Type = 2
	SuccessorResponse     Type = 3
	ChordMapQuery         Type = 4
	ChordMapResponse      Type = 5
	UpdatePredecessor     Type = 6
	UpdatePredecessorAck  Type = 7
	StabilizeRequest      Type = 8
	StabilizeResponse     Type = 9
	FingerQuery           Type = 10
	FingerResponse        Type = 11
)

func (t Type) String() string {
	switch t {
	case SuccessorQuery:
		return "SuccessorQuery"
	case JoinSuccessorQuery:
		return "JoinSuccessorQuery"
	case SuccessorResponse:
		return "SuccessorResponse"
	case ChordMapQuery:
		return "ChordMapQuery"
	case ChordMapResponse:
		return "ChordMapResponse"
	case UpdatePredecessor:
		return "UpdatePredecessor"
	case UpdatePredecessorAck:
		return "UpdatePredecessorAck"
	case StabilizeRequest:
		return "StabilizeRequest"
	case StabilizeResponse:
		return "StabilizeResponse"
	case FingerQuery:
		return "FingerQuery"
	case FingerResponse:
		return "FingerResponse"
	default:
		return fmt.Sprintf("Type(%d)", uint32(t))
	}
}

// headerBytes is the size of the (type, size) preamble every message
// carries, in bytes.
const headerBytes = 8

// fieldBytes is the size of each fixed 4-byte big-endian header field.
const fieldBytes = 4

// ErrMalformed is returned by Decode when a datagram does not parse as
// a well-formed message of its claimed type: truncated header, a
// trailing string missing its NUL terminator, or an unrecognized type.
var ErrMalformed = errors.New("wire: malformed message")

// Message is the tagged union of every variant on the wire. Only the
// fields relevant to Type are meaningful; Encode/Decode never inspect
// fields outside of those named in the table for Type.
type Message struct {
	Type Type

	SearchTerm uint32 // SuccessorQuery, JoinSuccessorQuery, SuccessorResponse, FingerQuery, FingerResponse
	AppPort    uint32 // all variants carrying a sender/responder app port
	Seq        uint32 // ChordMapQuery, ChordMapResponse
	HashedID   uint32 // UpdatePredecessorAck

	// IP carries whichever trailing address string the variant's wire
	// row names: sender IP, responder IP, new-predecessor IP, or (for
	// StabilizeResponse) the predecessor IP, which may be empty.
	IP string
}

// fieldCount returns how many 4-byte header fields (after type and
// size) this message's Type carries on the wire.
func (t Type) fieldCount() (int, bool) {
	switch t {
	case SuccessorQuery, JoinSuccessorQuery, SuccessorResponse, FingerQuery, FingerResponse:
		return 2, true // searchTerm, appPort
	case ChordMapQuery, ChordMapResponse:
		return 1, true // seq
	case UpdatePredecessor, StabilizeRequest, StabilizeResponse:
		return 1, true // appPort
	case UpdatePredecessorAck:
		return 1, true // hashedId
	default:
		return 0, false
	}
}

// hasTrailingString reports whether this Type's wire row names a
// trailing string field. UpdatePredecessorAck is the only variant
// without one.
func (t Type) hasTrailingString() bool {
	return t != UpdatePredecessorAck
}

// Encode serializes m into a single datagram.
func Encode(m Message) ([]byte, error) {
	nFields, ok := m.Type.fieldCount()
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %d", ErrMalformed, m.Type)
	}

	var ipBytes []byte
	if m.Type.hasTrailingString() {
		ipBytes = append([]byte(m.IP), 0)
	}

	size := headerBytes + nFields*fieldBytes + len(ipBytes)
	buf := make([]byte, size)

	binary.BigEndian.PutUint32(buf[0:4], uint32(m.Type))
	binary.BigEndian.PutUint32(buf[4:8], uint32(size))

	off := headerBytes
	putField := func(v uint32) {
		binary.BigEndian.PutUint32(buf[off:off+fieldBytes], v)
		off += fieldBytes
	}

	switch m.Type {
	case SuccessorQuery, JoinSuccessorQuery, SuccessorResponse, FingerQuery, FingerResponse:
		putField(m.SearchTerm)
		putField(m.AppPort)
	case ChordMapQuery, ChordMapResponse:
		putField(m.Seq)
	case UpdatePredecessor, StabilizeRequest, StabilizeResponse:
		putField(m.AppPort)
	case UpdatePredecessorAck:
		putField(m.HashedID)
	}

	if len(ipBytes) > 0 {
		copy(buf[off:], ipBytes)
	}

	return buf, nil
}

// Decode parses a datagram into a Message. It fails with ErrMalformed
// if the datagram is too short for its own header-declared size, if
// size is inconsistent with the type's fixed layout, or if a trailing
// string is not NUL-terminated within the datagram.
func Decode(b []byte) (Message, error) {
	if len(b) < headerBytes {
		return Message{}, fmt.Errorf("%w: datagram shorter than header (%d bytes)", ErrMalformed, len(b))
	}

	typ := Type(binary.BigEndian.Uint32(b[0:4]))
	size := binary.BigEndian.Uint32(b[4:8])

	if int(size) > len(b) {
		return Message{}, fmt.Errorf("%w: declared size %d exceeds datagram length %d", ErrMalformed, size, len(b))
	}
	b = b[:size]

	nFields, ok := typ.fieldCount()
	if !ok {
		return Message{}, fmt.Errorf("%w: unknown type %d", ErrMalformed, typ)
	}

	fieldsEnd := headerBytes + nFields*fieldBytes
	if len(b) < fieldsEnd {
		return Message{}, fmt.Errorf("%w: %s too short for its fixed fields", ErrMalformed, typ)
	}

	fields := make([]uint32, nFields)
	off := headerBytes
	for i := 0; i < nFields; i++ {
		fields[i] = binary.BigEndian.Uint32(b[off : off+fieldBytes])
		off += fieldBytes
	}

	m := Message{Type: typ}

	switch typ {
	case SuccessorQuery, JoinSuccessorQuery, SuccessorResponse, FingerQuery, FingerResponse:
		m.SearchTerm, m.AppPort = fields[0], fields[1]
	case ChordMapQuery, ChordMapResponse:
		m.Seq = fields[0]
	case UpdatePredecessor, StabilizeRequest, StabilizeResponse:
		m.AppPort = fields[0]
	case UpdatePredecessorAck:
		m.HashedID = fields[0]
	}

	if typ.hasTrailingString() {
		trailing := b[fieldsEnd:]
		nul := -1
		for i, c := range trailing {
			if c == 0 {
				nul = i
				break
			}
		}
		if nul < 0 {
			return Message{}, fmt.Errorf("%w: %s trailing string missing NUL terminator", ErrMalformed, typ)
		}
		m.IP = string(trailing[:nul])
	}

	return m, nil
}
