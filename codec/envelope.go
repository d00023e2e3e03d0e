// Package codec implements the two serialization layers of the Cast v2
// wire protocol: the length-prefixed binary envelope framing (this file)
// and the JSON payload shapes carried inside each envelope (payload.go).
//
// Frame format:
//
//	0         4                                N+4
//	┌─────────┬──────────────────────────────────┐
//	│ length  │   serialized envelope (N bytes)   │
//	│ uint32  │                                    │
//	└─────────┴──────────────────────────────────┘
//
// The serialized envelope itself is a small length-prefixed binary
// encoding of each field.
package codec

import (
	"encoding/binary"
	"io"

	"github.com/castmaster/gocast/casterr"
)

// ProtocolVersion identifies the envelope wire format. Only one value is
// known to this module.
type ProtocolVersion byte

const CastV2_1_0 ProtocolVersion = 1

// PayloadType tags which of PayloadUTF8/PayloadBinary is populated.
type PayloadType byte

const (
	PayloadText   PayloadType = 0
	PayloadBinary PayloadType = 1
)

// BroadcastDestination is the special destination id meaning "all virtual
// sessions", the one string field the protocol allows to stand in for an
// otherwise-required non-empty identifier.
const BroadcastDestination = "*"

// LengthPrefixSize is the size in bytes of the frame's length prefix.
const LengthPrefixSize = 4

// DefaultMaxFrameSize is the default upper bound on a single frame body.
const DefaultMaxFrameSize uint32 = 65536

// Envelope is the logical unit of Cast v2 wire traffic: a versioned,
// addressed, namespaced carrier for exactly one of a text or binary
// payload.
type Envelope struct {
	ProtocolVersion ProtocolVersion
	SourceID        string
	DestinationID   string
	Namespace       string
	PayloadType     PayloadType
	PayloadUTF8     string
	PayloadBinary   []byte
}

// Validate checks the envelope invariants from the data model: exactly one
// payload field populated consistent with PayloadType, and all string
// fields non-empty except DestinationID, which may be the broadcast
// destination "*".
func (e *Envelope) Validate() error {
	if e.SourceID == "" {
		return casterr.Protocolf("envelope: empty source_id")
	}
	if e.DestinationID == "" {
		return casterr.Protocolf("envelope: empty destination_id")
	}
	if e.Namespace == "" {
		return casterr.Protocolf("envelope: empty namespace")
	}
	switch e.PayloadType {
	case PayloadText:
		if e.PayloadBinary != nil {
			return casterr.Protocolf("envelope: binary payload set on a TEXT envelope")
		}
	case PayloadBinary:
		if e.PayloadUTF8 != "" {
			return casterr.Protocolf("envelope: text payload set on a BINARY envelope")
		}
	default:
		return casterr.Protocolf("envelope: unknown payload type %d", e.PayloadType)
	}
	return nil
}

// EncodeFrame writes the 4-byte length prefix followed by the serialized
// envelope in a single logical write. maxFrameSize of 0 means
// DefaultMaxFrameSize.
func EncodeFrame(w io.Writer, env *Envelope, maxFrameSize uint32) error {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if err := env.Validate(); err != nil {
		return err
	}
	body, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return casterr.Protocolf("frame: zero-length body")
	}
	if uint32(len(body)) > maxFrameSize {
		return casterr.Protocolf("frame: body of %d bytes exceeds max frame size %d", len(body), maxFrameSize)
	}

	frame := make([]byte, LengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(frame[:LengthPrefixSize], uint32(len(body)))
	copy(frame[LengthPrefixSize:], body)

	if _, err := w.Write(frame); err != nil {
		return casterr.IO(err)
	}
	return nil
}

// DecodeFrame reads exactly one frame: 4 bytes of length, then exactly that
// many bytes of serialized envelope. Partial reads surface as IoError;
// frames over maxFrameSize (0 means DefaultMaxFrameSize) fail with
// ProtocolError without consuming the oversized body.
func DecodeFrame(r io.Reader, maxFrameSize uint32) (*Envelope, error) {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	lenBuf := make([]byte, LengthPrefixSize)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, casterr.IO(err)
	}
	n := binary.BigEndian.Uint32(lenBuf)
	if n == 0 {
		return nil, casterr.Protocolf("frame: zero-length frame")
	}
	if n > maxFrameSize {
		return nil, casterr.Protocolf("frame: advertised length %d exceeds max frame size %d", n, maxFrameSize)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, casterr.IO(err)
	}
	return unmarshalEnvelope(body)
}

// marshalEnvelope encodes an Envelope's fields as a sequence of 2-byte
// length-prefixed strings plus a 4-byte length-prefixed payload.
func marshalEnvelope(e *Envelope) ([]byte, error) {
	payload := []byte(e.PayloadUTF8)
	if e.PayloadType == PayloadBinary {
		payload = e.PayloadBinary
	}

	total := 1 /* version */ +
		2 + len(e.SourceID) +
		2 + len(e.DestinationID) +
		2 + len(e.Namespace) +
		1 /* payload type */ +
		4 + len(payload)
	buf := make([]byte, total)
	off := 0

	buf[off] = byte(e.ProtocolVersion)
	off++

	off = putString(buf, off, e.SourceID)
	off = putString(buf, off, e.DestinationID)
	off = putString(buf, off, e.Namespace)

	buf[off] = byte(e.PayloadType)
	off++

	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(payload)))
	off += 4
	copy(buf[off:], payload)

	return buf, nil
}

func unmarshalEnvelope(data []byte) (*Envelope, error) {
	e := &Envelope{}
	off := 0

	if off+1 > len(data) {
		return nil, casterr.Protocolf("envelope: truncated version")
	}
	e.ProtocolVersion = ProtocolVersion(data[off])
	off++

	var s string
	var err error

	s, off, err = getString(data, off)
	if err != nil {
		return nil, err
	}
	e.SourceID = s

	s, off, err = getString(data, off)
	if err != nil {
		return nil, err
	}
	e.DestinationID = s

	s, off, err = getString(data, off)
	if err != nil {
		return nil, err
	}
	e.Namespace = s

	if off+1 > len(data) {
		return nil, casterr.Protocolf("envelope: truncated payload type")
	}
	e.PayloadType = PayloadType(data[off])
	off++

	if off+4 > len(data) {
		return nil, casterr.Protocolf("envelope: truncated payload length")
	}
	plen := binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	if off+int(plen) > len(data) {
		return nil, casterr.Protocolf("envelope: truncated payload body")
	}
	payload := data[off : off+int(plen)]

	switch e.PayloadType {
	case PayloadText:
		e.PayloadUTF8 = string(payload)
	case PayloadBinary:
		e.PayloadBinary = append([]byte(nil), payload...)
	default:
		return nil, casterr.Protocolf("envelope: unknown payload type %d", e.PayloadType)
	}

	return e, nil
}

func putString(buf []byte, off int, s string) int {
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(s)))
	off += 2
	copy(buf[off:off+len(s)], s)
	return off + len(s)
}

func getString(data []byte, off int) (string, int, error) {
	if off+2 > len(data) {
		return "", 0, casterr.Protocolf("envelope: truncated string length")
	}
	n := int(binary.BigEndian.Uint16(data[off : off+2]))
	off += 2
	if off+n > len(data) {
		return "", 0, casterr.Protocolf("envelope: truncated string body")
	}
	return string(data[off : off+n]), off + n, nil
}

