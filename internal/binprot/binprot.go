// Package binprot implements the memcached binary protocol wire framing:
// the fixed 24-byte header, the opcode table the A2B translator dispatches
// on, and encode/decode helpers. Grounded on spec.md's "Downstream wire
// protocol (binary)" section and the A2BSpec opcode table in
// cproxy_protocol_a2b.c. This is the one package in the module built
// directly on encoding/binary rather than a pack dependency: none of the
// teacher or pack repos carry a memcached binary-protocol codec, and the
// format is a fixed 24-byte struct better served by explicit field-at-a-
// time encode/decode than by a general-purpose binary-tag library.
package binprot

import (
	"encoding/binary"
	"errors"
	"io"
)

// Magic byte values distinguishing request and response packets.
const (
	MagicRequest  byte = 0x80
	MagicResponse byte = 0x81
)

// Opcode identifies the operation a binary packet carries.
type Opcode byte

const (
	OpGet     Opcode = 0x00
	OpSet     Opcode = 0x01
	OpAdd     Opcode = 0x02
	OpReplace Opcode = 0x03
	OpDelete  Opcode = 0x04
	OpIncr    Opcode = 0x05
	OpDecr    Opcode = 0x06
	OpQuit    Opcode = 0x07
	OpFlush   Opcode = 0x08
	OpGetQ    Opcode = 0x09
	OpNoop    Opcode = 0x0a
	OpVersion Opcode = 0x0b
	OpGetK    Opcode = 0x0c
	OpGetKQ   Opcode = 0x0d
	OpAppend  Opcode = 0x0e
	OpPrepend Opcode = 0x0f
	OpStat    Opcode = 0x10
	OpSetQ     Opcode = 0x11
	OpAddQ     Opcode = 0x12
	OpReplaceQ Opcode = 0x13
	OpDeleteQ  Opcode = 0x14
	OpIncrQ    Opcode = 0x15
	OpDecrQ    Opcode = 0x16
	OpQuitQ    Opcode = 0x17
	OpFlushQ   Opcode = 0x18
	OpAppendQ  Opcode = 0x19
	OpPrependQ Opcode = 0x1a
)

// Status is the 16-bit response status field.
type Status uint16

const (
	StatusOK           Status = 0x0000
	StatusKeyNotFound  Status = 0x0001
	StatusKeyExists    Status = 0x0002
	StatusValueTooBig  Status = 0x0003
	StatusInvalidArgs  Status = 0x0004
	StatusNotStored    Status = 0x0005
	StatusNonNumeric   Status = 0x0006
	StatusUnknownCmd   Status = 0x0081
	StatusOutOfMemory  Status = 0x0082
)

// HeaderLen is the fixed binary protocol header size in bytes.
const HeaderLen = 24

// Header is the 24-byte binary protocol header common to requests and
// responses. Status is meaningful only on responses; its two bytes are
// unused on requests.
type Header struct {
	Magic    byte
	Opcode   Opcode
	KeyLen   uint16
	ExtLen   uint8
	DataType uint8
	Status   Status // request packets leave this zero
	BodyLen  uint32
	Opaque   uint32
	CAS      uint64
}

// Encode serializes h into a 24-byte frame.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderLen)
	buf[0] = h.Magic
	buf[1] = byte(h.Opcode)
	binary.BigEndian.PutUint16(buf[2:4], h.KeyLen)
	buf[4] = h.ExtLen
	buf[5] = h.DataType
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Status))
	binary.BigEndian.PutUint32(buf[8:12], h.BodyLen)
	binary.BigEndian.PutUint32(buf[12:16], h.Opaque)
	binary.BigEndian.PutUint64(buf[16:24], h.CAS)
	return buf
}

// ErrShortHeader is returned when fewer than HeaderLen bytes are available.
var ErrShortHeader = errors.New("binprot: short header")

// ErrBadMagic is returned when the magic byte matches neither request nor response.
var ErrBadMagic = errors.New("binprot: bad magic byte")

// DecodeHeader parses a 24-byte frame into a Header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, ErrShortHeader
	}
	h := Header{
		Magic:    buf[0],
		Opcode:   Opcode(buf[1]),
		KeyLen:   binary.BigEndian.Uint16(buf[2:4]),
		ExtLen:   buf[4],
		DataType: buf[5],
		Status:   Status(binary.BigEndian.Uint16(buf[6:8])),
		BodyLen:  binary.BigEndian.Uint32(buf[8:12]),
		Opaque:   binary.BigEndian.Uint32(buf[12:16]),
		CAS:      binary.BigEndian.Uint64(buf[16:24]),
	}
	if h.Magic != MagicRequest && h.Magic != MagicResponse {
		return Header{}, ErrBadMagic
	}
	return h, nil
}

// ReadHeader reads and decodes exactly one header from r.
func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, HeaderLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, err
	}
	return DecodeHeader(buf)
}

// SetExtras packs a uint32 flags + uint32 expiration extras block, the
// shape used by SET/ADD/REPLACE and their quiet variants.
func SetExtras(flags, exptime uint32) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], flags)
	binary.BigEndian.PutUint32(buf[4:8], exptime)
	return buf
}

// IncrDecrExtras packs the 20-byte extras block for INCR/DECR: delta (8
// bytes), initial value (8 bytes), expiration (4 bytes).
func IncrDecrExtras(delta, initial uint64, exptime uint32) []byte {
	buf := make([]byte, 20)
	binary.BigEndian.PutUint64(buf[0:8], delta)
	binary.BigEndian.PutUint64(buf[8:16], initial)
	binary.BigEndian.PutUint32(buf[16:20], exptime)
	return buf
}

// FlushExtras packs the 4-byte expiration extras block used by FLUSH,
// carrying the text command's expiration token; callers that do not want
// to carry an expiration pass 0.
func FlushExtras(exptime uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, exptime)
	return buf
}

// Quiet maps a non-quiet opcode to its quiet counterpart. It reports false
// if op has no quiet variant (e.g. GET, STAT).
func Quiet(op Opcode) (Opcode, bool) {
	switch op {
	case OpSet:
		return OpSetQ, true
	case OpAdd:
		return OpAddQ, true
	case OpReplace:
		return OpReplaceQ, true
	case OpDelete:
		return OpDeleteQ, true
	case OpIncr:
		return OpIncrQ, true
	case OpDecr:
		return OpDecrQ, true
	case OpGetK:
		return OpGetKQ, true
	case OpAppend:
		return OpAppendQ, true
	case OpPrepend:
		return OpPrependQ, true
	case OpFlush:
		return OpFlushQ, true
	case OpQuit:
		return OpQuitQ, true
	}
	return op, false
}

// Unquiet maps a quiet opcode back to its non-quiet form, the mapping
// process_bin_noreply performs on every inbound response header. It
// returns op unchanged (and false) if op is already non-quiet.
func Unquiet(op Opcode) (Opcode, bool) {
	switch op {
	case OpSetQ:
		return OpSet, true
	case OpAddQ:
		return OpAdd, true
	case OpReplaceQ:
		return OpReplace, true
	case OpDeleteQ:
		return OpDelete, true
	case OpIncrQ:
		return OpIncr, true
	case OpDecrQ:
		return OpDecr, true
	case OpGetKQ:
		return OpGetK, true
	case OpAppendQ:
		return OpAppend, true
	case OpPrependQ:
		return OpPrepend, true
	case OpFlushQ:
		return OpFlush, true
	case OpQuitQ:
		return OpQuit, true
	}
	return op, false
}

// IsQuiet reports whether op is a quiet variant.
func IsQuiet(op Opcode) bool {
	_, ok := Unquiet(op)
	return ok
}
