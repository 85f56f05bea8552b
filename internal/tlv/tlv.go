// Package tlv implements the short-form Thread TLV (type, length, value)
// wire encoding used by every CoAP payload in the Backbone Border
// Router engine.
//
// Layout: type:u8 | length:u8 | value:length bytes. Extended length
// (length == 0xFF followed by a u16 length) is not part of this
// protocol's wire grammar and is rejected rather than parsed.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ExtendedLengthMarker is the reserved length byte that would
// introduce a 16-bit extended length field in full Thread TLVs. This
// protocol never uses it; encountering it is an error (spec.md §4.1,
// §9 Open Question c).
const ExtendedLengthMarker = 0xFF

// Errors returned while parsing a TLV list.
var (
	ErrTruncatedHeader  = errors.New("tlv: truncated header")
	ErrTruncatedValue   = errors.New("tlv: length exceeds remaining buffer")
	ErrExtendedLength   = errors.New("tlv: extended-length TLVs are not supported on this wire")
	ErrNotFound         = errors.New("tlv: type not present")
)

// TLV is a single decoded type-length-value record. Value aliases the
// backing buffer; callers that retain a TLV past the lifetime of the
// decoded payload should copy Value.
type TLV struct {
	Type   uint8
	Length uint8
	Value  []byte
}

// Build constructs a TLV from its components. It panics if len(value)
// exceeds 0xFE, since 0xFF is the reserved ExtendedLengthMarker — callers control both type and value size
// at compile time for every sub-TLV this engine emits.
func Build(t uint8, value []byte) TLV {
	if len(value) > 0xFE {
		panic(fmt.Sprintf("tlv: value too long for short form: %d bytes", len(value)))
	}
	return TLV{Type: t, Length: uint8(len(value)), Value: value}
}

// Encode appends the wire representation of the TLV to dst and
// returns the extended slice.
func (t TLV) Encode(dst []byte) []byte {
	dst = append(dst, t.Type, t.Length)
	return append(dst, t.Value...)
}

// BuildU16 builds a 2-byte big-endian TLV (A_RLOC16, A_COMMISSIONER_SESSION_ID).
func BuildU16(t uint8, v uint16) TLV {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	return Build(t, buf)
}

// BuildU32 builds a 4-byte big-endian TLV (A_TIMEOUT, A_TIME_SINCE_LAST_TRANSACTION).
func BuildU32(t uint8, v uint32) TLV {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return Build(t, buf)
}

// BuildU8 builds a 1-byte TLV (A_STATUS).
func BuildU8(t uint8, v uint8) TLV {
	return Build(t, []byte{v})
}

// Encode concatenates the wire representation of a list of TLVs.
func Encode(tlvs ...TLV) []byte {
	var out []byte
	for _, t := range tlvs {
		out = t.Encode(out)
	}
	return out
}

// Parse decodes data into a slice of TLVs. It returns an error as soon
// as a truncated header, an out-of-range length, or an extended-length
// marker is seen; TLVs decoded before the error are still returned so
// callers that want best-effort parsing can use them, but production
// resource handlers treat a non-nil error as a protocol violation.
func Parse(data []byte) ([]TLV, error) {
	var out []TLV
	for len(data) > 0 {
		if len(data) < 2 {
			return out, ErrTruncatedHeader
		}
		length := data[1]
		if length == ExtendedLengthMarker {
			return out, ErrExtendedLength
		}
		if len(data) < 2+int(length) {
			return out, ErrTruncatedValue
		}
		out = append(out, TLV{Type: data[0], Length: length, Value: data[2 : 2+int(length)]})
		data = data[2+int(length):]
	}
	return out, nil
}

// Find returns the first TLV of the given type in tlvs.
func Find(tlvs []TLV, t uint8) (TLV, bool) {
	for _, tl := range tlvs {
		if tl.Type == t {
			return tl, true
		}
	}
	return TLV{}, false
}

// FindValue returns the value bytes of the first TLV of the given type.
func FindValue(tlvs []TLV, t uint8) ([]byte, error) {
	tl, ok := Find(tlvs, t)
	if !ok {
		return nil, fmt.Errorf("%w: type %d", ErrNotFound, t)
	}
	return tl.Value, nil
}

// U32 decodes a 4-byte big-endian value TLV.
func U32(tl TLV) (uint32, error) {
	if tl.Length != 4 {
		return 0, fmt.Errorf("tlv: type %d expected 4 bytes, got %d", tl.Type, tl.Length)
	}
	return binary.BigEndian.Uint32(tl.Value), nil
}

// U16 decodes a 2-byte big-endian value TLV.
func U16(tl TLV) (uint16, error) {
	if tl.Length != 2 {
		return 0, fmt.Errorf("tlv: type %d expected 2 bytes, got %d", tl.Type, tl.Length)
	}
	return binary.BigEndian.Uint16(tl.Value), nil
}
