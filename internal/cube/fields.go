package cube

import (
	"encoding/binary"

	"verity/internal/verrors"
)

// Field is a single TLV field: a type tag and its raw value bytes. Unknown
// types are preserved verbatim so decode(encode(x)) round-trips even for
// fields this build doesn't understand (spec §4.1.3).
type Field struct {
	Type  TLVType
	Value []byte
}

// tlvHeaderSize is the fixed 2-byte header preceding every TLV value.
const tlvHeaderSize = 2

// packTLVHeader packs type:6|length:10 into a little-endian uint16, per
// spec §6.1.
func packTLVHeader(t TLVType, length int) ([2]byte, error) {
	var out [2]byte
	if length < 0 || length > tlvMaxLength {
		return out, verrors.Codec("tlv length %d exceeds %d-byte field", length, tlvMaxLength)
	}
	header := uint16(t)&tlvTypeMask | (uint16(length)&tlvLengthMask)<<6
	binary.LittleEndian.PutUint16(out[:], header)
	return out, nil
}

// unpackTLVHeader reverses packTLVHeader.
func unpackTLVHeader(b [2]byte) (TLVType, int) {
	header := binary.LittleEndian.Uint16(b[:])
	t := TLVType(header & tlvTypeMask)
	length := int((header >> 6) & tlvLengthMask)
	return t, length
}

// encodeField writes a field's header+value; returns bytes written.
func encodeField(f Field) ([]byte, error) {
	hdr, err := packTLVHeader(f.Type, len(f.Value))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, tlvHeaderSize+len(f.Value))
	out = append(out, hdr[:]...)
	out = append(out, f.Value...)
	return out, nil
}

// decodeFields parses a TLV region until it is exactly consumed. The region
// must be pre-sliced to the exact number of bytes available for TLV fields
// (i.e. up to the start of the positional back region).
func decodeFields(region []byte) ([]Field, error) {
	var fields []Field
	off := 0
	for off < len(region) {
		if off+tlvHeaderSize > len(region) {
			return nil, verrors.Codec("truncated tlv header at offset %d", off)
		}
		var hdr [2]byte
		copy(hdr[:], region[off:off+tlvHeaderSize])
		t, length := unpackTLVHeader(hdr)
		off += tlvHeaderSize
		if off+length > len(region) {
			return nil, verrors.Codec("tlv field type %s declares length %d past end of region", t, length)
		}
		value := make([]byte, length)
		copy(value, region[off:off+length])
		off += length
		if t == TLVPadding {
			continue // padding carries no semantic content
		}
		fields = append(fields, Field{Type: t, Value: value})
	}
	return fields, nil
}

// encodeFieldsWithPadding serializes fields in order and fills the
// remainder of `want` bytes with a single PADDING field (spec §4.1 step 3).
func encodeFieldsWithPadding(fields []Field, want int) ([]byte, error) {
	out := make([]byte, 0, want)
	for _, f := range fields {
		b, err := encodeField(f)
		if err != nil {
			return nil, err
		}
		if len(out)+len(b) > want {
			return nil, verrors.Codec("field %s overflows available tlv space", f.Type)
		}
		out = append(out, b...)
	}
	remaining := want - len(out) - tlvHeaderSize
	if remaining < 0 {
		return nil, verrors.Codec("insufficient space for padding field (%d bytes free)", want-len(out))
	}
	pad, err := encodeField(Field{Type: TLVPadding, Value: make([]byte, remaining)})
	if err != nil {
		return nil, err
	}
	out = append(out, pad...)
	if len(out) != want {
		return nil, verrors.Codec("internal error: tlv region %d bytes, want %d", len(out), want)
	}
	return out, nil
}
