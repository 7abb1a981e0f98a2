// Package cube implements the Cube binary container: a fixed 1024-byte
// record with positional and TLV fields, proof-of-work admission gating,
// and MUC-family signatures (spec §3.1, §4.1, §6.1).
package cube

import "fmt"

// Size is the fixed on-wire size of every Cube, in bytes.
const Size = 1024

// Version is the only cube format version this codec understands.
const Version uint8 = 1

// Kind is the cube family encoded in the high bits of the type byte.
type Kind uint8

const (
	KindFrozen Kind = 0
	KindPIC    Kind = 1
	KindMUC    Kind = 2
	KindPMUC   Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindFrozen:
		return "FROZEN"
	case KindPIC:
		return "PIC"
	case KindMUC:
		return "MUC"
	case KindPMUC:
		return "PMUC"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// IsMUCFamily reports whether a kind carries a positional public key front
// field and a positional signature back field (spec §6.1).
func (k Kind) IsMUCFamily() bool {
	return k == KindMUC || k == KindPMUC
}

// Type is the single type byte: version<<4 | kind<<2 | notify-bit.
type Type byte

// MakeType packs a Type byte per spec §6.1.
func MakeType(kind Kind, notify bool) Type {
	b := Version<<4 | uint8(kind)<<2
	if notify {
		b |= 1
	}
	return Type(b)
}

func (t Type) Version() uint8 { return uint8(t) >> 4 }
func (t Type) Kind() Kind      { return Kind((uint8(t) >> 2) & 0x3) }
func (t Type) Notify() bool    { return uint8(t)&0x1 == 1 }

// TLVType is the 6-bit TLV field type tag (spec §6.1).
type TLVType uint8

const (
	TLVPadding         TLVType = 0
	TLVApplication     TLVType = 1
	TLVContentName     TLVType = 2
	TLVDescription     TLVType = 3
	TLVPayload         TLVType = 4
	TLVMediaType       TLVType = 5
	TLVUsername        TLVType = 6
	TLVRelatesTo       TLVType = 7
	TLVNotify          TLVType = 8
	TLVDate            TLVType = 9
	TLVPMUCUpdateCount TLVType = 10
	TLVSubkeySeed      TLVType = 11

	// TLVAppSpecificStart is the first code reserved for application-defined
	// fields; the grammar stores any field at or above this verbatim on
	// decode even when the local build doesn't recognize it (spec §4.1.3).
	TLVAppSpecificStart TLVType = 32

	// tlvTypeMask is the 6-bit mask for the type portion of a TLV header.
	tlvTypeMask = 0x3F
	// tlvLengthMask is the 10-bit mask for the length portion.
	tlvLengthMask = 0x3FF
	// tlvMaxLength is the largest value representable in 10 bits.
	tlvMaxLength = tlvLengthMask
)

var knownTLVNames = map[TLVType]string{
	TLVPadding:         "PADDING",
	TLVApplication:     "APPLICATION",
	TLVContentName:     "CONTENT_NAME",
	TLVDescription:     "DESCRIPTION",
	TLVPayload:         "PAYLOAD",
	TLVMediaType:       "MEDIA_TYPE",
	TLVUsername:        "USERNAME",
	TLVRelatesTo:       "RELATES_TO",
	TLVNotify:          "NOTIFY",
	TLVDate:            "DATE",
	TLVPMUCUpdateCount: "PMUC_UPDATE_COUNT",
	TLVSubkeySeed:      "SUBKEY_SEED",
}

func (t TLVType) String() string {
	if n, ok := knownTLVNames[t]; ok {
		return n
	}
	return fmt.Sprintf("TLV(%d)", uint8(t))
}

// ParserKind selects which field table a cube was (de)serialized with
// (spec §4.1 "two parser tables exist").
type ParserKind uint8

const (
	// ParserCore treats the TLV body as opaque — used by forwarding-only
	// nodes that never need application semantics.
	ParserCore ParserKind = iota
	// ParserCCI fully parses the TLV body into typed fields.
	ParserCCI
)
