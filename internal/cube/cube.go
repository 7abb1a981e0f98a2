package cube

import (
	"crypto/ed25519"
	"time"

	"verity/internal/verrors"
)

// dateFieldSize is the fixed 5-byte big-endian Unix-seconds back field
// (spec §6.1). 5 bytes covers timestamps well past the year 10000.
const dateFieldSize = 5

// nonceFieldSize is the fixed 4-byte PoW nonce back field (spec §6.1).
const nonceFieldSize = 4

// signatureFieldSize is the fixed ed25519 signature back field, present
// only for MUC-family cubes (spec §6.1).
const signatureFieldSize = 64

// frontFieldSize is the positional front region for MUC-family cubes: the
// 32-byte owner public key (spec §6.1).
const frontFieldSize = KeySize

// Cube is the in-memory, parsed representation of a 1024-byte container.
// A Cube produced by Decode with ParserCore never populates fields; its
// TLV body is kept as an opaque blob in rawTLV instead (spec §4.1).
type Cube struct {
	typ       Type
	publicKey [KeySize]byte // MUC family only

	parser ParserKind
	fields []Field // populated when parser == ParserCCI
	rawTLV []byte  // populated when parser == ParserCore

	date      uint64 // unix seconds
	nonce     uint32
	signature [signatureFieldSize]byte // MUC family only
}

// New creates an empty cube of the given kind, ready to have fields added
// and then be Encoded.
func New(kind Kind, notify bool) *Cube {
	return &Cube{
		typ:    MakeType(kind, notify),
		parser: ParserCCI,
	}
}

func (c *Cube) Type() Type { return c.typ }
func (c *Cube) Kind() Kind { return c.typ.Kind() }
func (c *Cube) Parser() ParserKind { return c.parser }

// PublicKey returns the owner key for MUC-family cubes; zero otherwise.
func (c *Cube) PublicKey() [KeySize]byte { return c.publicKey }

// SetPublicKey sets the owner key; only meaningful for MUC-family cubes.
func (c *Cube) SetPublicKey(pk ed25519.PublicKey) error {
	if !c.Kind().IsMUCFamily() {
		return verrors.Codec("cannot set public key on %s cube", c.Kind())
	}
	if len(pk) != KeySize {
		return verrors.Codec("public key must be %d bytes, got %d", KeySize, len(pk))
	}
	copy(c.publicKey[:], pk)
	return nil
}

func (c *Cube) Date() time.Time { return time.Unix(int64(c.date), 0).UTC() }
func (c *Cube) SetDate(t time.Time) { c.date = uint64(t.Unix()) }

func (c *Cube) Nonce() uint32 { return c.nonce }

// Signature returns the MUC-family signature back field.
func (c *Cube) Signature() [signatureFieldSize]byte { return c.signature }

// Fields returns the parsed TLV field list (ParserCCI cubes only).
func (c *Cube) Fields() []Field {
	if c.parser != ParserCCI {
		return nil
	}
	return c.fields
}

// RawTLV returns the opaque TLV body (ParserCore cubes only).
func (c *Cube) RawTLV() []byte { return c.rawTLV }

// AddField appends a TLV field in insertion order. RELATES_TO fields are
// cardinality-checked against the relationship type they carry (spec §3.4).
func (c *Cube) AddField(t TLVType, value []byte) error {
	if c.parser != ParserCCI {
		return verrors.Codec("cannot add fields to a core-parsed cube")
	}
	if t == TLVRelatesTo {
		rel, err := decodeRelationship(value)
		if err != nil {
			return err
		}
		if err := checkRelationshipCardinality(c.fields, rel.Type); err != nil {
			return err
		}
	}
	c.fields = append(c.fields, Field{Type: t, Value: append([]byte(nil), value...)})
	return nil
}

// AddRelationship appends a RELATES_TO field referencing remoteKey.
func (c *Cube) AddRelationship(rt RelationshipType, remoteKey [KeySize]byte) error {
	return c.AddField(TLVRelatesTo, encodeRelationship(Relationship{Type: rt, RemoteKey: remoteKey}))
}

// Relationships returns every RELATES_TO field, decoded.
func (c *Cube) Relationships() []Relationship {
	var out []Relationship
	for _, f := range c.fields {
		if f.Type != TLVRelatesTo {
			continue
		}
		if rel, err := decodeRelationship(f.Value); err == nil {
			out = append(out, rel)
		}
	}
	return out
}

// Field returns the first field of type t, if any.
func (c *Cube) Field(t TLVType) ([]byte, bool) {
	for _, f := range c.fields {
		if f.Type == t {
			return f.Value, true
		}
	}
	return nil, false
}

// NotifyKey returns the cube's NOTIFY field value, if present.
func (c *Cube) NotifyKey() ([KeySize]byte, bool) {
	var key [KeySize]byte
	v, ok := c.Field(TLVNotify)
	if !ok || len(v) != KeySize {
		return key, false
	}
	copy(key[:], v)
	return key, true
}

// PMUCUpdateCount returns the PMUC_UPDATE_COUNT field, 0 if absent.
func (c *Cube) PMUCUpdateCount() uint64 {
	v, ok := c.Field(TLVPMUCUpdateCount)
	if !ok {
		return 0
	}
	var n uint64
	for _, b := range v {
		n = n<<8 | uint64(b)
	}
	return n
}
