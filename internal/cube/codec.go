package cube

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"time"

	"verity/internal/verrors"
)

// layout describes the fixed byte offsets for a given kind (spec §6.1).
type layout struct {
	frontSize int // type byte + optional public key
	tlvSize   int
	backSize  int // date + nonce + optional signature
}

func layoutFor(kind Kind) layout {
	front := 1
	back := dateFieldSize + nonceFieldSize
	if kind.IsMUCFamily() {
		front += frontFieldSize
		back += signatureFieldSize
	}
	return layout{
		frontSize: front,
		tlvSize:   Size - front - back,
		backSize:  back,
	}
}

// EncodeOptions parameterizes Encode (spec §4.1 "encode contract").
type EncodeOptions struct {
	// RequiredDifficulty is the minimum number of leading zero bits the
	// sealed cube's content hash must have.
	RequiredDifficulty int
	// SigningKey signs MUC-family cubes; ignored for FROZEN/PIC.
	SigningKey ed25519.PrivateKey
	// Now overrides the DATE field when non-zero; defaults to time.Now().
	Now time.Time
}

// Encode serializes c into exactly Size bytes, performing proof-of-work
// and (for MUC-family cubes) signing, per spec §4.1.
func Encode(ctx context.Context, c *Cube, opts EncodeOptions) ([]byte, error) {
	kind := c.Kind()
	lay := layoutFor(kind)

	if kind.IsMUCFamily() {
		if opts.SigningKey == nil {
			return nil, verrors.Crypto("muc-family cube requires a signing key")
		}
		pub := opts.SigningKey.Public().(ed25519.PublicKey)
		if err := c.SetPublicKey(pub); err != nil {
			return nil, err
		}
	}

	if c.date == 0 {
		now := opts.Now
		if now.IsZero() {
			now = time.Now()
		}
		c.SetDate(now)
	}

	tlvBytes, err := encodeFieldsWithPadding(c.fields, lay.tlvSize)
	if err != nil {
		return nil, verrors.Codec("encode tlv region: %v", err)
	}

	buf := make([]byte, 0, Size)
	buf = append(buf, byte(c.typ))
	if kind.IsMUCFamily() {
		buf = append(buf, c.publicKey[:]...)
	}
	buf = append(buf, tlvBytes...)
	buf = append(buf, encodeDate(c.date)...)
	nonceOffset := len(buf)
	buf = append(buf, make([]byte, nonceFieldSize)...) // nonce placeholder
	if kind.IsMUCFamily() {
		buf = append(buf, make([]byte, signatureFieldSize)...) // signature placeholder
	}
	if len(buf) != Size {
		return nil, verrors.Codec("internal error: assembled %d bytes, want %d", len(buf), Size)
	}

	nonce, err := seal(ctx, buf, nonceOffset, opts.RequiredDifficulty)
	if err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(buf[nonceOffset:nonceOffset+nonceFieldSize], nonce)
	c.nonce = nonce

	if kind.IsMUCFamily() {
		sig := ed25519.Sign(opts.SigningKey, buf)
		copy(buf[Size-signatureFieldSize:], sig)
		copy(c.signature[:], sig)
	}

	return buf, nil
}

// seal varies the nonce field in place until the hash of buf has at least
// requiredDifficulty leading zero bits, leaving the winning nonce in buf and
// returning it,
// honoring ctx cancellation between batches so PoW search never blocks a
// scheduler indefinitely (spec §5 "suspends between nonce batches").
func seal(ctx context.Context, buf []byte, nonceOffset, requiredDifficulty int) (uint32, error) {
	const batch = 1 << 16
	var nonce uint32
	for {
		for i := 0; i < batch; i++ {
			binary.BigEndian.PutUint32(buf[nonceOffset:nonceOffset+nonceFieldSize], nonce)
			if leadingZeroBits(contentHash(buf)) >= requiredDifficulty {
				return nonce, nil
			}
			if nonce == ^uint32(0) {
				return 0, verrors.Difficulty(0, requiredDifficulty)
			}
			nonce++
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
	}
}

func encodeDate(unixSeconds uint64) []byte {
	out := make([]byte, dateFieldSize)
	v := unixSeconds
	for i := dateFieldSize - 1; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

func decodeDate(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// Decode parses exactly Size bytes into a Cube using the given parser
// table, then verifies proof-of-work and (for MUC-family cubes) the
// signature against the embedded public key (spec §4.1 "decode contract").
func Decode(data []byte, parser ParserKind, requiredDifficulty int) (*Cube, error) {
	if len(data) != Size {
		return nil, verrors.Codec("cube must be exactly %d bytes, got %d", Size, len(data))
	}
	typ := Type(data[0])
	if typ.Version() != Version {
		return nil, verrors.Codec("unsupported cube version %d", typ.Version())
	}
	kind := typ.Kind()
	lay := layoutFor(kind)

	c := &Cube{typ: typ, parser: parser}

	off := 1
	if kind.IsMUCFamily() {
		copy(c.publicKey[:], data[off:off+frontFieldSize])
		off += frontFieldSize
	}

	tlvRegion := data[off : off+lay.tlvSize]
	off += lay.tlvSize

	c.date = decodeDate(data[off : off+dateFieldSize])
	off += dateFieldSize
	nonceOffset := off
	c.nonce = binary.BigEndian.Uint32(data[off : off+nonceFieldSize])
	off += nonceFieldSize
	if kind.IsMUCFamily() {
		copy(c.signature[:], data[off:off+signatureFieldSize])
		off += signatureFieldSize
	}
	if off != Size {
		return nil, verrors.Codec("internal error: consumed %d of %d bytes", off, Size)
	}

	switch parser {
	case ParserCore:
		c.rawTLV = append([]byte(nil), tlvRegion...)
	case ParserCCI:
		fields, err := decodeFields(tlvRegion)
		if err != nil {
			return nil, err
		}
		c.fields = fields
	}

	// Verification (spec §4.1 step 4).
	preSig := append([]byte(nil), data...)
	if kind.IsMUCFamily() {
		for i := Size - signatureFieldSize; i < Size; i++ {
			preSig[i] = 0
		}
	}
	_ = nonceOffset
	if got := leadingZeroBits(contentHash(preSig)); got < requiredDifficulty {
		return nil, verrors.Difficulty(got, requiredDifficulty)
	}
	if kind.IsMUCFamily() {
		if !ed25519.Verify(ed25519.PublicKey(c.publicKey[:]), preSig, c.signature[:]) {
			return nil, verrors.Signature("muc signature does not verify against embedded public key")
		}
	}

	return c, nil
}

// Key returns the cube's content-addressed key (spec §3.2): the content
// hash for FROZEN/PIC, or the owner public key for MUC/PMUC.
func Key(c *Cube, encoded []byte) [KeySize]byte {
	if c.Kind().IsMUCFamily() {
		return c.publicKey
	}
	return contentHash(encoded)
}
