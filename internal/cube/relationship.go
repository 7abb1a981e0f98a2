package cube

import "verity/internal/verrors"

// RelationshipType is the typed reference carried by a RELATES_TO field
// (spec §3.4).
type RelationshipType uint8

const (
	RelationshipReplyTo RelationshipType = iota
	RelationshipQuotation
	RelationshipMyPost
	RelationshipMention
	RelationshipContinuedIn
	RelationshipReplacedBy
	RelationshipIllustration
	RelationshipSubscriptionRecommendation
)

// relationshipCardinality bounds how many relationships of a given type a
// single cube may carry; 0 means unbounded. Enforced on insertion (spec
// §3.4 "implementations enforce it on insertion").
var relationshipCardinality = map[RelationshipType]int{
	RelationshipReplyTo:                     1,
	RelationshipReplacedBy:                  1,
	RelationshipQuotation:                   0,
	RelationshipMyPost:                      0,
	RelationshipMention:                     0,
	RelationshipContinuedIn:                 1,
	RelationshipIllustration:                0,
	RelationshipSubscriptionRecommendation:  0,
}

// KeySize is the fixed length of a cube key (spec §3.2).
const KeySize = 32

// Relationship is a typed reference from one cube to another.
type Relationship struct {
	Type      RelationshipType
	RemoteKey [KeySize]byte
}

// relatesToValueSize is the fixed TLV value length for RELATES_TO: 1 byte
// type + 32 byte key (spec §6.1).
const relatesToValueSize = 1 + KeySize

func encodeRelationship(r Relationship) []byte {
	out := make([]byte, relatesToValueSize)
	out[0] = byte(r.Type)
	copy(out[1:], r.RemoteKey[:])
	return out
}

func decodeRelationship(value []byte) (Relationship, error) {
	if len(value) != relatesToValueSize {
		return Relationship{}, verrors.Codec("RELATES_TO value must be %d bytes, got %d", relatesToValueSize, len(value))
	}
	var r Relationship
	r.Type = RelationshipType(value[0])
	copy(r.RemoteKey[:], value[1:])
	return r, nil
}

// countRelationships tallies existing relationships of rt among fields.
func countRelationships(fields []Field, rt RelationshipType) int {
	n := 0
	for _, f := range fields {
		if f.Type != TLVRelatesTo {
			continue
		}
		rel, err := decodeRelationship(f.Value)
		if err == nil && rel.Type == rt {
			n++
		}
	}
	return n
}

// checkRelationshipCardinality returns a RelationshipError if adding one
// more relationship of rt to fields would exceed its cardinality limit.
func checkRelationshipCardinality(fields []Field, rt RelationshipType) error {
	limit, bounded := relationshipCardinality[rt]
	if !bounded || limit == 0 {
		return nil
	}
	if countRelationships(fields, rt) >= limit {
		return verrors.Relationship("relationship type %d already at cardinality limit %d", rt, limit)
	}
	return nil
}
