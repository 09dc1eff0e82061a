// Package keys implements the tablet engine's canonical byte encoding
// (spec.md §3 "Document Key" / "SubDoc Key", §4.2 component C2): an
// order-preserving encoding of (document key, subkey components, hybrid
// time) such that a forward byte-scan yields keys in the tuple's natural
// order, with hybrid time descending so newest versions sort first.
package keys

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/jgraettinger/cockroach-encoding/encoding"
	"github.com/minio/highwayhash"
	"github.com/riftdb/tablet/hybrid"
)

// hashKey is a fixed 32 bytes, read once from /dev/random, used as the
// key for the keyed HighwayHash that derives a document key's hash
// prefix. Same construction the teacher uses in go/flow/mapping.go to
// derive collection partition hash prefixes.
var hashKey, _ = hex.DecodeString("6a31f9b0c442de5c7e0a3d18f6b92c4471ed0e3a9c7b5d8214fa6039cb7e1d02")

// Value is a single encodable column value: exactly one of the fields
// below is set. This mirrors the small closed set of primitive kinds a
// document key or subkey component can carry.
type Value struct {
	Null    bool
	Bool    *bool
	Int     *int64
	Uint    *uint64
	Float   *float64
	Bytes   []byte
	IsBytes bool
}

// HashPrefix computes the 16-bit hash prefix for a document key from its
// already-encoded hashed-column bytes.
func HashPrefix(hashedColsEncoded []byte) uint16 {
	return uint16(highwayhash.Sum64(hashedColsEncoded, hashKey) >> 48)
}

// EncodeValue appends the order-preserving encoding of v to b.
func EncodeValue(b []byte, v Value) []byte {
	switch {
	case v.Null:
		return encoding.EncodeNullAscending(b)
	case v.Bool != nil:
		if *v.Bool {
			return encoding.EncodeTrueAscending(b)
		}
		return encoding.EncodeFalseAscending(b)
	case v.Uint != nil:
		return encoding.EncodeUvarintAscending(b, *v.Uint)
	case v.Int != nil:
		return encoding.EncodeVarintAscending(b, *v.Int)
	case v.Float != nil:
		return encoding.EncodeFloatAscending(b, *v.Float)
	case v.IsBytes:
		return encoding.EncodeBytesAscending(b, v.Bytes)
	default:
		panic("keys.Value has no populated field")
	}
}

// DocKey encodes a full document key: hash prefix, then hashed columns,
// then range columns, in that order (spec.md §3).
func DocKey(hashedCols, rangeCols []Value) []byte {
	var hashedEnc []byte
	for _, v := range hashedCols {
		hashedEnc = EncodeValue(hashedEnc, v)
	}

	var out = make([]byte, 2, 2+len(hashedEnc)+16*len(rangeCols))
	binary.BigEndian.PutUint16(out, HashPrefix(hashedEnc))
	out = append(out, hashedEnc...)

	for _, v := range rangeCols {
		out = EncodeValue(out, v)
	}
	return out
}

// SubDocKey is a document key plus zero or more subkey path components,
// not yet terminated with a hybrid time.
type SubDocKey struct {
	DocKey  []byte
	Subkeys []Value
}

// Prefix returns the SubDocKey's bytes without a terminal hybrid time:
// DocKey followed by the encoded subkey components.
func (k SubDocKey) Prefix() []byte {
	var out = append([]byte(nil), k.DocKey...)
	for _, v := range k.Subkeys {
		out = EncodeValue(out, v)
	}
	return out
}

// WithHybridTime returns the full SubDocKey byte encoding, terminated by
// doc_ht encoded descending so that scanning forward from Prefix()
// yields newest-version-first ordering (spec.md §3, §4.2).
func (k SubDocKey) WithHybridTime(doc hybrid.DocTime) []byte {
	var out = k.Prefix()
	return EncodeDocHybridTimeDescending(out, doc)
}

// DocHybridTimeEncodedLen is the fixed encoded width of a DocTime under
// EncodeDocHybridTimeDescending.
const DocHybridTimeEncodedLen = 8 + 4 + 8

// EncodeDocHybridTimeDescending appends a fixed-width, descending
// (newest-first) encoding of a DocTime to b. Descending order is
// obtained by bitwise-complementing each big-endian field, which keeps
// the encoding fixed-width and trivially invertible without depending
// on a variable-length scheme for what is always a terminal field (spec
// §4.2: "sorts immediately after all records with strictly greater
// hybrid time for the same prefix").
func EncodeDocHybridTimeDescending(b []byte, doc hybrid.DocTime) []byte {
	var buf [DocHybridTimeEncodedLen]byte
	binary.BigEndian.PutUint64(buf[0:8], ^uint64(doc.HT))
	binary.BigEndian.PutUint32(buf[8:12], ^doc.WriteID)
	binary.BigEndian.PutUint64(buf[12:20], ^doc.LeaderTerm)
	return append(b, buf[:]...)
}

// DecodeDocHybridTimeDescending reverses EncodeDocHybridTimeDescending,
// returning the decoded DocTime and the remaining, unconsumed bytes.
func DecodeDocHybridTimeDescending(b []byte) (hybrid.DocTime, []byte, error) {
	if len(b) < DocHybridTimeEncodedLen {
		return hybrid.DocTime{}, nil, fmt.Errorf("short doc hybrid time encoding (%d bytes)", len(b))
	}
	var ht = ^binary.BigEndian.Uint64(b[0:8])
	var writeID = ^binary.BigEndian.Uint32(b[8:12])
	var term = ^binary.BigEndian.Uint64(b[12:20])
	return hybrid.DocTime{HT: hybrid.Time(ht), WriteID: writeID, LeaderTerm: term}, b[DocHybridTimeEncodedLen:], nil
}
