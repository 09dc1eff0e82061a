// Package intent implements the tablet engine's provisional-write store
// (spec.md §3 "Intent record", §4.3 component C3): primary intents keyed
// by (primary key, intent type, hybrid time) plus a reverse index keyed
// by transaction id, both held in a second instance of the embedded KV
// store distinct from the committed store.
package intent

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/riftdb/tablet/hybrid"
	"github.com/riftdb/tablet/keys"
	"github.com/riftdb/tablet/storage"
)

// TxnID is a transaction's 16-byte identifier (spec.md §3).
type TxnID [16]byte

// NewTxnID mints a fresh, random transaction id.
func NewTxnID() TxnID { return TxnID(uuid.New()) }

func (id TxnID) String() string { return uuid.UUID(id).String() }

// IntentType classifies a primary intent's lock strength on the
// read/write x weak/strong matrix. The intent-aware iterator (C4) only
// ever resolves StrongWrite intents into visible values, and the
// conflict resolver (C5) only considers StrongWrite and StrongRead
// intents; WeakRead and WeakWrite intents are skipped by both.
type IntentType byte

const (
	WeakRead IntentType = iota
	WeakWrite
	StrongRead
	StrongWrite
)

func (t IntentType) String() string {
	switch t {
	case WeakRead:
		return "WeakRead"
	case WeakWrite:
		return "WeakWrite"
	case StrongRead:
		return "StrongRead"
	case StrongWrite:
		return "StrongWrite"
	default:
		return fmt.Sprintf("IntentType(%d)", byte(t))
	}
}

const (
	prefixPrimary byte = 'i'
	prefixReverse byte = 'r'
	prefixTxnMeta byte = 'm'
)

// PrimaryKey encodes a primary intent key: prefix || subdoc-key-without-ht
// || intent type || doc hybrid time (descending), per spec.md §3.
func PrimaryKey(subDocKeyNoHT []byte, it IntentType, doc hybrid.DocTime) []byte {
	var out = make([]byte, 0, 2+len(subDocKeyNoHT)+20)
	out = append(out, prefixPrimary)
	out = append(out, subDocKeyNoHT...)
	out = append(out, byte(it))
	out = keys.EncodeDocHybridTimeDescending(out, doc)
	return out
}

// PrimaryKeyPrefixForPath returns the byte prefix that all primary
// intents on subDocKeyNoHT share, usable as a scan bound for conflict
// detection (C5) and the intent-aware iterator (C4).
func PrimaryKeyPrefixForPath(subDocKeyNoHT []byte) []byte {
	var out = make([]byte, 0, 1+len(subDocKeyNoHT))
	out = append(out, prefixPrimary)
	out = append(out, subDocKeyNoHT...)
	return out
}

// DecodePrimaryKey reverses PrimaryKey, returning the path, intent type
// and doc hybrid time it carries.
func DecodePrimaryKey(key []byte) (path []byte, it IntentType, doc hybrid.DocTime, err error) {
	if len(key) < 1 || key[0] != prefixPrimary {
		return nil, 0, hybrid.DocTime{}, fmt.Errorf("%w: not a primary intent key", errCorrupt)
	}
	// doc hybrid time is a fixed-width descending encoding
	// (keys.DocHybridTimeEncodedLen bytes), always the key's last
	// bytes; the intent-type byte sits immediately before it, and
	// everything between the prefix and that byte is the path.
	doc, _, derr := keys.DecodeDocHybridTimeDescending(key[len(key)-keys.DocHybridTimeEncodedLen:])
	if derr != nil {
		return nil, 0, hybrid.DocTime{}, fmt.Errorf("%w: %v", errCorrupt, derr)
	}
	it = IntentType(key[len(key)-keys.DocHybridTimeEncodedLen-1])
	path = append([]byte(nil), key[1:len(key)-keys.DocHybridTimeEncodedLen-1]...)
	return path, it, doc, nil
}

var errCorrupt = fmt.Errorf("corrupt intent key")

// PrimaryValue is the value stored at a primary intent key: the owning
// transaction id, the intra-transaction write id, then the raw
// value bytes (spec.md §3: "write_id (4B big-endian) || value_bytes.
// Value is prefixed by the transaction id.").
type PrimaryValue struct {
	TxnID   TxnID
	WriteID uint32
	Value   []byte
}

func EncodePrimaryValue(v PrimaryValue) []byte {
	var out = make([]byte, 16+4+len(v.Value))
	copy(out[0:16], v.TxnID[:])
	binary.BigEndian.PutUint32(out[16:20], v.WriteID)
	copy(out[20:], v.Value)
	return out
}

func DecodePrimaryValue(b []byte) (PrimaryValue, error) {
	if len(b) < 20 {
		return PrimaryValue{}, fmt.Errorf("%w: short primary intent value", errCorrupt)
	}
	var v PrimaryValue
	copy(v.TxnID[:], b[0:16])
	v.WriteID = binary.BigEndian.Uint32(b[16:20])
	v.Value = append([]byte(nil), b[20:]...)
	return v, nil
}

// ReverseKey encodes a reverse-index key: prefix || transaction id ||
// doc hybrid time (descending), per spec.md §3.
func ReverseKey(txn TxnID, doc hybrid.DocTime) []byte {
	var out = make([]byte, 0, 1+16+20)
	out = append(out, prefixReverse)
	out = append(out, txn[:]...)
	out = keys.EncodeDocHybridTimeDescending(out, doc)
	return out
}

// ReverseKeyPrefix returns the byte prefix shared by all of a
// transaction's reverse-index entries, for scanning at apply/abort time.
func ReverseKeyPrefix(txn TxnID) []byte {
	var out = make([]byte, 0, 1+16)
	out = append(out, prefixReverse)
	out = append(out, txn[:]...)
	return out
}

// DecodeReverseKey reverses ReverseKey.
func DecodeReverseKey(key []byte) (TxnID, hybrid.DocTime, error) {
	if len(key) < 1+16 || key[0] != prefixReverse {
		return TxnID{}, hybrid.DocTime{}, fmt.Errorf("%w: not a reverse index key", errCorrupt)
	}
	var txn TxnID
	copy(txn[:], key[1:17])
	doc, _, err := keys.DecodeDocHybridTimeDescending(key[17:])
	if err != nil {
		return TxnID{}, hybrid.DocTime{}, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	return txn, doc, nil
}

// MetaKey encodes the key under which a transaction's Metadata (spec.md
// §3) is persisted, on the first tablet it touches.
func MetaKey(txn TxnID) []byte {
	var out = make([]byte, 0, 17)
	out = append(out, prefixTxnMeta)
	return append(out, txn[:]...)
}

// Isolation is a transaction's isolation level (spec.md §3, §4.5).
type Isolation byte

const (
	Snapshot Isolation = iota
	Serializable
)

func (i Isolation) String() string {
	if i == Serializable {
		return "Serializable"
	}
	return "Snapshot"
}

// Priority is a transaction's priority, carried in its Metadata. The
// conflict resolver (C5) does not consult it.
type Priority uint32

// Metadata is a transaction's immutable identifying record (spec.md §3
// "Transaction metadata"), persisted as an intent-store record keyed by
// MetaKey on the first tablet a transaction touches.
type Metadata struct {
	TxnID        TxnID
	StatusTablet string
	Isolation    Isolation
	StartTime    hybrid.Time
	Priority     Priority
}

// EncodeMetadata serializes Metadata for storage at MetaKey(m.TxnID).
func EncodeMetadata(m Metadata) []byte {
	var tablet = []byte(m.StatusTablet)
	var out = make([]byte, 0, 16+1+8+4+2+len(tablet))
	out = append(out, m.TxnID[:]...)
	out = append(out, byte(m.Isolation))
	var buf8 [8]byte
	binary.BigEndian.PutUint64(buf8[:], uint64(m.StartTime))
	out = append(out, buf8[:]...)
	var buf4 [4]byte
	binary.BigEndian.PutUint32(buf4[:], uint32(m.Priority))
	out = append(out, buf4[:]...)
	var buf2 [2]byte
	binary.BigEndian.PutUint16(buf2[:], uint16(len(tablet)))
	out = append(out, buf2[:]...)
	out = append(out, tablet...)
	return out
}

// DecodeMetadata reverses EncodeMetadata.
func DecodeMetadata(b []byte) (Metadata, error) {
	if len(b) < 16+1+8+4+2 {
		return Metadata{}, fmt.Errorf("%w: short transaction metadata", errCorrupt)
	}
	var m Metadata
	copy(m.TxnID[:], b[0:16])
	m.Isolation = Isolation(b[16])
	m.StartTime = hybrid.Time(binary.BigEndian.Uint64(b[17:25]))
	m.Priority = Priority(binary.BigEndian.Uint32(b[25:29]))
	var tabletLen = int(binary.BigEndian.Uint16(b[29:31]))
	if len(b) < 31+tabletLen {
		return Metadata{}, fmt.Errorf("%w: short transaction metadata tablet id", errCorrupt)
	}
	m.StatusTablet = string(b[31 : 31+tabletLen])
	return m, nil
}

// Store is a thin wrapper over a storage.Store restricted to the
// primary-intent / reverse-index / metadata key families above. It
// holds no transaction state of its own; that lives in
// txnparticipant.Participant (C6), which is the only caller that needs
// more than simple encode/decode + storage.Store access.
type Store struct {
	KV storage.Store

	mu                sync.Mutex
	flushBlockedSince time.Time
}

// GetPrimary fetches and decodes the primary intent at key, if any.
func (s *Store) GetPrimary(key []byte) (PrimaryValue, bool, error) {
	raw, ok, err := s.KV.Get(key)
	if err != nil || !ok {
		return PrimaryValue{}, ok, err
	}
	v, err := DecodePrimaryValue(raw)
	return v, true, err
}

// IterateReverse calls fn for every reverse-index entry belonging to
// txn, in hybrid-time-descending order, until fn returns false.
func (s *Store) IterateReverse(txn TxnID, fn func(doc hybrid.DocTime, primaryKey []byte) bool) error {
	var it = s.KV.NewIterator()
	defer it.Close()

	var prefix = ReverseKeyPrefix(txn)
	for it.Seek(prefix); it.Valid(); it.Next() {
		var key = it.Key()
		if !hasPrefix(key, prefix) {
			break
		}
		_, doc, err := DecodeReverseKey(key)
		if err != nil {
			return err
		}
		if !fn(doc, it.Value()) {
			break
		}
	}
	return nil
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

// MaybeFlush enforces spec.md §4.3's flush ordering invariant: the
// intent store's memtable may only flush once the committed store's own
// flushed frontier has caught up to this store's pending max op id, or
// the committed store has nothing new pending beyond what it has
// already flushed. If that gate has blocked for at least maxDelay, the
// committed store is force-flushed to unblock it before the intent
// store flushes. A no-op if the intent store has nothing pending.
func (s *Store) MaybeFlush(committed storage.Store, maxDelay time.Duration) error {
	var pending, havePending = s.KV.PendingFrontier()
	if !havePending {
		return nil
	}

	var flushed, haveFlushed = committed.FlushedFrontier()
	var _, committedHasPending = committed.PendingFrontier()
	var ordered = !committedHasPending || (haveFlushed && !flushed.Largest.OpID.Less(pending.Largest.OpID))

	s.mu.Lock()
	defer s.mu.Unlock()

	if ordered {
		s.flushBlockedSince = time.Time{}
		return s.KV.Flush(true)
	}

	if s.flushBlockedSince.IsZero() {
		s.flushBlockedSince = time.Now()
		return nil
	}
	if time.Since(s.flushBlockedSince) < maxDelay {
		return nil
	}

	s.flushBlockedSince = time.Time{}
	if err := committed.Flush(true); err != nil {
		return fmt.Errorf("intent: force-flushing committed store past flush ordering deadline: %w", err)
	}
	return s.KV.Flush(true)
}

// CleanupSSTs implements spec.md §4.3's background SST cleanup:
// repeatedly find the intent SST with the smallest max-hybrid-time
// frontier and, if that value is strictly below minRunning (the min
// running transaction start time reported by C6's
// Participant.MinRunningHybridTime), flush the committed store and drop
// the SST wholesale. Stops once no remaining SST qualifies, returning
// the number dropped.
func (s *Store) CleanupSSTs(committed storage.Store, minRunning hybrid.Time) (int, error) {
	var dropped int
	for {
		var files = s.KV.LiveFiles()
		if len(files) == 0 {
			return dropped, nil
		}

		var victim = files[0]
		for _, f := range files[1:] {
			if f.Frontier.Largest.HybridTime < victim.Frontier.Largest.HybridTime {
				victim = f
			}
		}
		if victim.Frontier.Largest.HybridTime >= minRunning {
			return dropped, nil
		}

		if err := committed.Flush(true); err != nil {
			return dropped, fmt.Errorf("intent: flushing committed store before dropping %s: %w", victim.Name, err)
		}
		if err := s.KV.DeleteFile(victim.Name); err != nil {
			return dropped, fmt.Errorf("intent: dropping SST %s: %w", victim.Name, err)
		}
		dropped++
	}
}
