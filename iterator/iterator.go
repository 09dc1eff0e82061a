// Package iterator implements the intent-aware merging iterator (spec.md
// §4.4, component C4): a forward cursor over the union of a tablet's
// committed store and intent store, honoring a read point and resolving
// each candidate intent's visibility through a pluggable commit-time
// resolver (the transaction participant, C6, in production).
package iterator

import (
	"bytes"
	"fmt"

	"github.com/riftdb/tablet/hybrid"
	"github.com/riftdb/tablet/intent"
	"github.com/riftdb/tablet/keys"
	"github.com/riftdb/tablet/rpcstatus"
	"github.com/riftdb/tablet/storage"
)

// ReadTime is the three hybrid times a read is pinned to: the snapshot
// point itself, and the two restart ceilings for locally-applied records
// and remotely-coordinated intents respectively.
type ReadTime struct {
	Read        hybrid.Time
	LocalLimit  hybrid.Time
	GlobalLimit hybrid.Time
}

// CommitResolver answers "is this transaction committed, and at what
// hybrid time", the contract C4 expects from C6. It returns hybrid.Min
// for a transaction that is uncommitted or aborted.
type CommitResolver interface {
	CommitTimeOf(txn intent.TxnID) (hybrid.Time, error)
}

// TxnContext carries the reading transaction's own id, so its own
// uncommitted intents are visible to it, plus the resolver used for
// every other transaction's intents.
type TxnContext struct {
	SelfID   *intent.TxnID
	Resolver CommitResolver
}

type candidate struct {
	path  []byte
	ht    hybrid.Time
	value []byte
}

// Iterator is the merging cursor itself. It is not safe for concurrent
// use by multiple goroutines.
type Iterator struct {
	committed storage.Iterator
	intents   storage.Iterator

	rt     ReadTime
	txnCtx TxnContext

	prefixes [][]byte

	committedBuf *candidate
	intentBuf    *candidate

	maxSeenHT hybrid.Time
	err       error
}

// New returns an Iterator positioned at the start of the keyspace.
func New(committedStore, intentStore storage.Store, rt ReadTime, txnCtx TxnContext) *Iterator {
	var it = &Iterator{
		committed: committedStore.NewIterator(),
		intents:   intentStore.NewIterator(),
		rt:        rt,
		txnCtx:    txnCtx,
	}
	it.Seek(nil)
	return it
}

// Seek positions both underlying cursors at key, which must be a
// document or subdoc key prefix without a trailing hybrid time.
func (it *Iterator) Seek(key []byte) {
	it.err = nil
	it.committed.Seek(key)
	it.intents.Seek(intent.PrimaryKeyPrefixForPath(key))
	it.refillCommitted()
	it.refillIntents()
}

// SeekForward is Seek, named separately per spec.md §4.4 because a real
// upper-bounded cursor would use it to avoid rewinding; our storage.Store
// contract has no notion of "current position" cheaper than a fresh
// Seek, so the two are identical here.
func (it *Iterator) SeekForward(key []byte) { it.Seek(key) }

// SeekPastSubkey repositions past every key sharing the given subkey
// prefix, used by document-tree walks to skip a fully-consumed subkey.
func (it *Iterator) SeekPastSubkey(key []byte) {
	it.Seek(append(append([]byte(nil), key...), 0xFF))
}

// SeekOutOfSubdoc repositions past an entire subdocument. Our flat path
// encoding draws no distinction between "past one subkey" and "past the
// whole subdocument" beyond the prefix supplied, so this is SeekPastSubkey
// under another name kept for call-site clarity.
func (it *Iterator) SeekOutOfSubdoc(key []byte) {
	it.SeekPastSubkey(key)
}

// PushPrefix restricts validity to keys starting with prefix.
func (it *Iterator) PushPrefix(prefix []byte) {
	it.prefixes = append(it.prefixes, append([]byte(nil), prefix...))
	it.refilterCurrent()
}

// PopPrefix undoes the most recent PushPrefix.
func (it *Iterator) PopPrefix() {
	if len(it.prefixes) == 0 {
		panic("iterator: PopPrefix with empty prefix stack")
	}
	it.prefixes = it.prefixes[:len(it.prefixes)-1]
	it.refilterCurrent()
}

// Valid reports whether a record or resolved intent satisfies the
// current prefix stack and time bounds.
func (it *Iterator) Valid() bool {
	return it.err == nil && (it.committedBuf != nil || it.intentBuf != nil)
}

// Err returns the first Corruption or TryAgain error encountered, if
// any (spec.md §4.4 "Failure modes").
func (it *Iterator) Err() error { return it.err }

// FetchKey returns the winning candidate's path (without hybrid time)
// and the hybrid time its value is visible as of.
func (it *Iterator) FetchKey() ([]byte, hybrid.Time) {
	var c = it.winner()
	return c.path, c.ht
}

// Value returns the winning candidate's raw value bytes.
func (it *Iterator) Value() []byte {
	return it.winner().value
}

// Next advances past the current winning candidate.
func (it *Iterator) Next() {
	if it.err != nil {
		return
	}
	if it.committedBuf != nil && it.intentBuf != nil && bytes.Equal(it.committedBuf.path, it.intentBuf.path) {
		it.refillCommitted()
		it.refillIntents()
		return
	}
	if it.fromIntent() {
		it.refillIntents()
	} else {
		it.refillCommitted()
	}
}

// RestartHybridTime returns the maximum hybrid time observed in the
// local or global restart window, and whether the caller must restart
// the read with rt.Read advanced to it (spec.md §4.4 "Read restart
// contract").
func (it *Iterator) RestartHybridTime() (hybrid.Time, bool) {
	if it.maxSeenHT == hybrid.Min {
		return hybrid.Min, false
	}
	return it.maxSeenHT, true
}

// Close releases both underlying cursors.
func (it *Iterator) Close() {
	it.committed.Close()
	it.intents.Close()
}

func (it *Iterator) fromIntent() bool {
	switch {
	case it.committedBuf == nil:
		return true
	case it.intentBuf == nil:
		return false
	default:
		return it.winner() == it.intentBuf
	}
}

func (it *Iterator) winner() *candidate {
	switch {
	case it.committedBuf == nil:
		return it.intentBuf
	case it.intentBuf == nil:
		return it.committedBuf
	default:
		var cmp = bytes.Compare(it.committedBuf.path, it.intentBuf.path)
		switch {
		case cmp < 0:
			return it.committedBuf
		case cmp > 0:
			return it.intentBuf
		case it.intentBuf.ht >= it.committedBuf.ht:
			return it.intentBuf
		default:
			return it.committedBuf
		}
	}
}

func (it *Iterator) prefixAllows(path []byte) bool {
	if len(it.prefixes) == 0 {
		return true
	}
	return bytes.HasPrefix(path, it.prefixes[len(it.prefixes)-1])
}

func (it *Iterator) refilterCurrent() {
	if it.committedBuf != nil && !it.prefixAllows(it.committedBuf.path) {
		it.refillCommitted()
	}
	if it.intentBuf != nil && !it.prefixAllows(it.intentBuf.path) {
		it.refillIntents()
	}
}

// observe records ht against the restart window bounded by limit, and
// reports whether ht is visible at rt.Read.
func (it *Iterator) observe(ht, limit hybrid.Time) bool {
	if ht > it.rt.Read && ht <= limit && ht > it.maxSeenHT {
		it.maxSeenHT = ht
	}
	return ht <= it.rt.Read
}

func (it *Iterator) fail(err error) {
	it.err = err
	it.committedBuf, it.intentBuf = nil, nil
}

// refillCommitted advances the committed cursor to the next path whose
// newest version is visible at rt.Read, skipping remaining older
// versions of whichever path it lands on (descending hybrid time means
// the first visible version encountered for a path is already the
// newest one the reader may see).
func (it *Iterator) refillCommitted() {
	for it.committed.Valid() {
		var key = it.committed.Key()
		path, doc, err := decodeSubDocKey(key)
		if err != nil {
			it.fail(rpcstatus.Wrap(rpcstatus.Corruption, err, "decoding committed key"))
			return
		}
		if !it.prefixAllows(path) {
			it.committed.Next()
			continue
		}
		if it.observe(doc.HT, it.rt.LocalLimit) {
			var value = append([]byte(nil), it.committed.Value()...)
			it.committed.Next()
			for it.committed.Valid() {
				p2, _, derr := decodeSubDocKey(it.committed.Key())
				if derr != nil {
					it.fail(rpcstatus.Wrap(rpcstatus.Corruption, derr, "decoding committed key"))
					return
				}
				if !bytes.Equal(p2, path) {
					break
				}
				it.committed.Next()
			}
			it.committedBuf = &candidate{path: path, ht: doc.HT, value: value}
			return
		}
		it.committed.Next()
	}
	it.committedBuf = nil
}

// refillIntents advances the intent cursor to the next path carrying a
// visible strong-write intent, implementing the resolved-intent state
// machine of spec.md §4.4: non-strong-write intents are ignored, same-
// transaction intents are always visible at their own local hybrid
// time, and other transactions' intents are resolved through the
// configured CommitResolver and kept only if committed at or before the
// relevant limit, the greatest such value_time winning ties.
func (it *Iterator) refillIntents() {
	for it.intents.Valid() {
		path, itype, _, err := intent.DecodePrimaryKey(it.intents.Key())
		if err != nil {
			it.fail(rpcstatus.Wrap(rpcstatus.Corruption, err, "decoding intent key"))
			return
		}
		if itype != intent.StrongWrite || !it.prefixAllows(path) {
			it.intents.Next()
			continue
		}

		var best *candidate
		for it.intents.Valid() {
			curPath, curType, curDoc, derr := intent.DecodePrimaryKey(it.intents.Key())
			if derr != nil {
				it.fail(rpcstatus.Wrap(rpcstatus.Corruption, derr, "decoding intent key"))
				return
			}
			if curType != intent.StrongWrite || !bytes.Equal(curPath, path) {
				break
			}

			val, verr := intent.DecodePrimaryValue(it.intents.Value())
			if verr != nil {
				it.fail(rpcstatus.Wrap(rpcstatus.Corruption, verr, "decoding intent value"))
				return
			}

			var valueTime, limit hybrid.Time
			if it.txnCtx.SelfID != nil && val.TxnID == *it.txnCtx.SelfID {
				valueTime, limit = curDoc.HT, it.rt.LocalLimit
			} else {
				ct, rerr := it.txnCtx.Resolver.CommitTimeOf(val.TxnID)
				if rerr != nil {
					it.fail(rerr)
					return
				}
				if ct == hybrid.Min {
					it.intents.Next()
					continue
				}
				valueTime, limit = ct, it.rt.GlobalLimit
			}

			if it.observe(valueTime, limit) && (best == nil || valueTime > best.ht) {
				best = &candidate{path: append([]byte(nil), path...), ht: valueTime, value: append([]byte(nil), val.Value...)}
			}
			it.intents.Next()
		}

		if best != nil {
			it.intentBuf = best
			return
		}
	}
	it.intentBuf = nil
}

func decodeSubDocKey(key []byte) ([]byte, hybrid.DocTime, error) {
	if len(key) < keys.DocHybridTimeEncodedLen {
		return nil, hybrid.DocTime{}, fmt.Errorf("short subdoc key (%d bytes)", len(key))
	}
	var split = len(key) - keys.DocHybridTimeEncodedLen
	doc, _, err := keys.DecodeDocHybridTimeDescending(key[split:])
	if err != nil {
		return nil, hybrid.DocTime{}, err
	}
	return key[:split], doc, nil
}
