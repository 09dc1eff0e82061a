// Package txnparticipant implements the per-tablet transaction
// participant (spec.md §4.6, component C6): it tracks every transaction
// with intents on this tablet, serves commit-status lookups to the
// intent-aware iterator and conflict resolver, and applies or removes
// intents once the status-tablet coordinator (C7) reaches a terminal
// decision.
package txnparticipant

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/riftdb/tablet/conflict"
	"github.com/riftdb/tablet/hybrid"
	"github.com/riftdb/tablet/intent"
	"github.com/riftdb/tablet/keys"
	"github.com/riftdb/tablet/storage"
)

// StatusClient is the RPC contract to the status-tablet coordinator
// (C7), used when a transaction's status is neither locally tracked nor
// cached.
type StatusClient interface {
	RequestStatusAt(ctx context.Context, txn intent.TxnID, readHT, globalLimit hybrid.Time) (conflict.Status, hybrid.Time, error)
}

// LocalTxnState is the per-transaction bookkeeping this tablet keeps
// while a transaction has intents here (spec.md §4.6).
type LocalTxnState struct {
	Metadata intent.Metadata

	nextWriteID      uint32
	batchWriteIDs    map[uint64]uint32
	LastBatchHT      hybrid.Time
	LastBatchWriteID uint32

	aborted bool
}

type cachedStatus struct {
	status conflict.Status
	ht     hybrid.Time
}

// Participant is the C6 component itself, one instance per tablet.
type Participant struct {
	Intents   *intent.Store
	Committed storage.Store
	Client    StatusClient

	mu     sync.Mutex
	states map[intent.TxnID]*LocalTxnState
	cache  *lru.Cache[intent.TxnID, cachedStatus]
}

// New returns a Participant backed by an LRU cache of cacheSize remote
// transaction statuses.
func New(intents *intent.Store, committed storage.Store, client StatusClient, cacheSize int) *Participant {
	var cache, _ = lru.New[intent.TxnID, cachedStatus](cacheSize)
	return &Participant{
		Intents:   intents,
		Committed: committed,
		Client:    client,
		states:    make(map[intent.TxnID]*LocalTxnState),
		cache:     cache,
	}
}

// Add records meta as the transaction's metadata the first time this
// tablet sees it, appending the metadata intent to batch. It returns
// false if the transaction is already known locally aborted, in which
// case the caller must reject the write.
func (p *Participant) Add(meta intent.Metadata, batch *storage.WriteBatch) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	var st, ok = p.states[meta.TxnID]
	if ok {
		return !st.aborted
	}
	if cached, ok := p.cache.Get(meta.TxnID); ok && cached.status == conflict.Aborted {
		return false
	}
	st = &LocalTxnState{Metadata: meta}
	p.states[meta.TxnID] = st
	batch.Put(intent.MetaKey(meta.TxnID), intent.EncodeMetadata(meta))
	return true
}

// PrepareBatchData returns the write id and isolation a batch at
// batchIdx should use, assigning one on first use and replaying the
// same id on a duplicate (replayed) batchIdx.
func (p *Participant) PrepareBatchData(txn intent.TxnID, batchIdx uint64) (uint32, intent.Isolation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var st, ok = p.states[txn]
	if !ok {
		return 0, 0, fmt.Errorf("txnparticipant: unknown transaction %s", txn)
	}
	if id, ok := st.batchWriteIDs[batchIdx]; ok {
		return id, st.Metadata.Isolation, nil
	}
	var id = st.nextWriteID
	st.nextWriteID++
	if st.batchWriteIDs == nil {
		st.batchWriteIDs = make(map[uint64]uint32)
	}
	st.batchWriteIDs[batchIdx] = id
	return id, st.Metadata.Isolation, nil
}

// BatchReplicated records the highest (hybrid time, write id) pair once
// consensus confirms a batch.
func (p *Participant) BatchReplicated(txn intent.TxnID, ht hybrid.Time, writeID uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var st = p.states[txn]
	if st == nil {
		return
	}
	if ht > st.LastBatchHT || (ht == st.LastBatchHT && writeID > st.LastBatchWriteID) {
		st.LastBatchHT, st.LastBatchWriteID = ht, writeID
	}
}

// StatusOf implements conflict.StatusLookup.
func (p *Participant) StatusOf(txn intent.TxnID) (conflict.Status, hybrid.Time, error) {
	return p.statusAt(context.Background(), txn, hybrid.Max, hybrid.Max)
}

// CommitTimeOf implements iterator.CommitResolver: hybrid.Min if the
// transaction is not known committed.
func (p *Participant) CommitTimeOf(txn intent.TxnID) (hybrid.Time, error) {
	var status, ht, err = p.statusAt(context.Background(), txn, hybrid.Max, hybrid.Max)
	if err != nil {
		return hybrid.Min, err
	}
	if status == conflict.Committed {
		return ht, nil
	}
	return hybrid.Min, nil
}

// statusAt asks for txn's status as of readHT, honoring the
// cache-never-stale-COMMITTED contract: a cached or locally known
// COMMITTED result is authoritative and returned without an RPC; a
// PENDING result may be stale and triggers a fresh lookup.
func (p *Participant) statusAt(ctx context.Context, txn intent.TxnID, readHT, globalLimit hybrid.Time) (conflict.Status, hybrid.Time, error) {
	if cached, ok := p.cache.Get(txn); ok {
		return cached.status, cached.ht, nil
	}

	p.mu.Lock()
	if st, ok := p.states[txn]; ok && st.aborted {
		p.mu.Unlock()
		return conflict.Aborted, hybrid.Min, nil
	}
	p.mu.Unlock()

	if p.Client == nil {
		return conflict.Pending, hybrid.Min, nil
	}
	var status, ht, err = p.Client.RequestStatusAt(ctx, txn, readHT, globalLimit)
	if err != nil {
		return conflict.Pending, hybrid.Min, err
	}
	if status != conflict.Pending {
		p.cache.Add(txn, cachedStatus{status: status, ht: ht})
	}
	return status, ht, nil
}

// ApplyData is the content of an APPLY record from the status-tablet
// coordinator (spec.md §4.7).
type ApplyData struct {
	TxnID    intent.TxnID
	CommitHT hybrid.Time
}

// Apply rewrites every primary intent belonging to data.TxnID into a
// committed record at data.CommitHT and deletes the intent entries,
// per spec.md §4.6: one write batch against the committed store, a
// separate write batch against the intent store.
func (p *Participant) Apply(data ApplyData) error {
	type entry struct {
		primaryKey []byte
		reverseHT  hybrid.Time
	}
	var entries []entry

	if err := p.Intents.IterateReverse(data.TxnID, func(doc hybrid.DocTime, primaryKey []byte) bool {
		entries = append(entries, entry{primaryKey: append([]byte(nil), primaryKey...), reverseHT: doc.HT})
		return true
	}); err != nil {
		return err
	}

	var committedBatch storage.WriteBatch
	var intentBatch storage.WriteBatch
	var frontier = keys.EmptyFrontier().Observe(keys.OpID{}, data.CommitHT)

	for _, e := range entries {
		path, _, doc, err := intent.DecodePrimaryKey(e.primaryKey)
		if err != nil {
			return err
		}
		val, ok, err := p.Intents.GetPrimary(e.primaryKey)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		var sdk = keys.SubDocKey{DocKey: path}
		committedBatch.Put(sdk.WithHybridTime(hybrid.DocTime{HT: data.CommitHT}), val.Value)
		intentBatch.Delete(e.primaryKey)
		intentBatch.Delete(intent.ReverseKey(data.TxnID, doc))
	}
	intentBatch.Delete(intent.MetaKey(data.TxnID))

	if len(committedBatch.Mutations) > 0 {
		if err := p.Committed.Write(committedBatch, frontier); err != nil {
			return err
		}
	}
	if err := p.Intents.KV.Write(intentBatch, keys.Frontier{}); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.states, data.TxnID)
	p.mu.Unlock()
	p.cache.Add(data.TxnID, cachedStatus{status: conflict.Committed, ht: data.CommitHT})
	return nil
}

// RemoveIntents deletes every intent belonging to each of txnIDs,
// used when those transactions have aborted.
func (p *Participant) RemoveIntents(txnIDs []intent.TxnID) error {
	for _, txn := range txnIDs {
		var batch storage.WriteBatch
		if err := p.Intents.IterateReverse(txn, func(doc hybrid.DocTime, primaryKey []byte) bool {
			batch.Delete(append([]byte(nil), primaryKey...))
			batch.Delete(intent.ReverseKey(txn, doc))
			return true
		}); err != nil {
			return err
		}
		batch.Delete(intent.MetaKey(txn))
		if err := p.Intents.KV.Write(batch, keys.Frontier{}); err != nil {
			return err
		}

		p.mu.Lock()
		if st, ok := p.states[txn]; ok {
			st.aborted = true
			delete(p.states, txn)
		}
		p.mu.Unlock()
		p.cache.Add(txn, cachedStatus{status: conflict.Aborted})
	}
	return nil
}

// MinRunningHybridTime is the smallest start time across locally known
// running transactions, used by C3 to gate SST cleanup.
func (p *Participant) MinRunningHybridTime() hybrid.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	var min = hybrid.Max
	for _, st := range p.states {
		if st.Metadata.StartTime < min {
			min = st.Metadata.StartTime
		}
	}
	return min
}
