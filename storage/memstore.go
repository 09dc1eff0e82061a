package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/riftdb/tablet/keys"
)

// memStore is an in-memory Store used by this module's unit tests so
// they exercise the Store contract (and everything layered on it)
// without requiring a compiled RocksDB library. Production code always
// uses the rocksStore from store.go; memStore only implements the same
// interface to keep tests honest about what they depend on.
type memStore struct {
	mu sync.RWMutex

	data        map[string][]byte
	keysSorted  []string
	pending     keys.Frontier
	havePending bool
	flushed     keys.Frontier
	haveFlushed bool
	liveFiles   []LiveFile
	nextSeq     int
}

// NewMemStore returns an in-memory Store implementation.
func NewMemStore() Store {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) Write(batch WriteBatch, frontierHint keys.Frontier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range batch.Mutations {
		var k = string(m.Key)
		if m.Delete {
			if _, ok := s.data[k]; ok {
				delete(s.data, k)
				s.removeSortedLocked(k)
			}
			continue
		}
		if _, exists := s.data[k]; !exists {
			s.insertSortedLocked(k)
		}
		s.data[k] = append([]byte(nil), m.Value...)
	}

	if s.havePending {
		s.pending = keys.Merge(s.pending, frontierHint)
	} else {
		s.pending, s.havePending = frontierHint, true
	}
	return nil
}

func (s *memStore) insertSortedLocked(k string) {
	var i = sort.SearchStrings(s.keysSorted, k)
	s.keysSorted = append(s.keysSorted, "")
	copy(s.keysSorted[i+1:], s.keysSorted[i:])
	s.keysSorted[i] = k
}

func (s *memStore) removeSortedLocked(k string) {
	var i = sort.SearchStrings(s.keysSorted, k)
	if i < len(s.keysSorted) && s.keysSorted[i] == k {
		s.keysSorted = append(s.keysSorted[:i], s.keysSorted[i+1:]...)
	}
}

func (s *memStore) Get(key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *memStore) NewIterator() Iterator {
	s.mu.RLock()
	var snapshot = append([]string(nil), s.keysSorted...)
	var values = make(map[string][]byte, len(snapshot))
	for _, k := range snapshot {
		values[k] = s.data[k]
	}
	s.mu.RUnlock()
	return &memIterator{keysSorted: snapshot, values: values, pos: -1}
}

func (s *memStore) Flush(wait bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.havePending {
		return nil
	}
	s.nextSeq++
	s.liveFiles = append(s.liveFiles, LiveFile{
		Name:     fmt.Sprintf("mem-%06d.sst", s.nextSeq),
		Frontier: s.pending,
	})
	if s.haveFlushed {
		s.flushed = keys.Merge(s.flushed, s.pending)
	} else {
		s.flushed, s.haveFlushed = s.pending, true
	}
	s.pending, s.havePending = keys.Frontier{}, false
	return nil
}

func (s *memStore) LiveFiles() []LiveFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]LiveFile(nil), s.liveFiles...)
}

func (s *memStore) DeleteFile(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.liveFiles {
		if f.Name == name {
			s.liveFiles = append(s.liveFiles[:i], s.liveFiles[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no such live file %q", name)
}

func (s *memStore) FlushedFrontier() (keys.Frontier, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flushed, s.haveFlushed
}

func (s *memStore) PendingFrontier() (keys.Frontier, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending, s.havePending
}

func (s *memStore) ModifyFlushedFrontier(f keys.Frontier, mode FrontierUpdateMode) error {
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

func (s *memStore) Close() error { return nil }

type memIterator struct {
	keysSorted []string
	values     map[string][]byte
	pos        int
}

func (it *memIterator) Seek(key []byte) {
	it.pos = sort.SearchStrings(it.keysSorted, string(key))
}

func (it *memIterator) Next() {
	if it.pos < len(it.keysSorted) {
		it.pos++
	}
}

func (it *memIterator) Valid() bool { return it.pos >= 0 && it.pos < len(it.keysSorted) }

func (it *memIterator) Key() []byte {
	return []byte(it.keysSorted[it.pos])
}

func (it *memIterator) Value() []byte {
	return it.values[it.keysSorted[it.pos]]
}

func (it *memIterator) Close() {}
