// Package oplog describes the consensus log contract spec.md §6 names
// as consumed, not designed, by this module: an ordered stream of
// (op_id, bytes) entries, monotonically increasing by (term, index),
// replayed from the last durable point on leader change. Production
// deployments sit this interface atop a real consensus implementation;
// Log here is an in-memory stand-in used by tests and single-node runs.
package oplog

import (
	"context"
	"fmt"
	"sync"

	"github.com/riftdb/tablet/keys"
)

// Entry is one appended and (eventually) applied record.
type Entry struct {
	OpID keys.OpID
	Data []byte
}

// Log is the append/replay contract C9 drives its apply loop from.
type Log interface {
	// Append proposes data for replication, returning the assigned OpID
	// once a majority (or, for this in-memory Log, the sole member) has
	// durably stored it.
	Append(ctx context.Context, data []byte) (keys.OpID, error)
	// Subscribe returns a channel of entries in increasing OpID order,
	// starting from the entry immediately after after. Closing ctx stops
	// delivery and closes the channel.
	Subscribe(ctx context.Context, after keys.OpID) (<-chan Entry, error)
	// Term returns the log's current leader term.
	Term() uint64
}

// memLog is a single-node, in-process Log: every Append is immediately
// "replicated" and delivered to subscribers in order. Its Subscribe
// ignores after and replays nothing: a subscriber receives only entries
// appended after it subscribed.
type memLog struct {
	mu      sync.Mutex
	term    uint64
	nextIdx uint64
	subs    []chan Entry
}

// NewMemLog returns a Log with the given starting leader term.
func NewMemLog(term uint64) Log {
	return &memLog{term: term, nextIdx: 1}
}

func (l *memLog) Append(ctx context.Context, data []byte) (keys.OpID, error) {
	l.mu.Lock()
	var opID = keys.OpID{Term: l.term, Index: l.nextIdx}
	l.nextIdx++
	var subs = append([]chan Entry(nil), l.subs...)
	l.mu.Unlock()

	var entry = Entry{OpID: opID, Data: data}
	for _, ch := range subs {
		select {
		case ch <- entry:
		case <-ctx.Done():
			return keys.OpID{}, fmt.Errorf("oplog: append cancelled: %w", ctx.Err())
		}
	}
	return opID, nil
}

func (l *memLog) Subscribe(ctx context.Context, after keys.OpID) (<-chan Entry, error) {
	var ch = make(chan Entry, 64)
	l.mu.Lock()
	l.subs = append(l.subs, ch)
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		for i, s := range l.subs {
			if s == ch {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				break
			}
		}
		l.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (l *memLog) Term() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.term
}
