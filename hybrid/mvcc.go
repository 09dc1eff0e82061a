package hybrid

import (
	"context"
	"sort"
	"sync"
)

// MVCCTracker maintains, for one tablet, the set of hybrid times for
// operations that have been proposed (assigned a Time) but not yet
// applied, plus the tablet's current safe time: the highest Time below
// which every write is known to be applied (spec.md §3 "MVCC state",
// §4.1 safe_time).
type MVCCTracker struct {
	mu sync.Mutex

	pending  []Time // kept sorted; ordered set of in-flight op times
	applied  Time   // highest Time known durably applied
	leaseMin Time   // lower bound the leader lease currently covers; Invalid if no lease
	cond     *sync.Cond
}

// NewMVCCTracker constructs an empty tracker.
func NewMVCCTracker() *MVCCTracker {
	var t = &MVCCTracker{applied: Min, leaseMin: Invalid}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// AddPending records that an operation has been proposed at ht and has
// not yet been applied.
func (t *MVCCTracker) AddPending(ht Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var i = sort.Search(len(t.pending), func(i int) bool { return t.pending[i] >= ht })
	t.pending = append(t.pending, Min)
	copy(t.pending[i+1:], t.pending[i:])
	t.pending[i] = ht
}

// Applied marks ht (previously added via AddPending) as durably applied,
// removing it from the pending set and raising the applied watermark to
// ht if ht is higher. Applied hybrid times may complete out of order; the
// watermark is the highest time applied so far, and times still in the
// pending set are tracked separately.
func (t *MVCCTracker) Applied(ht Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var i = sort.Search(len(t.pending), func(i int) bool { return t.pending[i] >= ht })
	if i < len(t.pending) && t.pending[i] == ht {
		t.pending = append(t.pending[:i], t.pending[i+1:]...)
	}
	if ht > t.applied {
		t.applied = ht
	}
	t.cond.Broadcast()
}

// UpdateLease records that a leader lease is now confirmed to cover at
// least min. Pass Invalid to indicate the lease was lost.
func (t *MVCCTracker) UpdateLease(min Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leaseMin = min
	t.cond.Broadcast()
}

// earliestPendingLocked returns the smallest pending Time, or Max if the
// pending set is empty (meaning: nothing earlier than "infinity" blocks
// the safe time from advancing).
func (t *MVCCTracker) earliestPendingLocked() Time {
	if len(t.pending) == 0 {
		return Max
	}
	return t.pending[0]
}

// SafeTime blocks until every pending operation proposed strictly
// before minAllowed has resolved (applied or abandoned) and, if
// requireLease is set, until the leader lease is confirmed to cover at
// least minAllowed. It returns Invalid if ctx is done first (spec.md
// §4.1, §5 "suspension points").
//
// Without requireLease, this degrades to the follower variant: the max
// of applied hybrid times, which never blocks.
func (t *MVCCTracker) SafeTime(ctx context.Context, requireLease bool, minAllowed Time) Time {
	if !requireLease {
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.applied
	}

	var done = make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			t.mu.Lock()
			t.cond.Broadcast()
			t.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return Invalid
		}
		var earliest = t.earliestPendingLocked()
		var leaseOK = t.leaseMin.IsValid() && t.leaseMin >= minAllowed
		if earliest >= minAllowed && leaseOK {
			if t.applied > minAllowed {
				return t.applied
			}
			return minAllowed
		}
		t.cond.Wait()
	}
}
