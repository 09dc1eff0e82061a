// Package conflict implements the conflict resolver (spec.md §4.5,
// component C5): given a prepared batch's read and write sets, it
// acquires the in-memory lock set and scans the intent store for
// conflicting provisional writes, honoring the batch's isolation level.
package conflict

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/riftdb/tablet/hybrid"
	"github.com/riftdb/tablet/intent"
	"github.com/riftdb/tablet/lockmgr"
	"github.com/riftdb/tablet/ops"
	"github.com/riftdb/tablet/rpcstatus"
)

// StatusLookup answers the current status and commit hybrid time of a
// transaction, the contract C5 expects from C6/C7.
type StatusLookup interface {
	StatusOf(txn intent.TxnID) (Status, hybrid.Time, error)
}

// Status mirrors the status-tablet coordinator's transaction states
// (spec.md §4.7) as seen by the conflict resolver.
type Status int

const (
	Pending Status = iota
	Committed
	Aborted
)

// Batch is the prepared unit of work the resolver checks: its read and
// write sets are doc paths, already encoded without a trailing hybrid
// time.
type Batch struct {
	ReadPaths   [][]byte
	WritePaths  [][]byte
	Isolation   intent.Isolation
	CandidateHT hybrid.Time
	Deadline    time.Time
}

// Resolution is what Acquire returns on success.
type Resolution struct {
	NeedReadSnapshot bool
	Locks            *lockmgr.LockSet
}

// Resolver ties a lock manager and an intent store to a transaction
// status lookup.
type Resolver struct {
	Locks    *lockmgr.Manager
	Intents  *intent.Store
	Statuses StatusLookup
}

// Resolve runs the algorithm of spec.md §4.5 against batch.
func (r *Resolver) Resolve(ctx context.Context, batch Batch) (Resolution, error) {
	if !batch.Deadline.IsZero() {
		var cctx, cancel = context.WithDeadline(ctx, batch.Deadline)
		defer cancel()
		ctx = cctx
	}

	var reqs []lockmgr.Request
	for _, p := range batch.WritePaths {
		reqs = append(reqs, lockmgr.Request{Path: p, Mode: lockmgr.Exclusive})
	}
	for _, p := range batch.ReadPaths {
		reqs = append(reqs, lockmgr.Request{Path: p, Mode: lockmgr.Shared})
	}

	var locks, err = r.Locks.Acquire(ctx, reqs)
	if err != nil {
		return Resolution{}, err
	}

	for _, path := range batch.WritePaths {
		if cerr := r.checkConflicts(path, batch); cerr != nil {
			locks.Unlock()
			return Resolution{}, cerr
		}
	}

	return Resolution{
		NeedReadSnapshot: batch.Isolation == intent.Serializable,
		Locks:            locks,
	}, nil
}

// checkConflicts scans the intent store for any strong intent on path
// and applies the isolation-specific decision table.
func (r *Resolver) checkConflicts(path []byte, batch Batch) error {
	var it = r.Intents.KV.NewIterator()
	defer it.Close()

	var prefix = intent.PrimaryKeyPrefixForPath(path)
	for it.Seek(prefix); it.Valid(); it.Next() {
		var key = it.Key()
		if !bytes.HasPrefix(key, prefix) {
			break
		}
		_, itype, _, derr := intent.DecodePrimaryKey(key)
		if derr != nil {
			return rpcstatus.Wrap(rpcstatus.Corruption, derr, "decoding intent key during conflict scan")
		}
		if itype != intent.StrongWrite && itype != intent.StrongRead {
			continue
		}
		val, verr := intent.DecodePrimaryValue(it.Value())
		if verr != nil {
			return rpcstatus.Wrap(rpcstatus.Corruption, verr, "decoding intent value during conflict scan")
		}

		status, commitHT, serr := r.Statuses.StatusOf(val.TxnID)
		if serr != nil {
			return serr
		}

		switch status {
		case Aborted:
			continue
		case Committed:
			if commitHT <= batch.CandidateHT {
				ops.ConflictRetries.WithLabelValues("committed").Inc()
				return rpcstatus.New(rpcstatus.TryAgain, "write to %x conflicts with transaction %s committed at %s", path, val.TxnID, commitHT)
			}
		case Pending:
			if batch.Isolation == intent.Snapshot {
				ops.ConflictRetries.WithLabelValues("pending_snapshot").Inc()
				return rpcstatus.New(rpcstatus.TryAgain, "write to %x conflicts with pending transaction %s", path, val.TxnID)
			}
			// Serializable: a pending writer does not fail this batch
			// and nothing further is recorded here. The write path
			// writes only StrongWrite intents, so this batch's reads
			// leave no read intent behind for a later writer to find.
		default:
			return fmt.Errorf("conflict: unknown transaction status %d", status)
		}
	}
	return nil
}
