// Package tablet implements the tablet write pipeline (spec.md §4.9,
// component C9): the orchestration layer that ties the lock manager and
// conflict resolver (C5), the intent-aware iterator (C4), the intent
// store (C3) and committed store, the transaction participant (C6), and
// the consensus log together into prepare -> conflict-resolve -> locks
// -> compute -> write-batch -> replicate -> apply.
package tablet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/riftdb/tablet/conflict"
	"github.com/riftdb/tablet/config"
	"github.com/riftdb/tablet/hybrid"
	"github.com/riftdb/tablet/intent"
	"github.com/riftdb/tablet/iterator"
	"github.com/riftdb/tablet/keys"
	"github.com/riftdb/tablet/oplog"
	"github.com/riftdb/tablet/ops"
	"github.com/riftdb/tablet/rpcstatus"
	"github.com/riftdb/tablet/storage"
	"github.com/riftdb/tablet/txnparticipant"
	log "github.com/sirupsen/logrus"
)

// Kind classifies a write request (spec.md §4.9 step 1).
type Kind int

const (
	NonTransactional Kind = iota
	Transactional
	ReadOnly
)

// WriteOp is one document write an executor produces.
type WriteOp struct {
	Path   []byte
	Value  []byte
	Delete bool
}

// ChildWrite is a secondary-index write an executor defers to a child
// transaction on another tablet (spec.md §4.9 step 7).
type ChildWrite struct {
	Tablet string
	Path   []byte
	Value  []byte
}

// ChildDispatcher issues a ChildWrite through the transaction client
// runtime (C8) and reports its outcome.
type ChildDispatcher interface {
	DispatchChildWrite(ctx context.Context, w ChildWrite) error
}

// Executor computes the doc writes (and any secondary-index child
// writes) a request produces, by reading against it. Request parsing
// and query compilation are out of this module's scope (spec.md §1
// Non-goals); callers supply the already-compiled Executor.
type Executor func(it *iterator.Iterator) (writes []WriteOp, children []ChildWrite, err error)

// Request is a prepared unit of work for the pipeline. ReadPaths and
// WritePaths must already be known (extracted by the caller from the
// parsed statement) since C5 needs them before Exec runs.
type Request struct {
	Kind       Kind
	TxnID      intent.TxnID
	Metadata   *intent.Metadata
	BatchIndex uint64
	Isolation  intent.Isolation

	ReadPaths  [][]byte
	WritePaths [][]byte

	ReadTime          *iterator.ReadTime
	AllowLocalRestart bool
	Deadline          time.Time

	Exec Executor
}

// Result is what Execute returns.
type Result struct {
	ReadTime        iterator.ReadTime
	OpID            keys.OpID
	RestartRequired bool
	RestartHT       hybrid.Time
}

// Tablet is the C9 component itself: one instance per tablet replica.
type Tablet struct {
	ID string

	Clock       *hybrid.Clock
	MVCC        *hybrid.MVCCTracker
	Committed   storage.Store
	Intents     *intent.Store
	Participant *txnparticipant.Participant
	Conflict    *conflict.Resolver
	Log         oplog.Log
	Dispatcher  ChildDispatcher
	Logger      ops.Logger
}

// Execute runs the full pipeline for req.
func (t *Tablet) Execute(ctx context.Context, req Request) (Result, error) {
	if !req.Deadline.IsZero() {
		var cctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
		ctx = cctx
	}

	var rt, err = t.determineReadTime(ctx, req)
	if err != nil {
		return Result{}, err
	}

	var candidateHT = t.Clock.Now()
	var resolution, lockErr = t.Conflict.Resolve(ctx, conflict.Batch{
		ReadPaths:   req.ReadPaths,
		WritePaths:  req.WritePaths,
		Isolation:   req.Isolation,
		CandidateHT: candidateHT,
		Deadline:    req.Deadline,
	})
	if lockErr != nil {
		return Result{}, lockErr
	}
	defer resolution.Locks.Unlock()

	var writes []WriteOp
	var children []ChildWrite
	var restarted = false

	for attempt := 0; attempt < 2; attempt++ {
		var txnCtx iterator.TxnContext
		if req.Kind == Transactional {
			var self = req.TxnID
			txnCtx = iterator.TxnContext{SelfID: &self, Resolver: t.Participant}
		}
		var it = iterator.New(t.Committed, t.Intents.KV, rt, txnCtx)
		var execErr error
		writes, children, execErr = req.Exec(it)
		var restartHT, needsRestart = it.RestartHybridTime()
		var iterErr = it.Err()
		it.Close()

		if execErr != nil {
			return Result{}, execErr
		}
		if iterErr != nil {
			return Result{}, iterErr
		}
		if needsRestart {
			// Non-transactional reads and snapshot-isolation transactions may
			// retry once locally by simply advancing the read point; a
			// serializable transaction's restart must be coordinated across
			// every tablet it has touched, so it is always propagated to the
			// caller (spec.md §4.9 step 5, §4.8 scenario S5).
			var canRetryLocally = req.Kind != Transactional || req.Isolation == intent.Snapshot
			if req.AllowLocalRestart && !restarted && canRetryLocally {
				rt.Read = restartHT
				restarted = true
				writes, children = nil, nil
				continue
			}
			return Result{ReadTime: rt, RestartRequired: true, RestartHT: restartHT}, nil
		}
		break
	}

	if t.Participant != nil && req.Kind == Transactional && req.Metadata != nil {
		var batch storage.WriteBatch
		if !t.Participant.Add(*req.Metadata, &batch) {
			return Result{}, rpcstatus.New(rpcstatus.IllegalState, "transaction %s already aborted on this tablet", req.TxnID)
		}
		if len(batch.Mutations) > 0 {
			if err := t.Intents.KV.Write(batch, keys.Frontier{}); err != nil {
				return Result{}, err
			}
		}
	}

	var childErrs = t.dispatchChildren(ctx, children)

	t.MVCC.AddPending(candidateHT)
	opID, applyErr := t.apply(ctx, req, writes, candidateHT)
	t.MVCC.Applied(candidateHT)

	if applyErr != nil {
		return Result{}, applyErr
	}
	for _, cerr := range childErrs {
		if cerr != nil {
			return Result{OpID: opID, ReadTime: rt}, fmt.Errorf("tablet: secondary-index child write failed: %w", cerr)
		}
	}

	return Result{OpID: opID, ReadTime: rt}, nil
}

// RunMaintenance drives C3's background work on a ticker until ctx is
// done: the flush ordering gate (spec.md §4.3) runs every tick
// unconditionally, while SST cleanup (scenario S4) is skipped whenever
// rc reports a deferral in effect, e.g. during a backfill pass.
func (t *Tablet) RunMaintenance(ctx context.Context, rc *config.RuntimeConfig, interval time.Duration) {
	var ticker = time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Intents.MaybeFlush(t.Committed, rc.IntentsFlushMaxDelay()); err != nil {
				if t.Logger != nil {
					t.Logger.Log(log.WarnLevel, log.Fields{"tablet": t.ID}, fmt.Sprintf("intent flush ordering check failed: %v", err))
				}
				continue
			}

			if rc.DeferBackground() {
				continue
			}
			var minRunning = t.Participant.MinRunningHybridTime()
			if dropped, err := t.Intents.CleanupSSTs(t.Committed, minRunning); err != nil {
				if t.Logger != nil {
					t.Logger.Log(log.WarnLevel, log.Fields{"tablet": t.ID}, fmt.Sprintf("intent SST cleanup failed: %v", err))
				}
			} else if dropped > 0 && t.Logger != nil {
				t.Logger.Log(log.DebugLevel, log.Fields{"tablet": t.ID, "dropped": dropped}, "dropped stale intent SSTs")
			}
		}
	}
}

func (t *Tablet) determineReadTime(ctx context.Context, req Request) (iterator.ReadTime, error) {
	if req.ReadTime != nil {
		return *req.ReadTime, nil
	}
	var safe = t.MVCC.SafeTime(ctx, true, hybrid.Min)
	if safe == hybrid.Invalid {
		return iterator.ReadTime{}, rpcstatus.New(rpcstatus.TimedOut, "tablet %s: safe_time wait exceeded deadline", t.ID)
	}
	ops.SafeTimeLagSeconds.WithLabelValues(t.ID).Set(float64(t.Clock.Now().Physical()-safe.Physical()) / 1e6)
	var _, hi = t.Clock.NowRange()
	return iterator.ReadTime{Read: safe, LocalLimit: hi, GlobalLimit: hi}, nil
}

func (t *Tablet) dispatchChildren(ctx context.Context, children []ChildWrite) []error {
	if len(children) == 0 || t.Dispatcher == nil {
		return nil
	}
	var errs = make([]error, len(children))
	var wg sync.WaitGroup
	for i, c := range children {
		wg.Add(1)
		go func(i int, c ChildWrite) {
			defer wg.Done()
			errs[i] = t.Dispatcher.DispatchChildWrite(ctx, c)
		}(i, c)
	}
	wg.Wait()
	return errs
}

func (t *Tablet) apply(ctx context.Context, req Request, writes []WriteOp, candidateHT hybrid.Time) (keys.OpID, error) {
	var batch storage.WriteBatch
	var lastWriteID uint32
	for i, w := range writes {
		var key []byte
		switch req.Kind {
		case Transactional:
			var writeID, _, perr = t.Participant.PrepareBatchData(req.TxnID, req.BatchIndex+uint64(i))
			if perr != nil {
				return keys.OpID{}, perr
			}
			lastWriteID = writeID
			var doc = hybrid.DocTime{HT: candidateHT, WriteID: writeID, LeaderTerm: t.Log.Term()}
			key = intent.PrimaryKey(w.Path, intent.StrongWrite, doc)
			if w.Delete {
				batch.Delete(key)
			} else {
				batch.Put(key, intent.EncodePrimaryValue(intent.PrimaryValue{TxnID: req.TxnID, WriteID: writeID, Value: w.Value}))
			}
			batch.Put(intent.ReverseKey(req.TxnID, doc), key)
		default:
			var sdk = keys.SubDocKey{DocKey: w.Path}
			key = sdk.WithHybridTime(hybrid.DocTime{HT: candidateHT})
			if w.Delete {
				batch.Delete(key)
			} else {
				batch.Put(key, w.Value)
			}
		}
	}

	var opID, err = t.Log.Append(ctx, []byte(fmt.Sprintf("tablet %s: %d mutations at %s", t.ID, len(batch.Mutations), candidateHT)))
	if err != nil {
		return keys.OpID{}, fmt.Errorf("tablet: replicating batch: %w", err)
	}

	var frontier = keys.EmptyFrontier().Observe(opID, candidateHT)
	if len(batch.Mutations) == 0 {
		return opID, nil
	}

	switch req.Kind {
	case Transactional:
		if err := t.Intents.KV.Write(batch, frontier); err != nil {
			return opID, fmt.Errorf("tablet: applying intent batch: %w", err)
		}
		t.Participant.BatchReplicated(req.TxnID, candidateHT, lastWriteID)
	default:
		if err := t.Committed.Write(batch, frontier); err != nil {
			return opID, fmt.Errorf("tablet: applying committed batch: %w", err)
		}
	}

	if t.Logger != nil {
		t.Logger.Log(log.DebugLevel, log.Fields{"tablet": t.ID, "op_id": fmt.Sprintf("%d.%d", opID.Term, opID.Index)}, "applied write batch")
	}
	return opID, nil
}
