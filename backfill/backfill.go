// Package backfill implements the index backfill orchestrator (spec.md
// §4.10, component C10): the permission state machine that governs
// online secondary-index creation and removal, the single-safe-time
// pin chosen across every tablet of the backfilled table, and the
// chunked, resumable, rate-limited scan loop that populates the index.
package backfill

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/riftdb/tablet/hybrid"
	"github.com/riftdb/tablet/ops"
	"github.com/riftdb/tablet/rpcstatus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Permission is one stage of the index permission state machine
// (spec.md §4.10). Add sequence:
// DeleteOnly -> WriteAndDelete -> DoBackfill -> ReadWriteAndDelete.
// Drop sequence:
// WriteAndDeleteWhileRemoving -> DeleteOnlyWhileRemoving -> IndexUnused.
type Permission int

const (
	DeleteOnly Permission = iota
	WriteAndDelete
	DoBackfill
	ReadWriteAndDelete
	WriteAndDeleteWhileRemoving
	DeleteOnlyWhileRemoving
	IndexUnused
	Failed
)

func (p Permission) String() string {
	switch p {
	case DeleteOnly:
		return "DELETE_ONLY"
	case WriteAndDelete:
		return "WRITE_AND_DELETE"
	case DoBackfill:
		return "DO_BACKFILL"
	case ReadWriteAndDelete:
		return "READ_WRITE_AND_DELETE"
	case WriteAndDeleteWhileRemoving:
		return "WRITE_AND_DELETE_WHILE_REMOVING"
	case DeleteOnlyWhileRemoving:
		return "DELETE_ONLY_WHILE_REMOVING"
	case IndexUnused:
		return "INDEX_UNUSED"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("Permission(%d)", int(p))
	}
}

// DefaultBatchRows is the default number of rows per backfill chunk
// (spec.md §4.10 "batched index writes (default 128 rows per batch)").
const DefaultBatchRows = 128

// TabletCursor tracks one tablet's progress through a backfill: the
// byte key to resume from, persisted so a crashed tablet resumes
// without restarting the whole job's pinned safe time.
type TabletCursor struct {
	TabletID  string
	ResumeKey []byte
	Done      bool
}

// Job is one backfill job's persisted state (spec.md §3 "Backfill job
// lifecycle"): one per indexed table, advancing through Permission as
// backfill of its constituent tablets completes.
type Job struct {
	IndexID string
	TableID string
	Indexes []string

	Permission Permission
	SafeTime   hybrid.Time

	mu             sync.Mutex
	Tablets        []TabletCursor
	FailedIndexIDs []string
}

// NewJob returns a job over tabletIDs, starting at DELETE_ONLY.
func NewJob(indexID, tableID string, indexes, tabletIDs []string) *Job {
	var tablets = make([]TabletCursor, len(tabletIDs))
	for i, id := range tabletIDs {
		tablets[i] = TabletCursor{TabletID: id}
	}
	return &Job{IndexID: indexID, TableID: tableID, Indexes: indexes, Tablets: tablets}
}

func (j *Job) allDoneLocked() bool {
	for _, c := range j.Tablets {
		if !c.Done {
			return false
		}
	}
	return true
}

// Client is the subset of the tablet RPC surface (spec.md §6) the
// orchestrator drives: GetSafeTime and BackfillIndex.
type Client interface {
	GetSafeTime(ctx context.Context, tabletID string, minHybridTimeForBackfill hybrid.Time) (hybrid.Time, error)
	// BackfillIndex scans tabletID at readAt starting from startKey,
	// writing up to DefaultBatchRows index entries for indexes, and
	// reports the key to resume from (nil once the tablet is
	// exhausted) plus any index ids that failed irrecoverably.
	BackfillIndex(ctx context.Context, tabletID string, readAt hybrid.Time, startKey []byte, indexes []string) (backfilledUntil []byte, failedIndexIDs []string, err error)
}

// Orchestrator is the C10 component itself. One instance serves every
// backfill job in the cluster's catalog.
type Orchestrator struct {
	Client        Client
	Clock         *hybrid.Clock // optional; nil pins safe time with min_allowed = hybrid.Min
	Limiter       *rate.Limiter
	ChunkDeadline time.Duration
	MaxBackoff    time.Duration
	Logger        ops.Logger
}

// New returns an Orchestrator throttled to rowsPerSecond across all of
// its chunk RPCs.
func New(client Client, rowsPerSecond float64, chunkDeadline, maxBackoff time.Duration, logger ops.Logger) *Orchestrator {
	return &Orchestrator{
		Client:        client,
		Limiter:       rate.NewLimiter(rate.Limit(rowsPerSecond), DefaultBatchRows),
		ChunkDeadline: chunkDeadline,
		MaxBackoff:    maxBackoff,
		Logger:        logger,
	}
}

// AdvanceSchemaOnly moves a job between the permission states that
// require no data movement (every transition except entering
// DO_BACKFILL). Waiting for the prior permission to have propagated to
// every node in the cluster before advancing further is schema DDL
// execution, out of this module's scope (spec.md §1 Non-goals); callers
// own that wait and call AdvanceSchemaOnly only once it is safe to do
// so.
func (o *Orchestrator) AdvanceSchemaOnly(job *Job, next Permission) error {
	if next == DoBackfill {
		return fmt.Errorf("backfill: use RunBackfill to enter DO_BACKFILL")
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	job.Permission = next
	return nil
}

// RunBackfill executes spec.md §4.10's DO_BACKFILL stage: pin a single
// safe time across every tablet, then drive each tablet's chunked scan
// concurrently until all are done or one fails irrecoverably.
func (o *Orchestrator) RunBackfill(ctx context.Context, job *Job) error {
	job.mu.Lock()
	job.Permission = DoBackfill
	job.mu.Unlock()

	var safeTime, err = o.pinSafeTime(ctx, job)
	if err != nil {
		o.fail(job)
		return err
	}
	job.mu.Lock()
	job.SafeTime = safeTime
	var cursors = append([]TabletCursor(nil), job.Tablets...)
	job.mu.Unlock()

	var wg sync.WaitGroup
	var errs = make([]error, len(cursors))
	for i, c := range cursors {
		if c.Done {
			continue
		}
		wg.Add(1)
		go func(i int, c TabletCursor) {
			defer wg.Done()
			errs[i] = o.runTablet(ctx, job, c.TabletID)
		}(i, c)
	}
	wg.Wait()

	for _, e := range errs {
		if e != nil {
			o.fail(job)
			return e
		}
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	if !job.allDoneLocked() {
		job.Permission = Failed
		return fmt.Errorf("backfill: job %s left incomplete tablets with no reported error", job.IndexID)
	}
	job.Permission = ReadWriteAndDelete
	return nil
}

// pinSafeTime asks every tablet for its safe time, with min_allowed set
// to the orchestrator's current hybrid time so a tablet that is
// lagging is made to catch up rather than letting a stale low T be
// chosen, and returns the maximum (spec.md §4.10 / scenario S6).
func (o *Orchestrator) pinSafeTime(ctx context.Context, job *Job) (hybrid.Time, error) {
	job.mu.Lock()
	var tablets = append([]TabletCursor(nil), job.Tablets...)
	job.mu.Unlock()

	var now = hybrid.Min
	if o.Clock != nil {
		now = o.Clock.Now()
	}
	var max = hybrid.Min
	for _, c := range tablets {
		var ht, err = o.Client.GetSafeTime(ctx, c.TabletID, now)
		if err != nil {
			return hybrid.Min, fmt.Errorf("backfill: safe_time from tablet %s: %w", c.TabletID, err)
		}
		if ht > max {
			max = ht
		}
	}
	return max, nil
}

// runTablet drives repeated BackfillIndex chunks against one tablet
// from its checkpointed resume cursor until it reports exhaustion,
// retrying a failed chunk with exponential backoff up to MaxBackoff
// (spec.md §5 "Backfill chunks carry per-chunk deadlines; chunk failure
// retries with exponential backoff up to a configurable cap").
func (o *Orchestrator) runTablet(ctx context.Context, job *Job, tabletID string) error {
	var resumeKey = job.cursorKey(tabletID)
	var backoff = 10 * time.Millisecond

	for {
		if err := o.Limiter.WaitN(ctx, DefaultBatchRows); err != nil {
			return rpcstatus.Wrap(rpcstatus.TimedOut, err, "backfill: rate limiter wait on tablet %s", tabletID)
		}

		var cctx = ctx
		var cancel context.CancelFunc
		if o.ChunkDeadline > 0 {
			cctx, cancel = context.WithTimeout(ctx, o.ChunkDeadline)
		}
		job.mu.Lock()
		var indexes = append([]string(nil), job.Indexes...)
		var readAt = job.SafeTime
		job.mu.Unlock()

		var next, failedIDs, err = o.Client.BackfillIndex(cctx, tabletID, readAt, resumeKey, indexes)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if o.Logger != nil {
				o.Logger.Log(log.WarnLevel, log.Fields{"tablet": tabletID, "job": job.IndexID}, "backfill chunk failed, retrying")
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff < o.MaxBackoff {
				backoff *= 2
				if backoff > o.MaxBackoff {
					backoff = o.MaxBackoff
				}
			}
			continue
		}
		backoff = 10 * time.Millisecond

		if len(failedIDs) > 0 {
			job.recordFailedIndexes(failedIDs)
			return fmt.Errorf("backfill: tablet %s reported unrecoverable index failures: %v", tabletID, failedIDs)
		}

		ops.BackfillRowsTotal.WithLabelValues(tabletID).Add(DefaultBatchRows)
		resumeKey = next
		job.checkpoint(tabletID, next)
		if next == nil {
			job.markDone(tabletID)
			return nil
		}
	}
}

func (o *Orchestrator) fail(job *Job) {
	job.mu.Lock()
	defer job.mu.Unlock()
	job.Permission = Failed
}

func (j *Job) cursorKey(tabletID string) []byte {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range j.Tablets {
		if c.TabletID == tabletID {
			return c.ResumeKey
		}
	}
	return nil
}

func (j *Job) checkpoint(tabletID string, resumeKey []byte) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := range j.Tablets {
		if j.Tablets[i].TabletID == tabletID {
			j.Tablets[i].ResumeKey = resumeKey
			return
		}
	}
}

func (j *Job) markDone(tabletID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := range j.Tablets {
		if j.Tablets[i].TabletID == tabletID {
			j.Tablets[i].Done = true
			return
		}
	}
}

func (j *Job) recordFailedIndexes(ids []string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.FailedIndexIDs = append(j.FailedIndexIDs, ids...)
}

// Snapshot returns a copy of the job's tablet cursors, safe for a
// catalog writer to persist.
func (j *Job) Snapshot() []TabletCursor {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]TabletCursor(nil), j.Tablets...)
}
