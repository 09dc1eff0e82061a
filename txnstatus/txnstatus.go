// Package txnstatus implements the status-tablet coordinator (spec.md
// §4.7, component C7): the authoritative home for one transaction's
// state machine. COMMIT decisions are appended to that tablet's own
// consensus log; the other transitions are held in memory only.
package txnstatus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/riftdb/tablet/conflict"
	"github.com/riftdb/tablet/hybrid"
	"github.com/riftdb/tablet/intent"
	"github.com/riftdb/tablet/oplog"
	"github.com/riftdb/tablet/ops"
	"github.com/riftdb/tablet/rpcstatus"
	log "github.com/sirupsen/logrus"
)

// ApplyNotifier delivers an APPLY record to an involved tablet's
// participant (C6) once a transaction commits, retrying until
// acknowledged.
type ApplyNotifier interface {
	NotifyApply(ctx context.Context, tablet string, txn intent.TxnID, commitHT hybrid.Time) error
}

// record is the coordinator's authoritative per-transaction state
// (spec.md §4.7).
type record struct {
	status          conflict.Status
	involvedTablets []string
	commitHT        hybrid.Time
	lastHeartbeat   time.Time
	applied         map[string]bool
}

// Coordinator hosts every transaction for which this tablet is the
// status tablet.
type Coordinator struct {
	Log          oplog.Log
	Notifier     ApplyNotifier
	HeartbeatTTL time.Duration
	Logger       ops.Logger

	mu      sync.Mutex
	records map[intent.TxnID]*record
}

// New returns a Coordinator. heartbeatTTL should be at least
// max_clock_skew + lease + slack (spec.md §4.7 recommends ≥ 1s).
func New(l oplog.Log, notifier ApplyNotifier, heartbeatTTL time.Duration, logger ops.Logger) *Coordinator {
	return &Coordinator{
		Log:          l,
		Notifier:     notifier,
		HeartbeatTTL: heartbeatTTL,
		Logger:       logger,
		records:      make(map[intent.TxnID]*record),
	}
}

// Create registers a new transaction as PENDING with a fresh heartbeat
// time. There is no separate CREATED state: a record is PENDING from
// the moment it exists.
func (c *Coordinator) Create(txn intent.TxnID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[txn]; !ok {
		c.records[txn] = &record{status: conflict.Pending, lastHeartbeat: time.Now()}
	}
}

// Heartbeat refreshes a transaction's liveness, registering it as
// PENDING if it is unknown. It fails with Expired for an aborted
// transaction.
func (c *Coordinator) Heartbeat(txn intent.TxnID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var r, ok = c.records[txn]
	if !ok {
		r = &record{status: conflict.Pending}
		c.records[txn] = r
	}
	if r.status == conflict.Aborted {
		return rpcstatus.New(rpcstatus.Expired, "transaction %s already aborted", txn)
	}
	r.lastHeartbeat = time.Now()
	return nil
}

// Commit moves a transaction to COMMITTED, assigning commit_ht, then
// asynchronously notifies every involved tablet until each acks
// APPLIED (spec.md §4.7 "On COMMIT").
func (c *Coordinator) Commit(ctx context.Context, txn intent.TxnID, involvedTablets []string, commitHT hybrid.Time) error {
	c.mu.Lock()
	var r, ok = c.records[txn]
	if !ok {
		r = &record{}
		c.records[txn] = r
	}
	if r.status == conflict.Aborted {
		c.mu.Unlock()
		return rpcstatus.New(rpcstatus.Expired, "transaction %s already aborted", txn)
	}
	if r.status == conflict.Committed || r.status == applied {
		c.mu.Unlock()
		return nil
	}
	r.status = conflict.Committed
	r.involvedTablets = involvedTablets
	r.commitHT = commitHT
	r.applied = make(map[string]bool, len(involvedTablets))
	c.mu.Unlock()

	if _, err := c.Log.Append(ctx, []byte(txn.String()+":COMMIT")); err != nil {
		return fmt.Errorf("txnstatus: appending commit record: %w", err)
	}

	go c.driveApply(txn)
	return nil
}

// Abort moves a transaction to ABORTED. Fire and forget, per spec.md
// §4.8's client-runtime contract.
func (c *Coordinator) Abort(txn intent.TxnID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var r, ok = c.records[txn]
	if !ok {
		r = &record{}
		c.records[txn] = r
	}
	if r.status != conflict.Committed && r.status != applied {
		r.status = conflict.Aborted
	}
}

// Status returns the current status and commit hybrid time, lazily
// demoting a PENDING transaction whose heartbeat has expired (spec.md
// §4.7 "On status queries"). A transaction in the coordinator-local
// APPLIED state is reported as COMMITTED. readHT and globalLimit are
// not consulted: a PENDING transaction is demoted only on heartbeat
// expiry, never because the requester's read window has elapsed.
func (c *Coordinator) Status(txn intent.TxnID, readHT, globalLimit hybrid.Time) (conflict.Status, hybrid.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var r, ok = c.records[txn]
	if !ok {
		return conflict.Pending, hybrid.Min
	}
	if r.status == conflict.Pending && c.expiredLocked(r) {
		r.status = conflict.Aborted
	}
	if r.status == applied {
		return conflict.Committed, r.commitHT
	}
	return r.status, r.commitHT
}

func (c *Coordinator) expiredLocked(r *record) bool {
	return !r.lastHeartbeat.IsZero() && time.Since(r.lastHeartbeat) > c.HeartbeatTTL
}

// SweepExpired moves every PENDING transaction whose heartbeat has
// expired to ABORTED; intended to run periodically from a maintenance
// goroutine.
func (c *Coordinator) SweepExpired() []intent.TxnID {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []intent.TxnID
	for txn, r := range c.records {
		if r.status == conflict.Pending && c.expiredLocked(r) {
			r.status = conflict.Aborted
			expired = append(expired, txn)
		}
	}
	return expired
}

// driveApply sends APPLY records to every involved tablet until each
// acks, retrying each tablet with an exponential backoff that starts at
// 10ms and stops doubling once it reaches 2s. There is no cancellation:
// each tablet's retry loop runs until its notification succeeds.
func (c *Coordinator) driveApply(txn intent.TxnID) {
	c.mu.Lock()
	var r = c.records[txn]
	if r == nil {
		c.mu.Unlock()
		return
	}
	var tablets = append([]string(nil), r.involvedTablets...)
	var commitHT = r.commitHT
	c.mu.Unlock()

	for _, tablet := range tablets {
		var t = tablet
		go func() {
			var backoff = 10 * time.Millisecond
			for {
				var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
				var err = c.Notifier.NotifyApply(ctx, t, txn, commitHT)
				cancel()
				if err == nil {
					c.markApplied(txn, t)
					return
				}
				if c.Logger != nil {
					c.Logger.Log(log.WarnLevel, log.Fields{"tablet": t, "txn": txn.String()}, "apply notification failed, retrying")
				}
				time.Sleep(backoff)
				if backoff < 2*time.Second {
					backoff *= 2
				}
			}
		}()
	}
}

func (c *Coordinator) markApplied(txn intent.TxnID, tablet string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var r = c.records[txn]
	if r == nil {
		return
	}
	r.applied[tablet] = true
	for _, t := range r.involvedTablets {
		if !r.applied[t] {
			return
		}
	}
	r.status = conflict.Status(applied)
}

// applied is a coordinator-local terminal status beyond conflict.Status's
// three values (spec.md §4.7: APPLIED is an optimization allowing
// garbage collection of the record, not a conflict-resolution-visible
// state, so it is intentionally not part of conflict.Status).
const applied conflict.Status = 100
