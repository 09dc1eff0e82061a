// Package txnclient implements the transaction client runtime (spec.md
// §4.8, component C8): the caller-side handle shared by every session
// participating in one transaction, its status-tablet heartbeater, and
// the child-transaction protocol used to merge restarts observed on
// other tablets back into the parent.
package txnclient

import (
	"context"
	"sync"
	"time"

	"github.com/riftdb/tablet/hybrid"
	"github.com/riftdb/tablet/intent"
	"github.com/riftdb/tablet/iterator"
	"github.com/riftdb/tablet/rpcstatus"
)

// State is the handle's externally visible state machine (spec.md
// §4.8: Running{not-ready, ready} -> Committed | Aborted).
type State int

const (
	NotReady State = iota
	Ready
	Committed
	Aborted
)

// StatusTabletPicker chooses which tablet will be the authoritative
// status tablet for a new transaction.
type StatusTabletPicker interface {
	PickStatusTablet(ctx context.Context, txn intent.TxnID) (string, error)
}

// StatusClient is the RPC surface a handle drives against its chosen
// status tablet (C7).
type StatusClient interface {
	Heartbeat(ctx context.Context, statusTablet string, txn intent.TxnID) error
	Commit(ctx context.Context, statusTablet string, txn intent.TxnID, involvedTablets []string, commitHT hybrid.Time) error
	Abort(ctx context.Context, statusTablet string, txn intent.TxnID)
}

// PrepareData is what Prepare populates for a ready handle: everything
// an operation needs to reach a tablet (spec.md §4.8 "prepare").
type PrepareData struct {
	TxnID        intent.TxnID
	StatusTablet string
	Isolation    intent.Isolation
	ReadTime     iterator.ReadTime
}

// ChildResult is what a child transaction hands back to its parent on
// FinishChild (spec.md §4.8, scenario S5).
type ChildResult struct {
	RestartReadHT   hybrid.Time
	ReadRestarts    map[string]hybrid.Time
	InvolvedTablets []string
}

// Handle is a single transaction's client-side runtime. Its exported
// methods are safe for concurrent use; internally it is single-threaded
// behind its mutex, per spec.md §4.8.
//
// The spec describes a heartbeater holding a "weak reference" to the
// handle that exits once the handle is dropped. Go has no weak
// pointers; the idiomatic equivalent used here is a context owned by
// the handle and cancelled on Abort/Commit/Close. The heartbeat
// goroutine closes only over that context, the transaction id, the
// status tablet string, and the StatusClient - never a pointer back to
// the Handle - so there is no cycle for the garbage collector to
// reason about either way.
type Handle struct {
	txnID     intent.TxnID
	isolation intent.Isolation
	clock     *hybrid.Clock
	picker    StatusTabletPicker
	client    StatusClient

	heartbeatInterval time.Duration
	ctx               context.Context
	cancel            context.CancelFunc

	mu              sync.Mutex
	state           State
	statusTablet    string
	readTime        iterator.ReadTime
	localLimits     map[string]hybrid.Time
	involvedTablets map[string]bool
	waiters         []func()
}

// Start mints a transaction id, picks a read time from clock, and
// kicks off asynchronous status-tablet selection. The handle is usable
// immediately; writes issued before selection completes are queued via
// Prepare's onReady callback.
func Start(isolation intent.Isolation, clock *hybrid.Clock, picker StatusTabletPicker, client StatusClient, heartbeatInterval time.Duration) *Handle {
	var _, hi = clock.NowRange()
	var ctx, cancel = context.WithCancel(context.Background())

	var h = &Handle{
		txnID:             intent.NewTxnID(),
		isolation:         isolation,
		clock:             clock,
		picker:            picker,
		client:            client,
		heartbeatInterval: heartbeatInterval,
		ctx:               ctx,
		cancel:            cancel,
		readTime:          iterator.ReadTime{Read: hi, LocalLimit: hi, GlobalLimit: hi},
		localLimits:       make(map[string]hybrid.Time),
		involvedTablets:   make(map[string]bool),
	}
	go h.resolveStatusTablet()
	return h
}

// TxnID returns the transaction's id.
func (h *Handle) TxnID() intent.TxnID { return h.txnID }

// State returns the handle's current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) resolveStatusTablet() {
	var tablet, err = h.picker.PickStatusTablet(h.ctx, h.txnID)

	h.mu.Lock()
	var waiters = h.waiters
	h.waiters = nil
	var ready = false
	if h.state == NotReady {
		if err != nil {
			h.state = Aborted
		} else {
			h.statusTablet = tablet
			h.state = Ready
			ready = true
		}
	}
	h.mu.Unlock()

	for _, w := range waiters {
		w()
	}
	if ready {
		go heartbeatLoop(h.ctx, h.client, h.heartbeatInterval, tablet, h.txnID)
	}
}

func heartbeatLoop(ctx context.Context, client StatusClient, interval time.Duration, statusTablet string, txnID intent.TxnID) {
	var ticker = time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = client.Heartbeat(ctx, statusTablet, txnID)
		}
	}
}

// Prepare populates PrepareData for a write against tablet if the
// handle is ready, recording tablet as involved in the eventual commit.
// If the handle is not yet ready, onReady (if non-nil) is queued to run
// once status-tablet selection completes, and Prepare returns false.
func (h *Handle) Prepare(tablet string, onReady func()) (PrepareData, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == Ready {
		h.involvedTablets[tablet] = true
		return PrepareData{
			TxnID:        h.txnID,
			StatusTablet: h.statusTablet,
			Isolation:    h.isolation,
			ReadTime:     h.readTime,
		}, true
	}
	if onReady != nil {
		h.waiters = append(h.waiters, onReady)
	}
	return PrepareData{}, false
}

// Flushed reports the outcome of a replicated batch: the propagated
// hybrid time is merged into the handle's clock, and a TryAgain status
// aborts the transaction (spec.md §4.8 "flushed").
func (h *Handle) Flushed(status rpcstatus.Code, propagatedHT hybrid.Time) {
	h.clock.Update(propagatedHT)
	if status == rpcstatus.TryAgain {
		h.mu.Lock()
		h.state = Aborted
		h.mu.Unlock()
		h.cancel()
	}
}

// RestartRequired records that tablet signalled a read restart at
// restartHT, merging it into the handle's per-tablet local-limits map
// (spec.md §4.8 "restart_required"; scenario S5). The caller must then
// call CreateRestarted to obtain the merged read time.
func (h *Handle) RestartRequired(tablet string, restartHT hybrid.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.localLimits[tablet]; !ok || restartHT > cur {
		h.localLimits[tablet] = restartHT
	}
}

// CreateRestarted advances the handle's read time to the maximum
// restart hybrid time observed across all tablets and returns it.
func (h *Handle) CreateRestarted() iterator.ReadTime {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ht := range h.localLimits {
		if ht > h.readTime.Read {
			h.readTime.Read = ht
		}
	}
	return h.readTime
}

// Commit sends COMMIT to the status tablet with the involved-tablet
// set, invoking callback once acknowledged. A transaction with no
// writes degrades to Abort but still reports success, per spec.md
// §4.8.
func (h *Handle) Commit(callback func(error)) {
	h.mu.Lock()
	var tablets = make([]string, 0, len(h.involvedTablets))
	for t := range h.involvedTablets {
		tablets = append(tablets, t)
	}
	var statusTablet, txnID = h.statusTablet, h.txnID
	h.mu.Unlock()

	if len(tablets) == 0 {
		h.Abort()
		go callback(nil)
		return
	}

	go func() {
		var commitHT = h.clock.Now()
		var err = h.client.Commit(context.Background(), statusTablet, txnID, tablets, commitHT)

		h.mu.Lock()
		if err == nil {
			h.state = Committed
		} else {
			h.state = Aborted
		}
		h.mu.Unlock()
		h.cancel()
		callback(err)
	}()
}

// Abort sends ABORT to the status tablet, fire and forget, and cancels
// all outstanding RPCs owned by the handle.
func (h *Handle) Abort() {
	h.mu.Lock()
	var statusTablet, txnID = h.statusTablet, h.txnID
	h.state = Aborted
	h.mu.Unlock()

	h.cancel()
	if statusTablet != "" {
		go h.client.Abort(context.Background(), statusTablet, txnID)
	}
}

// PrepareChild returns a child handle sharing this transaction's id,
// isolation, status tablet and clock, with its own independent
// tablet-involvement and restart tracking (spec.md §4.8
// "prepare_child").
func (h *Handle) PrepareChild() *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return &Handle{
		txnID:             h.txnID,
		isolation:         h.isolation,
		clock:             h.clock,
		picker:            h.picker,
		client:            h.client,
		heartbeatInterval: h.heartbeatInterval,
		ctx:               h.ctx,
		cancel:            func() {},
		state:             h.state,
		statusTablet:      h.statusTablet,
		readTime:          h.readTime,
		localLimits:       make(map[string]hybrid.Time),
		involvedTablets:   make(map[string]bool),
	}
}

// FinishChild finalizes a child handle, producing the result its parent
// merges via ApplyChildResult.
func (h *Handle) FinishChild() ChildResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	var restarts = make(map[string]hybrid.Time, len(h.localLimits))
	for tablet, ht := range h.localLimits {
		restarts[tablet] = ht
	}
	var tablets = make([]string, 0, len(h.involvedTablets))
	for t := range h.involvedTablets {
		tablets = append(tablets, t)
	}
	return ChildResult{
		RestartReadHT:   h.readTime.Read,
		ReadRestarts:    restarts,
		InvolvedTablets: tablets,
	}
}

// ApplyChildResult merges a finished child's involved tablets and any
// restart times into the parent handle.
func (h *Handle) ApplyChildResult(result ChildResult) {
	h.mu.Lock()
	for _, t := range result.InvolvedTablets {
		h.involvedTablets[t] = true
	}
	if result.RestartReadHT > h.readTime.Read {
		h.readTime.Read = result.RestartReadHT
	}
	h.mu.Unlock()

	for tablet, ht := range result.ReadRestarts {
		h.RestartRequired(tablet, ht)
	}
}

// Close cancels every outstanding RPC owned by the handle without
// sending ABORT, for use when the caller already knows the transaction
// concluded through other means (e.g. Commit succeeded).
func (h *Handle) Close() {
	h.cancel()
}
