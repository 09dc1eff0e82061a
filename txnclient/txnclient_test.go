package txnclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/riftdb/tablet/hybrid"
	"github.com/riftdb/tablet/intent"
	"github.com/riftdb/tablet/rpcstatus"
	"github.com/stretchr/testify/require"
)

type fakePicker struct {
	tablet string
	err    error
}

func (f *fakePicker) PickStatusTablet(ctx context.Context, txn intent.TxnID) (string, error) {
	return f.tablet, f.err
}

type fakeStatusClient struct {
	mu         sync.Mutex
	heartbeats int
	committed  []string
	aborted    []string
	commitErr  error
}

func (f *fakeStatusClient) Heartbeat(ctx context.Context, statusTablet string, txn intent.TxnID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeStatusClient) Commit(ctx context.Context, statusTablet string, txn intent.TxnID, involvedTablets []string, commitHT hybrid.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, statusTablet)
	return f.commitErr
}

func (f *fakeStatusClient) Abort(ctx context.Context, statusTablet string, txn intent.TxnID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, statusTablet)
}

func TestStartBecomesReadyAndDrainsWaiters(t *testing.T) {
	var client = &fakeStatusClient{}
	var h = Start(intent.Snapshot, hybrid.NewClock(500*time.Millisecond), &fakePicker{tablet: "status-1"}, client, time.Hour)
	defer h.Close()

	var ready = make(chan struct{})
	_, ok := h.Prepare("tablet-a", func() { close(ready) })
	if !ok {
		select {
		case <-ready:
		case <-time.After(time.Second):
			t.Fatal("handle never became ready")
		}
	}

	require.Equal(t, Ready, h.State())
	data, ok := h.Prepare("tablet-a", nil)
	require.True(t, ok)
	require.Equal(t, "status-1", data.StatusTablet)
}

func TestCommitWithNoWritesDegradesToAbort(t *testing.T) {
	var client = &fakeStatusClient{}
	var h = Start(intent.Snapshot, hybrid.NewClock(500*time.Millisecond), &fakePicker{tablet: "status-1"}, client, time.Hour)
	defer h.Close()

	var done = make(chan error, 1)
	h.Commit(func(err error) { done <- err })

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("commit callback never fired")
	}
	require.Equal(t, Aborted, h.State())
}

func TestCommitWithWritesSendsCommitRPC(t *testing.T) {
	var client = &fakeStatusClient{}
	var h = Start(intent.Snapshot, hybrid.NewClock(500*time.Millisecond), &fakePicker{tablet: "status-1"}, client, time.Hour)
	defer h.Close()

	waitReady(t, h)
	_, ok := h.Prepare("tablet-a", nil)
	require.True(t, ok)

	var done = make(chan error, 1)
	h.Commit(func(err error) { done <- err })

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("commit callback never fired")
	}
	require.Equal(t, Committed, h.State())
	require.Equal(t, []string{"status-1"}, client.committed)
}

func TestFlushedTryAgainAborts(t *testing.T) {
	var client = &fakeStatusClient{}
	var h = Start(intent.Snapshot, hybrid.NewClock(500*time.Millisecond), &fakePicker{tablet: "status-1"}, client, time.Hour)
	defer h.Close()
	waitReady(t, h)

	h.Flushed(rpcstatus.TryAgain, hybrid.New(1, 0))
	require.Equal(t, Aborted, h.State())
}

func TestChildResultMergesRestartIntoParent(t *testing.T) {
	var client = &fakeStatusClient{}
	var parent = Start(intent.Snapshot, hybrid.NewClock(500*time.Millisecond), &fakePicker{tablet: "status-1"}, client, time.Hour)
	defer parent.Close()
	waitReady(t, parent)

	var child = parent.PrepareChild()
	child.RestartRequired("tablet-b", hybrid.New(77, 0))
	var result = child.FinishChild()

	parent.ApplyChildResult(result)
	require.GreaterOrEqual(t, uint64(parent.CreateRestarted().Read), uint64(hybrid.New(77, 0)))
}

func waitReady(t *testing.T, h *Handle) {
	t.Helper()
	require.Eventually(t, func() bool { return h.State() == Ready }, time.Second, 5*time.Millisecond)
}
