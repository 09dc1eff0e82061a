package lockmgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseExclusive(t *testing.T) {
	var m = NewManager()
	ls, err := m.Acquire(context.Background(), []Request{{Path: []byte("a"), Mode: Exclusive}})
	require.NoError(t, err)
	ls.Unlock()

	require.Empty(t, m.entries)
}

func TestSharedLocksDoNotBlockEachOther(t *testing.T) {
	var m = NewManager()
	ls1, err := m.Acquire(context.Background(), []Request{{Path: []byte("a"), Mode: Shared}})
	require.NoError(t, err)
	ls2, err := m.Acquire(context.Background(), []Request{{Path: []byte("a"), Mode: Shared}})
	require.NoError(t, err)
	ls1.Unlock()
	ls2.Unlock()
}

func TestExclusiveBlocksUntilReleased(t *testing.T) {
	var m = NewManager()
	ls1, err := m.Acquire(context.Background(), []Request{{Path: []byte("a"), Mode: Exclusive}})
	require.NoError(t, err)

	var acquired = make(chan struct{})
	go func() {
		ls2, err := m.Acquire(context.Background(), []Request{{Path: []byte("a"), Mode: Exclusive}})
		require.NoError(t, err)
		close(acquired)
		ls2.Unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second exclusive lock acquired while first still held")
	case <-time.After(50 * time.Millisecond):
	}

	ls1.Unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second exclusive lock never acquired after release")
	}
}

func TestAcquireTimesOutOnDeadline(t *testing.T) {
	var m = NewManager()
	ls1, err := m.Acquire(context.Background(), []Request{{Path: []byte("a"), Mode: Exclusive}})
	require.NoError(t, err)
	defer ls1.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = m.Acquire(ctx, []Request{{Path: []byte("a"), Mode: Exclusive}})
	require.Error(t, err)
}

func TestAcquireOrdersByPathToAvoidDeadlock(t *testing.T) {
	var m = NewManager()
	var reqs = []Request{
		{Path: []byte("z"), Mode: Exclusive},
		{Path: []byte("a"), Mode: Exclusive},
	}
	ls, err := m.Acquire(context.Background(), reqs)
	require.NoError(t, err)
	ls.Unlock()
}
