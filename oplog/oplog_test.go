package oplog

import (
	"context"
	"testing"
	"time"

	"github.com/riftdb/tablet/keys"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsIncreasingIndex(t *testing.T) {
	var log = NewMemLog(1)
	ctx := context.Background()

	id1, err := log.Append(ctx, []byte("a"))
	require.NoError(t, err)
	id2, err := log.Append(ctx, []byte("b"))
	require.NoError(t, err)

	require.Equal(t, uint64(1), id1.Term)
	require.True(t, id2.Index > id1.Index)
}

func TestSubscribeReceivesAppendedEntries(t *testing.T) {
	var log = NewMemLog(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := log.Subscribe(ctx, keys.OpID{})
	require.NoError(t, err)

	go func() {
		_, _ = log.Append(context.Background(), []byte("hello"))
	}()

	select {
	case e := <-ch:
		require.Equal(t, []byte("hello"), e.Data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed entry")
	}
}
