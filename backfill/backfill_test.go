package backfill

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/riftdb/tablet/hybrid"
	"github.com/stretchr/testify/require"
)

// fakeClient simulates a fixed row set per tablet, chunked two rows at
// a time, with an optional one-shot transient failure.
type fakeClient struct {
	mu            sync.Mutex
	safeTimes     map[string]hybrid.Time
	rows          map[string][][]byte
	callsByTablet map[string]int
	failTablet    string
	failOnce      bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		safeTimes:     make(map[string]hybrid.Time),
		rows:          make(map[string][][]byte),
		callsByTablet: make(map[string]int),
	}
}

func (f *fakeClient) GetSafeTime(ctx context.Context, tabletID string, minHT hybrid.Time) (hybrid.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.safeTimes[tabletID], nil
}

// BackfillIndex returns up to two rows per call, advancing from
// startKey, reporting nil once the tablet's row set is exhausted.
func (f *fakeClient) BackfillIndex(ctx context.Context, tabletID string, readAt hybrid.Time, startKey []byte, indexes []string) ([]byte, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callsByTablet[tabletID]++

	if f.failTablet == tabletID && f.failOnce {
		f.failOnce = false
		return nil, nil, context.DeadlineExceeded
	}

	var keys = f.rows[tabletID]
	var pos = 0
	if startKey != nil {
		for i, k := range keys {
			if string(k) == string(startKey) {
				pos = i + 1
				break
			}
		}
	}
	if pos >= len(keys) {
		return nil, nil, nil
	}
	var end = pos + 2
	if end >= len(keys) {
		return nil, nil, nil
	}
	return keys[end-1], nil, nil
}

func TestPermissionStringsCoverEveryState(t *testing.T) {
	require.Equal(t, "DELETE_ONLY", DeleteOnly.String())
	require.Equal(t, "WRITE_AND_DELETE", WriteAndDelete.String())
	require.Equal(t, "DO_BACKFILL", DoBackfill.String())
	require.Equal(t, "READ_WRITE_AND_DELETE", ReadWriteAndDelete.String())
	require.Equal(t, "WRITE_AND_DELETE_WHILE_REMOVING", WriteAndDeleteWhileRemoving.String())
	require.Equal(t, "DELETE_ONLY_WHILE_REMOVING", DeleteOnlyWhileRemoving.String())
	require.Equal(t, "INDEX_UNUSED", IndexUnused.String())
	require.Equal(t, "FAILED", Failed.String())
}

func TestAdvanceSchemaOnlyRejectsDoBackfill(t *testing.T) {
	var o = New(newFakeClient(), 1000, time.Second, time.Second, nil)
	var job = NewJob("idx-1", "table-1", []string{"idx-1"}, []string{"t1"})

	require.Error(t, o.AdvanceSchemaOnly(job, DoBackfill))
	require.NoError(t, o.AdvanceSchemaOnly(job, WriteAndDelete))
	require.Equal(t, WriteAndDelete, job.Permission)
}

func TestRunBackfillPinsMaxSafeTimeAcrossTablets(t *testing.T) {
	var client = newFakeClient()
	client.safeTimes["t1"] = hybrid.New(100, 0)
	client.safeTimes["t2"] = hybrid.New(103, 0)

	var o = New(client, 1_000_000, time.Second, time.Second, nil)
	var job = NewJob("idx-1", "table-1", []string{"idx-1"}, []string{"t1", "t2"})

	require.NoError(t, o.RunBackfill(context.Background(), job))
	require.Equal(t, hybrid.New(103, 0), job.SafeTime)
	require.Equal(t, ReadWriteAndDelete, job.Permission)
	for _, c := range job.Snapshot() {
		require.True(t, c.Done)
	}
}

func TestRunBackfillCheckspointsAcrossMultipleChunks(t *testing.T) {
	var client = newFakeClient()
	client.safeTimes["t1"] = hybrid.New(50, 0)
	client.rows["t1"] = [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d"), []byte("e")}

	var o = New(client, 1_000_000, time.Second, time.Second, nil)
	var job = NewJob("idx-1", "table-1", []string{"idx-1"}, []string{"t1"})

	require.NoError(t, o.RunBackfill(context.Background(), job))
	require.Equal(t, ReadWriteAndDelete, job.Permission)
	require.GreaterOrEqual(t, client.callsByTablet["t1"], 2)
}

func TestRunBackfillRetriesTransientChunkFailure(t *testing.T) {
	var client = newFakeClient()
	client.safeTimes["t1"] = hybrid.New(50, 0)
	client.failTablet = "t1"
	client.failOnce = true

	var o = New(client, 1_000_000, time.Second, 50*time.Millisecond, nil)
	var job = NewJob("idx-1", "table-1", []string{"idx-1"}, []string{"t1"})

	require.NoError(t, o.RunBackfill(context.Background(), job))
	require.Equal(t, ReadWriteAndDelete, job.Permission)
	require.GreaterOrEqual(t, client.callsByTablet["t1"], 2)
}

type failingIndexClient struct {
	safeTime hybrid.Time
}

func (f *failingIndexClient) GetSafeTime(ctx context.Context, tabletID string, minHT hybrid.Time) (hybrid.Time, error) {
	return f.safeTime, nil
}

func (f *failingIndexClient) BackfillIndex(ctx context.Context, tabletID string, readAt hybrid.Time, startKey []byte, indexes []string) ([]byte, []string, error) {
	return nil, []string{"idx-1"}, nil
}

func TestRunBackfillFailsJobOnUnrecoverableIndexFailure(t *testing.T) {
	var client = &failingIndexClient{safeTime: hybrid.New(50, 0)}
	var o = New(client, 1_000_000, time.Second, time.Second, nil)
	var job = NewJob("idx-1", "table-1", []string{"idx-1"}, []string{"t1"})

	require.Error(t, o.RunBackfill(context.Background(), job))
	require.Equal(t, Failed, job.Permission)
	require.Equal(t, []string{"idx-1"}, job.FailedIndexIDs)
}
