package tablet

import (
	"context"
	"testing"
	"time"

	"github.com/riftdb/tablet/conflict"
	"github.com/riftdb/tablet/hybrid"
	"github.com/riftdb/tablet/intent"
	"github.com/riftdb/tablet/iterator"
	"github.com/riftdb/tablet/keys"
	"github.com/riftdb/tablet/lockmgr"
	"github.com/riftdb/tablet/oplog"
	"github.com/riftdb/tablet/storage"
	"github.com/riftdb/tablet/txnparticipant"
	"github.com/stretchr/testify/require"
)

type fakeStatusClient struct {
	status conflict.Status
	ht     hybrid.Time
}

func (f *fakeStatusClient) RequestStatusAt(ctx context.Context, txn intent.TxnID, readHT, globalLimit hybrid.Time) (conflict.Status, hybrid.Time, error) {
	return f.status, f.ht, nil
}

func newTablet(t *testing.T) *Tablet {
	t.Helper()
	var committed = storage.NewMemStore()
	var intentsKV = storage.NewMemStore()
	var intents = &intent.Store{KV: intentsKV}
	var participant = txnparticipant.New(intents, committed, &fakeStatusClient{status: conflict.Pending}, 64)
	var mvcc = hybrid.NewMVCCTracker()
	mvcc.UpdateLease(hybrid.Max)

	return &Tablet{
		ID:          "t-1",
		Clock:       hybrid.NewClock(500 * time.Millisecond),
		MVCC:        mvcc,
		Committed:   committed,
		Intents:     intents,
		Participant: participant,
		Conflict: &conflict.Resolver{
			Locks:    lockmgr.NewManager(),
			Intents:  intents,
			Statuses: participant,
		},
		Log: oplog.NewMemLog(1),
	}
}

func docPath(s string) []byte {
	return keys.DocKey(nil, []keys.Value{{IsBytes: true, Bytes: []byte(s)}})
}

func TestExecuteNonTransactionalWriteBecomesVisible(t *testing.T) {
	var tab = newTablet(t)
	var path = docPath("alice")

	result, err := tab.Execute(context.Background(), Request{
		Kind:       NonTransactional,
		WritePaths: [][]byte{path},
		Exec: func(it *iterator.Iterator) ([]WriteOp, []ChildWrite, error) {
			return []WriteOp{{Path: path, Value: []byte("v1")}}, nil, nil
		},
	})
	require.NoError(t, err)
	require.False(t, result.RestartRequired)

	var readIt = storage.Iterator(tab.Committed.NewIterator())
	defer readIt.Close()
	readIt.Seek(keys.SubDocKey{DocKey: path}.Prefix())
	require.True(t, readIt.Valid())
	require.Equal(t, []byte("v1"), readIt.Value())
}

func TestExecuteTransactionalWriteCreatesIntentNotCommittedRecord(t *testing.T) {
	var tab = newTablet(t)
	var path = docPath("bob")
	var txn = intent.NewTxnID()
	var meta = &intent.Metadata{TxnID: txn, StatusTablet: "status-1", Isolation: intent.Snapshot, StartTime: tab.Clock.Now()}

	result, err := tab.Execute(context.Background(), Request{
		Kind:       Transactional,
		TxnID:      txn,
		Metadata:   meta,
		Isolation:  intent.Snapshot,
		WritePaths: [][]byte{path},
		Exec: func(it *iterator.Iterator) ([]WriteOp, []ChildWrite, error) {
			return []WriteOp{{Path: path, Value: []byte("v2")}}, nil, nil
		},
	})
	require.NoError(t, err)
	require.False(t, result.RestartRequired)

	var committedIt = tab.Committed.NewIterator()
	defer committedIt.Close()
	committedIt.Seek(keys.SubDocKey{DocKey: path}.Prefix())
	require.False(t, committedIt.Valid(), "write must not be visible in the committed store before APPLY")

	var intentIt = tab.Intents.KV.NewIterator()
	defer intentIt.Close()
	intentIt.Seek(intent.PrimaryKeyPrefixForPath(path))
	require.True(t, intentIt.Valid())
	_, itype, _, derr := intent.DecodePrimaryKey(intentIt.Key())
	require.NoError(t, derr)
	require.Equal(t, intent.StrongWrite, itype)
}

func TestExecuteRetriesLocallyOnNonTransactionalRestart(t *testing.T) {
	var tab = newTablet(t)
	var path = docPath("carol")

	// A committed version lands beyond the read point but inside the
	// local restart window, forcing the first attempt to restart.
	var batch storage.WriteBatch
	batch.Put(keys.SubDocKey{DocKey: path}.WithHybridTime(hybrid.DocTime{HT: hybrid.New(600, 0)}), []byte("future"))
	require.NoError(t, tab.Committed.Write(batch, keys.Frontier{}))

	var execCalls int
	result, err := tab.Execute(context.Background(), Request{
		Kind:              NonTransactional,
		AllowLocalRestart: true,
		ReadTime:          &iterator.ReadTime{Read: hybrid.New(500, 0), LocalLimit: hybrid.New(1000, 0), GlobalLimit: hybrid.New(1000, 0)},
		Exec: func(it *iterator.Iterator) ([]WriteOp, []ChildWrite, error) {
			execCalls++
			return nil, nil, nil
		},
	})
	require.NoError(t, err)
	require.False(t, result.RestartRequired)
	require.Equal(t, hybrid.New(600, 0), result.ReadTime.Read)
	require.Equal(t, 2, execCalls)
}

func TestExecuteReportsRestartWhenLocalRestartDisallowed(t *testing.T) {
	var tab = newTablet(t)
	var path = docPath("dave")

	var batch storage.WriteBatch
	batch.Put(keys.SubDocKey{DocKey: path}.WithHybridTime(hybrid.DocTime{HT: hybrid.New(600, 0)}), []byte("future"))
	require.NoError(t, tab.Committed.Write(batch, keys.Frontier{}))

	result, err := tab.Execute(context.Background(), Request{
		Kind:              NonTransactional,
		AllowLocalRestart: false,
		ReadTime:          &iterator.ReadTime{Read: hybrid.New(500, 0), LocalLimit: hybrid.New(1000, 0), GlobalLimit: hybrid.New(1000, 0)},
		Exec: func(it *iterator.Iterator) ([]WriteOp, []ChildWrite, error) {
			return nil, nil, nil
		},
	})
	require.NoError(t, err)
	require.True(t, result.RestartRequired)
	require.Equal(t, hybrid.New(600, 0), result.RestartHT)
}

type recordingDispatcher struct {
	received []ChildWrite
}

func (d *recordingDispatcher) DispatchChildWrite(ctx context.Context, w ChildWrite) error {
	d.received = append(d.received, w)
	return nil
}

func TestExecuteDispatchesSecondaryIndexChildWrites(t *testing.T) {
	var tab = newTablet(t)
	var dispatcher = &recordingDispatcher{}
	tab.Dispatcher = dispatcher
	var path = docPath("erin")

	_, err := tab.Execute(context.Background(), Request{
		Kind:       NonTransactional,
		WritePaths: [][]byte{path},
		Exec: func(it *iterator.Iterator) ([]WriteOp, []ChildWrite, error) {
			return []WriteOp{{Path: path, Value: []byte("v3")}},
				[]ChildWrite{{Tablet: "idx-1", Path: docPath("erin-index"), Value: []byte("v3")}},
				nil
		},
	})
	require.NoError(t, err)
	require.Len(t, dispatcher.received, 1)
	require.Equal(t, "idx-1", dispatcher.received[0].Tablet)
}
