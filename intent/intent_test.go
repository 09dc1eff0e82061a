package intent

import (
	"testing"

	"github.com/riftdb/tablet/hybrid"
	"github.com/riftdb/tablet/keys"
	"github.com/riftdb/tablet/storage"
	"github.com/stretchr/testify/require"
)

func TestPrimaryKeyRoundTrip(t *testing.T) {
	var path = []byte("docA/subkey1")
	var doc = hybrid.DocTime{HT: hybrid.New(500, 3), WriteID: 7, LeaderTerm: 2}

	var key = PrimaryKey(path, StrongWrite, doc)
	gotPath, gotType, gotDoc, err := DecodePrimaryKey(key)
	require.NoError(t, err)
	require.Equal(t, path, gotPath)
	require.Equal(t, StrongWrite, gotType)
	require.Equal(t, doc, gotDoc)
}

func TestPrimaryKeyNewestFirst(t *testing.T) {
	var path = []byte("docA")
	var k1 = PrimaryKey(path, StrongWrite, hybrid.DocTime{HT: hybrid.New(100, 0)})
	var k2 = PrimaryKey(path, StrongWrite, hybrid.DocTime{HT: hybrid.New(200, 0)})

	require.True(t, string(k2) < string(k1), "newer hybrid time must sort first")
}

func TestPrimaryKeyPrefixForPath(t *testing.T) {
	var path = []byte("docA")
	var prefix = PrimaryKeyPrefixForPath(path)
	var key = PrimaryKey(path, WeakRead, hybrid.DocTime{HT: hybrid.New(10, 0)})
	require.True(t, hasPrefix(key, prefix))
}

func TestPrimaryValueRoundTrip(t *testing.T) {
	var txn = NewTxnID()
	var v = PrimaryValue{TxnID: txn, WriteID: 42, Value: []byte("hello")}

	got, err := DecodePrimaryValue(EncodePrimaryValue(v))
	require.NoError(t, err)
	require.Equal(t, v, got)
}

func TestReverseKeyRoundTrip(t *testing.T) {
	var txn = NewTxnID()
	var doc = hybrid.DocTime{HT: hybrid.New(300, 1), WriteID: 1, LeaderTerm: 1}

	gotTxn, gotDoc, err := DecodeReverseKey(ReverseKey(txn, doc))
	require.NoError(t, err)
	require.Equal(t, txn, gotTxn)
	require.Equal(t, doc, gotDoc)
}

func TestStoreIterateReverse(t *testing.T) {
	var kv = storage.NewMemStore()
	var txn = NewTxnID()
	var other = NewTxnID()

	var primaryA = PrimaryKey([]byte("docA"), StrongWrite, hybrid.DocTime{HT: hybrid.New(100, 0)})
	var primaryB = PrimaryKey([]byte("docB"), StrongWrite, hybrid.DocTime{HT: hybrid.New(200, 0)})

	var b storage.WriteBatch
	b.Put(primaryA, EncodePrimaryValue(PrimaryValue{TxnID: txn, Value: []byte("a")}))
	b.Put(primaryB, EncodePrimaryValue(PrimaryValue{TxnID: txn, Value: []byte("b")}))
	b.Put(ReverseKey(txn, hybrid.DocTime{HT: hybrid.New(100, 0)}), primaryA)
	b.Put(ReverseKey(txn, hybrid.DocTime{HT: hybrid.New(200, 0)}), primaryB)
	b.Put(ReverseKey(other, hybrid.DocTime{HT: hybrid.New(50, 0)}), []byte("unrelated"))
	require.NoError(t, kv.Write(b, keys.Frontier{}))

	var s = Store{KV: kv}
	var seen []string
	require.NoError(t, s.IterateReverse(txn, func(doc hybrid.DocTime, primaryKey []byte) bool {
		seen = append(seen, string(primaryKey))
		return true
	}))
	require.Equal(t, []string{string(primaryB), string(primaryA)}, seen)
}

func TestStoreGetPrimaryMissing(t *testing.T) {
	var s = Store{KV: storage.NewMemStore()}
	_, ok, err := s.GetPrimary(PrimaryKeyPrefixForPath([]byte("nope")))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDecodePrimaryKeyRejectsWrongPrefix(t *testing.T) {
	_, _, _, err := DecodePrimaryKey([]byte("garbage"))
	require.Error(t, err)
}
