package keys

import (
	"bytes"
	"sort"
	"testing"

	"github.com/riftdb/tablet/hybrid"
	"github.com/stretchr/testify/require"
)

func strVal(s string) Value { return Value{Bytes: []byte(s), IsBytes: true} }
func intVal(i int64) Value  { var v = i; return Value{Int: &v} }

func TestDocKeyOrderingOnRangeColumns(t *testing.T) {
	var hashed = []Value{strVal("tenant-a")}
	var a = DocKey(hashed, []Value{strVal("alice")})
	var b = DocKey(hashed, []Value{strVal("bob")})
	require.True(t, bytes.Compare(a, b) < 0)
}

func TestDocKeyHashPrefixStable(t *testing.T) {
	var k1 = DocKey([]Value{strVal("tenant-a")}, []Value{strVal("alice")})
	var k2 = DocKey([]Value{strVal("tenant-a")}, []Value{strVal("alice")})
	require.Equal(t, k1, k2)
}

func TestSubDocKeyNewestFirst(t *testing.T) {
	var doc = DocKey([]Value{strVal("tenant-a")}, []Value{strVal("alice")})
	var sdk = SubDocKey{DocKey: doc}

	var old = sdk.WithHybridTime(hybrid.DocTime{HT: hybrid.New(100, 0)})
	var mid = sdk.WithHybridTime(hybrid.DocTime{HT: hybrid.New(200, 0)})
	var new_ = sdk.WithHybridTime(hybrid.DocTime{HT: hybrid.New(300, 0)})

	var all = [][]byte{old, mid, new_}
	sort.Slice(all, func(i, j int) bool { return bytes.Compare(all[i], all[j]) < 0 })

	require.True(t, bytes.Equal(all[0], new_), "newest hybrid time must sort first")
	require.True(t, bytes.Equal(all[1], mid))
	require.True(t, bytes.Equal(all[2], old))
}

func TestSubDocKeyPrefixIsPrefixOfFullKey(t *testing.T) {
	var doc = DocKey([]Value{strVal("tenant-a")}, []Value{strVal("alice")})
	var sdk = SubDocKey{DocKey: doc, Subkeys: []Value{strVal("col1")}}

	var full = sdk.WithHybridTime(hybrid.DocTime{HT: hybrid.New(42, 3)})
	require.True(t, bytes.HasPrefix(full, sdk.Prefix()))
}

func TestDocHybridTimeRoundTrip(t *testing.T) {
	var want = hybrid.DocTime{HT: hybrid.New(123456, 7), WriteID: 42, LeaderTerm: 9}
	var encoded = EncodeDocHybridTimeDescending(nil, want)

	got, rest, err := DecodeDocHybridTimeDescending(encoded)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, want, got)
}

func TestFrontierMergeIsComponentwise(t *testing.T) {
	var a = EmptyFrontier().Observe(OpID{Term: 1, Index: 5}, hybrid.New(100, 0))
	var b = EmptyFrontier().Observe(OpID{Term: 1, Index: 9}, hybrid.New(50, 0))

	var m = Merge(a, b)
	require.Equal(t, OpID{Term: 1, Index: 5}, m.Smallest.OpID)
	require.Equal(t, hybrid.New(50, 0), m.Smallest.HybridTime)
	require.Equal(t, OpID{Term: 1, Index: 9}, m.Largest.OpID)
	require.Equal(t, hybrid.New(100, 0), m.Largest.HybridTime)
}

var _ = intVal
