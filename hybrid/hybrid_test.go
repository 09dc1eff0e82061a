package hybrid

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeOrdering(t *testing.T) {
	var a = New(1000, 5)
	var b = New(1000, 6)
	var c = New(1001, 0)

	require.True(t, a < b)
	require.True(t, b < c)
	require.Equal(t, int64(1000), a.Physical())
	require.Equal(t, uint32(5), a.Logical())
}

func TestIncrementedWrapsLogical(t *testing.T) {
	var t1 = New(1000, logicalMask)
	var t2 = t1.Incremented()
	require.Equal(t, int64(1001), t2.Physical())
	require.Equal(t, uint32(0), t2.Logical())
}

func TestClockMonotonic(t *testing.T) {
	var c = NewClock(500 * time.Millisecond)
	var fixed = time.UnixMicro(1_700_000_000_000_000)
	c.nowFunc = func() time.Time { return fixed }

	var first = c.Now()
	var second = c.Now()
	require.True(t, second > first)
}

func TestClockUpdateAdvancesPastObserved(t *testing.T) {
	var c = NewClock(500 * time.Millisecond)
	var fixed = time.UnixMicro(1_700_000_000_000_000)
	c.nowFunc = func() time.Time { return fixed }

	var observed = New(fixed.UnixMicro()+1_000_000, 0) // 1s ahead
	c.Update(observed)

	var now = c.Now()
	require.True(t, now > observed)
}

func TestMVCCSafeTimeWithoutLease(t *testing.T) {
	var m = NewMVCCTracker()
	m.Applied(New(100, 0))
	require.Equal(t, New(100, 0), m.SafeTime(context.Background(), false, Min))
}

func TestMVCCSafeTimeBlocksUntilPendingDrains(t *testing.T) {
	var m = NewMVCCTracker()
	m.AddPending(New(100, 0))
	m.UpdateLease(New(200, 0))

	var resultCh = make(chan Time, 1)
	go func() {
		resultCh <- m.SafeTime(context.Background(), true, New(150, 0))
	}()

	select {
	case <-resultCh:
		t.Fatal("expected SafeTime to block while ht=100 is pending")
	case <-time.After(50 * time.Millisecond):
	}

	m.Applied(New(100, 0))

	select {
	case got := <-resultCh:
		require.Equal(t, New(150, 0), got)
	case <-time.After(time.Second):
		t.Fatal("SafeTime did not unblock after Applied")
	}
}

func TestMVCCSafeTimeDeadline(t *testing.T) {
	var m = NewMVCCTracker()
	m.AddPending(New(100, 0))

	var ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.Equal(t, Invalid, m.SafeTime(ctx, true, New(150, 0)))
}
