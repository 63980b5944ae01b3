package atr_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veloxdb/txncore/pkg/atr"
)

func TestTransitionOnlyAllowsForwardMoves(t *testing.T) {
	e := atr.NewEntry("attempt-1", 10*time.Second)
	require.NoError(t, e.Transition(atr.Pending, 1000))
	require.NoError(t, e.Transition(atr.Committed, 2000))
	require.NoError(t, e.Transition(atr.Completed, 3000))

	err := e.Transition(atr.Pending, 4000)
	var illegal *atr.ErrIllegalTransition
	require.ErrorAs(t, err, &illegal)
}

func TestRollbackPath(t *testing.T) {
	e := atr.NewEntry("attempt-1", time.Second)
	require.NoError(t, e.Transition(atr.Pending, 0))
	require.NoError(t, e.Transition(atr.Aborted, 10))
	require.NoError(t, e.Transition(atr.RolledBack, 20))
	require.True(t, e.State.Terminal())
}

func TestNegativeExpiryClampedToZero(t *testing.T) {
	e := atr.NewEntry("attempt-1", -5*time.Second)
	require.Zero(t, e.ExpiresAfterMs)
}

func TestExpiredUsesServerHLCNotClientClock(t *testing.T) {
	e := atr.NewEntry("attempt-1", 100*time.Millisecond)
	require.NoError(t, e.Transition(atr.Pending, 1000))
	startNs := int64(1000) * int64(time.Millisecond)
	require.False(t, e.Expired(startNs+int64(50*time.Millisecond)))
	require.True(t, e.Expired(startNs+int64(150*time.Millisecond)))
}

func TestDocumentEncodeDecodeRoundTrip(t *testing.T) {
	doc := atr.NewDocument()
	e := atr.NewEntry("attempt-1", 5*time.Second)
	require.NoError(t, e.Transition(atr.Pending, 42))
	e.InsertedIDs = []atr.DocRef{{Bucket: "b", Scope: "s", Collection: "c", Key: "k1"}}
	doc.PutEntry(e)

	data, err := doc.Encode()
	require.NoError(t, err)

	decoded, err := atr.Decode(data)
	require.NoError(t, err)
	got, ok := decoded.Entry("attempt-1")
	require.True(t, ok)
	require.Equal(t, atr.Pending, got.State)
	require.Equal(t, e.InsertedIDs, got.InsertedIDs)
}

func TestIDForIsStableForSameKey(t *testing.T) {
	a := atr.IDFor("hotel::1", atr.NumATRs)
	b := atr.IDFor("hotel::1", atr.NumATRs)
	require.Equal(t, a, b)
}

func TestRemoveEntry(t *testing.T) {
	doc := atr.NewDocument()
	doc.PutEntry(atr.NewEntry("attempt-1", time.Second))
	require.Equal(t, 1, doc.Len())
	doc.RemoveEntry("attempt-1")
	require.Equal(t, 0, doc.Len())
}
