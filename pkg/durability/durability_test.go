package durability_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veloxdb/txncore/pkg/durability"
)

type fakeNode struct {
	active           bool
	current, persist atomic.Uint64
}

func (n *fakeNode) IsActive() bool { return n.active }
func (n *fakeNode) ObserveSeqno(ctx context.Context, partitionID uint16) (uint64, uint64, error) {
	return n.current.Load(), n.persist.Load(), nil
}

func TestPreCheckRejectsNonVBucketLocator(t *testing.T) {
	_, err := durability.NewPoller(durability.Topology{NodeLocatorIsVBucket: false}, nil, 1, 0, durability.DefaultConfig())
	require.ErrorIs(t, err, durability.ErrFeatureNotAvailable)
}

func TestPreCheckRejectsInsufficientReplicas(t *testing.T) {
	_, err := durability.NewPoller(durability.Topology{NodeLocatorIsVBucket: true, NumReplicas: 1},
		nil, 1, 0, durability.Config{PersistTo: durability.PersistThree})
	require.ErrorIs(t, err, durability.ErrDurabilityImpossible)
}

func TestWaitSucceedsWhenQuorumAlreadyMet(t *testing.T) {
	active := &fakeNode{active: true}
	active.persist.Store(10)
	replica := &fakeNode{}
	replica.current.Store(10)
	replica.persist.Store(10)

	p, err := durability.NewPoller(
		durability.Topology{NodeLocatorIsVBucket: true, NumReplicas: 1},
		[]durability.Node{active, replica},
		10, 0,
		durability.Config{Interval: 10 * time.Millisecond, Timeout: time.Second, PersistTo: durability.PersistOne, ReplicateTo: durability.ReplicateOne},
	)
	require.NoError(t, err)
	require.NoError(t, p.Wait(context.Background()))
}

func TestWaitTimesOutWhenQuorumNeverMet(t *testing.T) {
	active := &fakeNode{active: true}
	replica := &fakeNode{}

	p, err := durability.NewPoller(
		durability.Topology{NodeLocatorIsVBucket: true, NumReplicas: 1},
		[]durability.Node{active, replica},
		10, 0,
		durability.Config{Interval: 5 * time.Millisecond, Timeout: 50 * time.Millisecond, PersistTo: durability.PersistOne, ReplicateTo: durability.ReplicateOne},
	)
	require.NoError(t, err)
	err = p.Wait(context.Background())
	require.ErrorIs(t, err, durability.ErrAmbiguousTimeout)
}

func TestWaitEventuallySucceedsAfterLaggingReplicaCatchesUp(t *testing.T) {
	active := &fakeNode{active: true}
	active.persist.Store(10)
	replica := &fakeNode{}

	p, err := durability.NewPoller(
		durability.Topology{NodeLocatorIsVBucket: true, NumReplicas: 1},
		[]durability.Node{active, replica},
		10, 0,
		durability.Config{Interval: 10 * time.Millisecond, Timeout: time.Second, PersistTo: durability.PersistOne, ReplicateTo: durability.ReplicateOne},
	)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		replica.current.Store(10)
		replica.persist.Store(10)
	}()

	require.NoError(t, p.Wait(context.Background()))
}
