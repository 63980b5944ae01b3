package modearbiter_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veloxdb/txncore/pkg/modearbiter"
)

func TestIncrementBlockedAfterWaitAndBlockOps(t *testing.T) {
	l := modearbiter.New()
	require.NoError(t, l.IncrementOps())
	l.DecrementOps()

	l.WaitAndBlockOps()

	err := l.IncrementOps()
	require.ErrorIs(t, err, modearbiter.ErrAsyncOperationConflict)
}

func TestWaitAndBlockOpsWaitsForDrain(t *testing.T) {
	l := modearbiter.New()
	require.NoError(t, l.IncrementOps())

	done := make(chan struct{})
	go func() {
		l.WaitAndBlockOps()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitAndBlockOps returned before the outstanding op drained")
	case <-time.After(50 * time.Millisecond):
	}

	l.DecrementOps()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitAndBlockOps never returned after drain")
	}
}

func TestGetModeBlocksUntilQueryNodeKnown(t *testing.T) {
	l := modearbiter.New()
	require.NoError(t, l.IncrementOps())

	// GetMode is only called once beginWork has flipped the mode to
	// QUERY, while the query node is still unknown.
	flipped := make(chan struct{})
	gotMode := make(chan modearbiter.Mode, 1)
	gotNode := make(chan string, 1)
	go func() {
		<-flipped
		mode, node := l.GetMode()
		gotMode <- mode
		gotNode <- node
	}()

	// Drive the transition concurrently; SetQueryMode retires the
	// in-flight slot registered above by itself.
	started := make(chan struct{})
	go func() {
		close(started)
		err := l.SetQueryMode(
			func() (string, error) {
				close(flipped)
				time.Sleep(20 * time.Millisecond)
				return "query-node-1", nil
			},
			func(node string) error { return nil },
		)
		require.NoError(t, err)
	}()
	<-started
	l.DecrementOps()

	select {
	case mode := <-gotMode:
		require.Equal(t, modearbiter.Query, mode)
		require.Equal(t, "query-node-1", <-gotNode)
	case <-time.After(time.Second):
		t.Fatal("GetMode never unblocked once query node was set")
	}
}

func TestConcurrentSecondCallerWaitsOnQueryNodeCV(t *testing.T) {
	l := modearbiter.New()
	require.NoError(t, l.IncrementOps())

	var beginWorkCalls int
	var mu sync.Mutex
	leaderEntered := make(chan struct{})

	leaderDone := make(chan error, 1)
	go func() {
		leaderDone <- l.SetQueryMode(
			func() (string, error) {
				mu.Lock()
				beginWorkCalls++
				mu.Unlock()
				close(leaderEntered)
				time.Sleep(50 * time.Millisecond)
				return "query-node-1", nil
			},
			func(node string) error {
				t.Fatal("leader should never invoke doWork")
				return nil
			},
		)
	}()

	<-leaderEntered
	// The racer registers only now: a registered op that has not yet
	// entered SetQueryMode keeps the leader in its in-flight drain wait.
	require.NoError(t, l.IncrementOps())

	var racerNode string
	racerDone := make(chan error, 1)
	go func() {
		racerDone <- l.SetQueryMode(
			func() (string, error) {
				t.Fatal("racer should never invoke beginWork")
				return "", nil
			},
			func(node string) error {
				racerNode = node
				return nil
			},
		)
	}()

	require.NoError(t, <-leaderDone)
	require.NoError(t, <-racerDone)
	require.Equal(t, 1, beginWorkCalls)
	require.Equal(t, "query-node-1", racerNode)
}

func TestResetQueryModeRevertsToKVAndUnblocksRacer(t *testing.T) {
	l := modearbiter.New()
	require.NoError(t, l.IncrementOps())

	leaderEntered := make(chan struct{})
	leaderDone := make(chan error, 1)
	go func() {
		leaderDone <- l.SetQueryMode(
			func() (string, error) {
				close(leaderEntered)
				time.Sleep(30 * time.Millisecond)
				return "", require.AnError
			},
			func(node string) error { return nil },
		)
	}()

	<-leaderEntered
	// Registered only after the leader has flipped the mode, as above.
	require.NoError(t, l.IncrementOps())

	racerDone := make(chan error, 1)
	go func() {
		racerDone <- l.SetQueryMode(
			func() (string, error) { return "", nil },
			func(node string) error { return nil },
		)
	}()

	require.ErrorIs(t, <-leaderDone, require.AnError)
	require.ErrorIs(t, <-racerDone, modearbiter.ErrQueryModeAborted)
	require.Equal(t, modearbiter.KV, l.CurrentMode())
}

func TestSetQueryNodeRejectedOutsideQueryMode(t *testing.T) {
	l := modearbiter.New()
	err := l.SetQueryNode("node-1")
	require.ErrorIs(t, err, modearbiter.ErrIllegalState)
}
