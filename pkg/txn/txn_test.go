package txn_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veloxdb/txncore/pkg/attempt"
	"github.com/veloxdb/txncore/pkg/config"
	"github.com/veloxdb/txncore/pkg/docid"
	"github.com/veloxdb/txncore/pkg/hooks"
	"github.com/veloxdb/txncore/pkg/kvstore"
	"github.com/veloxdb/txncore/pkg/queryengine"
	"github.com/veloxdb/txncore/pkg/txn"
	"github.com/veloxdb/txncore/pkg/txnerr"
)

// fastSleepHooks skips the real backoff delay so retry-heavy tests run
// quickly without needing to fake the clock.
type fastSleepHooks struct{ hooks.NoOp }

func (fastSleepHooks) Sleep(ctx context.Context, d time.Duration) {}

func newStore(t *testing.T) *kvstore.BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kv.db")
	store, err := kvstore.NewBoltStore(path, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Timeout = 5 * time.Second
	cfg.NumATRs = 16
	return cfg
}

func TestRunCommitsOnSuccessfulLambda(t *testing.T) {
	store := newStore(t)
	tc, err := txn.NewContext(txn.Config{KV: store, Hooks: fastSleepHooks{}, Cfg: testConfig()})
	require.NoError(t, err)

	id := docid.New("bucket", "", "", "doc-1")
	res, err := tc.Run(context.Background(), func(a *attempt.Context) error {
		_, err := a.Insert(context.Background(), id, []byte(`{"a":1}`))
		return err
	})
	require.NoError(t, err)
	require.Equal(t, txnerr.Success, res.Outcome)
	require.True(t, res.UnstagingComplete)
	require.Len(t, res.AttemptLog, 1)

	doc, err := store.Get(context.Background(), id, false)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"a":1}`), doc.Body)
}

func TestRunRetriesOnWriteWriteConflictThenSucceeds(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	id := docid.New("bucket", "", "", "doc-2")

	cas, _, err := store.Upsert(ctx, id, []byte(`{"a":0}`), nil)
	require.NoError(t, err)

	blocker := attempt.New(attempt.Config{KV: store, NumATRs: 16, ExpiresAfter: 5 * time.Second}, "txn-blocker", "attempt-blocker")
	_, err = blocker.Replace(ctx, id, cas, []byte(`{"blocked":true}`))
	require.NoError(t, err)

	tc, err := txn.NewContext(txn.Config{KV: store, Hooks: fastSleepHooks{}, Cfg: testConfig()})
	require.NoError(t, err)

	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = blocker.Rollback(ctx)
	}()

	res, err := tc.Run(ctx, func(a *attempt.Context) error {
		calls++
		doc, err := a.Get(ctx, id)
		if err != nil {
			return err
		}
		_, err = a.Replace(ctx, id, doc.CAS, []byte(`{"a":2}`))
		return err
	})
	require.NoError(t, err)
	require.Equal(t, txnerr.Success, res.Outcome)
	require.Greater(t, calls, 1)
}

func TestRunSurfacesFailedWithoutRollbackOnHardError(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	tc, err := txn.NewContext(txn.Config{KV: store, Hooks: fastSleepHooks{}, Cfg: testConfig()})
	require.NoError(t, err)

	// tc has no query collaborator configured: a.Query surfaces
	// FAIL_FEATURE_NOT_AVAILABLE, a FAIL_HARD-classified condition the
	// retry loop must surface as FAILED without attempting rollback.
	res, err := tc.Run(ctx, func(a *attempt.Context) error {
		_, err := a.Query(ctx, "SELECT 1", queryengine.Options{})
		return err
	})
	require.Error(t, err)
	require.Equal(t, txnerr.Failed, res.Outcome)
	require.Len(t, res.AttemptLog, 1)
}

func TestNewContextRejectsMalformedMetadataCollection(t *testing.T) {
	cfg := testConfig()
	cfg.MetadataCollection = "not-a-triple"
	_, err := txn.NewContext(txn.Config{Cfg: cfg})
	require.Error(t, err)
}
