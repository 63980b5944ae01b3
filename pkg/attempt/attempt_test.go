package attempt_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veloxdb/txncore/pkg/atr"
	"github.com/veloxdb/txncore/pkg/attempt"
	"github.com/veloxdb/txncore/pkg/docid"
	"github.com/veloxdb/txncore/pkg/kvstore"
	"github.com/veloxdb/txncore/pkg/txnerr"
)

func newStore(t *testing.T) *kvstore.BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kv.db")
	store, err := kvstore.NewBoltStore(path, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newAttempt(t *testing.T, store kvstore.Store) *attempt.Context {
	t.Helper()
	cfg := attempt.Config{KV: store, NumATRs: 16, ExpiresAfter: 15 * time.Second}
	return attempt.New(cfg, "txn-1", "attempt-1")
}

func TestInsertThenGetWithinSameAttempt(t *testing.T) {
	store := newStore(t)
	a := newAttempt(t, store)
	ctx := context.Background()

	id := docid.New("bucket", "", "", "doc-1")
	res, err := a.Insert(ctx, id, []byte(`{"a":1}`))
	require.NoError(t, err)
	require.Equal(t, []byte(`{"a":1}`), res.Body)

	got, err := a.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"a":1}`), got.Body)
}

func TestInsertThenCommitMakesDocVisible(t *testing.T) {
	store := newStore(t)
	a := newAttempt(t, store)
	ctx := context.Background()

	id := docid.New("bucket", "", "", "doc-2")
	_, err := a.Insert(ctx, id, []byte(`{"a":2}`))
	require.NoError(t, err)

	require.NoError(t, a.Commit(ctx))

	doc, err := store.Get(ctx, id, false)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"a":2}`), doc.Body)
	require.False(t, doc.Deleted)
	require.NotContains(t, doc.XAttrs, "txn")
}

func TestInsertThenRollbackLeavesNoDoc(t *testing.T) {
	store := newStore(t)
	a := newAttempt(t, store)
	ctx := context.Background()

	id := docid.New("bucket", "", "", "doc-3")
	_, err := a.Insert(ctx, id, []byte(`{"a":3}`))
	require.NoError(t, err)

	require.NoError(t, a.Rollback(ctx))

	_, err = store.Get(ctx, id, true)
	require.ErrorIs(t, err, kvstore.ErrDocumentNotFound)
}

func TestReplaceThenCommitUpdatesBody(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	id := docid.New("bucket", "", "", "doc-4")
	cas, _, err := store.Upsert(ctx, id, []byte(`{"a":0}`), nil)
	require.NoError(t, err)

	a := newAttempt(t, store)
	_, err = a.Replace(ctx, id, cas, []byte(`{"a":4}`))
	require.NoError(t, err)
	require.NoError(t, a.Commit(ctx))

	doc, err := store.Get(ctx, id, false)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"a":4}`), doc.Body)
}

func TestReplaceThenRollbackRestoresOriginalBody(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	id := docid.New("bucket", "", "", "doc-5")
	cas, _, err := store.Upsert(ctx, id, []byte(`{"a":0}`), nil)
	require.NoError(t, err)

	a := newAttempt(t, store)
	_, err = a.Replace(ctx, id, cas, []byte(`{"a":5}`))
	require.NoError(t, err)
	require.NoError(t, a.Rollback(ctx))

	doc, err := store.Get(ctx, id, false)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"a":0}`), doc.Body)
}

func TestRemoveThenCommitDeletesDoc(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	id := docid.New("bucket", "", "", "doc-6")
	cas, _, err := store.Upsert(ctx, id, []byte(`{"a":0}`), nil)
	require.NoError(t, err)

	a := newAttempt(t, store)
	require.NoError(t, a.Remove(ctx, id, cas))
	require.NoError(t, a.Commit(ctx))

	_, err = store.Get(ctx, id, true)
	require.ErrorIs(t, err, kvstore.ErrDocumentNotFound)
}

// TestGetOnPendingStagedByOtherAttemptSeesPreTransactionContent covers
// spec.md §4.4's get() resolution: while the staging attempt is still
// PENDING, a reader must see pre-transaction content, not a conflict
// and not the other attempt's staged write.
func TestGetOnPendingStagedByOtherAttemptSeesPreTransactionContent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	id := docid.New("bucket", "", "", "doc-7")

	other := attempt.New(attempt.Config{KV: store, NumATRs: 16, ExpiresAfter: 15 * time.Second}, "txn-other", "attempt-other")
	_, err := other.Insert(ctx, id, []byte(`{"a":7}`))
	require.NoError(t, err)

	a := newAttempt(t, store)
	_, err = a.Get(ctx, id)
	require.Error(t, err)
	var terr *txnerr.Error
	require.ErrorAs(t, err, &terr)
	require.Equal(t, txnerr.CauseDocumentNotFound, terr.Cause)
}

// TestGetOnCommittedStagedByOtherAttemptSeesStagedContent covers the
// other branch of the same resolution: once the staging attempt's ATR
// entry reaches COMMITTED, a reader must see its staged content even
// before the physical unstaging write lands, the same discovered_docs_in_t1
// behavior pkg/multiget's resolveT1 implements for get-multi.
func TestGetOnCommittedStagedByOtherAttemptSeesStagedContent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	id := docid.New("bucket", "", "", "doc-8")
	cas, _, err := store.Upsert(ctx, id, []byte(`{"a":0}`), nil)
	require.NoError(t, err)

	other := attempt.New(attempt.Config{KV: store, NumATRs: 16, ExpiresAfter: 15 * time.Second}, "txn-other", "attempt-other")
	_, err = other.Replace(ctx, id, cas, []byte(`{"a":9}`))
	require.NoError(t, err)

	// Drive the ATR entry straight to COMMITTED without running the
	// unstaging pass, so the document still carries its staging xattr.
	atrKS := id.Keyspace()
	atrID := atr.IDFor(id.Key, 16)
	atrDocID := docid.New(atrKS.Bucket, atrKS.Scope, atrKS.Collection, atrID)

	atrDoc, err := store.Get(ctx, atrDocID, true)
	require.NoError(t, err)
	adoc, err := atr.Decode(atrDoc.Body)
	require.NoError(t, err)
	entry, ok := adoc.Entry(other.AttemptID())
	require.True(t, ok)
	require.NoError(t, entry.Transition(atr.Committed, time.Now().UnixMilli()))
	adoc.PutEntry(entry)
	body, err := adoc.Encode()
	require.NoError(t, err)
	_, _, err = store.Replace(ctx, atrDocID, atrDoc.CAS, body, nil)
	require.NoError(t, err)

	a := newAttempt(t, store)
	res, err := a.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"a":9}`), res.Body)
}
