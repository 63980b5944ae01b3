package multiget_test

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
	"github.com/veloxdb/txncore/pkg/multiget"
)

func newStore(t *testing.T) *kvstore.BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kv.db")
	store, err := kvstore.NewBoltStore(path, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestGetMultiPlainDocumentsNoLinks(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	ids := []docid.ID{
		docid.New("bucket", "", "", "doc-1"),
		docid.New("bucket", "", "", "doc-2"),
	}
	for _, id := range ids {
		_, _, err := store.Upsert(ctx, id, []byte(`{"n":1}`), nil)
		require.NoError(t, err)
	}

	o := multiget.New(multiget.Config{KV: store}, multiget.PrioritiseLatency)
	results, err := o.GetMulti(ctx, ids, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.True(t, r.Found)
		require.Equal(t, []byte(`{"n":1}`), r.Body)
	}
}

func TestGetMultiMissingDocumentReportsNotFound(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	id := docid.New("bucket", "", "", "missing")

	o := multiget.New(multiget.Config{KV: store}, multiget.PrioritiseLatency)
	results, err := o.GetMulti(ctx, []docid.ID{id}, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.False(t, results[0].Found)
}

func TestGetMultiResolvesAgainstPendingAttempt(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	id := docid.New("bucket", "", "", "doc-pending")
	cas, _, err := store.Upsert(ctx, id, []byte(`{"a":0}`), nil)
	require.NoError(t, err)

	a := attempt.New(attempt.Config{KV: store, NumATRs: 16, ExpiresAfter: 15 * time.Second}, "txn-1", "attempt-1")
	_, err = a.Replace(ctx, id, cas, []byte(`{"a":1}`))
	require.NoError(t, err)
	// Left PENDING deliberately: no Commit/Rollback call.

	o := multiget.New(multiget.Config{KV: store}, multiget.PrioritiseReadSkewDetection)
	results, err := o.GetMulti(ctx, []docid.ID{id}, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.True(t, results[0].Found)
	require.Equal(t, []byte(`{"a":0}`), results[0].Body)
}

func TestGetMultiResolvesAgainstCommittedAttemptPriorToUnstage(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	id := docid.New("bucket", "", "", "doc-committed")
	cas, _, err := store.Upsert(ctx, id, []byte(`{"a":0}`), nil)
	require.NoError(t, err)

	a := attempt.New(attempt.Config{KV: store, NumATRs: 16, ExpiresAfter: 15 * time.Second}, "txn-2", "attempt-2")
	_, err = a.Replace(ctx, id, cas, []byte(`{"a":9}`))
	require.NoError(t, err)

	// Drive the ATR entry straight to COMMITTED without running the
	// unstaging pass, to exercise discovered_docs_in_t1's overlay path:
	// the document still carries its staging xattr even though the
	// owning transaction has already committed.
	atrKS := id.Keyspace()
	atrID := atr.IDFor(id.Key, 16)
	atrDocID := docid.New(atrKS.Bucket, atrKS.Scope, atrKS.Collection, atrID)

	atrDoc, err := store.Get(ctx, atrDocID, true)
	require.NoError(t, err)
	doc, err := atr.Decode(atrDoc.Body)
	require.NoError(t, err)
	entry, ok := doc.Entry(a.AttemptID())
	require.True(t, ok)
	require.NoError(t, entry.Transition(atr.Committed, time.Now().UnixMilli()))
	entry.InsertedIDs = nil
	entry.ReplacedIDs = append(entry.ReplacedIDs, atr.RefOf(id))
	doc.PutEntry(entry)
	body, err := doc.Encode()
	require.NoError(t, err)
	_, _, err = store.Replace(ctx, atrDocID, atrDoc.CAS, body, nil)
	require.NoError(t, err)

	o := multiget.New(multiget.Config{KV: store, SettleDelay: time.Millisecond}, multiget.PrioritiseReadSkewDetection)
	results, err := o.GetMulti(ctx, []docid.ID{id}, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.True(t, results[0].Found)
	require.Equal(t, []byte(`{"a":9}`), results[0].Body)
}
