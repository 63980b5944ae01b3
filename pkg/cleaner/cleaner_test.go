package cleaner_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veloxdb/txncore/pkg/atr"
	"github.com/veloxdb/txncore/pkg/attempt"
	"github.com/veloxdb/txncore/pkg/cleaner"
	"github.com/veloxdb/txncore/pkg/config"
	"github.com/veloxdb/txncore/pkg/docid"
	"github.com/veloxdb/txncore/pkg/kvstore"
)

func newStore(t *testing.T) *kvstore.BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kv.db")
	store, err := kvstore.NewBoltStore(path, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newCleaner(store kvstore.Store, window time.Duration) *cleaner.Cleaner {
	return cleaner.New(cleaner.Config{
		KV: store,
		Cleanup: config.CleanupConfig{
			CleanupLostAttempts: true,
			CleanupWindow:       window,
			Collections:         []string{"bucket"},
		},
		NumATRs: 16,
	})
}

// expireEntry drives attemptID's entry in the ATR its first document
// hashed into straight past its budget, without running Commit or
// Rollback, the way the lost-attempts cleaner is meant to find it.
func expireEntry(t *testing.T, store *kvstore.BoltStore, firstID docid.ID, numATRs int, attemptID string, to atr.State) {
	t.Helper()
	ctx := context.Background()
	ks := firstID.Keyspace()
	atrID := atr.IDFor(firstID.Key, numATRs)
	atrDocID := docid.New(ks.Bucket, ks.Scope, ks.Collection, atrID)

	doc, err := store.Get(ctx, atrDocID, true)
	require.NoError(t, err)
	adoc, err := atr.Decode(doc.Body)
	require.NoError(t, err)
	entry, ok := adoc.Entry(attemptID)
	require.True(t, ok)
	if to != atr.Pending {
		require.NoError(t, entry.Transition(to, time.Now().UnixMilli()))
	}
	entry.ExpiresAfterMs = 0
	adoc.PutEntry(entry)
	body, err := adoc.Encode()
	require.NoError(t, err)
	_, _, err = store.Replace(ctx, atrDocID, doc.CAS, body, nil)
	require.NoError(t, err)
}

func TestHeartbeatRegistersSelfAndExpiresStalePeer(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	ks := docid.Keyspace{Bucket: "bucket", Scope: docid.DefaultScope, Collection: docid.DefaultCollection}
	recordID := docid.New(ks.Bucket, ks.Scope, ks.Collection, "_txn:client-record")

	stale := cleaner.ClientRecord{
		Clients: map[string]cleaner.ClientEntry{
			"peer-1": {HeartbeatMs: 1, ExpiresMs: 10, NumATRs: 16},
		},
	}
	body, err := json.Marshal(stale)
	require.NoError(t, err)
	_, _, err = store.Insert(ctx, recordID, body, nil, false)
	require.NoError(t, err)

	c := newCleaner(store, 100*time.Millisecond)
	require.NoError(t, c.RunOnce(ctx, ks))

	doc, err := store.Get(ctx, recordID, false)
	require.NoError(t, err)
	var rec cleaner.ClientRecord
	require.NoError(t, json.Unmarshal(doc.Body, &rec))
	require.Contains(t, rec.Clients, c.ClientID())
	require.NotContains(t, rec.Clients, "peer-1")
}

func TestRunOnceFinishesExpiredCommittedAttempt(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	id := docid.New("bucket", "", "", "doc-committed")
	cas, _, err := store.Upsert(ctx, id, []byte(`{"a":0}`), nil)
	require.NoError(t, err)

	a := attempt.New(attempt.Config{KV: store, NumATRs: 16, ExpiresAfter: time.Hour}, "txn-1", "attempt-1")
	_, err = a.Replace(ctx, id, cas, []byte(`{"a":9}`))
	require.NoError(t, err)

	expireEntry(t, store, id, 16, a.AttemptID(), atr.Committed)

	c := newCleaner(store, 50*time.Millisecond)
	ks := docid.Keyspace{Bucket: "bucket", Scope: docid.DefaultScope, Collection: docid.DefaultCollection}
	require.NoError(t, c.RunOnce(ctx, ks))

	doc, err := store.Get(ctx, id, true)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"a":9}`), doc.Body)
	require.NotContains(t, doc.XAttrs, "txn")

	atrID := atr.IDFor(id.Key, 16)
	atrDocID := docid.New("bucket", docid.DefaultScope, docid.DefaultCollection, atrID)
	atrDoc, err := store.Get(ctx, atrDocID, false)
	require.NoError(t, err)
	adoc, err := atr.Decode(atrDoc.Body)
	require.NoError(t, err)
	_, stillThere := adoc.Entry(a.AttemptID())
	require.False(t, stillThere)
}

func TestRunOnceRollsBackExpiredPendingInsert(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	id := docid.New("bucket", "", "", "doc-inserted")
	a := attempt.New(attempt.Config{KV: store, NumATRs: 16, ExpiresAfter: time.Hour}, "txn-2", "attempt-2")
	_, err := a.Insert(ctx, id, []byte(`{"b":1}`))
	require.NoError(t, err)

	expireEntry(t, store, id, 16, a.AttemptID(), atr.Pending)

	c := newCleaner(store, 50*time.Millisecond)
	ks := docid.Keyspace{Bucket: "bucket", Scope: docid.DefaultScope, Collection: docid.DefaultCollection}
	require.NoError(t, c.RunOnce(ctx, ks))

	_, err = store.Get(ctx, id, true)
	require.ErrorIs(t, err, kvstore.ErrDocumentNotFound)
}

func TestRunOnceHonoursOverride(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	ks := docid.Keyspace{Bucket: "bucket", Scope: docid.DefaultScope, Collection: docid.DefaultCollection}
	recordID := docid.New(ks.Bucket, ks.Scope, ks.Collection, "_txn:client-record")

	frozen := cleaner.ClientRecord{
		Clients:  map[string]cleaner.ClientEntry{},
		Override: cleaner.Override{Enabled: true, Expires: time.Now().Add(time.Hour).UnixMilli()},
	}
	body, err := json.Marshal(frozen)
	require.NoError(t, err)
	_, _, err = store.Insert(ctx, recordID, body, nil, false)
	require.NoError(t, err)

	c := newCleaner(store, time.Millisecond)
	require.NoError(t, c.RunOnce(ctx, ks))

	doc, err := store.Get(ctx, recordID, false)
	require.NoError(t, err)
	var rec cleaner.ClientRecord
	require.NoError(t, json.Unmarshal(doc.Body, &rec))
	require.NotContains(t, rec.Clients, c.ClientID())
}

func TestKeyspacesParsesCollectionsConfig(t *testing.T) {
	store := newStore(t)
	c := cleaner.New(cleaner.Config{
		KV: store,
		Cleanup: config.CleanupConfig{
			Collections: []string{"bucket.scope.collection", "bucket2.coll2", "bucket3"},
		},
	})
	got := c.Keyspaces()
	require.Equal(t, []docid.Keyspace{
		{Bucket: "bucket", Scope: "scope", Collection: "collection"},
		{Bucket: "bucket2", Scope: docid.DefaultScope, Collection: "coll2"},
		{Bucket: "bucket3", Scope: docid.DefaultScope, Collection: docid.DefaultCollection},
	}, got)
}
