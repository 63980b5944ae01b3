package kvstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veloxdb/txncore/pkg/docid"
	"github.com/veloxdb/txncore/pkg/kvstore"
)

func newStore(t *testing.T) *kvstore.BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := kvstore.NewBoltStore(path, 42)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertThenGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	id := docid.New("travel", "", "", "hotel::1")

	cas, tok, err := s.Insert(ctx, id, []byte(`{"n":1}`), nil, false)
	require.NoError(t, err)
	require.NotZero(t, cas)
	require.EqualValues(t, 42, tok.PartitionUUID)

	doc, err := s.Get(ctx, id, false)
	require.NoError(t, err)
	require.Equal(t, cas, doc.CAS)
	require.JSONEq(t, `{"n":1}`, string(doc.Body))
}

func TestInsertOnExistingFails(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	id := docid.New("travel", "", "", "k1")
	_, _, err := s.Insert(ctx, id, []byte(`{}`), nil, false)
	require.NoError(t, err)
	_, _, err = s.Insert(ctx, id, []byte(`{}`), nil, false)
	require.ErrorIs(t, err, kvstore.ErrDocumentExists)
}

func TestReplaceRequiresMatchingCAS(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	id := docid.New("travel", "", "", "k1")
	cas, _, err := s.Insert(ctx, id, []byte(`{"n":1}`), nil, false)
	require.NoError(t, err)

	_, _, err = s.Replace(ctx, id, cas+1, []byte(`{"n":2}`), nil)
	require.ErrorIs(t, err, kvstore.ErrCASMismatch)

	newCAS, _, err := s.Replace(ctx, id, cas, []byte(`{"n":2}`), nil)
	require.NoError(t, err)
	require.NotEqual(t, cas, newCAS)
}

func TestRemoveThenGetNotFound(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	id := docid.New("travel", "", "", "k1")
	cas, _, err := s.Insert(ctx, id, []byte(`{}`), nil, false)
	require.NoError(t, err)

	_, err = s.Remove(ctx, id, cas)
	require.NoError(t, err)

	_, err = s.Get(ctx, id, false)
	require.ErrorIs(t, err, kvstore.ErrDocumentNotFound)
}

func TestMutateInXAttrsRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	id := docid.New("travel", "", "", "k1")
	_, _, err := s.Insert(ctx, id, []byte(`{"n":1}`), nil, false)
	require.NoError(t, err)

	_, _, err = s.MutateIn(ctx, id, 0, false, []kvstore.MutateSpec{
		{XAttr: true, Path: "txn.id", Value: []byte(`"attempt-1"`)},
	})
	require.NoError(t, err)

	results, err := s.LookupIn(ctx, id, false, []kvstore.LookupSpec{
		{XAttr: true, Path: "txn.id"},
	})
	require.NoError(t, err)
	require.True(t, results[0].Found)
	require.Equal(t, `"attempt-1"`, string(results[0].Value))
}

func TestCreateAsDeletedHiddenUnlessAccessDeleted(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	id := docid.New("travel", "", "", "staged")
	_, _, err := s.Insert(ctx, id, []byte(`{}`), nil, true)
	require.NoError(t, err)

	_, err = s.Get(ctx, id, false)
	require.ErrorIs(t, err, kvstore.ErrDocumentNotFound)

	doc, err := s.Get(ctx, id, true)
	require.NoError(t, err)
	require.True(t, doc.Deleted)
}
