package queryengine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veloxdb/txncore/pkg/docid"
	"github.com/veloxdb/txncore/pkg/queryengine"
)

func TestUpsertThenSelect(t *testing.T) {
	eng, err := queryengine.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	ctx := context.Background()
	id := docid.New("travel", "", "", "k1")
	require.NoError(t, eng.Upsert(ctx, id, 7, []byte(`{"n":1}`), nil))

	result, err := eng.Submit(ctx, `SELECT id, cas, body, txn_meta FROM kv_travel__default__default WHERE id = 'k1'`, queryengine.Options{})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	require.Equal(t, docid.CAS(7), result.Rows[0].CAS)
}

func TestSubmitParseErrorClassified(t *testing.T) {
	eng, err := queryengine.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	result, err := eng.Submit(context.Background(), `SELEKT * FROM nowhere`, queryengine.Options{})
	require.Error(t, err)
	require.Equal(t, queryengine.ErrParsing, result.FirstErr)
}
