package subdoc_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veloxdb/txncore/pkg/subdoc"
)

func TestNewBundleMovesXAttrFirstStably(t *testing.T) {
	cmds := []subdoc.Command{
		{Op: subdoc.OpGet, Path: "body.a"},
		{Op: subdoc.OpGet, Path: "txn.atr", Flags: subdoc.XAttr},
		{Op: subdoc.OpGet, Path: "body.b"},
		{Op: subdoc.OpGet, Path: "txn.id", Flags: subdoc.XAttr},
	}
	b := subdoc.NewBundle(subdoc.StoreSemanticsNone, 0, cmds)
	order := b.DispatchOrder()
	require.Len(t, order, 4)
	require.Equal(t, "txn.atr", order[0].Path)
	require.Equal(t, "txn.id", order[1].Path)
	require.Equal(t, "body.a", order[2].Path)
	require.Equal(t, "body.b", order[3].Path)
}

func TestReorderRestoresCallerOrder(t *testing.T) {
	cmds := []subdoc.Command{
		{Op: subdoc.OpGet, Path: "body.a"},
		{Op: subdoc.OpGet, Path: "txn.atr", Flags: subdoc.XAttr},
	}
	b := subdoc.NewBundle(subdoc.StoreSemanticsNone, 0, cmds)
	order := b.DispatchOrder()

	// Simulate server responses arriving in dispatch order, tagged with
	// the original index each command carries internally.
	results := make([]subdoc.Result, len(order))
	for i, c := range order {
		idx := 0
		if c.Path == "body.a" {
			idx = 0
		} else {
			idx = 1
		}
		results[i] = subdoc.Result{Command: c, OriginalIndex: idx, Value: []byte(c.Path)}
	}
	restored := subdoc.Reorder(results)
	require.Equal(t, "body.a", string(restored[0].Value))
	require.Equal(t, "txn.atr", string(restored[1].Value))
}

func TestValidateStoreSemantics(t *testing.T) {
	require.NoError(t, subdoc.ValidateStoreSemantics(subdoc.StoreSemanticsInsert, 0))
	require.Error(t, subdoc.ValidateStoreSemantics(subdoc.StoreSemanticsInsert, 5))
	require.Error(t, subdoc.ValidateStoreSemantics(subdoc.StoreSemanticsUpsert, 5))
	require.NoError(t, subdoc.ValidateStoreSemantics(subdoc.StoreSemanticsReplace, 5))
}

func TestValidateCounterDeltaZero(t *testing.T) {
	err := subdoc.ValidateCounterDelta(0, 10)
	require.Error(t, err)
	var se *subdoc.StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, subdoc.StatusDeltaInvalid, se.Status)
}

func TestValidateArrayAddUniqueRejectsCompound(t *testing.T) {
	require.Error(t, subdoc.ValidateArrayAddUnique([]byte(`{"a":1}`), nil))
	require.Error(t, subdoc.ValidateArrayAddUnique([]byte(`5`), [][]byte{[]byte("5")}))
	require.NoError(t, subdoc.ValidateArrayAddUnique([]byte(`5`), [][]byte{[]byte("6")}))
}
