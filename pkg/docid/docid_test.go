package docid_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veloxdb/txncore/pkg/docid"
)

func TestNewDefaultsScopeAndCollection(t *testing.T) {
	id := docid.New("travel", "", "", "hotel::1")
	require.Equal(t, docid.DefaultScope, id.Scope)
	require.Equal(t, docid.DefaultCollection, id.Collection)
}

func TestIDEqual(t *testing.T) {
	a := docid.New("b", "s", "c", "k")
	b := docid.New("b", "s", "c", "k")
	c := docid.New("b", "s", "c", "other")
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
}

func TestCASEmpty(t *testing.T) {
	require.True(t, docid.CAS(0).Empty())
	require.False(t, docid.CAS(1).Empty())
}

func TestKeyspaceString(t *testing.T) {
	id := docid.New("travel", "inventory", "hotel", "1")
	require.Equal(t, "travel.inventory.hotel", id.Keyspace().String())
}
