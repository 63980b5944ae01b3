package atrcache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veloxdb/txncore/pkg/atrcache"
)

func TestPutGet(t *testing.T) {
	c, err := atrcache.New[string](8, time.Minute)
	require.NoError(t, err)
	key := atrcache.Key{Keyspace: "travel.inv.hotel", ATRID: "atr-1"}

	_, ok := c.Get(key)
	require.False(t, ok)

	c.Put(key, "decoded-atr")
	v, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, "decoded-atr", v)
}

func TestExpiry(t *testing.T) {
	c, err := atrcache.New[string](8, time.Millisecond)
	require.NoError(t, err)
	key := atrcache.Key{Keyspace: "ks", ATRID: "atr-1"}
	c.Put(key, "v")
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get(key)
	require.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	c, err := atrcache.New[string](8, time.Minute)
	require.NoError(t, err)
	key := atrcache.Key{Keyspace: "ks", ATRID: "atr-1"}
	c.Put(key, "v")
	c.Invalidate(key)
	_, ok := c.Get(key)
	require.False(t, ok)
}
