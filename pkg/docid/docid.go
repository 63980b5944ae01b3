// Package docid defines document addressing, CAS tokens, and mutation
// tokens shared by every layer of the transaction core.
package docid

import "fmt"

// DefaultScope and DefaultCollection are substituted whenever a caller
// leaves scope/collection unset.
const (
	DefaultScope      = "_default"
	DefaultCollection = "_default"
)

// ID fully qualifies a document within a cluster.
type ID struct {
	Bucket     string
	Scope      string
	Collection string
	Key        string
}

// New builds an ID, defaulting Scope and Collection when empty.
func New(bucket, scope, collection, key string) ID {
	if scope == "" {
		scope = DefaultScope
	}
	if collection == "" {
		collection = DefaultCollection
	}
	return ID{Bucket: bucket, Scope: scope, Collection: collection, Key: key}
}

// Equal reports whether two ids name the same document.
func (id ID) Equal(other ID) bool {
	return id.Bucket == other.Bucket &&
		id.Scope == other.Scope &&
		id.Collection == other.Collection &&
		id.Key == other.Key
}

func (id ID) String() string {
	return fmt.Sprintf("%s.%s.%s:%s", id.Bucket, id.Scope, id.Collection, id.Key)
}

// Keyspace returns the bucket/scope/collection triple without the key,
// used to address ATRs and client records.
func (id ID) Keyspace() Keyspace {
	return Keyspace{Bucket: id.Bucket, Scope: id.Scope, Collection: id.Collection}
}

// Keyspace names a bucket.scope.collection without a specific key.
type Keyspace struct {
	Bucket     string
	Scope      string
	Collection string
}

func (k Keyspace) String() string {
	return fmt.Sprintf("%s.%s.%s", k.Bucket, k.Scope, k.Collection)
}

// CAS is an opaque 64-bit compare-and-swap token. Zero is the empty-cas
// sentinel: no revision has been observed yet.
type CAS uint64

// Empty reports whether this is the empty-cas sentinel.
func (c CAS) Empty() bool { return c == 0 }

// MutationToken is returned by a successful write and consumed by the
// observe-seqno poller and by query scan_consistency.
type MutationToken struct {
	PartitionUUID  uint64
	SequenceNumber uint64
	PartitionID    uint16
	Bucket         string
}
