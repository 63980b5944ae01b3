// Package kvstore gives the spec's "raw memcached binary protocol"
// collaborator (deliberately out of scope as a wire protocol) one
// concrete, real implementation: a document store exposing exactly the
// operations the core needs (get, CAS-checked mutation, subdoc
// lookup_in/mutate_in, observe-seqno). Grounded on the teacher's
// pkg/storage (bucket-per-entity bbolt usage) and pkg/manager (raft FSM
// shape), adapted from cluster-resource storage to document storage
// with a real CAS.
package kvstore

import (
	"context"
	"errors"

	"github.com/veloxdb/txncore/pkg/docid"
)

// ErrDocumentNotFound is returned by Get/Replace/Remove when the
// document does not exist.
var ErrDocumentNotFound = errors.New("kvstore: document not found")

// ErrDocumentExists is returned by Insert when the document already
// exists.
var ErrDocumentExists = errors.New("kvstore: document exists")

// ErrCASMismatch is returned by Replace/Remove/MutateIn when the
// supplied CAS does not match the document's current CAS.
var ErrCASMismatch = errors.New("kvstore: cas mismatch")

// Document is a stored document envelope: body plus XATTRs plus the
// bookkeeping fields CAS and MutationToken rely on.
type Document struct {
	ID      docid.ID
	CAS     docid.CAS
	Body    []byte
	XAttrs  map[string][]byte
	Deleted bool // create_as_deleted tombstone; Remove deletes the record instead
	Token   docid.MutationToken
}

// LookupSpec and MutateSpec mirror pkg/subdoc's Command but operate
// against a concrete document: Path selects either "body" (via a dot
// path into the JSON body) or an XATTR name when XAttr is set.
type LookupSpec struct {
	Path  string
	XAttr bool
}

type LookupResult struct {
	Value []byte
	Found bool
}

type MutateSpec struct {
	Path    string
	XAttr   bool
	Value   []byte
	Remove  bool
	Counter *int64
}

// Store is the interface the binary KV protocol must support, per
// spec.md §1.
type Store interface {
	Get(ctx context.Context, id docid.ID, accessDeleted bool) (*Document, error)
	Insert(ctx context.Context, id docid.ID, body []byte, xattrs map[string][]byte, createAsDeleted bool) (docid.CAS, docid.MutationToken, error)
	Upsert(ctx context.Context, id docid.ID, body []byte, xattrs map[string][]byte) (docid.CAS, docid.MutationToken, error)
	Replace(ctx context.Context, id docid.ID, cas docid.CAS, body []byte, xattrs map[string][]byte) (docid.CAS, docid.MutationToken, error)
	Remove(ctx context.Context, id docid.ID, cas docid.CAS) (docid.MutationToken, error)

	LookupIn(ctx context.Context, id docid.ID, accessDeleted bool, specs []LookupSpec) ([]LookupResult, error)
	MutateIn(ctx context.Context, id docid.ID, cas docid.CAS, createAsDeleted bool, specs []MutateSpec) (docid.CAS, docid.MutationToken, error)

	// ObserveSeqno reports the current and last-persisted sequence
	// numbers this node has applied for the given partition, used by
	// pkg/durability to evaluate the success predicate.
	ObserveSeqno(ctx context.Context, bucket string, partitionID uint16) (currentSeqno, persistedSeqno uint64, partitionUUID uint64, err error)
}
