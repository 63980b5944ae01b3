package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	bolt "go.etcd.io/bbolt"

	"github.com/veloxdb/txncore/pkg/docid"
	"github.com/veloxdb/txncore/pkg/subdoc"
)

// envelope is the on-disk representation of one document: the body,
// its XATTRs, and the bookkeeping CAS/seqno fields a real Couchbase
// vbucket would track per revision.
type envelope struct {
	CAS     uint64            `json:"cas"`
	Seqno   uint64            `json:"seqno"`
	Body    []byte            `json:"body"`
	XAttrs  map[string][]byte `json:"xattrs"`
	Deleted bool              `json:"deleted"`
}

// BoltStore implements Store against go.etcd.io/bbolt, one bucket per
// keyspace (bucket.scope.collection), following the teacher's
// pkg/storage.BoltStore bucket-per-entity pattern. CAS is a monotonic
// counter bumped on every mutation, standing in for the real
// per-document revision token; the partition id is derived by hashing
// the key, and partition uuid is fixed per store instance (as if this
// were a single-vbucket-map node).
type BoltStore struct {
	db            *bolt.DB
	partitionUUID uint64
	seqCounter    atomic.Uint64
}

// NewBoltStore opens (or creates) a bbolt database at path.
func NewBoltStore(path string, partitionUUID uint64) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("kvstore: opening bbolt db: %w", err)
	}
	return &BoltStore{db: db, partitionUUID: partitionUUID}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func bucketKey(ks docid.Keyspace) []byte {
	return []byte(ks.String())
}

func (s *BoltStore) bucket(tx *bolt.Tx, ks docid.Keyspace, create bool) (*bolt.Bucket, error) {
	name := bucketKey(ks)
	if create {
		return tx.CreateBucketIfNotExists(name)
	}
	b := tx.Bucket(name)
	if b == nil {
		return nil, ErrDocumentNotFound
	}
	return b, nil
}

func partitionOf(key string) uint16 {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return uint16(h % 1024)
}

func (s *BoltStore) nextSeqno() uint64 { return s.seqCounter.Add(1) }

func (s *BoltStore) token(id docid.ID, seqno uint64) docid.MutationToken {
	return docid.MutationToken{
		PartitionUUID:  s.partitionUUID,
		SequenceNumber: seqno,
		PartitionID:    partitionOf(id.Key),
		Bucket:         id.Bucket,
	}
}

func (s *BoltStore) Get(_ context.Context, id docid.ID, accessDeleted bool) (*Document, error) {
	var env envelope
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, id.Keyspace(), false)
		if err != nil {
			return err
		}
		raw := b.Get([]byte(id.Key))
		if raw == nil {
			return ErrDocumentNotFound
		}
		return json.Unmarshal(raw, &env)
	})
	if err != nil {
		return nil, err
	}
	if env.Deleted && !accessDeleted {
		return nil, ErrDocumentNotFound
	}
	return &Document{
		ID:      id,
		CAS:     docid.CAS(env.CAS),
		Body:    env.Body,
		XAttrs:  env.XAttrs,
		Deleted: env.Deleted,
		Token:   s.token(id, env.Seqno),
	}, nil
}

func (s *BoltStore) Insert(_ context.Context, id docid.ID, body []byte, xattrs map[string][]byte, createAsDeleted bool) (docid.CAS, docid.MutationToken, error) {
	var cas uint64
	var seqno uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, id.Keyspace(), true)
		if err != nil {
			return err
		}
		if raw := b.Get([]byte(id.Key)); raw != nil {
			var existing envelope
			if jerr := json.Unmarshal(raw, &existing); jerr == nil && !existing.Deleted {
				return ErrDocumentExists
			}
		}
		cas = s.nextSeqno()
		seqno = cas
		env := envelope{CAS: cas, Seqno: seqno, Body: body, XAttrs: xattrs, Deleted: createAsDeleted}
		data, merr := json.Marshal(env)
		if merr != nil {
			return merr
		}
		return b.Put([]byte(id.Key), data)
	})
	if err != nil {
		return 0, docid.MutationToken{}, err
	}
	return docid.CAS(cas), s.token(id, seqno), nil
}

func (s *BoltStore) Upsert(_ context.Context, id docid.ID, body []byte, xattrs map[string][]byte) (docid.CAS, docid.MutationToken, error) {
	var cas uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, id.Keyspace(), true)
		if err != nil {
			return err
		}
		cas = s.nextSeqno()
		env := envelope{CAS: cas, Seqno: cas, Body: body, XAttrs: xattrs}
		data, merr := json.Marshal(env)
		if merr != nil {
			return merr
		}
		return b.Put([]byte(id.Key), data)
	})
	if err != nil {
		return 0, docid.MutationToken{}, err
	}
	return docid.CAS(cas), s.token(id, cas), nil
}

func (s *BoltStore) Replace(_ context.Context, id docid.ID, cas docid.CAS, body []byte, xattrs map[string][]byte) (docid.CAS, docid.MutationToken, error) {
	var newCAS uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, id.Keyspace(), false)
		if err != nil {
			return err
		}
		raw := b.Get([]byte(id.Key))
		if raw == nil {
			return ErrDocumentNotFound
		}
		var existing envelope
		if err := json.Unmarshal(raw, &existing); err != nil {
			return err
		}
		if !cas.Empty() && existing.CAS != uint64(cas) {
			return ErrCASMismatch
		}
		newCAS = s.nextSeqno()
		env := envelope{CAS: newCAS, Seqno: newCAS, Body: body, XAttrs: xattrs}
		data, merr := json.Marshal(env)
		if merr != nil {
			return merr
		}
		return b.Put([]byte(id.Key), data)
	})
	if err != nil {
		return 0, docid.MutationToken{}, err
	}
	return docid.CAS(newCAS), s.token(id, newCAS), nil
}

func (s *BoltStore) Remove(_ context.Context, id docid.ID, cas docid.CAS) (docid.MutationToken, error) {
	var seqno uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, id.Keyspace(), false)
		if err != nil {
			return err
		}
		raw := b.Get([]byte(id.Key))
		if raw == nil {
			return ErrDocumentNotFound
		}
		var existing envelope
		if err := json.Unmarshal(raw, &existing); err != nil {
			return err
		}
		if !cas.Empty() && existing.CAS != uint64(cas) {
			return ErrCASMismatch
		}
		seqno = s.nextSeqno()
		return b.Delete([]byte(id.Key))
	})
	if err != nil {
		return docid.MutationToken{}, err
	}
	return s.token(id, seqno), nil
}

func (s *BoltStore) LookupIn(_ context.Context, id docid.ID, accessDeleted bool, specs []LookupSpec) ([]LookupResult, error) {
	var env envelope
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, id.Keyspace(), false)
		if err != nil {
			return err
		}
		raw := b.Get([]byte(id.Key))
		if raw == nil {
			return ErrDocumentNotFound
		}
		return json.Unmarshal(raw, &env)
	})
	if err != nil {
		return nil, err
	}
	if env.Deleted && !accessDeleted {
		return nil, ErrDocumentNotFound
	}

	commands := make([]subdoc.Command, len(specs))
	for i, spec := range specs {
		var flags subdoc.PathFlags
		if spec.XAttr {
			flags |= subdoc.XAttr
		}
		commands[i] = subdoc.Command{Op: subdoc.OpGet, Path: spec.Path, Flags: flags}
	}
	bundle := subdoc.NewBundle(subdoc.StoreSemanticsNone, 0, commands)

	dispatched := make([]subdoc.Result, len(specs))
	for i, cmd := range bundle.DispatchOrder() {
		var value []byte
		var found bool
		switch {
		case cmd.Flags.Has(subdoc.XAttr):
			value, found = env.XAttrs[cmd.Path]
		case cmd.Path == "":
			value, found = env.Body, true
		default:
			value, found = lookupJSONPath(env.Body, cmd.Path)
		}
		var rerr error
		if !found {
			rerr = &subdoc.StatusError{Status: subdoc.StatusPathNotFound, Index: cmd.OriginalIndex(), Path: cmd.Path}
		}
		dispatched[i] = subdoc.Result{Command: cmd, Value: value, Err: rerr, OriginalIndex: cmd.OriginalIndex()}
	}

	ordered := subdoc.Reorder(dispatched)
	results := make([]LookupResult, len(ordered))
	for i, r := range ordered {
		results[i] = LookupResult{Value: r.Value, Found: r.Err == nil}
	}
	return results, nil
}

func (s *BoltStore) MutateIn(_ context.Context, id docid.ID, cas docid.CAS, createAsDeleted bool, specs []MutateSpec) (docid.CAS, docid.MutationToken, error) {
	commands := make([]subdoc.Command, len(specs))
	for i, spec := range specs {
		var flags subdoc.PathFlags
		if spec.XAttr {
			flags |= subdoc.XAttr
		}
		cmd := subdoc.Command{Path: spec.Path, Value: spec.Value, Flags: flags}
		switch {
		case spec.Remove:
			cmd.Op = subdoc.OpRemove
		case spec.Counter != nil:
			cmd.Op = subdoc.OpCounter
			cmd.Delta = *spec.Counter
		default:
			cmd.Op = subdoc.OpDictUpsert
		}
		commands[i] = cmd
	}
	// XATTR commands dispatch first, matching the real protocol's
	// ordering guarantee (invariant 4): body mutations never observe a
	// half-applied xattr set within the same batch.
	bundle := subdoc.NewBundle(subdoc.StoreSemanticsNone, uint64(cas), commands)

	var newCAS uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, id.Keyspace(), true)
		if err != nil {
			return err
		}
		raw := b.Get([]byte(id.Key))
		var env envelope
		exists := raw != nil
		if exists {
			if err := json.Unmarshal(raw, &env); err != nil {
				return err
			}
			if !cas.Empty() && env.CAS != uint64(cas) {
				return ErrCASMismatch
			}
		} else {
			env = envelope{XAttrs: map[string][]byte{}}
		}
		if env.XAttrs == nil {
			env.XAttrs = map[string][]byte{}
		}
		for _, cmd := range bundle.DispatchOrder() {
			if cmd.Flags.Has(subdoc.XAttr) {
				if cmd.Op == subdoc.OpRemove {
					delete(env.XAttrs, cmd.Path)
				} else {
					env.XAttrs[cmd.Path] = cmd.Value
				}
				continue
			}
			if cmd.Op == subdoc.OpCounter {
				current := int64(0)
				if v, ok := lookupJSONPath(env.Body, cmd.Path); ok {
					json.Unmarshal(v, &current) //nolint:errcheck
				}
				if verr := subdoc.ValidateCounterDelta(cmd.Delta, current); verr != nil {
					return verr
				}
				current += cmd.Delta
				env.Body = setJSONPath(env.Body, cmd.Path, []byte(fmt.Sprintf("%d", current)))
				continue
			}
			if cmd.Op == subdoc.OpRemove {
				env.Body = setJSONPath(env.Body, cmd.Path, nil)
				continue
			}
			env.Body = setJSONPath(env.Body, cmd.Path, cmd.Value)
		}
		env.Deleted = createAsDeleted
		newCAS = s.nextSeqno()
		env.CAS = newCAS
		env.Seqno = newCAS
		data, merr := json.Marshal(env)
		if merr != nil {
			return merr
		}
		return b.Put([]byte(id.Key), data)
	})
	if err != nil {
		return 0, docid.MutationToken{}, err
	}
	return docid.CAS(newCAS), s.token(id, newCAS), nil
}

func (s *BoltStore) ObserveSeqno(_ context.Context, bucket string, partitionID uint16) (uint64, uint64, uint64, error) {
	current := s.seqCounter.Load()
	// This single-node store persists synchronously within db.Update,
	// so persisted seqno always equals current seqno.
	return current, current, s.partitionUUID, nil
}

// snapshotInto copies every keyspace bucket into snap, used by the raft
// FSM's Snapshot (fsm.go), mirroring WarrenFSM.Snapshot's
// collect-everything approach adapted to a flat bucket-of-buckets shape
// rather than one field per resource type.
func (s *BoltStore) snapshotInto(snap *txnSnapshot) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			entries := make(map[string]json.RawMessage)
			if err := b.ForEach(func(k, v []byte) error {
				entries[string(k)] = append(json.RawMessage(nil), v...)
				return nil
			}); err != nil {
				return err
			}
			snap.Buckets[string(name)] = entries
			return nil
		})
	})
}

// restoreBuckets replaces the local store's contents with a decoded
// snapshot, used by the raft FSM's Restore.
func (s *BoltStore) restoreBuckets(buckets map[string]map[string]json.RawMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for name, entries := range buckets {
			if err := tx.DeleteBucket([]byte(name)); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			b, err := tx.CreateBucket([]byte(name))
			if err != nil {
				return err
			}
			for k, v := range entries {
				if err := b.Put([]byte(k), v); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

var _ Store = (*BoltStore)(nil)
