package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"github.com/veloxdb/txncore/pkg/docid"
)

// txnFSM replicates document mutations across a raft group, adapted
// from the teacher's WarrenFSM/WarrenSnapshot (pkg/manager/fsm.go):
// same Command{Op, Data} envelope and Apply/Snapshot/Restore shape,
// applied to document CRUD instead of cluster-resource CRUD.
type txnFSM struct {
	local *BoltStore
}

// Command is a replicated mutation, analogous to the teacher's
// manager.Command.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opInsert   = "insert"
	opUpsert   = "upsert"
	opReplace  = "replace"
	opRemove   = "remove"
	opMutateIn = "mutate_in"
)

type insertData struct {
	ID              docid.ID
	Body            []byte
	XAttrs          map[string][]byte
	CreateAsDeleted bool
}

type upsertData struct {
	ID     docid.ID
	Body   []byte
	XAttrs map[string][]byte
}

type replaceData struct {
	ID     docid.ID
	CAS    docid.CAS
	Body   []byte
	XAttrs map[string][]byte
}

type removeData struct {
	ID  docid.ID
	CAS docid.CAS
}

type mutateInData struct {
	ID              docid.ID
	CAS             docid.CAS
	CreateAsDeleted bool
	Specs           []MutateSpec
}

// fsmResult is the value Apply returns, consumed by the raft.ApplyFuture
// caller to recover the real return values (CAS/token/error).
type fsmResult struct {
	CAS   docid.CAS
	Token docid.MutationToken
	Err   error
}

func (f *txnFSM) Apply(log *raft.Log) any {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fsmResult{Err: fmt.Errorf("kvstore fsm: unmarshal command: %w", err)}
	}
	switch cmd.Op {
	case opInsert:
		var d insertData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return fsmResult{Err: err}
		}
		cas, tok, err := f.local.Insert(context.Background(), d.ID, d.Body, d.XAttrs, d.CreateAsDeleted)
		return fsmResult{CAS: cas, Token: tok, Err: err}
	case opUpsert:
		var d upsertData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return fsmResult{Err: err}
		}
		cas, tok, err := f.local.Upsert(context.Background(), d.ID, d.Body, d.XAttrs)
		return fsmResult{CAS: cas, Token: tok, Err: err}
	case opReplace:
		var d replaceData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return fsmResult{Err: err}
		}
		cas, tok, err := f.local.Replace(context.Background(), d.ID, d.CAS, d.Body, d.XAttrs)
		return fsmResult{CAS: cas, Token: tok, Err: err}
	case opRemove:
		var d removeData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return fsmResult{Err: err}
		}
		tok, err := f.local.Remove(context.Background(), d.ID, d.CAS)
		return fsmResult{Token: tok, Err: err}
	case opMutateIn:
		var d mutateInData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return fsmResult{Err: err}
		}
		cas, tok, err := f.local.MutateIn(context.Background(), d.ID, d.CAS, d.CreateAsDeleted, d.Specs)
		return fsmResult{CAS: cas, Token: tok, Err: err}
	default:
		return fsmResult{Err: fmt.Errorf("kvstore fsm: unknown op %q", cmd.Op)}
	}
}

// txnSnapshot is a point-in-time copy of every keyspace bucket the
// local store holds, following WarrenSnapshot's Persist/Release shape.
type txnSnapshot struct {
	Buckets map[string]map[string]json.RawMessage
}

func (f *txnFSM) Snapshot() (raft.FSMSnapshot, error) {
	snap := txnSnapshot{Buckets: map[string]map[string]json.RawMessage{}}
	if err := f.local.snapshotInto(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (f *txnFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap txnSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("kvstore fsm: decode snapshot: %w", err)
	}
	return f.local.restoreBuckets(snap.Buckets)
}

func (s *txnSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *txnSnapshot) Release() {}
