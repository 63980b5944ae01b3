package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/veloxdb/txncore/pkg/docid"
)

// ReplicatedStore wraps a raft.Raft group around a local BoltStore,
// adapted from the teacher's pkg/manager raft wiring (log store +
// snapshot store + FSM, raft.NewRaft). Mutations go through Raft.Apply
// so every replica's applied index advances in lockstep; pkg/durability
// polls replicas' applied index against a mutation's log index as its
// "seqno" stand-in (SPEC_FULL.md §11.1).
type ReplicatedStore struct {
	raft  *raft.Raft
	fsm   *txnFSM
	local *BoltStore
}

// ReplicatedConfig names the on-disk layout and raft identity for one
// node.
type ReplicatedConfig struct {
	NodeID    string
	DataDir   string
	Bind      string
	Bootstrap bool
}

// NewReplicatedStore opens the local bolt store, the raft log/stable
// store (raft-boltdb), and starts a raft.Raft instance, bootstrapping a
// single-node cluster when Bootstrap is set.
func NewReplicatedStore(cfg ReplicatedConfig) (*ReplicatedStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("kvstore: creating data dir: %w", err)
	}
	local, err := NewBoltStore(filepath.Join(cfg.DataDir, "documents.db"), hashNodeID(cfg.NodeID))
	if err != nil {
		return nil, err
	}
	fsm := &txnFSM{local: local}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("kvstore: opening raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("kvstore: opening raft stable store: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("kvstore: opening snapshot store: %w", err)
	}

	addr, err := raft.NewTCPTransport(cfg.Bind, nil, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("kvstore: opening raft transport: %w", err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)

	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshotStore, addr)
	if err != nil {
		return nil, fmt.Errorf("kvstore: starting raft: %w", err)
	}

	if cfg.Bootstrap {
		future := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raftConfig.LocalID, Address: addr.LocalAddr()}},
		})
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			return nil, fmt.Errorf("kvstore: bootstrapping raft cluster: %w", err)
		}
	}

	return &ReplicatedStore{raft: r, fsm: fsm, local: local}, nil
}

func hashNodeID(id string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(id); i++ {
		h ^= uint64(id[i])
		h *= 1099511628211
	}
	return h
}

func (s *ReplicatedStore) apply(op string, data any) (fsmResult, uint64, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return fsmResult{}, 0, err
	}
	cmd, err := json.Marshal(Command{Op: op, Data: raw})
	if err != nil {
		return fsmResult{}, 0, err
	}
	future := s.raft.Apply(cmd, 10*time.Second)
	if err := future.Error(); err != nil {
		return fsmResult{}, 0, fmt.Errorf("kvstore: raft apply: %w", err)
	}
	res, ok := future.Response().(fsmResult)
	if !ok {
		return fsmResult{}, 0, fmt.Errorf("kvstore: unexpected fsm response type %T", future.Response())
	}
	return res, future.Index(), res.Err
}

func (s *ReplicatedStore) Get(ctx context.Context, id docid.ID, accessDeleted bool) (*Document, error) {
	return s.local.Get(ctx, id, accessDeleted)
}

func (s *ReplicatedStore) Insert(_ context.Context, id docid.ID, body []byte, xattrs map[string][]byte, createAsDeleted bool) (docid.CAS, docid.MutationToken, error) {
	res, index, err := s.apply(opInsert, insertData{ID: id, Body: body, XAttrs: xattrs, CreateAsDeleted: createAsDeleted})
	if err != nil {
		return 0, docid.MutationToken{}, err
	}
	res.Token.SequenceNumber = index
	return res.CAS, res.Token, res.Err
}

func (s *ReplicatedStore) Upsert(_ context.Context, id docid.ID, body []byte, xattrs map[string][]byte) (docid.CAS, docid.MutationToken, error) {
	res, index, err := s.apply(opUpsert, upsertData{ID: id, Body: body, XAttrs: xattrs})
	if err != nil {
		return 0, docid.MutationToken{}, err
	}
	res.Token.SequenceNumber = index
	return res.CAS, res.Token, res.Err
}

func (s *ReplicatedStore) Replace(_ context.Context, id docid.ID, cas docid.CAS, body []byte, xattrs map[string][]byte) (docid.CAS, docid.MutationToken, error) {
	res, index, err := s.apply(opReplace, replaceData{ID: id, CAS: cas, Body: body, XAttrs: xattrs})
	if err != nil {
		return 0, docid.MutationToken{}, err
	}
	res.Token.SequenceNumber = index
	return res.CAS, res.Token, res.Err
}

func (s *ReplicatedStore) Remove(_ context.Context, id docid.ID, cas docid.CAS) (docid.MutationToken, error) {
	res, index, err := s.apply(opRemove, removeData{ID: id, CAS: cas})
	if err != nil {
		return docid.MutationToken{}, err
	}
	res.Token.SequenceNumber = index
	return res.Token, res.Err
}

func (s *ReplicatedStore) LookupIn(ctx context.Context, id docid.ID, accessDeleted bool, specs []LookupSpec) ([]LookupResult, error) {
	return s.local.LookupIn(ctx, id, accessDeleted, specs)
}

func (s *ReplicatedStore) MutateIn(_ context.Context, id docid.ID, cas docid.CAS, createAsDeleted bool, specs []MutateSpec) (docid.CAS, docid.MutationToken, error) {
	res, index, err := s.apply(opMutateIn, mutateInData{ID: id, CAS: cas, CreateAsDeleted: createAsDeleted, Specs: specs})
	if err != nil {
		return 0, docid.MutationToken{}, err
	}
	res.Token.SequenceNumber = index
	return res.CAS, res.Token, res.Err
}

// ObserveSeqno reports raft's own applied index as the current seqno —
// the durability poller's stand-in for "how far has this node replayed
// the mutation log" (SPEC_FULL.md §11.1). Persisted seqno equals
// current seqno because raft-boltdb fsyncs each log append.
func (s *ReplicatedStore) ObserveSeqno(ctx context.Context, bucket string, partitionID uint16) (uint64, uint64, uint64, error) {
	applied := s.raft.AppliedIndex()
	return applied, applied, 0, nil
}

// AppliedIndex exposes raft's applied index directly. pkg/durability
// polls through ObserveSeqno (via its StoreNode adapter) and does not
// call this.
func (s *ReplicatedStore) AppliedIndex() uint64 { return s.raft.AppliedIndex() }

func (s *ReplicatedStore) Shutdown() error {
	if err := s.raft.Shutdown().Error(); err != nil {
		return err
	}
	return s.local.Close()
}

var _ Store = (*ReplicatedStore)(nil)
