package durability

import "context"

// seqnoSource is the subset of kvstore.Store this package needs; kept
// narrow and unexported so pkg/durability does not import pkg/kvstore
// (the dependency runs the other way: kvstore's callers wire a Poller
// using the concrete store they already hold).
type seqnoSource interface {
	ObserveSeqno(ctx context.Context, bucket string, partitionID uint16) (currentSeqno, persistedSeqno, partitionUUID uint64, err error)
}

// StoreNode adapts a kvstore.Store (or kvstore.ReplicatedStore) handle
// for one cluster member into the Node interface Poller polls. Active
// marks the node currently owning the partition; spec.md §4.3 reports
// the active node's persistence separately from replica persistence.
type StoreNode struct {
	Store  seqnoSource
	Bucket string
	Active bool
}

func (n StoreNode) ObserveSeqno(ctx context.Context, partitionID uint16) (currentSeqno, persistedSeqno uint64, err error) {
	current, persisted, _, err := n.Store.ObserveSeqno(ctx, n.Bucket, partitionID)
	return current, persisted, err
}

func (n StoreNode) IsActive() bool { return n.Active }

var _ Node = StoreNode{}
