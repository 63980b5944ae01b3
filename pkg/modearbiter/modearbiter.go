// Package modearbiter implements the "waitable op list": the per-
// attempt coordinator that serializes the one-way KV->QUERY mode
// transition across concurrent operations within a single attempt.
// Translated directly from
// _examples/original_source/core/transactions/waitable_op_list.hxx —
// same counter/condition-variable triad (op-drain, query-node-known,
// in-flight-drain) — using sync.Mutex + sync.Cond in place of the
// source's mutex-guarded condition_variables, per spec.md §9's guidance
// to model callback-based concurrency with Go's native primitives.
package modearbiter

import (
	"errors"
	"sync"
)

// Mode is the attempt's current KV/QUERY execution mode.
type Mode int

const (
	KV Mode = iota
	Query
)

// ErrAsyncOperationConflict is returned by IncrementOps once the
// attempt has closed to new work (after WaitAndBlockOps has run).
var ErrAsyncOperationConflict = errors.New("modearbiter: operation attempted after attempt closed to new work")

// ErrQueryModeAborted is returned to a racer blocked in SetQueryMode
// when the leader's begin_work call failed and the mode reverted to KV.
var ErrQueryModeAborted = errors.New("modearbiter: query mode transition aborted, retry via kv")

// ErrIllegalState is returned by SetQueryNode when called outside QUERY
// mode.
var ErrIllegalState = errors.New("modearbiter: set_query_node called outside query mode")

// List is the waitable op list for one attempt.
type List struct {
	mu           sync.Mutex
	opsDrained   *sync.Cond
	queryKnown   *sync.Cond
	inFlightDone *sync.Cond

	mode      Mode
	queryNode string
	allowOps  bool
	opCount   int
	inFlight  int
}

// New returns a List in KV mode, open to new operations.
func New() *List {
	l := &List{mode: KV, allowOps: true}
	l.opsDrained = sync.NewCond(&l.mu)
	l.queryKnown = sync.NewCond(&l.mu)
	l.inFlightDone = sync.NewCond(&l.mu)
	return l
}

// IncrementOps registers one public operation. It must be paired with
// DecrementOps. Once the attempt has called WaitAndBlockOps, further
// increments fail with ErrAsyncOperationConflict.
func (l *List) IncrementOps() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.allowOps {
		return ErrAsyncOperationConflict
	}
	l.opCount++
	l.inFlight++
	return nil
}

// DecrementOps retires one public operation.
func (l *List) DecrementOps() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opCount--
	l.inFlight--
	if l.opCount == 0 {
		l.opsDrained.Broadcast()
	}
	if l.inFlight == 0 {
		l.inFlightDone.Broadcast()
	}
}

// DecrementInFlight retires this caller's in-flight slot without
// retiring its public op count. SetQueryMode performs the same
// decrement inline before it waits for the other in-flight ops to
// drain, so it does not call this.
func (l *List) DecrementInFlight() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inFlight--
	if l.inFlight == 0 {
		l.inFlightDone.Broadcast()
	}
}

// WaitAndBlockOps blocks until every registered op has called
// DecrementOps, then closes the list to further operations. Called
// before commit/rollback finalization.
func (l *List) WaitAndBlockOps() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.opCount != 0 {
		l.opsDrained.Wait()
	}
	l.allowOps = false
}

// GetMode returns the current mode. If already in QUERY, it blocks
// until the query node is known, so concurrent callers pile up behind
// the first caller to complete the transition.
func (l *List) GetMode() (Mode, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mode == KV {
		return KV, ""
	}
	for l.mode == Query && l.queryNode == "" {
		l.queryKnown.Wait()
	}
	return l.mode, l.queryNode
}

// SetQueryMode drives the one-way KV->QUERY transition. The calling
// goroutine first decrements its own in-flight slot, then waits for
// every other in-flight operation to drain; it then flips the mode to
// QUERY and invokes beginWork with the lock released. A concurrent
// racer that enters SetQueryMode after the flip instead waits on the
// query-node condition and invokes doWork once the node is known — or
// receives ErrQueryModeAborted if beginWork failed and the mode
// reverted to KV (spec.md §9's explicitly-preserved racer semantics).
func (l *List) SetQueryMode(beginWork func() (string, error), doWork func(node string) error) error {
	l.mu.Lock()
	l.inFlight--
	if l.inFlight == 0 {
		l.inFlightDone.Broadcast()
	}
	for l.inFlight > 0 {
		l.inFlightDone.Wait()
	}

	if l.mode == Query {
		for l.mode == Query && l.queryNode == "" {
			l.queryKnown.Wait()
		}
		if l.mode != Query {
			l.mu.Unlock()
			return ErrQueryModeAborted
		}
		node := l.queryNode
		l.mu.Unlock()
		return doWork(node)
	}

	l.mode = Query
	l.mu.Unlock()

	node, err := beginWork()

	l.mu.Lock()
	if err != nil {
		l.mode = KV
		l.queryNode = ""
		l.queryKnown.Broadcast()
		l.mu.Unlock()
		return err
	}
	l.queryNode = node
	l.queryKnown.Broadcast()
	l.mu.Unlock()
	return nil
}

// SetQueryNode records the query node a begin-work call bound to,
// waking any racer blocked in GetMode or SetQueryMode. Valid only in
// QUERY mode.
func (l *List) SetQueryNode(node string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mode != Query {
		return ErrIllegalState
	}
	l.queryNode = node
	l.queryKnown.Broadcast()
	return nil
}

// ResetQueryMode reverts to KV mode, valid only when a begin-work call
// has failed. Notifies waiters so rollback can proceed via KV.
func (l *List) ResetQueryMode() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mode = KV
	l.queryNode = ""
	l.queryKnown.Broadcast()
}

// CurrentMode returns the mode without blocking, for diagnostics.
func (l *List) CurrentMode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}
