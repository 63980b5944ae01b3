// Package durability implements the observe-seqno durability poller:
// after a mutation carrying a persist_to/replicate_to requirement, poll
// every relevant node until the quorum is met or a deadline fires.
// Grounded on the teacher's pkg/health (Checker/Config/Status polling
// abstraction) for the Config field shape, and on spec.md §4.3 for the
// poll predicate and the single-delivery completion handler contract.
package durability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// PersistTo and ReplicateTo name the quorum levels a write can request.
type PersistTo int

const (
	PersistNone PersistTo = iota
	PersistActive
	PersistOne
	PersistTwo
	PersistThree
)

type ReplicateTo int

const (
	ReplicateNone ReplicateTo = iota
	ReplicateOne
	ReplicateTwo
	ReplicateThree
)

// requiredPersistReplicas maps a persist level to the replica count it needs,
// per spec.md §4.3's mapping table.
func requiredPersistReplicas(p PersistTo) int {
	switch p {
	case PersistOne:
		return 1
	case PersistTwo:
		return 2
	case PersistThree:
		return 3
	default:
		return 0
	}
}

// LevelToQuorum maps the named durability level operators configure
// (spec.md §4.3's level table) onto the PersistTo/ReplicateTo pair
// NewPoller expects.
func LevelToQuorum(level string) (PersistTo, ReplicateTo) {
	switch level {
	case "majority":
		return PersistNone, ReplicateOne
	case "majority_and_persist_on_master":
		return PersistActive, ReplicateOne
	case "persist_to_majority":
		return PersistTwo, ReplicateTwo
	default:
		return PersistNone, ReplicateNone
	}
}

func requiredReplicateReplicas(r ReplicateTo) int {
	switch r {
	case ReplicateOne:
		return 1
	case ReplicateTwo:
		return 2
	case ReplicateThree:
		return 3
	default:
		return 0
	}
}

var (
	// ErrFeatureNotAvailable is returned when node_locator != vbucket.
	ErrFeatureNotAvailable = errors.New("durability: feature not available (node_locator != vbucket)")
	// ErrDurabilityImpossible is returned when the topology cannot
	// satisfy the requested quorum.
	ErrDurabilityImpossible = errors.New("durability: requested level exceeds configured replicas")
	// ErrAmbiguousTimeout is returned when the overall deadline fires
	// before the success predicate is met.
	ErrAmbiguousTimeout = errors.New("durability: ambiguous timeout")
	// ErrRequestCanceled is returned when the poll is canceled
	// explicitly (parent op aborted) rather than timing out.
	ErrRequestCanceled = errors.New("durability: request canceled")
)

// Topology describes the cluster shape the pre-check needs.
type Topology struct {
	NodeLocatorIsVBucket bool
	NumReplicas          int
}

// Node is one node the poller must query: the active node or a
// configured replica.
type Node interface {
	// ObserveSeqno returns the node's current seqno and, if it is not
	// the active node, its last-persisted seqno; isActive distinguishes
	// the two since the active node's persistence is reported via
	// PersistedOnActive instead.
	ObserveSeqno(ctx context.Context, partitionID uint16) (currentSeqno, persistedSeqno uint64, err error)
	IsActive() bool
}

// Config configures one poll, following the teacher's health.Config
// shape: Interval is the 500ms re-issue backoff, Timeout is the overall
// 5s deadline.
type Config struct {
	Interval    time.Duration
	Timeout     time.Duration
	PersistTo   PersistTo
	ReplicateTo ReplicateTo
}

// DefaultConfig returns spec.md §4.3's stated defaults: 500ms poll
// interval, 5s deadline.
func DefaultConfig() Config {
	return Config{Interval: 500 * time.Millisecond, Timeout: 5 * time.Second}
}

// Poller runs one durability verification to completion.
type Poller struct {
	nodes       []Node
	targetSeqno uint64
	partitionID uint16
	cfg         Config

	mu        sync.Mutex
	replicated int
	persisted  int
	persistedOnActive bool
	done       func(error)
}

// NewPoller validates the pre-check (spec.md §4.3) and returns a
// Poller, or an error if the topology cannot satisfy the requested
// quorum.
func NewPoller(topo Topology, nodes []Node, targetSeqno uint64, partitionID uint16, cfg Config) (*Poller, error) {
	if !topo.NodeLocatorIsVBucket {
		return nil, ErrFeatureNotAvailable
	}
	needed := max(requiredPersistReplicas(cfg.PersistTo), requiredReplicateReplicas(cfg.ReplicateTo))
	if topo.NumReplicas < needed {
		return nil, ErrDurabilityImpossible
	}
	if cfg.Interval <= 0 || cfg.Timeout <= 0 {
		d := DefaultConfig()
		if cfg.Interval <= 0 {
			cfg.Interval = d.Interval
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = d.Timeout
		}
	}
	return &Poller{nodes: nodes, targetSeqno: targetSeqno, partitionID: partitionID, cfg: cfg}, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Wait runs the poll loop to completion: it fires one round against
// every node, evaluates the success predicate, and either returns
// success, re-issues after Interval, or returns ErrAmbiguousTimeout
// when the deadline fires. The completion is guaranteed to fire
// exactly once even under concurrent cancellation, by swapping out a
// stored completion handler the first time any path calls it
// (spec.md §4.3's concurrency contract).
func (p *Poller) Wait(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	resultCh := make(chan error, 1)
	p.finishOnce(func(err error) { resultCh <- err })

	go p.run(ctx)

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		p.finish(ErrAmbiguousTimeout)
		return <-resultCh
	}
}

func (p *Poller) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		if p.pollOnce(ctx) {
			p.finish(nil)
			return
		}
		select {
		case <-ctx.Done():
			p.finish(ErrAmbiguousTimeout)
			return
		case <-ticker.C:
		}
	}
}

// pollOnce fires one round of observe-seqno requests in parallel and
// evaluates the success predicate under the shared-counter mutex.
func (p *Poller) pollOnce(ctx context.Context) bool {
	p.mu.Lock()
	p.replicated, p.persisted, p.persistedOnActive = 0, 0, false
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, node := range p.nodes {
		wg.Add(1)
		go func(n Node) {
			defer wg.Done()
			current, persisted, err := n.ObserveSeqno(ctx, p.partitionID)
			if err != nil {
				return
			}
			p.mu.Lock()
			defer p.mu.Unlock()
			if n.IsActive() {
				if persisted >= p.targetSeqno {
					p.persistedOnActive = true
				}
			} else {
				if current >= p.targetSeqno {
					p.replicated++
				}
				if persisted >= p.targetSeqno {
					p.persisted++
				}
			}
		}(node)
	}
	wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	persistOK := (p.cfg.PersistTo == PersistActive && p.persistedOnActive) ||
		p.persisted >= requiredPersistReplicas(p.cfg.PersistTo)
	replicateOK := p.replicated >= requiredReplicateReplicas(p.cfg.ReplicateTo)
	return persistOK && replicateOK
}

// finishOnce installs the completion handler exactly once; finish below
// swaps it out on first invocation so later calls are no-ops.
func (p *Poller) finishOnce(f func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = f
}

func (p *Poller) finish(err error) {
	p.mu.Lock()
	done := p.done
	p.done = nil
	p.mu.Unlock()
	if done != nil {
		done(err)
	}
}

// Cancel invokes the completion handler with ErrRequestCanceled exactly
// once, if it has not already fired.
func (p *Poller) Cancel() {
	p.finish(ErrRequestCanceled)
}

func (p *Poller) String() string {
	return fmt.Sprintf("durability.Poller{target=%d, partition=%d}", p.targetSeqno, p.partitionID)
}
