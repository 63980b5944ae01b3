// Package multiget implements the get-multi orchestrator: fetch N
// documents concurrently, detect whether a single other in-flight
// transaction T1 touched any of them, and if so resolve the snapshot
// against T1's ATR state so the caller never observes read skew (a mix
// of pre-T1 and T1-staged content across the returned set).
//
// Grounded on spec.md §4.6's phases (first_doc_fetch,
// subsequent_to_first_doc_fetch, ATR resolution, discovered_docs_in_t1)
// and on
// _examples/original_source/core/transactions/get_multi_orchestrator.cxx;
// the concurrency-capped fetch pool is modeled on the teacher's
// pkg/worker health_monitor's map-of-in-flight bookkeeping, adapted to
// a bounded worker pool over a fixed index range instead of a map of
// cancel funcs.
package multiget

import (
	"context"
	"encoding/json"
	"time"

	"github.com/veloxdb/txncore/pkg/atr"
	"github.com/veloxdb/txncore/pkg/atrcache"
	"github.com/veloxdb/txncore/pkg/docid"
	"github.com/veloxdb/txncore/pkg/hooks"
	"github.com/veloxdb/txncore/pkg/kvstore"
	"github.com/veloxdb/txncore/pkg/txnerr"
)

// Mode controls the latency/consistency trade-off when a read-skew
// situation (size >= 2 concurrent transactions touching the requested
// set) is detected.
type Mode int

const (
	PrioritiseLatency Mode = iota
	DisableReadSkewDetection
	PrioritiseReadSkewDetection
)

// Result is one input document's outcome. Order always matches the
// caller's input id slice.
type Result struct {
	ID    docid.ID
	Found bool
	CAS   docid.CAS
	Body  []byte
	Err   error

	link *txnLink // retained internally across resolution phases
}

// txnLink is the wire shape pkg/attempt writes into the "txn" XATTR
// when staging a document; duplicated here rather than imported, since
// it is the cross-package wire contract and not a Go dependency.
type txnLink struct {
	ATRBucket     string `json:"atr_bkt"`
	ATRScope      string `json:"atr_scp"`
	ATRCollection string `json:"atr_col"`
	ATRID         string `json:"atr_id"`
	TransactionID string `json:"txn"`
	AttemptID     string `json:"atmpt"`
	OpType        string `json:"op_type"`
	Staged        []byte `json:"staged,omitempty"`
}

func decodeLink(doc *kvstore.Document) *txnLink {
	raw, ok := doc.XAttrs["txn"]
	if !ok {
		return nil
	}
	var l txnLink
	if json.Unmarshal(raw, &l) != nil {
		return nil
	}
	return &l
}

// Config wires the orchestrator to its collaborators.
type Config struct {
	KV          kvstore.Store
	Hooks       hooks.Hooks
	Concurrency int                            // default 100, per spec.md §4.6
	SettleDelay time.Duration                  // pause before re-fetching docs mid-unstage by T1
	ATRCache    *atrcache.Cache[*atr.Document] // optional; nil disables caching
}

func (c Config) hooksOrNoOp() hooks.Hooks {
	if c.Hooks == nil {
		return hooks.NoOp{}
	}
	return c.Hooks
}

func (c Config) concurrency() int {
	if c.Concurrency <= 0 {
		return 100
	}
	return c.Concurrency
}

func (c Config) settleDelay() time.Duration {
	if c.SettleDelay <= 0 {
		return 50 * time.Millisecond
	}
	return c.SettleDelay
}

// Orchestrator runs one get-multi call to completion, restarting the
// whole fetch round when read skew across >=2 transactions is detected
// and the mode's window has not yet expired.
type Orchestrator struct {
	cfg  Config
	mode Mode
}

func New(cfg Config, mode Mode) *Orchestrator {
	return &Orchestrator{cfg: cfg, mode: mode}
}

// windowDeadline returns how long this call may keep restarting to
// resolve read skew, per spec.md §4.6's mode table.
func (o *Orchestrator) windowDeadline(overall time.Time) time.Time {
	switch o.mode {
	case DisableReadSkewDetection:
		return time.Now()
	case PrioritiseLatency:
		return time.Now().Add(100 * time.Millisecond)
	default:
		return overall
	}
}

// GetMulti fetches every id, returning a slot-aligned result set that
// never mixes pre-T1 and T1-staged content for a single other
// transaction's touched documents. overallDeadline is the owning
// transaction's expiry, used as the window when mode is
// PrioritiseReadSkewDetection.
func (o *Orchestrator) GetMulti(ctx context.Context, ids []docid.ID, overallDeadline time.Time) ([]Result, error) {
	deadline := o.windowDeadline(overallDeadline)

	for {
		results, err := o.fetchAll(ctx, ids)
		if err != nil {
			return nil, err
		}

		txns := distinctLinkedTxns(results)
		switch len(txns) {
		case 0:
			return stripLinks(results), nil
		case 1:
			var t1 string
			for id := range txns {
				t1 = id
			}
			if o.mode == DisableReadSkewDetection {
				return stripLinks(results), nil
			}
			resolved, restart, err := o.resolveT1(ctx, results, ids, t1)
			if err != nil {
				return nil, err
			}
			if !restart {
				return stripLinks(resolved), nil
			}
		default:
			if o.mode == DisableReadSkewDetection {
				return stripLinks(results), nil
			}
		}

		if time.Now().After(deadline) {
			return nil, txnerr.New(txnerr.Expired, txnerr.CauseNone)
		}
		o.cfg.hooksOrNoOp().Sleep(ctx, o.cfg.settleDelay())
	}
}

func distinctLinkedTxns(results []Result) map[string]struct{} {
	out := map[string]struct{}{}
	for _, r := range results {
		if r.link != nil {
			out[r.link.TransactionID] = struct{}{}
		}
	}
	return out
}

func stripLinks(results []Result) []Result {
	out := make([]Result, len(results))
	for i, r := range results {
		r.link = nil
		out[i] = r
	}
	return out
}

func linkATRID(l *txnLink) docid.ID {
	return docid.New(l.ATRBucket, l.ATRScope, l.ATRCollection, l.ATRID)
}
