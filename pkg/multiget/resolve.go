package multiget

import (
	"context"

	"github.com/veloxdb/txncore/pkg/atr"
	"github.com/veloxdb/txncore/pkg/atrcache"
	"github.com/veloxdb/txncore/pkg/docid"
	"github.com/veloxdb/txncore/pkg/kvstore"
)

const (
	opInsert  = "insert"
	opReplace = "replace"
	opRemove  = "remove"
)

// loadATR fetches and decodes the ATR document at id, consulting the
// configured cache first. A hot read-skew window can see the same ATR
// re-read across many GetMulti calls in quick succession; the cache's
// TTL bounds how stale a served copy can be against a state transition
// (e.g. PENDING -> COMMITTED) that landed between reads.
func (o *Orchestrator) loadATR(ctx context.Context, id docid.ID) (*atr.Document, error) {
	key := atrcache.Key{Keyspace: id.Keyspace().String(), ATRID: id.Key}
	if o.cfg.ATRCache != nil {
		if cached, ok := o.cfg.ATRCache.Get(key); ok {
			return cached, nil
		}
	}

	doc, err := o.cfg.KV.Get(ctx, id, false)
	if err != nil {
		return nil, err
	}
	atrDoc, err := atr.Decode(doc.Body)
	if err != nil {
		return nil, err
	}

	if o.cfg.ATRCache != nil {
		o.cfg.ATRCache.Put(key, atrDoc)
	}
	return atrDoc, nil
}

// resolveT1 implements spec.md §4.6's ATR resolution phase: having
// found exactly one other transaction t1 linked from the fetched set,
// consult its ATR entry and decide whether the current results already
// form a consistent snapshot, need a document-level patch
// (discovered_docs_in_t1), or require the whole multiget to restart.
// The bool return reports whether the caller should loop again.
func (o *Orchestrator) resolveT1(ctx context.Context, results []Result, ids []docid.ID, t1 string) ([]Result, bool, error) {
	var atrID docid.ID
	var attemptID string
	have := false
	for _, r := range results {
		if r.link != nil && r.link.TransactionID == t1 {
			atrID = linkATRID(r.link)
			attemptID = r.link.AttemptID
			have = true
			break
		}
	}
	if !have {
		// Nothing in the current snapshot points at t1 any more; a
		// concurrent unstage must have already landed.
		return results, false, nil
	}

	atrDoc, err := o.loadATR(ctx, atrID)
	if err == kvstore.ErrDocumentNotFound {
		return o.resolveMissingEntry(ctx, results, ids, t1)
	}
	if err != nil {
		return nil, false, err
	}
	entry, ok := atrDoc.Entry(attemptID)
	if !ok {
		return o.resolveMissingEntry(ctx, results, ids, t1)
	}

	switch entry.State {
	case atr.Pending, atr.Aborted:
		clearPreT1Inserts(results, t1)
		return results, false, nil
	case atr.Committed:
		if err := o.resolveCommittedT1(ctx, results, ids, t1, entry); err != nil {
			return nil, false, err
		}
		return results, false, nil
	default: // Completed, RolledBack, NotStarted: cleanup already ran.
		return results, false, nil
	}
}

// resolveMissingEntry handles the ATR-entry-not-found case: t1 may
// have just finished unstaging between the first fetch and now. Any
// document still pointing at t1 is re-fetched; if the link is gone the
// unstage landed and the new read already reflects it, otherwise the
// caller must restart the whole multiget (the entry may reappear, or
// this really is a lost/cleaned-up attempt whose documents need a
// fresh round to settle).
func (o *Orchestrator) resolveMissingEntry(ctx context.Context, results []Result, ids []docid.ID, t1 string) ([]Result, bool, error) {
	restart := false
	for i, r := range results {
		if r.link == nil || r.link.TransactionID != t1 {
			continue
		}
		refetched := o.refetchOne(ctx, ids[i])
		if refetched.Err != nil {
			return nil, false, refetched.Err
		}
		results[i] = refetched
		if refetched.link != nil && refetched.link.TransactionID == t1 {
			restart = true
		}
	}
	return results, restart, nil
}

// clearPreT1Inserts ensures a document t1 staged as a fresh insert
// reports as not found while t1 is still PENDING or ABORTED: its body
// is a tombstone placeholder, so fetchOne already marked it Found:
// false, but this makes the invariant explicit at the call site.
func clearPreT1Inserts(results []Result, t1 string) {
	for i := range results {
		l := results[i].link
		if l != nil && l.TransactionID == t1 && l.OpType == opInsert {
			results[i].Found = false
			results[i].Body = nil
		}
	}
}

// resolveCommittedT1 implements discovered_docs_in_t1: once t1 is
// COMMITTED, every document it touched must show t1's staged content,
// even if the physical unstage write hasn't landed yet.
func (o *Orchestrator) resolveCommittedT1(ctx context.Context, results []Result, ids []docid.ID, t1 string, entry *atr.Entry) error {
	touched := map[string]bool{}
	for _, ref := range entry.InsertedIDs {
		touched[ref.ID().String()] = true
	}
	for _, ref := range entry.ReplacedIDs {
		touched[ref.ID().String()] = true
	}
	for _, ref := range entry.RemovedIDs {
		touched[ref.ID().String()] = true
	}

	var wereInT1 []int
	for i, id := range ids {
		if touched[id.String()] {
			wereInT1 = append(wereInT1, i)
		}
	}

	if len(wereInT1) == 0 {
		for i := range results {
			overlayIfLinkedTo(&results[i], t1)
		}
		return nil
	}

	// Give the committing attempt a moment to finish its unstaging
	// writes, then take the freshest read of each document it touched.
	o.cfg.hooksOrNoOp().Sleep(ctx, o.cfg.settleDelay())
	for _, i := range wereInT1 {
		refetched := o.refetchOne(ctx, ids[i])
		if refetched.Err != nil {
			return refetched.Err
		}
		results[i] = refetched
		overlayIfLinkedTo(&results[i], t1)
	}
	return nil
}

// overlayIfLinkedTo replaces a result's externally-visible content
// with t1's staged content when the document still points at t1,
// i.e. the physical unstage has not landed even though t1 already
// committed.
func overlayIfLinkedTo(r *Result, t1 string) {
	if r.link == nil || r.link.TransactionID != t1 {
		return
	}
	if r.link.OpType == opRemove {
		r.Found = false
		r.Body = nil
		return
	}
	r.Found = true
	r.Body = r.link.Staged
}
