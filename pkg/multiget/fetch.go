package multiget

import (
	"context"
	"sync"

	"github.com/veloxdb/txncore/pkg/docid"
	"github.com/veloxdb/txncore/pkg/kvstore"
)

// fetchAll runs one first_doc_fetch round: every id is fetched
// concurrently, capped at cfg.concurrency() in flight at once, per
// spec.md §4.6 ("first_doc_fetch ... at most 100 concurrent
// gets"). DOCUMENT_NOT_FOUND and an access-deleted tombstone both
// surface as Found: false rather than as errors.
func (o *Orchestrator) fetchAll(ctx context.Context, ids []docid.ID) ([]Result, error) {
	results := make([]Result, len(ids))
	sem := make(chan struct{}, o.cfg.concurrency())
	var wg sync.WaitGroup

	for i, id := range ids {
		i, id := i, id
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = o.fetchOne(ctx, id)
		}()
	}
	wg.Wait()

	for _, r := range results {
		if r.Err != nil {
			return nil, r.Err
		}
	}
	return results, nil
}

// fetchOne fetches a single document's pre-T1 snapshot. A document
// still tombstoned behind a staged insert is reported as not found,
// since that is its externally-visible state until some transaction
// commits it.
func (o *Orchestrator) fetchOne(ctx context.Context, id docid.ID) Result {
	doc, err := o.cfg.KV.Get(ctx, id, true)
	if err == kvstore.ErrDocumentNotFound {
		return Result{ID: id, Found: false}
	}
	if err != nil {
		return Result{ID: id, Err: err}
	}

	link := decodeLink(doc)
	if doc.Deleted {
		// Either a completed remove's tombstone (no link) or a
		// still-staged insert (link present, not yet committed).
		return Result{ID: id, Found: false, CAS: doc.CAS, link: link}
	}
	return Result{ID: id, Found: true, CAS: doc.CAS, Body: doc.Body, link: link}
}

// refetchOne re-reads a single document, used by the ATR resolution
// phases. It does not pause itself; resolveCommittedT1 sleeps for the
// settle delay before calling it, resolveMissingEntry does not.
func (o *Orchestrator) refetchOne(ctx context.Context, id docid.ID) Result {
	return o.fetchOne(ctx, id)
}
