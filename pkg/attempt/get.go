package attempt

import (
	"context"
	"encoding/json"

	"github.com/veloxdb/txncore/pkg/atr"
	"github.com/veloxdb/txncore/pkg/docid"
	"github.com/veloxdb/txncore/pkg/kvstore"
	"github.com/veloxdb/txncore/pkg/txnerr"
)

// Get fetches a document, resolving any of this attempt's own staged
// content and, for a document staged by a different attempt, resolving
// against that attempt's ATR entry rather than failing outright
// (spec.md §4.4). Once this attempt is in QUERY mode, the same
// resolution runs against the query collaborator instead (spec.md §3
// invariant 6).
func (c *Context) Get(ctx context.Context, id docid.ID) (*GetResult, error) {
	if c.inQueryMode() {
		var out *GetResult
		err := c.wrapOp(func() error {
			c.cfg.hooksOrNoOp().BeforeDocGet(ctx, id.String())
			res, err := c.queryGet(ctx, id)
			if err != nil {
				return err
			}
			out = res
			return nil
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}

	var out *GetResult
	err := c.wrapOp(func() error {
		c.cfg.hooksOrNoOp().BeforeDocGet(ctx, id.String())

		doc, err := c.cfg.KV.Get(ctx, id, true)
		if err == kvstore.ErrDocumentNotFound {
			return txnerr.New(txnerr.Failed, txnerr.CauseDocumentNotFound)
		}
		if err != nil {
			return err
		}

		link, ok := c.decodeLink(doc)
		if !ok {
			if doc.Deleted {
				return txnerr.New(txnerr.Failed, txnerr.CauseDocumentNotFound)
			}
			out = &GetResult{ID: id, CAS: doc.CAS, Body: doc.Body}
			return nil
		}

		if link.AttemptID == c.attemptID {
			// Our own staged write: read-your-own-writes.
			if link.OpType == opRemove {
				return txnerr.New(txnerr.Failed, txnerr.CauseDocumentNotFound)
			}
			out = &GetResult{ID: id, CAS: doc.CAS, Body: link.Staged}
			return nil
		}

		// Staged by a different attempt: resolve against its ATR entry
		// rather than assuming a conflict (that's reserved for the
		// mutation paths, §8). Only a COMMITTED entry makes the other
		// attempt's staged content visible; every other state, including
		// a missing entry (its cleanup already ran), means the reader
		// still sees pre-transaction content. Mirrors
		// pkg/multiget/resolve.go's resolveT1/resolveCommittedT1.
		committed, err := c.foreignAttemptCommitted(ctx, link)
		if err != nil {
			return err
		}
		if committed {
			if link.OpType == opRemove {
				return txnerr.New(txnerr.Failed, txnerr.CauseDocumentNotFound)
			}
			out = &GetResult{ID: id, CAS: doc.CAS, Body: link.Staged}
			return nil
		}
		if doc.Deleted {
			return txnerr.New(txnerr.Failed, txnerr.CauseDocumentNotFound)
		}
		out = &GetResult{ID: id, CAS: doc.CAS, Body: doc.Body}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// foreignAttemptCommitted loads the ATR entry a foreign attempt's link
// points at and reports whether that attempt has committed (spec.md
// §4.4's get() resolution: COMMITTED and caller isn't the staging
// attempt -> staged content is visible; any other state -> pre-
// transaction content).
func (c *Context) foreignAttemptCommitted(ctx context.Context, link linkXAttr) (bool, error) {
	atrDocID := docid.New(link.ATRBucket, link.ATRScope, link.ATRCollection, link.ATRID)
	doc, err := c.cfg.KV.Get(ctx, atrDocID, false)
	if err == kvstore.ErrDocumentNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	adoc, err := atr.Decode(doc.Body)
	if err != nil {
		return false, err
	}
	entry, ok := adoc.Entry(link.AttemptID)
	if !ok {
		return false, nil
	}
	return entry.State == atr.Committed, nil
}

// decodeLink extracts this attempt's "txn" link xattr from a document,
// if present.
func (c *Context) decodeLink(doc *kvstore.Document) (linkXAttr, bool) {
	raw, ok := doc.XAttrs[linkXAttrName]
	if !ok {
		return linkXAttr{}, false
	}
	var link linkXAttr
	if json.Unmarshal(raw, &link) != nil {
		return linkXAttr{}, false
	}
	return link, true
}
