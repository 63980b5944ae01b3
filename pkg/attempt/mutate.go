package attempt

import (
	"context"
	"encoding/json"
	"time"

	"github.com/veloxdb/txncore/pkg/atr"
	"github.com/veloxdb/txncore/pkg/docid"
	"github.com/veloxdb/txncore/pkg/kvstore"
	"github.com/veloxdb/txncore/pkg/txnerr"
)

func (c *Context) link(op string) linkXAttr {
	return linkXAttr{
		ATRBucket:     c.atrKS.Bucket,
		ATRScope:      c.atrKS.Scope,
		ATRCollection: c.atrKS.Collection,
		ATRID:         c.atrID,
		TransactionID: c.transactionID,
		AttemptID:     c.attemptID,
		OpType:        op,
	}
}

func (c *Context) rememberStaged(id docid.ID, op string, stagedBody, preBody []byte, stagedCAS docid.CAS) {
	c.rememberStagedVia(id, op, stagedBody, preBody, stagedCAS, false)
}

func (c *Context) rememberStagedVia(id docid.ID, op string, stagedBody, preBody []byte, stagedCAS docid.CAS, viaQuery bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staged[keyOf(id)] = &stagedDoc{id: id, op: op, stagedBody: stagedBody, stagedCAS: stagedCAS, preBody: preBody, viaQuery: viaQuery}

	// Record the document in this attempt's ATR entry so the lost-attempts
	// cleaner can find it if this client never finishes the attempt.
	switch op {
	case opInsert:
		c.entry.InsertedIDs = append(c.entry.InsertedIDs, atr.RefOf(id))
	case opReplace:
		c.entry.ReplacedIDs = append(c.entry.ReplacedIDs, atr.RefOf(id))
	case opRemove:
		c.entry.RemovedIDs = append(c.entry.RemovedIDs, atr.RefOf(id))
	}
	if err := c.mutateATRLocked(context.Background(), func(doc *atr.Document) error { doc.PutEntry(c.entry); return nil }); err != nil {
		c.logger.Warn().Err(err).Str("doc", id.String()).Msg("recording staged document in atr entry failed")
	}
}

// Insert stages a new document. If a tombstone from a prior,
// completed/rolled-back attempt occupies the key, it is reused; if a
// live document already exists, FAIL_DOC_ALREADY_EXISTS is reported.
// Once this attempt is in QUERY mode, the staging write is expressed as
// an INSERT against the query collaborator instead (spec.md §3
// invariant 6).
func (c *Context) Insert(ctx context.Context, id docid.ID, body []byte) (*GetResult, error) {
	var out *GetResult
	err := c.wrapOp(func() error {
		if err := c.ensureATR(ctx, id, nowMs()); err != nil {
			return err
		}
		c.cfg.hooksOrNoOp().BeforeStagedInsert(ctx, id.String())

		l := c.link(opInsert)
		l.Staged = body
		raw, merr := json.Marshal(l)
		if merr != nil {
			return merr
		}

		if c.inQueryMode() {
			cas, err := c.queryInsert(ctx, id, raw)
			if err != nil {
				return err
			}
			c.rememberStagedVia(id, opInsert, body, nil, cas, true)
			out = &GetResult{ID: id, CAS: cas, Body: body}
			return nil
		}

		if existing, gerr := c.cfg.KV.Get(ctx, id, true); gerr == nil {
			if foreign, ok := c.decodeLink(existing); ok && foreign.AttemptID != c.attemptID {
				return txnerr.New(txnerr.Failed, txnerr.CauseDocumentAlreadyInTransaction)
			}
		}
		cas, token, err := c.cfg.KV.Insert(ctx, id, []byte("null"), map[string][]byte{linkXAttrName: raw}, true)
		if err == kvstore.ErrDocumentExists {
			return txnerr.New(txnerr.Failed, txnerr.CauseDocumentExists)
		}
		if err != nil {
			return err
		}
		if err := c.verifyDurability(ctx, token); err != nil {
			return err
		}

		c.rememberStaged(id, opInsert, body, nil, cas)
		out = &GetResult{ID: id, CAS: cas, Body: body}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Replace stages a new body for an existing document, CAS-checked
// against the caller's last-read CAS. Once this attempt is in QUERY
// mode, the staging write is expressed as an UPDATE against the query
// collaborator instead (spec.md §3 invariant 6).
func (c *Context) Replace(ctx context.Context, id docid.ID, cas docid.CAS, body []byte) (*GetResult, error) {
	var out *GetResult
	err := c.wrapOp(func() error {
		if err := c.ensureATR(ctx, id, nowMs()); err != nil {
			return err
		}
		c.cfg.hooksOrNoOp().BeforeStagedReplace(ctx, id.String())

		l := c.link(opReplace)
		l.Staged = body
		raw, merr := json.Marshal(l)
		if merr != nil {
			return merr
		}

		if c.inQueryMode() {
			newCAS, preBody, err := c.queryReplaceOrRemove(ctx, id, cas, raw)
			if err != nil {
				return err
			}
			c.rememberStagedVia(id, opReplace, body, preBody, newCAS, true)
			out = &GetResult{ID: id, CAS: newCAS, Body: body}
			return nil
		}

		existing, err := c.cfg.KV.Get(ctx, id, false)
		if err == kvstore.ErrDocumentNotFound {
			return txnerr.New(txnerr.Failed, txnerr.CauseDocumentNotFound)
		}
		if err != nil {
			return err
		}
		if foreign, ok := c.decodeLink(existing); ok && foreign.AttemptID != c.attemptID {
			return txnerr.New(txnerr.Failed, txnerr.CauseDocumentAlreadyInTransaction)
		}

		newCAS, token, err := c.cfg.KV.MutateIn(ctx, id, cas, false, []kvstore.MutateSpec{
			{Path: linkXAttrName, XAttr: true, Value: raw},
		})
		if err == kvstore.ErrCASMismatch {
			return txnerr.New(txnerr.Failed, txnerr.CauseConcurrentOperationsDetected)
		}
		if err != nil {
			return err
		}
		if err := c.verifyDurability(ctx, token); err != nil {
			return err
		}

		c.rememberStaged(id, opReplace, body, existing.Body, newCAS)
		out = &GetResult{ID: id, CAS: newCAS, Body: body}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Remove stages a document's removal, CAS-checked against the caller's
// last-read CAS. Once this attempt is in QUERY mode, the staging write
// is expressed as an UPDATE against the query collaborator instead
// (spec.md §3 invariant 6).
func (c *Context) Remove(ctx context.Context, id docid.ID, cas docid.CAS) error {
	return c.wrapOp(func() error {
		if err := c.ensureATR(ctx, id, nowMs()); err != nil {
			return err
		}
		c.cfg.hooksOrNoOp().BeforeStagedRemove(ctx, id.String())

		l := c.link(opRemove)
		raw, merr := json.Marshal(l)
		if merr != nil {
			return merr
		}

		if c.inQueryMode() {
			newCAS, preBody, err := c.queryReplaceOrRemove(ctx, id, cas, raw)
			if err != nil {
				return err
			}
			c.rememberStagedVia(id, opRemove, nil, preBody, newCAS, true)
			return nil
		}

		existing, err := c.cfg.KV.Get(ctx, id, false)
		if err == kvstore.ErrDocumentNotFound {
			return txnerr.New(txnerr.Failed, txnerr.CauseDocumentNotFound)
		}
		if err != nil {
			return err
		}
		if foreign, ok := c.decodeLink(existing); ok && foreign.AttemptID != c.attemptID {
			return txnerr.New(txnerr.Failed, txnerr.CauseDocumentAlreadyInTransaction)
		}

		newCAS, token, err := c.cfg.KV.MutateIn(ctx, id, cas, false, []kvstore.MutateSpec{
			{Path: linkXAttrName, XAttr: true, Value: raw},
		})
		if err == kvstore.ErrCASMismatch {
			return txnerr.New(txnerr.Failed, txnerr.CauseConcurrentOperationsDetected)
		}
		if err != nil {
			return err
		}
		if err := c.verifyDurability(ctx, token); err != nil {
			return err
		}

		c.rememberStaged(id, opRemove, nil, existing.Body, newCAS)
		return nil
	})
}

func nowMs() int64 { return time.Now().UnixMilli() }
