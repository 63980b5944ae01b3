package attempt

import (
	"context"
	"fmt"

	"github.com/veloxdb/txncore/pkg/atr"
	"github.com/veloxdb/txncore/pkg/docid"
	"github.com/veloxdb/txncore/pkg/kvstore"
)

// metadataKeyspaceFor picks where this attempt's ATR document lives:
// the caller-configured metadata collection if set, otherwise the same
// keyspace as the first document the attempt writes (spec.md §4.4).
func (c *Context) metadataKeyspaceFor(first docid.ID) docid.Keyspace {
	if c.cfg.MetadataBucket != "" {
		return docid.Keyspace{Bucket: c.cfg.MetadataBucket, Scope: c.cfg.MetadataScope, Collection: c.cfg.MetadataCollect}
	}
	return first.Keyspace()
}

func (c *Context) atrDocID() docid.ID {
	return docid.New(c.atrKS.Bucket, c.atrKS.Scope, c.atrKS.Collection, c.atrID)
}

// ensureATR chooses the ATR (on the first staged mutation only) and
// transitions its entry NOT_STARTED -> PENDING, creating the ATR
// document if this is the first attempt ever to land on it.
func (c *Context) ensureATR(ctx context.Context, first docid.ID, nowMs int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entry != nil {
		return nil
	}

	c.atrKS = c.metadataKeyspaceFor(first)
	c.atrID = atr.IDFor(first.Key, c.cfg.NumATRs)
	c.entry = atr.NewEntry(c.attemptID, c.cfg.ExpiresAfter)

	return c.mutateATRLocked(ctx, func(doc *atr.Document) error {
		if err := c.entry.Transition(atr.Pending, nowMs); err != nil {
			return err
		}
		doc.PutEntry(c.entry)
		return nil
	})
}

// loadATRDocument fetches and decodes the ATR document, creating an
// empty one if it does not yet exist.
func (c *Context) loadATRDocument(ctx context.Context) (*atr.Document, docid.CAS, error) {
	id := c.atrDocID()
	existing, err := c.cfg.KV.Get(ctx, id, true)
	if err == kvstore.ErrDocumentNotFound {
		return atr.NewDocument(), 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	doc, err := atr.Decode(existing.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("attempt: decoding atr document %s: %w", id, err)
	}
	return doc, existing.CAS, nil
}

// mutateATRLocked applies mutate to the ATR document and persists it,
// retrying once on a CAS race (another attempt touched a different
// entry in the same ATR document between load and save). Caller must
// hold c.mu.
func (c *Context) mutateATRLocked(ctx context.Context, mutate func(doc *atr.Document) error) error {
	for attempt := 0; attempt < 2; attempt++ {
		doc, cas, err := c.loadATRDocument(ctx)
		if err != nil {
			return err
		}
		if err := mutate(doc); err != nil {
			return err
		}
		body, err := doc.Encode()
		if err != nil {
			return err
		}
		id := c.atrDocID()
		if cas.Empty() {
			_, _, err = c.cfg.KV.Insert(ctx, id, body, nil, false)
			if err == kvstore.ErrDocumentExists {
				continue
			}
			return err
		}
		_, _, err = c.cfg.KV.Replace(ctx, id, cas, body, nil)
		if err == kvstore.ErrCASMismatch {
			continue
		}
		return err
	}
	return fmt.Errorf("attempt: giving up on atr %s after concurrent writers", c.atrID)
}

// persistEntry re-saves just this attempt's entry into the ATR
// document, used after every state transition.
func (c *Context) persistEntry(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mutateATRLocked(ctx, func(doc *atr.Document) error {
		doc.PutEntry(c.entry)
		return nil
	})
}

// removeOwnEntry deletes this attempt's entry from the ATR once it has
// reached a terminal state and every staged document has been unstaged
// or restored (spec.md §3 Lifecycle).
func (c *Context) removeOwnEntry(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mutateATRLocked(ctx, func(doc *atr.Document) error {
		doc.RemoveEntry(c.attemptID)
		return nil
	})
}
