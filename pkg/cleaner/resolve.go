package cleaner

import (
	"context"
	"encoding/json"

	"github.com/veloxdb/txncore/pkg/atr"
	"github.com/veloxdb/txncore/pkg/kvstore"
)

// cleanupLink is the subset of pkg/attempt's "txn" link xattr this
// package needs to recognize and finish a document's staged change; it
// duplicates the wire shape rather than importing pkg/attempt's
// unexported type, the same tradeoff pkg/multiget makes for the same
// reason.
type cleanupLink struct {
	AttemptID string `json:"atmpt"`
	Staged    []byte `json:"staged,omitempty"`
}

func decodeLink(doc *kvstore.Document) (*cleanupLink, bool) {
	raw, ok := doc.XAttrs["txn"]
	if !ok {
		return nil, false
	}
	var l cleanupLink
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, false
	}
	return &l, true
}

// resolveEntry performs the equivalent of commit or rollback for one
// expired, non-terminal entry, without an attempt.Context: it rebuilds
// the minimal state an attempt would have held (which documents were
// touched, and their staged bodies) from the entry's id lists — each
// carrying its own bucket/scope/collection, since a transaction's
// writes need not share the ATR's keyspace — and each document's own
// "txn" xattr (spec.md §4.8).
func (c *Cleaner) resolveEntry(ctx context.Context, entry *atr.Entry) error {
	if entry.State == atr.Committed {
		return c.finishCommit(ctx, entry)
	}
	return c.rollbackEntry(ctx, entry)
}

func (c *Cleaner) finishCommit(ctx context.Context, entry *atr.Entry) error {
	for _, ref := range append(append([]atr.DocRef{}, entry.InsertedIDs...), entry.ReplacedIDs...) {
		id := ref.ID()
		doc, err := c.cfg.KV.Get(ctx, id, true)
		if err == kvstore.ErrDocumentNotFound {
			continue
		}
		if err != nil {
			return err
		}
		link, ok := decodeLink(doc)
		if !ok || link.AttemptID != entry.AttemptID {
			continue
		}
		if _, _, err := c.cfg.KV.Replace(ctx, id, doc.CAS, link.Staged, nil); err != nil && err != kvstore.ErrCASMismatch {
			return err
		}
	}
	for _, ref := range entry.RemovedIDs {
		id := ref.ID()
		doc, err := c.cfg.KV.Get(ctx, id, true)
		if err == kvstore.ErrDocumentNotFound {
			continue
		}
		if err != nil {
			return err
		}
		link, ok := decodeLink(doc)
		if !ok || link.AttemptID != entry.AttemptID {
			continue
		}
		if _, err := c.cfg.KV.Remove(ctx, id, doc.CAS); err != nil && err != kvstore.ErrCASMismatch {
			return err
		}
	}
	return nil
}

func (c *Cleaner) rollbackEntry(ctx context.Context, entry *atr.Entry) error {
	for _, ref := range entry.InsertedIDs {
		id := ref.ID()
		doc, err := c.cfg.KV.Get(ctx, id, true)
		if err == kvstore.ErrDocumentNotFound {
			continue
		}
		if err != nil {
			return err
		}
		link, ok := decodeLink(doc)
		if !ok || link.AttemptID != entry.AttemptID {
			continue
		}
		if _, err := c.cfg.KV.Remove(ctx, id, doc.CAS); err != nil && err != kvstore.ErrCASMismatch {
			return err
		}
	}
	for _, ref := range append(append([]atr.DocRef{}, entry.ReplacedIDs...), entry.RemovedIDs...) {
		id := ref.ID()
		doc, err := c.cfg.KV.Get(ctx, id, false)
		if err == kvstore.ErrDocumentNotFound {
			continue
		}
		if err != nil {
			return err
		}
		link, ok := decodeLink(doc)
		if !ok || link.AttemptID != entry.AttemptID {
			continue
		}
		if _, _, err := c.cfg.KV.MutateIn(ctx, id, doc.CAS, false, []kvstore.MutateSpec{
			{Path: "txn", XAttr: true, Remove: true},
		}); err != nil && err != kvstore.ErrCASMismatch {
			return err
		}
	}
	return nil
}
