package attempt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/veloxdb/txncore/pkg/docid"
	"github.com/veloxdb/txncore/pkg/modearbiter"
	"github.com/veloxdb/txncore/pkg/queryengine"
	"github.com/veloxdb/txncore/pkg/txnerr"
)

// inQueryMode reports whether Query has already driven this attempt's
// one-way KV->QUERY transition (spec.md §4.7). Once true, every
// subsequent Get/Insert/Replace/Remove must itself be expressed as a
// statement against the query collaborator rather than issued directly
// to the KV collaborator (spec.md §3 invariant 6), since a real cluster
// only lets one transport drive an attempt's staged work.
func (c *Context) inQueryMode() bool {
	mode, _ := c.arbiter.GetMode()
	return mode == modearbiter.Query
}

// queryRowLink decodes a row's txn_meta column into the same linkXAttr
// envelope the KV path keeps under the "txn" xattr, so foreign-attempt
// resolution (foreignAttemptCommitted) is identical across both
// transports.
func queryRowLink(row queryengine.Row) (linkXAttr, bool) {
	if len(row.TxnMeta) == 0 {
		return linkXAttr{}, false
	}
	var link linkXAttr
	if json.Unmarshal(row.TxnMeta, &link) != nil {
		return linkXAttr{}, false
	}
	return link, true
}

func (c *Context) queryFetch(ctx context.Context, id docid.ID) (queryengine.Row, bool, error) {
	if err := c.cfg.Query.EnsureTable(ctx, id.Keyspace()); err != nil {
		return queryengine.Row{}, false, err
	}
	table := queryengine.TableName(id.Keyspace())
	res, err := c.cfg.Query.Submit(ctx, fmt.Sprintf("SELECT id, cas, body, txn_meta FROM %s WHERE id = ?", table),
		queryengine.Options{Args: []any{id.Key}})
	if err != nil {
		return queryengine.Row{}, false, err
	}
	if len(res.Rows) == 0 {
		return queryengine.Row{}, false, nil
	}
	return res.Rows[0], true, nil
}

// queryGet is Get's QUERY-mode translation: the same own-write/foreign-
// ATR resolution as Get's KV path (spec.md §4.4), expressed as a
// SELECT against the query collaborator's projection of the keyspace.
func (c *Context) queryGet(ctx context.Context, id docid.ID) (*GetResult, error) {
	row, found, err := c.queryFetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, txnerr.New(txnerr.Failed, txnerr.CauseDocumentNotFound)
	}

	link, ok := queryRowLink(row)
	if !ok {
		return &GetResult{ID: id, CAS: row.CAS, Body: row.Body}, nil
	}
	if link.AttemptID == c.attemptID {
		if link.OpType == opRemove {
			return nil, txnerr.New(txnerr.Failed, txnerr.CauseDocumentNotFound)
		}
		return &GetResult{ID: id, CAS: row.CAS, Body: link.Staged}, nil
	}

	committed, err := c.foreignAttemptCommitted(ctx, link)
	if err != nil {
		return nil, err
	}
	if committed {
		if link.OpType == opRemove {
			return nil, txnerr.New(txnerr.Failed, txnerr.CauseDocumentNotFound)
		}
		return &GetResult{ID: id, CAS: row.CAS, Body: link.Staged}, nil
	}
	return &GetResult{ID: id, CAS: row.CAS, Body: row.Body}, nil
}

// queryInsert is Insert's QUERY-mode translation: an INSERT that fails
// FAIL_DOC_ALREADY_EXISTS against a live row, otherwise staging the
// "txn" link in txn_meta with a NULL body, same as the KV path's
// createAsDeleted insert. The query collaborator doesn't hand back a
// docid.MutationToken, so durability verification only runs on the
// KV-transport path.
func (c *Context) queryInsert(ctx context.Context, id docid.ID, raw []byte) (docid.CAS, error) {
	_, found, err := c.queryFetch(ctx, id)
	if err != nil {
		return 0, err
	}
	if found {
		return 0, txnerr.New(txnerr.Failed, txnerr.CauseDocumentExists)
	}

	table := queryengine.TableName(id.Keyspace())
	newCAS := docid.CAS(nowMs())
	stmt := fmt.Sprintf(`INSERT INTO %s (id, cas, body, txn_meta) VALUES (?, ?, ?, ?)`, table)
	if _, err := c.cfg.Query.Exec(ctx, stmt, []any{id.Key, uint64(newCAS), []byte("null"), raw}); err != nil {
		return 0, err
	}
	return newCAS, nil
}

// queryReplaceOrRemove is Replace's and Remove's shared QUERY-mode
// translation: an UPDATE that only touches txn_meta, leaving body at
// its pre-transaction value until Commit unstages it, mirroring the KV
// path's xattr-only staging MutateIn.
func (c *Context) queryReplaceOrRemove(ctx context.Context, id docid.ID, cas docid.CAS, raw []byte) (docid.CAS, []byte, error) {
	row, found, err := c.queryFetch(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	if !found {
		return 0, nil, txnerr.New(txnerr.Failed, txnerr.CauseDocumentNotFound)
	}
	if !cas.Empty() && row.CAS != cas {
		return 0, nil, txnerr.New(txnerr.Failed, txnerr.CauseConcurrentOperationsDetected)
	}

	table := queryengine.TableName(id.Keyspace())
	newCAS := docid.CAS(nowMs())
	stmt := fmt.Sprintf(`UPDATE %s SET cas = ?, txn_meta = ? WHERE id = ?`, table)
	if _, err := c.cfg.Query.Exec(ctx, stmt, []any{uint64(newCAS), raw, id.Key}); err != nil {
		return 0, nil, err
	}
	return newCAS, row.Body, nil
}

// queryUnstageReplace finishes a query-mode staged replace/insert on
// commit: the row's body becomes the staged content and its txn_meta
// clears, same as the KV path's Commit loop calling KV.Replace.
func (c *Context) queryUnstageReplace(ctx context.Context, id docid.ID, body []byte) error {
	table := queryengine.TableName(id.Keyspace())
	_, err := c.cfg.Query.Exec(ctx, fmt.Sprintf(`UPDATE %s SET body = ?, txn_meta = NULL WHERE id = ?`, table),
		[]any{body, id.Key})
	return err
}

// queryUnstageRemove finishes a query-mode staged remove on commit by
// deleting the row, same as the KV path's Commit loop calling KV.Remove.
func (c *Context) queryUnstageRemove(ctx context.Context, id docid.ID) error {
	table := queryengine.TableName(id.Keyspace())
	_, err := c.cfg.Query.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), []any{id.Key})
	return err
}

// queryRollbackDeleteInserted undoes a query-mode staged insert on
// rollback, same as the KV path's KV.Remove call.
func (c *Context) queryRollbackDeleteInserted(ctx context.Context, id docid.ID) error {
	table := queryengine.TableName(id.Keyspace())
	_, err := c.cfg.Query.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), []any{id.Key})
	return err
}

// queryRollbackRestore undoes a query-mode staged replace/remove on
// rollback, restoring the pre-staging body and clearing txn_meta, same
// as the KV path's KV.Replace call.
func (c *Context) queryRollbackRestore(ctx context.Context, id docid.ID, preBody []byte) error {
	table := queryengine.TableName(id.Keyspace())
	_, err := c.cfg.Query.Exec(ctx, fmt.Sprintf(`UPDATE %s SET body = ?, txn_meta = NULL WHERE id = ?`, table),
		[]any{preBody, id.Key})
	return err
}
