package attempt

import (
	"context"

	"github.com/veloxdb/txncore/pkg/queryengine"
	"github.com/veloxdb/txncore/pkg/txnerr"
)

// QueryOnly implements the original's single-query fast path
// (SPEC_FULL.md §12): when a transaction's entire lambda turns out to
// be one query statement with no prior KV work, the KV->QUERY handoff
// ceremony in Query is unnecessary overhead, since there is nothing on
// the KV side left to protect. The statement runs in the query
// collaborator's own auto-commit mode, and Commit/Rollback become
// no-ops for the rest of this attempt's life.
//
// Callers (pkg/txn) are responsible for only taking this path when no
// other attempt method has been called yet; calling it after any
// staged KV work reports FAIL_FEATURE_NOT_AVAILABLE.
func (c *Context) QueryOnly(ctx context.Context, statement string, opts queryengine.Options) (*queryengine.Result, error) {
	if c.cfg.Query == nil {
		return nil, txnerr.New(txnerr.Failed, txnerr.CauseFeatureNotAvailable)
	}

	var out *queryengine.Result
	err := c.wrapOp(func() error {
		c.mu.Lock()
		hasKVWork := c.entry != nil || len(c.staged) > 0
		c.mu.Unlock()
		if hasKVWork {
			return txnerr.New(txnerr.Failed, txnerr.CauseFeatureNotAvailable)
		}

		h := c.cfg.hooksOrNoOp()
		h.BeforeQuery(ctx, statement)
		res, err := c.cfg.Query.Submit(ctx, statement, opts)
		h.AfterQuery(ctx, statement)
		if err != nil {
			return err
		}
		out = res

		c.mu.Lock()
		c.autoCommitted = true
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// autoCommittedDone reports whether QueryOnly already committed this
// attempt's sole statement, short-circuiting Commit and Rollback.
func (c *Context) autoCommittedDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoCommitted
}
