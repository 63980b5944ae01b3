package attempt

import (
	"context"

	"github.com/veloxdb/txncore/pkg/modearbiter"
	"github.com/veloxdb/txncore/pkg/queryengine"
	"github.com/veloxdb/txncore/pkg/txnerr"
)

// Query executes a statement against the query collaborator, driving
// the attempt's one-way KV->QUERY mode transition the first time it is
// called (spec.md §4.7). Once in QUERY mode, every subsequent
// Get/Insert/Replace/Remove on this attempt checks the mode arbiter and
// routes itself through the query collaborator instead of the KV
// collaborator (query_mode.go), per spec.md §3 invariant 6.
func (c *Context) Query(ctx context.Context, statement string, opts queryengine.Options) (*queryengine.Result, error) {
	if c.cfg.Query == nil {
		return nil, txnerr.New(txnerr.Failed, txnerr.CauseFeatureNotAvailable)
	}

	var res *queryengine.Result
	err := c.wrapOp(func() error {
		h := c.cfg.hooksOrNoOp()
		h.BeforeQuery(ctx, statement)

		err := c.arbiter.SetQueryMode(
			func() (string, error) { return "local", nil },
			func(node string) error { return nil },
		)
		if err != nil && err != modearbiter.ErrQueryModeAborted {
			return err
		}

		var qerr error
		res, qerr = c.cfg.Query.Submit(ctx, statement, opts)
		h.AfterQuery(ctx, statement)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
