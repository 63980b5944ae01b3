package attempt

import (
	"context"

	"github.com/veloxdb/txncore/pkg/docid"
	"github.com/veloxdb/txncore/pkg/durability"
	"github.com/veloxdb/txncore/pkg/txnerr"
)

// verifyDurability runs spec.md §4.3's pre-check against the
// configured topology for every staged mutation once its
// durability_level is non-"none", and polls the configured nodes to
// completion when there are any to poll. Called right after a staging
// write returns its mutation token, matching the data-flow line
// "subdoc stage -> ATR transition -> observe-seqno".
func (c *Context) verifyDurability(ctx context.Context, token docid.MutationToken) error {
	if c.cfg.DurabilityLevel == "" || c.cfg.DurabilityLevel == "none" {
		return nil
	}

	persistTo, replicateTo := durability.LevelToQuorum(c.cfg.DurabilityLevel)
	pollCfg := c.cfg.DurabilityPoll
	pollCfg.PersistTo = persistTo
	pollCfg.ReplicateTo = replicateTo

	poller, err := durability.NewPoller(c.cfg.DurabilityTopology, c.cfg.DurabilityNodes, token.SequenceNumber, token.PartitionID, pollCfg)
	switch err {
	case durability.ErrFeatureNotAvailable:
		return txnerr.New(txnerr.Failed, txnerr.CauseFeatureNotAvailable).Wrap(err)
	case durability.ErrDurabilityImpossible:
		return txnerr.New(txnerr.Failed, txnerr.CauseDurabilityImpossible).Wrap(err)
	case nil:
	default:
		return err
	}

	if len(c.cfg.DurabilityNodes) == 0 {
		// Nothing configured to poll; the pre-check already confirmed
		// the requested level is at least theoretically satisfiable.
		return nil
	}
	if err := poller.Wait(ctx); err != nil {
		return txnerr.New(txnerr.Failed, txnerr.CauseNone).Wrap(err)
	}
	return nil
}
