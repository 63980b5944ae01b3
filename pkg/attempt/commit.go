package attempt

import (
	"context"

	"github.com/veloxdb/txncore/pkg/atr"
	"github.com/veloxdb/txncore/pkg/txnerr"
)

// Commit transitions the attempt's ATR entry PENDING -> COMMITTED,
// unstages every inserted/replaced document and removes every
// document staged for removal, then transitions the entry
// COMMITTED -> COMPLETED and drops it from the ATR (spec.md §4.4, §3
// Lifecycle).
func (c *Context) Commit(ctx context.Context) error {
	if c.autoCommittedDone() {
		return nil
	}
	c.arbiter.WaitAndBlockOps()

	c.mu.Lock()
	entry := c.entry
	c.mu.Unlock()
	if entry == nil {
		// Nothing was ever staged: a read-only transaction commits
		// trivially.
		return nil
	}

	h := c.cfg.hooksOrNoOp()
	if out := h.BeforeATRCommit(ctx, c.atrID); !out.NoEffect() {
		return txnerr.New(txnerr.Failed, txnerr.CauseIllegalState)
	}

	c.mu.Lock()
	err := c.entry.Transition(atr.Committed, nowMs())
	c.mu.Unlock()
	if err != nil {
		return txnerr.New(txnerr.Failed, txnerr.CauseIllegalState).Wrap(err)
	}
	if err := c.persistEntry(ctx); err != nil {
		return txnerr.New(txnerr.CommitAmbiguous, txnerr.CauseNone).Wrap(err)
	}

	c.mu.Lock()
	staged := make([]*stagedDoc, 0, len(c.staged))
	for _, s := range c.staged {
		staged = append(staged, s)
	}
	c.mu.Unlock()

	var removed bool
	for _, s := range staged {
		if s.op == opRemove {
			continue
		}
		h.BeforeDocCommitted(ctx, s.id.String())
		if s.viaQuery {
			if err := c.queryUnstageReplace(ctx, s.id, s.stagedBody); err != nil {
				c.logger.Error().Err(err).Str("doc", s.id.String()).Msg("unstaging commit failed")
				return txnerr.New(txnerr.CommitAmbiguous, txnerr.CauseNone).Wrap(err)
			}
		} else {
			_, token, err := c.cfg.KV.Replace(ctx, s.id, s.stagedCAS, s.stagedBody, nil)
			if err != nil {
				c.logger.Error().Err(err).Str("doc", s.id.String()).Msg("unstaging commit failed")
				return txnerr.New(txnerr.CommitAmbiguous, txnerr.CauseNone).Wrap(err)
			}
			if err := c.verifyDurability(ctx, token); err != nil {
				c.logger.Error().Err(err).Str("doc", s.id.String()).Msg("unstaging commit durability check failed")
				return txnerr.New(txnerr.CommitAmbiguous, txnerr.CauseNone).Wrap(err)
			}
		}
		h.AfterDocCommittedBeforeSavingCAS(ctx, s.id.String())
		h.AfterDocCommitted(ctx, s.id.String())
	}
	h.AfterDocsCommitted(ctx)

	for _, s := range staged {
		if s.op != opRemove {
			continue
		}
		if s.viaQuery {
			if err := c.queryUnstageRemove(ctx, s.id); err != nil {
				c.logger.Error().Err(err).Str("doc", s.id.String()).Msg("unstaging remove failed")
				return txnerr.New(txnerr.CommitAmbiguous, txnerr.CauseNone).Wrap(err)
			}
		} else {
			token, err := c.cfg.KV.Remove(ctx, s.id, s.stagedCAS)
			if err != nil {
				c.logger.Error().Err(err).Str("doc", s.id.String()).Msg("unstaging remove failed")
				return txnerr.New(txnerr.CommitAmbiguous, txnerr.CauseNone).Wrap(err)
			}
			if err := c.verifyDurability(ctx, token); err != nil {
				c.logger.Error().Err(err).Str("doc", s.id.String()).Msg("unstaging remove durability check failed")
				return txnerr.New(txnerr.CommitAmbiguous, txnerr.CauseNone).Wrap(err)
			}
		}
		removed = true
	}
	if removed {
		h.AfterDocsRemoved(ctx)
	}

	c.mu.Lock()
	err = c.entry.Transition(atr.Completed, nowMs())
	c.mu.Unlock()
	if err != nil {
		return txnerr.New(txnerr.CommitAmbiguous, txnerr.CauseNone).Wrap(err)
	}

	h.BeforeAtrRemoval(ctx, c.atrID)
	if err := c.removeOwnEntry(ctx); err != nil {
		// The documents are already committed; losing the ATR entry
		// cleanup is a cosmetic failure the lost-attempts cleaner will
		// paper over later.
		c.logger.Warn().Err(err).Str("atr", c.atrID).Msg("failed to remove completed atr entry")
	}
	return nil
}
