package attempt

import (
	"context"

	"github.com/veloxdb/txncore/pkg/atr"
	"github.com/veloxdb/txncore/pkg/kvstore"
	"github.com/veloxdb/txncore/pkg/txnerr"
)

// Rollback transitions the attempt's ATR entry PENDING -> ABORTED,
// restores every staged document to its pre-staging state (deleting
// tombstones left by a staged insert, restoring the prior body and
// clearing the link xattr for a staged replace/remove), then
// transitions ABORTED -> ROLLED_BACK and drops the entry (spec.md
// §4.4, §3 Lifecycle).
func (c *Context) Rollback(ctx context.Context) error {
	if c.autoCommittedDone() {
		return nil
	}
	c.arbiter.WaitAndBlockOps()

	c.mu.Lock()
	entry := c.entry
	c.mu.Unlock()
	if entry == nil {
		return nil
	}

	h := c.cfg.hooksOrNoOp()

	c.mu.Lock()
	err := c.entry.Transition(atr.Aborted, nowMs())
	c.mu.Unlock()
	if err != nil {
		return txnerr.New(txnerr.Failed, txnerr.CauseIllegalState).Wrap(err)
	}
	if err := c.persistEntry(ctx); err != nil {
		return txnerr.New(txnerr.Failed, txnerr.CauseNone).Wrap(err)
	}

	c.mu.Lock()
	staged := make([]*stagedDoc, 0, len(c.staged))
	for _, s := range c.staged {
		staged = append(staged, s)
	}
	c.mu.Unlock()

	for _, s := range staged {
		switch s.op {
		case opInsert:
			if s.viaQuery {
				if err := c.queryRollbackDeleteInserted(ctx, s.id); err != nil {
					c.logger.Warn().Err(err).Str("doc", s.id.String()).Msg("rollback delete-inserted failed")
					return txnerr.New(txnerr.Failed, txnerr.CauseNone).Wrap(err)
				}
			} else if _, err := c.cfg.KV.Remove(ctx, s.id, 0); err != nil && err != kvstore.ErrDocumentNotFound {
				c.logger.Warn().Err(err).Str("doc", s.id.String()).Msg("rollback delete-inserted failed")
				return txnerr.New(txnerr.Failed, txnerr.CauseNone).Wrap(err)
			}
			h.AfterRollbackDeleteInserted(ctx, s.id.String())
		case opReplace, opRemove:
			if s.viaQuery {
				if err := c.queryRollbackRestore(ctx, s.id, s.preBody); err != nil {
					c.logger.Warn().Err(err).Str("doc", s.id.String()).Msg("rollback restore failed")
					return txnerr.New(txnerr.Failed, txnerr.CauseNone).Wrap(err)
				}
			} else if _, _, err := c.cfg.KV.Replace(ctx, s.id, 0, s.preBody, nil); err != nil {
				c.logger.Warn().Err(err).Str("doc", s.id.String()).Msg("rollback restore failed")
				return txnerr.New(txnerr.Failed, txnerr.CauseNone).Wrap(err)
			}
			h.AfterRollbackReplaceOrRemove(ctx, s.id.String())
		}
	}

	if out := h.BeforeATRRollbackComplete(ctx, c.atrID); !out.NoEffect() {
		return txnerr.New(txnerr.Failed, txnerr.CauseIllegalState)
	}

	c.mu.Lock()
	err = c.entry.Transition(atr.RolledBack, nowMs())
	c.mu.Unlock()
	if err != nil {
		return txnerr.New(txnerr.Failed, txnerr.CauseIllegalState).Wrap(err)
	}

	h.BeforeAtrRemoval(ctx, c.atrID)
	if err := c.removeOwnEntry(ctx); err != nil {
		c.logger.Warn().Err(err).Str("atr", c.atrID).Msg("failed to remove rolled-back atr entry")
	}
	return nil
}
