// Package hooks defines the testing hook surface: named injection
// points at every externally-observable state transition in the
// attempt context and the lost-attempts cleaner. Production code uses
// NoOp, which has no effect; fault-injection tests supply their own
// Hooks implementation.
package hooks

import (
	"context"
	"time"

	"github.com/veloxdb/txncore/pkg/errs"
)

// Outcome is what a hook returns: either an error class to force, or an
// override value the caller should use in place of its own choice.
// Both are optional; the zero value means "no effect".
type Outcome struct {
	ForceClass errs.Class
	Override   any
}

func (o Outcome) NoEffect() bool { return o.ForceClass == errs.ClassNone && o.Override == nil }

// Hooks is the injection surface. Every method is named for the
// decision point it governs; arguments are whatever context that
// decision point already has in hand.
type Hooks interface {
	BeforeATRCommit(ctx context.Context, atrID string) Outcome
	BeforeATRCommitAmbiguityResolution(ctx context.Context, atrID string) Outcome
	BeforeATRRollbackComplete(ctx context.Context, atrID string) Outcome
	BeforeStagedInsert(ctx context.Context, key string) Outcome
	BeforeStagedReplace(ctx context.Context, key string) Outcome
	BeforeStagedRemove(ctx context.Context, key string) Outcome
	BeforeDocCommitted(ctx context.Context, key string) Outcome
	AfterDocCommittedBeforeSavingCAS(ctx context.Context, key string) Outcome
	AfterDocCommitted(ctx context.Context, key string) Outcome
	AfterDocsCommitted(ctx context.Context) Outcome
	AfterDocsRemoved(ctx context.Context) Outcome
	AfterDocRemovedPreRetry(ctx context.Context, key string) Outcome
	AfterRollbackReplaceOrRemove(ctx context.Context, key string) Outcome
	AfterRollbackDeleteInserted(ctx context.Context, key string) Outcome
	BeforeCheckATREntryForBlockingDoc(ctx context.Context, key string) Outcome
	BeforeDocGet(ctx context.Context, key string) Outcome
	BeforeGetDocInExistsDuringStagedInsert(ctx context.Context, key string) Outcome
	BeforeQuery(ctx context.Context, statement string) Outcome
	AfterQuery(ctx context.Context, statement string) Outcome

	HasExpiredClientSide(ctx context.Context, place string, attemptID string) Outcome
	RandomATRIDForVBucket(ctx context.Context) Outcome

	ClientRecordBeforeUpdate(ctx context.Context, clientUUID string) Outcome
	ClientRecordBeforeRemove(ctx context.Context, clientUUID string) Outcome
	BeforeRemovingClientFromClientRecord(ctx context.Context, clientUUID string) Outcome
	BeforeAtrRemoval(ctx context.Context, atrID string) Outcome

	// Sleep is called wherever production code would otherwise call
	// time.Sleep, so a test can fast-forward or observe scheduling.
	Sleep(ctx context.Context, d time.Duration)
}

// NoOp implements Hooks with no effect on any decision point. Embed it
// in a partial test implementation to override only the hooks that
// matter for a given test.
type NoOp struct{}

func (NoOp) BeforeATRCommit(context.Context, string) Outcome                          { return Outcome{} }
func (NoOp) BeforeATRCommitAmbiguityResolution(context.Context, string) Outcome       { return Outcome{} }
func (NoOp) BeforeATRRollbackComplete(context.Context, string) Outcome                { return Outcome{} }
func (NoOp) BeforeStagedInsert(context.Context, string) Outcome                       { return Outcome{} }
func (NoOp) BeforeStagedReplace(context.Context, string) Outcome                      { return Outcome{} }
func (NoOp) BeforeStagedRemove(context.Context, string) Outcome                       { return Outcome{} }
func (NoOp) BeforeDocCommitted(context.Context, string) Outcome                       { return Outcome{} }
func (NoOp) AfterDocCommittedBeforeSavingCAS(context.Context, string) Outcome         { return Outcome{} }
func (NoOp) AfterDocCommitted(context.Context, string) Outcome                        { return Outcome{} }
func (NoOp) AfterDocsCommitted(context.Context) Outcome                               { return Outcome{} }
func (NoOp) AfterDocsRemoved(context.Context) Outcome                                 { return Outcome{} }
func (NoOp) AfterDocRemovedPreRetry(context.Context, string) Outcome                   { return Outcome{} }
func (NoOp) AfterRollbackReplaceOrRemove(context.Context, string) Outcome              { return Outcome{} }
func (NoOp) AfterRollbackDeleteInserted(context.Context, string) Outcome               { return Outcome{} }
func (NoOp) BeforeCheckATREntryForBlockingDoc(context.Context, string) Outcome         { return Outcome{} }
func (NoOp) BeforeDocGet(context.Context, string) Outcome                             { return Outcome{} }
func (NoOp) BeforeGetDocInExistsDuringStagedInsert(context.Context, string) Outcome   { return Outcome{} }
func (NoOp) BeforeQuery(context.Context, string) Outcome                              { return Outcome{} }
func (NoOp) AfterQuery(context.Context, string) Outcome                               { return Outcome{} }
func (NoOp) HasExpiredClientSide(context.Context, string, string) Outcome              { return Outcome{} }
func (NoOp) RandomATRIDForVBucket(context.Context) Outcome                            { return Outcome{} }
func (NoOp) ClientRecordBeforeUpdate(context.Context, string) Outcome                  { return Outcome{} }
func (NoOp) ClientRecordBeforeRemove(context.Context, string) Outcome                  { return Outcome{} }
func (NoOp) BeforeRemovingClientFromClientRecord(context.Context, string) Outcome      { return Outcome{} }
func (NoOp) BeforeAtrRemoval(context.Context, string) Outcome                          { return Outcome{} }
func (NoOp) Sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

var _ Hooks = NoOp{}
