// Package txn implements the transaction context: the retry loop that
// drives successive attempts of a user lambda to a terminal outcome
// (spec.md §4.5), plus the per-attempt diagnostic log SPEC_FULL.md §12
// adds back from the original's TransactionResult/AttemptStates.
//
// Grounded on
// _examples/original_source/core/transactions/transactions_cleanup.cxx's
// sibling transaction_context retry semantics and spec.md §4.5; the
// attempt-id/backoff/deadline bookkeeping follows the teacher's
// pkg/scheduler retry-with-backoff shape (one goroutine, no
// supervisor), substituting pkg/backoff's full-jitter calculator for
// the teacher's fixed interval.
package txn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rs/zerolog"

	"github.com/veloxdb/txncore/pkg/attempt"
	"github.com/veloxdb/txncore/pkg/backoff"
	"github.com/veloxdb/txncore/pkg/config"
	"github.com/veloxdb/txncore/pkg/errs"
	"github.com/veloxdb/txncore/pkg/hooks"
	"github.com/veloxdb/txncore/pkg/kvstore"
	"github.com/veloxdb/txncore/pkg/queryengine"
	"github.com/veloxdb/txncore/pkg/txnerr"
	"github.com/veloxdb/txncore/pkg/txnlog"
)

// SafetyMargin is subtracted from the configured timeout when deciding
// has_expired_client_side, so an attempt already past its budget never
// starts an operation it cannot finish (spec.md §4.5).
const SafetyMargin = 2 * time.Second

// AttemptRecord is one attempt's outcome, kept regardless of whether it
// succeeded, for the diagnostic AttemptLog SPEC_FULL.md §12 adds back
// from the original's TransactionResult.
type AttemptRecord struct {
	AttemptID string
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// Result is a completed transaction's outcome.
type Result struct {
	Outcome           txnerr.Kind
	AttemptID         string // the attempt that produced the outcome
	UnstagingComplete bool
	AttemptLog        []AttemptRecord
}

// Config wires a transaction context to its collaborators. Fields
// mirror config.Config's per-transaction surface plus the concrete
// collaborators attempt.Config needs.
type Config struct {
	KV    kvstore.Store
	Query *queryengine.Engine
	Hooks hooks.Hooks

	Cfg config.Config
}

func (c Config) hooksOrNoOp() hooks.Hooks {
	if c.Hooks == nil {
		return hooks.NoOp{}
	}
	return c.Hooks
}

// Context runs one logical transaction: zero or more retried attempts
// of a user lambda, to a terminal SUCCESS/FAILED/EXPIRED/
// COMMIT_AMBIGUOUS outcome.
type Context struct {
	cfg           Config
	transactionID string
	metaBucket    string
	metaScope     string
	metaCollect   string
	backoff       backoff.Calculator
	startedAt     time.Time
}

// NewContext validates cfg and returns a fresh transaction context. A
// configured MetadataCollection override must parse as
// "bucket.scope.collection"; this is SPEC_FULL.md §12's custom
// metadata-collection validation, surfacing FEATURE_NOT_AVAILABLE at
// creation time rather than at the first ATR write deep inside an
// attempt.
func NewContext(cfg Config) (*Context, error) {
	if err := cfg.Cfg.Validate(); err != nil {
		return nil, txnerr.New(txnerr.Failed, txnerr.CauseFeatureNotAvailable).Wrap(err)
	}

	var bucket, scope, collect string
	if mc := cfg.Cfg.MetadataCollection; mc != "" {
		parts := strings.Split(mc, ".")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return nil, txnerr.New(txnerr.Failed, txnerr.CauseFeatureNotAvailable).
				Wrap(fmt.Errorf("txn: metadata_collection %q must be bucket.scope.collection", mc))
		}
		bucket, scope, collect = parts[0], parts[1], parts[2]
	}

	return &Context{
		cfg:           cfg,
		transactionID: uuid.NewString(),
		metaBucket:    bucket,
		metaScope:     scope,
		metaCollect:   collect,
		backoff:       backoff.New(),
	}, nil
}

// TransactionID returns this transaction's UUID.
func (t *Context) TransactionID() string { return t.transactionID }

// Deadline returns the transaction's overall expiry, the window
// pkg/multiget uses for prioritise_read_skew_detection. It is only
// meaningful once Run has started.
func (t *Context) Deadline() time.Time {
	return t.startedAt.Add(t.cfg.Cfg.Timeout)
}

func (t *Context) hasExpired() bool {
	return time.Since(t.startedAt) >= t.cfg.Cfg.Timeout-SafetyMargin
}

func (t *Context) newAttempt(attemptID string) *attempt.Context {
	return attempt.New(attempt.Config{
		KV:              t.cfg.KV,
		Query:           t.cfg.Query,
		Hooks:           t.cfg.Hooks,
		NumATRs:         t.cfg.Cfg.NumATRs,
		MetadataBucket:  t.metaBucket,
		MetadataScope:   t.metaScope,
		MetadataCollect: t.metaCollect,
		ExpiresAfter:    t.cfg.Cfg.Timeout,
	}, t.transactionID, attemptID)
}

// Run drives fn through successive attempts until a terminal outcome
// (spec.md §4.5's retry loop). fn receives a fresh *attempt.Context on
// every call; it must not retain one across calls.
func (t *Context) Run(ctx context.Context, fn func(*attempt.Context) error) (*Result, error) {
	t.startedAt = time.Now()
	logger := txnlog.WithTransaction(t.transactionID)
	h := t.cfg.hooksOrNoOp()

	var log []AttemptRecord
	for retryCount := uint32(0); ; retryCount++ {
		if out := h.HasExpiredClientSide(ctx, "before_attempt", t.transactionID); !out.NoEffect() || t.hasExpired() {
			return &Result{Outcome: txnerr.Expired, AttemptLog: log}, txnerr.New(txnerr.Expired, txnerr.CauseNone)
		}

		attemptID := uuid.NewString()
		attemptStart := time.Now()
		a := t.newAttempt(attemptID)

		lambdaErr := fn(a)
		if lambdaErr == nil {
			if commitErr := a.Commit(ctx); commitErr == nil {
				log = append(log, AttemptRecord{AttemptID: attemptID, StartedAt: attemptStart, Duration: time.Since(attemptStart)})
				return &Result{Outcome: txnerr.Success, AttemptID: attemptID, UnstagingComplete: true, AttemptLog: log}, nil
			} else {
				lambdaErr = commitErr
				log = append(log, AttemptRecord{AttemptID: attemptID, StartedAt: attemptStart, Duration: time.Since(attemptStart), Err: commitErr})
				if res, done := t.resolveCommitFailure(commitErr, log); done {
					return res, commitOutcomeErr(res.Outcome)
				}
				t.rollbackBestEffort(ctx, a, logger)
			}
		} else {
			log = append(log, AttemptRecord{AttemptID: attemptID, StartedAt: attemptStart, Duration: time.Since(attemptStart), Err: lambdaErr})

			_, classified := lambdaErr.(*attempt.ClassifiedError)
			_, public := lambdaErr.(*txnerr.Error)
			if !classified && !public {
				// Raised by the lambda itself rather than returned by an
				// attempt operation: roll back and fail without retrying.
				t.rollbackBestEffort(ctx, a, logger)
				return &Result{Outcome: txnerr.Failed, AttemptID: attemptID, AttemptLog: log}, lambdaErr
			}
			class := classify(lambdaErr)
			switch errs.PolicyFor(class) {
			case errs.PolicyAbortTransactionNoRollback:
				return &Result{Outcome: txnerr.Failed, AttemptID: attemptID, AttemptLog: log}, lambdaErr
			case errs.PolicyAbortAttemptFailed:
				t.rollbackBestEffort(ctx, a, logger)
				return &Result{Outcome: txnerr.Failed, AttemptID: attemptID, AttemptLog: log}, lambdaErr
			case errs.PolicyAbortAttemptExpired:
				t.rollbackBestEffort(ctx, a, logger)
				return &Result{Outcome: txnerr.Expired, AttemptID: attemptID, AttemptLog: log}, txnerr.New(txnerr.Expired, txnerr.CauseNone)
			default:
				t.rollbackBestEffort(ctx, a, logger)
				if t.hasExpired() {
					return &Result{Outcome: txnerr.Expired, AttemptID: attemptID, AttemptLog: log}, txnerr.New(txnerr.Expired, txnerr.CauseNone)
				}
			}
		}

		delay := t.backoff(retryCount)
		logger.Debug().Uint32("retry", retryCount).Dur("delay", delay).Msg("retrying transaction attempt")
		h.Sleep(ctx, delay)
	}
}

// resolveCommitFailure implements spec.md §4.5 step 4's commit-failure
// branch: FAIL_EXPIRY surfaces EXPIRED, any ambiguity class surfaces
// COMMIT_AMBIGUOUS with unstaging incomplete, everything else falls
// through to rollback-and-retry.
func (t *Context) resolveCommitFailure(err error, log []AttemptRecord) (*Result, bool) {
	class := classify(err)
	switch errs.PolicyFor(class) {
	case errs.PolicyAbortAttemptExpired:
		return &Result{Outcome: txnerr.Expired, AttemptLog: log}, true
	case errs.PolicyTreatAsTransientUnlessExpired:
		return &Result{Outcome: txnerr.CommitAmbiguous, UnstagingComplete: false, AttemptLog: log}, true
	case errs.PolicyAbortTransactionNoRollback:
		return &Result{Outcome: txnerr.Failed, AttemptLog: log}, true
	default:
		return nil, false
	}
}

func commitOutcomeErr(kind txnerr.Kind) error {
	switch kind {
	case txnerr.Expired:
		return txnerr.New(txnerr.Expired, txnerr.CauseNone)
	case txnerr.CommitAmbiguous:
		return txnerr.New(txnerr.CommitAmbiguous, txnerr.CauseNone)
	case txnerr.Failed:
		return txnerr.New(txnerr.Failed, txnerr.CauseNone)
	default:
		return nil
	}
}

// rollbackBestEffort drives an attempt's rollback, logging but
// otherwise swallowing any error: the retry loop above always moves on
// to either another attempt or a terminal outcome regardless of
// whether rollback itself succeeded, since a failed rollback leaves the
// documents blocked behind a staging xattr the lost-attempts cleaner
// will eventually clear.
func (t *Context) rollbackBestEffort(ctx context.Context, a *attempt.Context, logger zerolog.Logger) {
	if err := a.Rollback(ctx); err != nil {
		logger.Warn().Err(err).Str("attempt", a.AttemptID()).Msg("rollback after failed attempt did not complete")
	}
}

// classify maps any error an attempt op can return to its errs.Class,
// so the retry loop can apply errs.PolicyFor uniformly whether the
// error originated from pkg/attempt's own classification or directly
// as a *txnerr.Error.
func classify(err error) errs.Class {
	if ce, ok := err.(*attempt.ClassifiedError); ok {
		return ce.Class
	}
	te, ok := err.(*txnerr.Error)
	if !ok {
		return errs.ClassOther
	}
	if te.Kind == txnerr.Expired {
		return errs.ClassExpiry
	}
	if te.Kind == txnerr.CommitAmbiguous {
		return errs.ClassAmbiguous
	}
	switch te.Cause {
	case txnerr.CauseDocumentExists:
		return errs.ClassDocAlreadyExists
	case txnerr.CauseDocumentNotFound:
		return errs.ClassDocNotFound
	case txnerr.CauseConcurrentOperationsDetected:
		return errs.ClassCASMismatch
	case txnerr.CauseDocumentAlreadyInTransaction:
		return errs.ClassWriteWriteConflict
	case txnerr.CauseATRFull:
		return errs.ClassATRFull
	case txnerr.CauseFeatureNotAvailable, txnerr.CauseIllegalState, txnerr.CauseForwardCompatibilityFailure:
		return errs.ClassHard
	default:
		return errs.ClassOther
	}
}
