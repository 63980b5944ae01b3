// Package cleaner implements the lost-attempts cleaner: a per-keyspace
// background worker that heartbeats a shared client record, shards the
// ATR key space across every live client, and finishes or rolls back
// attempts abandoned by a crashed or partitioned client (spec.md §4.8).
//
// Grounded on
// _examples/original_source/core/transactions/transactions_cleanup.cxx
// and internal/client_record.hxx for the heartbeat/work-sharding/budget
// algorithm, and on the teacher's pkg/reconciler (ticker-driven sweep
// loop, metrics.NewTimer() per cycle) and pkg/worker's
// heartbeatLoop/sendHeartbeat shape for the Go translation of that
// algorithm into one goroutine per registered keyspace.
package cleaner

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/veloxdb/txncore/pkg/atr"
	"github.com/veloxdb/txncore/pkg/config"
	"github.com/veloxdb/txncore/pkg/docid"
	"github.com/veloxdb/txncore/pkg/hooks"
	"github.com/veloxdb/txncore/pkg/kvstore"
	"github.com/veloxdb/txncore/pkg/txnlog"
	"github.com/veloxdb/txncore/pkg/txnmetrics"
)

// Config wires a Cleaner to its collaborators.
type Config struct {
	KV      kvstore.Store
	Hooks   hooks.Hooks
	Cleanup config.CleanupConfig
	NumATRs int
}

func (c Config) hooksOrNoOp() hooks.Hooks {
	if c.Hooks == nil {
		return hooks.NoOp{}
	}
	return c.Hooks
}

// Cleaner runs one goroutine per registered keyspace, each heartbeating
// a shared client record and sweeping its shard of that keyspace's ATR
// space for abandoned attempts.
type Cleaner struct {
	cfg       Config
	clientID  string
	keyspaces []docid.Keyspace
	logger    zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns a Cleaner for every keyspace named in cfg.Cleanup.Collections,
// not yet started.
func New(cfg Config) *Cleaner {
	if cfg.NumATRs <= 0 {
		cfg.NumATRs = atr.NumATRs
	}
	keyspaces := make([]docid.Keyspace, 0, len(cfg.Cleanup.Collections))
	for _, spec := range cfg.Cleanup.Collections {
		keyspaces = append(keyspaces, parseKeyspace(spec))
	}
	return &Cleaner{
		cfg:       cfg,
		clientID:  uuid.NewString(),
		keyspaces: keyspaces,
		logger:    txnlog.WithComponent("cleaner"),
		stopCh:    make(chan struct{}),
	}
}

// ClientID returns this cleaner's uuid, the value it heartbeats under
// in every keyspace's client record.
func (c *Cleaner) ClientID() string { return c.clientID }

func (c *Cleaner) numATRs() int { return c.cfg.NumATRs }

// Keyspaces returns the registered keyspaces this cleaner sweeps.
func (c *Cleaner) Keyspaces() []docid.Keyspace {
	return append([]docid.Keyspace(nil), c.keyspaces...)
}

// RunOnce runs a single heartbeat-then-scan pass over ks outside of
// Start's background goroutines, for manual/CLI-triggered cleanup
// (spec.md §4.8, exposed by cmd/txnctl's "cleaner run-once").
func (c *Cleaner) RunOnce(ctx context.Context, ks docid.Keyspace) error {
	return c.sweepOnce(ctx, ks)
}

// parseKeyspace accepts "bucket.scope.collection", the two-part
// "bucket.collection" shorthand, or a bare bucket name, defaulting
// whatever is missing the way docid.New does.
func parseKeyspace(spec string) docid.Keyspace {
	parts := strings.Split(spec, ".")
	switch len(parts) {
	case 3:
		return docid.Keyspace{Bucket: parts[0], Scope: parts[1], Collection: parts[2]}
	case 2:
		return docid.Keyspace{Bucket: parts[0], Scope: docid.DefaultScope, Collection: parts[1]}
	default:
		return docid.Keyspace{Bucket: parts[0], Scope: docid.DefaultScope, Collection: docid.DefaultCollection}
	}
}

// Start launches one sweep goroutine per registered keyspace. It is a
// no-op if cleanup_lost_attempts is disabled.
func (c *Cleaner) Start() {
	if !c.cfg.Cleanup.CleanupLostAttempts {
		return
	}
	for _, ks := range c.keyspaces {
		ks := ks
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runKeyspace(ks)
		}()
	}
}

// Stop signals every sweep goroutine to exit, waits for them, then
// removes this client's entry from every registered keyspace's client
// record with backoff retry (spec.md §4.8 Shutdown).
func (c *Cleaner) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	c.removeSelfEverywhere()
}

func (c *Cleaner) removeSelfEverywhere() {
	ctx := context.Background()
	delay := 200 * time.Millisecond
	const maxDelay = 5 * time.Second
	for _, ks := range c.keyspaces {
		for attempt := 0; ; attempt++ {
			if err := c.removeSelf(ctx, ks); err == nil {
				break
			} else if attempt >= 4 {
				c.logger.Warn().Err(err).Str("keyspace", ks.String()).Msg("giving up removing client record entry on shutdown")
				break
			} else {
				time.Sleep(delay)
				delay *= 2
				if delay > maxDelay {
					delay = maxDelay
				}
			}
		}
	}
}

func (c *Cleaner) sleepOrStop(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-time.After(d):
		return true
	case <-c.stopCh:
		return false
	}
}

func (c *Cleaner) runKeyspace(ks docid.Keyspace) {
	c.logger.Info().Str("keyspace", ks.String()).Str("client", c.clientID).Msg("lost-attempts cleaner starting")
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		if err := c.sweepOnce(context.Background(), ks); err != nil {
			c.logger.Warn().Err(err).Str("keyspace", ks.String()).Msg("cleanup sweep failed")
		}
		if !c.sleepOrStop(10 * time.Millisecond) {
			return
		}
	}
}

// sweepOnce runs one full heartbeat-then-scan pass over ks's shard of
// the ATR space (spec.md §4.8 Work sharding / Budgeting).
func (c *Cleaner) sweepOnce(ctx context.Context, ks docid.Keyspace) error {
	rec, skip, err := c.heartbeat(ctx, ks)
	if err != nil {
		return err
	}
	if skip {
		c.sleepOrStop(c.cfg.Cleanup.CleanupWindow)
		return nil
	}

	ids := sortedActiveIDs(rec)
	n := len(ids)
	idx := 0
	if n == 0 {
		n = 1
	} else {
		idx = indexOf(ids, c.clientID)
	}

	shard := shardATRs(c.numATRs(), idx, n)
	window := c.cfg.Cleanup.CleanupWindow
	start := time.Now()
	for i, atrID := range shard {
		select {
		case <-c.stopCh:
			return nil
		default:
		}

		remaining := window - time.Since(start)
		if remaining < 0 {
			remaining = 0
		}
		atrsLeft := len(shard) - i
		budget := remaining / time.Duration(atrsLeft)

		cycleStart := time.Now()
		if err := c.cleanATR(ctx, ks, atrID); err != nil {
			c.logger.Debug().Err(err).Str("atr", atrID).Msg("cleanup of atr failed, will retry next pass")
		}
		spent := time.Since(cycleStart)
		if !c.sleepOrStop(budget - spent) {
			return nil
		}
	}
	return nil
}

// shardATRs returns every ATR id this client (index idx of n active
// clients) is responsible for scanning this pass.
func shardATRs(numATRs, idx, n int) []string {
	if n <= 0 {
		n = 1
	}
	ids := make([]string, 0, numATRs/n+1)
	for i := idx; i < numATRs; i += n {
		ids = append(ids, atr.IDAt(i))
	}
	return ids
}

// cleanATR loads one ATR document, resolves every expired non-terminal
// entry, drops every terminal entry found still lingering, and persists
// the result if anything changed.
func (c *Cleaner) cleanATR(ctx context.Context, ks docid.Keyspace, atrID string) error {
	id := docid.New(ks.Bucket, ks.Scope, ks.Collection, atrID)
	doc, err := c.cfg.KV.Get(ctx, id, false)
	if err == kvstore.ErrDocumentNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	adoc, err := atr.Decode(doc.Body)
	if err != nil {
		return err
	}

	nowNs := time.Now().UnixNano()
	changed := false
	for attemptID, entry := range adoc.Attempts {
		if entry.State.Terminal() {
			adoc.RemoveEntry(attemptID)
			changed = true
			continue
		}
		if !entry.Expired(nowNs) {
			continue
		}
		if err := c.resolveEntry(ctx, entry); err != nil {
			c.logger.Debug().Err(err).Str("atr", atrID).Str("attempt", attemptID).Msg("resolving lost attempt failed")
			txnmetrics.ATRCleanupTotal.WithLabelValues("error").Inc()
			continue
		}
		if out := c.cfg.hooksOrNoOp().BeforeAtrRemoval(ctx, atrID); !out.NoEffect() {
			continue
		}
		adoc.RemoveEntry(attemptID)
		changed = true
		txnmetrics.ATRCleanupTotal.WithLabelValues(string(entry.State)).Inc()
	}

	if !changed {
		return nil
	}
	body, err := adoc.Encode()
	if err != nil {
		return err
	}
	_, _, err = c.cfg.KV.Replace(ctx, id, doc.CAS, body, doc.XAttrs)
	if err == kvstore.ErrCASMismatch {
		// Another writer landed in between; the next pass will pick up
		// whatever it left behind.
		return nil
	}
	return err
}
