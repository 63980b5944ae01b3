package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/veloxdb/txncore/pkg/atr"
	"github.com/veloxdb/txncore/pkg/attempt"
	"github.com/veloxdb/txncore/pkg/cleaner"
	"github.com/veloxdb/txncore/pkg/config"
	"github.com/veloxdb/txncore/pkg/docid"
	"github.com/veloxdb/txncore/pkg/kvstore"
	"github.com/veloxdb/txncore/pkg/multiget"
	"github.com/veloxdb/txncore/pkg/queryengine"
	"github.com/veloxdb/txncore/pkg/txn"
	"github.com/veloxdb/txncore/pkg/txnerr"
)

var runDemoCmd = &cobra.Command{
	Use:   "run-demo",
	Short: "Drive scenarios S1-S7 end to end against an in-process store",
	Long: `run-demo exercises the transaction core's end-to-end scenarios
(spec.md's S1 simple commit through S7 lost-attempts cleanup) against
an in-process bbolt store and sqlite query engine, printing PASS/FAIL
for each.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := kvstore.NewBoltStore(dbPath(cmd), 1)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer store.Close()

		query, err := queryengine.New()
		if err != nil {
			return fmt.Errorf("opening query engine: %w", err)
		}
		defer query.Close()

		ctx := cmd.Context()
		scenarios := []struct {
			name string
			run  func(context.Context, kvstore.Store, *queryengine.Engine) error
		}{
			{"S1 simple commit", demoS1},
			{"S2 rollback on raise", demoS2},
			{"S3 retry on forged CAS", demoS3},
			{"S4 expiry", demoS4},
			{"S5 multi-get, no concurrent txn", demoS5},
			{"S6 multi-get resolves committed read-skew", demoS6},
			{"S7 lost-attempts cleanup", demoS7},
		}

		failures := 0
		for _, s := range scenarios {
			if err := s.run(ctx, store, query); err != nil {
				fmt.Printf("FAIL  %s: %v\n", s.name, err)
				failures++
				continue
			}
			fmt.Printf("PASS  %s\n", s.name)
		}
		if failures > 0 {
			return fmt.Errorf("%d scenario(s) failed", failures)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runDemoCmd)
}

func demoConfig() config.Config {
	cfg := config.Default()
	cfg.Timeout = 5 * time.Second
	return cfg
}

func newDemoTxn(store kvstore.Store, query *queryengine.Engine, cfg config.Config) (*txn.Context, error) {
	return txn.NewContext(txn.Config{KV: store, Query: query, Cfg: cfg})
}

// demoS1 — plain get/replace commits and leaves the new body in place.
func demoS1(ctx context.Context, store kvstore.Store, query *queryengine.Engine) error {
	id := docid.New("demo", "", "", "s1-doc")
	if _, _, err := store.Upsert(ctx, id, []byte(`{"n":1}`), nil); err != nil {
		return err
	}
	t, err := newDemoTxn(store, query, demoConfig())
	if err != nil {
		return err
	}
	res, err := t.Run(ctx, func(a *attempt.Context) error {
		r, err := a.Get(ctx, id)
		if err != nil {
			return err
		}
		_, err = a.Replace(ctx, id, r.CAS, []byte(`{"n":2}`))
		return err
	})
	if err != nil {
		return err
	}
	if res.Outcome != txnerr.Success {
		return fmt.Errorf("expected SUCCESS, got %s", res.Outcome)
	}
	doc, err := store.Get(ctx, id, false)
	if err != nil {
		return err
	}
	if string(doc.Body) != `{"n":2}` {
		return fmt.Errorf("expected body {\"n\":2}, got %s", doc.Body)
	}
	return nil
}

// demoS2 — a lambda error rolls back the attempt's staged replace.
func demoS2(ctx context.Context, store kvstore.Store, query *queryengine.Engine) error {
	id := docid.New("demo", "", "", "s2-doc")
	if _, _, err := store.Upsert(ctx, id, []byte(`{"n":1}`), nil); err != nil {
		return err
	}
	t, err := newDemoTxn(store, query, demoConfig())
	if err != nil {
		return err
	}
	boom := fmt.Errorf("demo: lambda raised")
	res, err := t.Run(ctx, func(a *attempt.Context) error {
		r, err := a.Get(ctx, id)
		if err != nil {
			return err
		}
		if _, err := a.Replace(ctx, id, r.CAS, []byte(`{"n":99}`)); err != nil {
			return err
		}
		return boom
	})
	if err == nil {
		return fmt.Errorf("expected an error, got nil")
	}
	if res.Outcome != txnerr.Failed {
		return fmt.Errorf("expected FAILED, got %s", res.Outcome)
	}
	doc, err := store.Get(ctx, id, false)
	if err != nil {
		return err
	}
	if string(doc.Body) != `{"n":1}` {
		return fmt.Errorf("expected body unchanged at {\"n\":1}, got %s", doc.Body)
	}
	return nil
}

// demoS3 — a forged CAS is a non-retriable op-level error; the
// transaction fails without retrying.
func demoS3(ctx context.Context, store kvstore.Store, query *queryengine.Engine) error {
	id := docid.New("demo", "", "", "s3-doc")
	cas, _, err := store.Upsert(ctx, id, []byte(`{"n":1}`), nil)
	if err != nil {
		return err
	}
	t, err := newDemoTxn(store, query, demoConfig())
	if err != nil {
		return err
	}
	forged := docid.CAS(uint64(cas) + 1)
	res, err := t.Run(ctx, func(a *attempt.Context) error {
		_, err := a.Replace(ctx, id, forged, []byte(`{"n":2}`))
		return err
	})
	if err == nil {
		return fmt.Errorf("expected an error, got nil")
	}
	if res.Outcome != txnerr.Failed {
		return fmt.Errorf("expected FAILED, got %s", res.Outcome)
	}
	return nil
}

// demoS4 — a lambda that outlives the transaction's timeout surfaces
// EXPIRED and leaves the document untouched.
func demoS4(ctx context.Context, store kvstore.Store, query *queryengine.Engine) error {
	id := docid.New("demo", "", "", "s4-doc")
	if _, _, err := store.Upsert(ctx, id, []byte(`{"n":1}`), nil); err != nil {
		return err
	}
	cfg := demoConfig()
	cfg.Timeout = 200 * time.Millisecond
	t, err := newDemoTxn(store, query, cfg)
	if err != nil {
		return err
	}
	res, err := t.Run(ctx, func(a *attempt.Context) error {
		time.Sleep(300 * time.Millisecond)
		r, err := a.Get(ctx, id)
		if err != nil {
			return err
		}
		_, err = a.Replace(ctx, id, r.CAS, []byte(`{"n":2}`))
		return err
	})
	if err == nil {
		return fmt.Errorf("expected an error, got nil")
	}
	if res.Outcome != txnerr.Expired {
		return fmt.Errorf("expected EXPIRED, got %s", res.Outcome)
	}
	doc, err := store.Get(ctx, id, false)
	if err != nil {
		return err
	}
	if string(doc.Body) != `{"n":1}` {
		return fmt.Errorf("expected body unchanged at {\"n\":1}, got %s", doc.Body)
	}
	return nil
}

// demoS5 — get-multi with no concurrent transaction returns each
// document's plain content.
func demoS5(ctx context.Context, store kvstore.Store, _ *queryengine.Engine) error {
	k1 := docid.New("demo", "", "", "s5-k1")
	k2 := docid.New("demo", "", "", "s5-k2")
	if _, _, err := store.Upsert(ctx, k1, []byte(`{"v":1}`), nil); err != nil {
		return err
	}
	if _, _, err := store.Upsert(ctx, k2, []byte(`{"v":2}`), nil); err != nil {
		return err
	}
	o := multiget.New(multiget.Config{KV: store}, multiget.PrioritiseLatency)
	results, err := o.GetMulti(ctx, []docid.ID{k1, k2}, time.Now().Add(time.Second))
	if err != nil {
		return err
	}
	if len(results) != 2 || string(results[0].Body) != `{"v":1}` || string(results[1].Body) != `{"v":2}` {
		return fmt.Errorf("unexpected results: %+v", results)
	}
	return nil
}

// demoS6 — get-multi overlays a committed-but-not-yet-unstaged
// transaction's staged content instead of the pre-T1 body.
func demoS6(ctx context.Context, store kvstore.Store, _ *queryengine.Engine) error {
	k1 := docid.New("demo", "", "", "s6-k1")
	k2 := docid.New("demo", "", "", "s6-k2")
	if _, _, err := store.Upsert(ctx, k1, []byte(`{"v":1}`), nil); err != nil {
		return err
	}
	if _, _, err := store.Upsert(ctx, k2, []byte(`{"v":2}`), nil); err != nil {
		return err
	}

	a := attempt.New(attempt.Config{KV: store, NumATRs: 1024, ExpiresAfter: time.Minute}, "demo-t1", "demo-t1-attempt")
	r1, err := a.Get(ctx, k1)
	if err != nil {
		return err
	}
	if _, err := a.Replace(ctx, k1, r1.CAS, []byte(`{"v":10}`)); err != nil {
		return err
	}
	r2, err := a.Get(ctx, k2)
	if err != nil {
		return err
	}
	if _, err := a.Replace(ctx, k2, r2.CAS, []byte(`{"v":20}`)); err != nil {
		return err
	}

	// Drive the ATR entry straight to COMMITTED without unstaging, the
	// state a crash between commit_atr and the unstaging loop leaves
	// behind.
	ks := k1.Keyspace()
	atrID := atr.IDFor(k1.Key, 1024)
	atrDocID := docid.New(ks.Bucket, ks.Scope, ks.Collection, atrID)
	atrDoc, err := store.Get(ctx, atrDocID, true)
	if err != nil {
		return err
	}
	adoc, err := atr.Decode(atrDoc.Body)
	if err != nil {
		return err
	}
	entry, ok := adoc.Entry(a.AttemptID())
	if !ok {
		return fmt.Errorf("no ATR entry for %s", a.AttemptID())
	}
	if err := entry.Transition(atr.Committed, time.Now().UnixMilli()); err != nil {
		return err
	}
	adoc.PutEntry(entry)
	body, err := adoc.Encode()
	if err != nil {
		return err
	}
	if _, _, err := store.Replace(ctx, atrDocID, atrDoc.CAS, body, nil); err != nil {
		return err
	}

	o := multiget.New(multiget.Config{KV: store, SettleDelay: time.Millisecond}, multiget.PrioritiseReadSkewDetection)
	results, err := o.GetMulti(ctx, []docid.ID{k1, k2}, time.Now().Add(time.Second))
	if err != nil {
		return err
	}
	if len(results) != 2 || string(results[0].Body) != `{"v":10}` || string(results[1].Body) != `{"v":20}` {
		return fmt.Errorf("unexpected results: %+v", results)
	}
	return nil
}

// demoS7 — an abandoned PENDING entry is cleaned up by a second
// client's cleaner within its next sweep.
func demoS7(ctx context.Context, store kvstore.Store, _ *queryengine.Engine) error {
	id := docid.New("demo", "", "", "s7-doc")
	cas, _, err := store.Upsert(ctx, id, []byte(`{"n":1}`), nil)
	if err != nil {
		return err
	}

	a := attempt.New(attempt.Config{KV: store, NumATRs: 16, ExpiresAfter: 100 * time.Millisecond}, "demo-t7", "demo-t7-attempt")
	if _, err := a.Replace(ctx, id, cas, []byte(`{"n":2}`)); err != nil {
		return err
	}
	// Left PENDING deliberately: the crashed client never calls Commit
	// or Rollback.

	time.Sleep(150 * time.Millisecond)

	ks := id.Keyspace()
	c := cleaner.New(cleaner.Config{
		KV: store,
		Cleanup: config.CleanupConfig{
			CleanupLostAttempts: true,
			CleanupWindow:       50 * time.Millisecond,
		},
		NumATRs: 16,
	})
	if err := c.RunOnce(ctx, ks); err != nil {
		return err
	}

	doc, err := store.Get(ctx, id, true)
	if err != nil {
		return err
	}
	if string(doc.Body) != `{"n":1}` {
		return fmt.Errorf("expected rollback to {\"n\":1}, got %s", doc.Body)
	}
	if _, ok := doc.XAttrs["txn"]; ok {
		return fmt.Errorf("expected txn xattr cleared")
	}
	return nil
}
