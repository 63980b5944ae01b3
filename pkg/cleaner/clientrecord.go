package cleaner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/veloxdb/txncore/pkg/docid"
	"github.com/veloxdb/txncore/pkg/kvstore"
	"github.com/veloxdb/txncore/pkg/txnmetrics"
)

// clientRecordKey is the well-known key a client record is stored at in
// every registered keyspace (spec.md §4.8).
const clientRecordKey = "_txn:client-record"

// ClientEntry is one client's liveness record.
type ClientEntry struct {
	HeartbeatMs int64 `json:"heartbeat_ms"`
	ExpiresMs   int64 `json:"expires_ms"`
	NumATRs     int   `json:"num_atrs"`
}

// Override freezes cleanup cluster-wide when enabled and not yet
// expired, used by tooling (spec.md §4.8).
type Override struct {
	Enabled bool  `json:"enabled"`
	Expires int64 `json:"expires"`
}

// ClientRecord is the document shape shared by every client cleaning a
// keyspace: who is alive, and whether cleanup is currently frozen.
type ClientRecord struct {
	Clients  map[string]ClientEntry `json:"clients"`
	Override Override               `json:"override"`
}

func recordID(ks docid.Keyspace) docid.ID {
	return docid.New(ks.Bucket, ks.Scope, ks.Collection, clientRecordKey)
}

func decodeClientRecord(body []byte) (*ClientRecord, error) {
	rec := &ClientRecord{Clients: map[string]ClientEntry{}}
	if len(body) == 0 {
		return rec, nil
	}
	if err := json.Unmarshal(body, rec); err != nil {
		return nil, fmt.Errorf("cleaner: decoding client record: %w", err)
	}
	if rec.Clients == nil {
		rec.Clients = map[string]ClientEntry{}
	}
	return rec, nil
}

// removeExpiredPeers drops up to max entries whose heartbeat is overdue
// by their own declared expiry, skipping the caller's own entry.
func removeExpiredPeers(rec *ClientRecord, selfID string, nowMs int64, max int) {
	removed := 0
	for id, ce := range rec.Clients {
		if removed >= max {
			return
		}
		if id == selfID {
			continue
		}
		if nowMs-ce.HeartbeatMs >= ce.ExpiresMs {
			delete(rec.Clients, id)
			removed++
		}
	}
}

// sortedActiveIDs returns the client record's participant ids in sort
// order, the ordering the work-sharding scan partitions against.
func sortedActiveIDs(rec *ClientRecord) []string {
	ids := make([]string, 0, len(rec.Clients))
	for id := range rec.Clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return 0
}

// heartbeat upserts this client's own entry in ks's client record and
// sweeps up to 12 expired peer entries, retrying on a CAS race. It
// reports skip=true without writing anything when an active override is
// freezing cleanup.
func (c *Cleaner) heartbeat(ctx context.Context, ks docid.Keyspace) (rec *ClientRecord, skip bool, err error) {
	id := recordID(ks)
	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		doc, getErr := c.cfg.KV.Get(ctx, id, false)
		var cas docid.CAS
		switch {
		case getErr == kvstore.ErrDocumentNotFound:
			rec = &ClientRecord{Clients: map[string]ClientEntry{}}
		case getErr != nil:
			return nil, false, getErr
		default:
			rec, err = decodeClientRecord(doc.Body)
			if err != nil {
				return nil, false, err
			}
			cas = doc.CAS
		}

		now := time.Now().UnixMilli()
		if rec.Override.Enabled && rec.Override.Expires > now {
			return rec, true, nil
		}

		if out := c.cfg.hooksOrNoOp().ClientRecordBeforeUpdate(ctx, c.clientID); !out.NoEffect() {
			return nil, false, fmt.Errorf("cleaner: client record update blocked by hook for %s", c.clientID)
		}

		expiresMs := (c.cfg.Cleanup.CleanupWindow/2 + 2*time.Second).Milliseconds()
		rec.Clients[c.clientID] = ClientEntry{HeartbeatMs: now, ExpiresMs: expiresMs, NumATRs: c.numATRs()}
		removeExpiredPeers(rec, c.clientID, now, 12)

		body, merr := json.Marshal(rec)
		if merr != nil {
			return nil, false, merr
		}

		var saveErr error
		if cas.Empty() {
			_, _, saveErr = c.cfg.KV.Insert(ctx, id, body, nil, false)
			if saveErr == kvstore.ErrDocumentExists {
				continue
			}
		} else {
			_, _, saveErr = c.cfg.KV.Replace(ctx, id, cas, body, nil)
			if saveErr == kvstore.ErrCASMismatch {
				continue
			}
		}
		if saveErr != nil {
			return nil, false, saveErr
		}
		txnmetrics.ClientRecordHeartbeatsTotal.Inc()
		return rec, false, nil
	}
	return nil, false, fmt.Errorf("cleaner: heartbeat for %s exhausted retries", ks)
}

// removeSelf removes this client's own entry from ks's client record,
// tolerating the record or the entry already being gone.
func (c *Cleaner) removeSelf(ctx context.Context, ks docid.Keyspace) error {
	id := recordID(ks)
	if out := c.cfg.hooksOrNoOp().ClientRecordBeforeRemove(ctx, c.clientID); !out.NoEffect() {
		return fmt.Errorf("cleaner: client record removal blocked by hook for %s", c.clientID)
	}
	for attempt := 0; attempt < 5; attempt++ {
		doc, err := c.cfg.KV.Get(ctx, id, false)
		if err == kvstore.ErrDocumentNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		rec, err := decodeClientRecord(doc.Body)
		if err != nil {
			return err
		}
		if _, ok := rec.Clients[c.clientID]; !ok {
			return nil
		}
		delete(rec.Clients, c.clientID)
		body, merr := json.Marshal(rec)
		if merr != nil {
			return merr
		}
		_, _, err = c.cfg.KV.Replace(ctx, id, doc.CAS, body, nil)
		if err == kvstore.ErrCASMismatch {
			continue
		}
		return err
	}
	return fmt.Errorf("cleaner: removing %s from %s exhausted retries", c.clientID, ks)
}
