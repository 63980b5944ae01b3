package atr

import (
	"encoding/json"
	"time"

	"github.com/veloxdb/txncore/pkg/docid"
)

// DocRef is a document id record as stored in an ATR entry's
// inserted/replaced/removed lists.
type DocRef struct {
	Bucket     string `json:"bucket"`
	Scope      string `json:"scope"`
	Collection string `json:"collection"`
	Key        string `json:"key"`
}

func RefOf(id docid.ID) DocRef {
	return DocRef{Bucket: id.Bucket, Scope: id.Scope, Collection: id.Collection, Key: id.Key}
}

func (r DocRef) ID() docid.ID {
	return docid.New(r.Bucket, r.Scope, r.Collection, r.Key)
}

// Timestamps records the wall-clock HLC reading (as ms-since-epoch) at
// each state transition. Zero means "not yet reached".
type Timestamps struct {
	Start           int64 `json:"tst,omitempty"`
	StartCommit     int64 `json:"tsc,omitempty"`
	Complete        int64 `json:"tsco,omitempty"`
	RollbackStart   int64 `json:"tsrs,omitempty"`
	RollbackComplete int64 `json:"tsrc,omitempty"`
}

// Entry is one attempt's record within an ATR document.
type Entry struct {
	AttemptID       string            `json:"-"`
	State           State             `json:"st"`
	Timestamps      Timestamps        `json:"-"`
	ExpiresAfterMs  int64             `json:"exp"`
	InsertedIDs     []DocRef          `json:"ins,omitempty"`
	ReplacedIDs     []DocRef          `json:"rep,omitempty"`
	RemovedIDs      []DocRef          `json:"rem,omitempty"`
	ForwardCompat   map[string]any    `json:"fc,omitempty"`
	DurabilityLevel string            `json:"d,omitempty"`
	NowNs           int64             `json:"-"`
}

// NewEntry creates a fresh NOT_STARTED entry with the given per-attempt
// expiry budget.
func NewEntry(attemptID string, expiresAfter time.Duration) *Entry {
	clamped := expiresAfter
	if clamped < 0 {
		clamped = 0
	}
	return &Entry{
		AttemptID:      attemptID,
		State:          NotStarted,
		ExpiresAfterMs: clamped.Milliseconds(),
	}
}

// Transition moves the entry to a new state, recording the transition
// timestamp, or returns ErrIllegalTransition if the move is not
// forward-legal.
func (e *Entry) Transition(to State, nowMs int64) error {
	if !CanTransition(e.State, to) {
		return &ErrIllegalTransition{From: e.State, To: to}
	}
	e.State = to
	switch to {
	case Pending:
		e.Timestamps.Start = nowMs
	case Committed:
		e.Timestamps.StartCommit = nowMs
	case Completed:
		e.Timestamps.Complete = nowMs
	case Aborted:
		e.Timestamps.RollbackStart = nowMs
	case RolledBack:
		e.Timestamps.RollbackComplete = nowMs
	}
	return nil
}

// Expired reports whether the entry's budget has elapsed at
// serverNowNs, a nanosecond clock reading supplied by the caller. The
// NowNs field is not consulted, and nothing in this module sets it;
// pkg/cleaner passes the client's own clock.
func (e *Entry) Expired(serverNowNs int64) bool {
	startedAtNs := e.Timestamps.Start * int64(time.Millisecond)
	deadline := startedAtNs + e.ExpiresAfterMs*int64(time.Millisecond)
	return serverNowNs >= deadline
}

// wireEntry is the JSON-serializable form matching spec.md §6's ATR
// document format exactly (tst/tsc/tsco/tsrs/tsrc as top-level fields).
type wireEntry struct {
	State            State          `json:"st"`
	TST              int64          `json:"tst,omitempty"`
	TSC              int64          `json:"tsc,omitempty"`
	TSCO             int64          `json:"tsco,omitempty"`
	TSRS             int64          `json:"tsrs,omitempty"`
	TSRC             int64          `json:"tsrc,omitempty"`
	ExpiresAfterMs   int64          `json:"exp"`
	InsertedIDs      []DocRef       `json:"ins,omitempty"`
	ReplacedIDs      []DocRef       `json:"rep,omitempty"`
	RemovedIDs       []DocRef       `json:"rem,omitempty"`
	ForwardCompat    map[string]any `json:"fc,omitempty"`
	DurabilityLevel  string         `json:"d,omitempty"`
}

func (e *Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEntry{
		State:           e.State,
		TST:             e.Timestamps.Start,
		TSC:             e.Timestamps.StartCommit,
		TSCO:            e.Timestamps.Complete,
		TSRS:            e.Timestamps.RollbackStart,
		TSRC:            e.Timestamps.RollbackComplete,
		ExpiresAfterMs:  e.ExpiresAfterMs,
		InsertedIDs:     e.InsertedIDs,
		ReplacedIDs:     e.ReplacedIDs,
		RemovedIDs:      e.RemovedIDs,
		ForwardCompat:   e.ForwardCompat,
		DurabilityLevel: e.DurabilityLevel,
	})
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.State = w.State
	e.Timestamps = Timestamps{
		Start:            w.TST,
		StartCommit:      w.TSC,
		Complete:         w.TSCO,
		RollbackStart:    w.TSRS,
		RollbackComplete: w.TSRC,
	}
	e.ExpiresAfterMs = w.ExpiresAfterMs
	e.InsertedIDs = w.InsertedIDs
	e.ReplacedIDs = w.ReplacedIDs
	e.RemovedIDs = w.RemovedIDs
	e.ForwardCompat = w.ForwardCompat
	e.DurabilityLevel = w.DurabilityLevel
	return nil
}
