package atr

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/veloxdb/txncore/pkg/docid"
)

// NumATRs is the default size of the ATR key space a transaction
// hashes its first document key into (spec.md §4.4: "one of 1024
// possible ATR keys").
const NumATRs = 1024

// IDFor derives which of NumATRs ATR keys a transaction's first write
// must use, by hashing the first document's key. Once chosen, every
// write of the attempt uses the same ATR (spec.md §4.4).
func IDFor(firstKey string, numATRs int) string {
	if numATRs <= 0 {
		numATRs = NumATRs
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(firstKey))
	return fmt.Sprintf("_txn:atr-%04d", h.Sum32()%uint32(numATRs))
}

// IDAt names the ATR id at index i of the 0..numATRs-1 space IDFor
// hashes into, used by the lost-attempts cleaner's work-sharding scan,
// which must enumerate every candidate ATR rather than derive one from
// a document key.
func IDAt(i int) string { return fmt.Sprintf("_txn:atr-%04d", i) }

// Document is the decoded root object of an ATR document: a map of
// attempt id to entry (spec.md §6).
type Document struct {
	mu       sync.RWMutex
	Attempts map[string]*Entry `json:"attempts"`
}

// NewDocument returns an empty ATR document.
func NewDocument() *Document {
	return &Document{Attempts: map[string]*Entry{}}
}

// Decode parses the wire JSON form of an ATR document.
func Decode(data []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("atr: decoding document: %w", err)
	}
	if d.Attempts == nil {
		d.Attempts = map[string]*Entry{}
	}
	for id, e := range d.Attempts {
		e.AttemptID = id
	}
	return &d, nil
}

// Encode serializes the document back to its wire JSON form. Round-
// tripping Decode(Encode(d)) yields an equal document (spec.md §8).
func (d *Document) Encode() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return json.Marshal(struct {
		Attempts map[string]*Entry `json:"attempts"`
	}{Attempts: d.Attempts})
}

// Entry looks up an attempt's entry.
func (d *Document) Entry(attemptID string) (*Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.Attempts[attemptID]
	return e, ok
}

// PutEntry inserts or replaces an attempt's entry.
func (d *Document) PutEntry(e *Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Attempts == nil {
		d.Attempts = map[string]*Entry{}
	}
	d.Attempts[e.AttemptID] = e
}

// RemoveEntry deletes an attempt's entry once it reaches a terminal
// state and all its staged documents are unstaged or rolled back
// (spec.md §3 Lifecycle).
func (d *Document) RemoveEntry(attemptID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.Attempts, attemptID)
}

// Len reports how many attempt entries are currently tracked, used by
// txnctl's atr inspect command to report an empty ATR.
func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.Attempts)
}

// EntryRef names an ATR document together with the bucket/scope/
// collection it lives in, matching the link xattr's
// atr.{bkt,scp,col,id} pointer (spec.md §6).
type EntryRef struct {
	Keyspace docid.Keyspace
	ATRID    string
}

func (r EntryRef) WellKnownKey() string { return r.ATRID }
