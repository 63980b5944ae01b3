// Package queryengine gives the spec's N1QL transport collaborator
// (deliberately out of scope as a wire protocol) one concrete
// implementation backed by modernc.org/sqlite, so attempt.Query and the
// mode arbiter's KV-via-query translation are exercisable end to end.
// One table per collection; rows carry a CAS and a transaction-metadata
// blob alongside the document body, mirroring the KV collaborator's
// envelope so both code paths can resolve the same document shape.
package queryengine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/veloxdb/txncore/pkg/docid"
)

// FirstErrorCode mirrors the "first-error code" a real N1QL response
// carries, mapped into the §4.4 query-error-to-txn-op-error table by
// callers (pkg/attempt).
type FirstErrorCode int

const (
	ErrNone FirstErrorCode = iota
	ErrParsing
	ErrDocumentNotFound
	ErrDocumentExists
	ErrCASMismatch
	ErrAttemptExpired
	ErrOther
)

// Row is one returned row, decoded from the table's columns.
type Row struct {
	ID      string
	CAS     docid.CAS
	Body    []byte
	TxnMeta []byte
}

// Options carries the transaction-tagged options a query submission
// needs: the query_context scoping string and the statement's
// parameters. Args binds positionally and takes precedence when set;
// Params remains for named-parameter callers that don't care about
// bind order (its iteration order is otherwise undefined).
type Options struct {
	QueryContext string
	Params       map[string]any
	Args         []any
}

// Result is what Submit returns: rows plus a first-error code.
type Result struct {
	Rows      []Row
	FirstErr  FirstErrorCode
	RowsCount int
}

// Engine is an in-memory sqlite-backed stand-in for a N1QL query node.
type Engine struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens an in-memory sqlite database.
func New() (*Engine, error) {
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		return nil, fmt.Errorf("queryengine: opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Engine{db: db}, nil
}

func (e *Engine) Close() error { return e.db.Close() }

// TableName names the table backing a keyspace, exported so a caller
// translating a KV-style operation into SQL (pkg/attempt's QUERY-mode
// path, spec.md §3 invariant 6) can address the same table this engine
// uses internally.
func TableName(ks docid.Keyspace) string {
	return fmt.Sprintf("kv_%s_%s_%s", sanitize(ks.Bucket), sanitize(ks.Scope), sanitize(ks.Collection))
}

func sanitize(s string) string { return strings.ReplaceAll(s, "-", "_") }

// EnsureTable creates the backing table for a keyspace if it does not
// already exist, used by the KV collaborator's shared wiring (both
// kvstore and queryengine address the same logical collections).
func (e *Engine) EnsureTable(ctx context.Context, ks docid.Keyspace) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, cas INTEGER, body BLOB, txn_meta BLOB)`,
		TableName(ks)))
	return err
}

// Upsert writes one row directly, used when the KV collaborator needs
// to keep the query-side projection in sync outside of a submitted
// statement.
func (e *Engine) Upsert(ctx context.Context, id docid.ID, cas docid.CAS, body, txnMeta []byte) error {
	if err := e.EnsureTable(ctx, id.Keyspace()); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, cas, body, txn_meta) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET cas=excluded.cas, body=excluded.body, txn_meta=excluded.txn_meta`,
			TableName(id.Keyspace())),
		id.Key, uint64(cas), body, txnMeta)
	return err
}

// Submit executes a raw SQL statement standing in for a N1QL statement.
// Real N1QL semantics (scan consistency, transaction staging via the
// query engine) are out of this engine's scope; it exists to exercise
// attempt.Context's QUERY-mode code path end to end.
func (e *Engine) Submit(ctx context.Context, statement string, opts Options) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	args := opts.Args
	if args == nil {
		args = make([]any, 0, len(opts.Params))
		for _, v := range opts.Params {
			args = append(args, v)
		}
	}

	rows, err := e.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return &Result{FirstErr: classifyParseError(err)}, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var cas uint64
		if err := rows.Scan(&r.ID, &cas, &r.Body, &r.TxnMeta); err != nil {
			return &Result{FirstErr: ErrOther}, err
		}
		r.CAS = docid.CAS(cas)
		out = append(out, r)
	}
	return &Result{Rows: out, RowsCount: len(out)}, rows.Err()
}

// Exec runs a statement that does not return rows: the INSERT/UPDATE/
// DELETE a KV-style staging write translates into once an attempt is in
// QUERY mode (spec.md §3 invariant 6). Args binds positionally, same as
// Submit's Options.Args.
func (e *Engine) Exec(ctx context.Context, statement string, args []any) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, err := e.db.ExecContext(ctx, statement, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func classifyParseError(err error) FirstErrorCode {
	if err == nil {
		return ErrNone
	}
	if strings.Contains(err.Error(), "syntax error") {
		return ErrParsing
	}
	return ErrOther
}
