// Package store implements the persistent store gateway: serializable
// transactions for multi-row writes, generic entity fetch-by-id, scoped
// list-with-filter, and upsert, backed by PostgreSQL through lib/pq. The
// gateway hides table layout from callers entirely — every operation works
// against a named entity kind and a map of columns.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/lookatitude/voxtenant/core"
	"github.com/lookatitude/voxtenant/resilience"
)

// breakerThreshold and breakerCooldown are the default circuit-breaker
// settings for infrastructure failures, per spec.md §7.
const (
	breakerThreshold = 5
	breakerCooldown  = 60 * time.Second
)

// Gateway wraps a *sql.DB opened with the lib/pq driver and exposes the
// transactional primitives the billing and session pipelines need without
// leaking SQL to callers.
type Gateway struct {
	db      *sql.DB
	breaker *resilience.CircuitBreaker
}

// Open opens a PostgreSQL connection pool using the lib/pq driver.
func Open(dsn string) (*Gateway, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, core.NewError("store.Open", core.ErrStoreUnavailable, "failed to open database", err)
	}
	return &Gateway{db: db, breaker: resilience.NewCircuitBreaker(breakerThreshold, breakerCooldown)}, nil
}

// NewGateway wraps an already-open *sql.DB. Used in tests against a real
// database and by callers that manage the pool themselves.
func NewGateway(db *sql.DB) *Gateway {
	return &Gateway{db: db, breaker: resilience.NewCircuitBreaker(breakerThreshold, breakerCooldown)}
}

// circuitErr maps a breaker trip to the same store-unavailable shape every
// other infrastructure failure in this package reports; any other error
// (including business-level conflicts, which must not trip the breaker) is
// returned unchanged.
func circuitErr(op string, err error) error {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return core.NewError(op, core.ErrStoreUnavailable, "circuit open: store unavailable", err)
	}
	return err
}

// Close releases the underlying connection pool.
func (g *Gateway) Close() error {
	return g.db.Close()
}

// Row is a generic entity representation: a table name and its column
// values. Callers build and parse Rows for the entity kind they care about
// (usage events, audit records, invoices, conversation turns, ...).
type Row struct {
	Table   string
	Columns map[string]any
}

// Write is a single statement inside a transaction: either an insert of a
// new Row or an update of an existing one.
type Write struct {
	Row
	// Where restricts an update to matching rows. Nil means insert.
	Where map[string]any
}

// IsConflict reports whether err represents a unique-constraint or
// serialization conflict distinguishable from a fatal error, per §4.B's
// retryable-vs-fatal guarantee.
func IsConflict(err error) bool {
	var e *core.Error
	return errors.As(err, &e) && e.Code == core.ErrConflict
}

// Transact runs writes inside a single SERIALIZABLE transaction. All writes
// commit together or none do. A unique-constraint violation or
// serialization failure is reported as core.ErrConflict (retryable); any
// other failure is core.ErrStoreUnavailable and counts against the
// gateway's circuit breaker, which short-circuits further calls as
// store-unavailable once it trips.
func (g *Gateway) Transact(ctx context.Context, writes []Write) error {
	var conflict error
	_, err := g.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		txErr := g.transactOnce(ctx, writes)
		if IsConflict(txErr) {
			// A business-level conflict is not an infrastructure failure;
			// report it to the caller without tripping the breaker.
			conflict = txErr
			return nil, nil
		}
		return nil, txErr
	})
	if err != nil {
		return circuitErr("store.Transact", err)
	}
	return conflict
}

func (g *Gateway) transactOnce(ctx context.Context, writes []Write) error {
	tx, err := g.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return core.NewError("store.Transact", core.ErrStoreUnavailable, "begin failed", err)
	}
	defer tx.Rollback()

	for _, w := range writes {
		query, args := buildWrite(w)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			if isSerializationFailure(err) {
				return core.NewError("store.Transact", core.ErrConflict, "serialization conflict", err)
			}
			return core.NewError("store.Transact", core.ErrStoreUnavailable, "write failed", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return core.NewError("store.Transact", core.ErrConflict, "commit conflict", err)
		}
		return core.NewError("store.Transact", core.ErrStoreUnavailable, "commit failed", err)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	// lib/pq reports class 40 (transaction rollback) as *pq.Error with a Code
	// starting "40"; string matching keeps this independent of importing the
	// pq.Error type for a single check.
	return err != nil && (strings.Contains(err.Error(), "could not serialize") ||
		strings.Contains(err.Error(), "duplicate key value"))
}

func buildWrite(w Write) (string, []any) {
	cols := make([]string, 0, len(w.Columns))
	for c := range w.Columns {
		cols = append(cols, c)
	}

	if w.Where == nil {
		placeholders := make([]string, len(cols))
		args := make([]any, len(cols))
		for i, c := range cols {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args[i] = w.Columns[c]
		}
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			w.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
		return query, args
	}

	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(w.Where))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", c, i+1)
		args = append(args, w.Columns[c])
	}
	whereCols := make([]string, 0, len(w.Where))
	for c := range w.Where {
		whereCols = append(whereCols, c)
	}
	conds := make([]string, len(whereCols))
	for i, c := range whereCols {
		conds[i] = fmt.Sprintf("%s = $%d", c, len(cols)+i+1)
		args = append(args, w.Where[c])
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", w.Table, strings.Join(sets, ", "), strings.Join(conds, " AND "))
	return query, args
}

// getResult carries Get's two-valued result through the circuit breaker's
// single any-typed return.
type getResult struct {
	row   map[string]any
	found bool
}

// Get fetches one row from table by its id column. Returns (nil, false, nil)
// when no row matches.
func (g *Gateway) Get(ctx context.Context, table, idColumn string, id any, columns []string) (map[string]any, bool, error) {
	res, err := g.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		row, found, err := g.getOnce(ctx, table, idColumn, id, columns)
		return getResult{row: row, found: found}, err
	})
	if err != nil {
		return nil, false, circuitErr("store.Get", err)
	}
	gr := res.(getResult)
	return gr.row, gr.found, nil
}

func (g *Gateway) getOnce(ctx context.Context, table, idColumn string, id any, columns []string) (map[string]any, bool, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1", strings.Join(columns, ", "), table, idColumn)
	row := g.db.QueryRowContext(ctx, query, id)

	dest := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range dest {
		ptrs[i] = &dest[i]
	}

	if err := row.Scan(ptrs...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, core.NewError("store.Get", core.ErrStoreUnavailable, "fetch failed", err)
	}

	result := make(map[string]any, len(columns))
	for i, c := range columns {
		result[c] = dest[i]
	}
	return result, true, nil
}

// Filter is a simple equality predicate used by List.
type Filter struct {
	Column string
	Value  any
}

// List returns rows from table matching every filter, scoped to a tenant by
// convention (callers pass a tenant-id Filter alongside any others).
func (g *Gateway) List(ctx context.Context, table string, columns []string, filters []Filter, limit int) ([]map[string]any, error) {
	res, err := g.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		return g.listOnce(ctx, table, columns, filters, limit)
	})
	if err != nil {
		return nil, circuitErr("store.List", err)
	}
	return res.([]map[string]any), nil
}

func (g *Gateway) listOnce(ctx context.Context, table string, columns []string, filters []Filter, limit int) ([]map[string]any, error) {
	conds := make([]string, len(filters))
	args := make([]any, len(filters))
	for i, f := range filters {
		conds[i] = fmt.Sprintf("%s = $%d", f.Column, i+1)
		args[i] = f.Value
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(columns, ", "), table)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.NewError("store.List", core.ErrStoreUnavailable, "list failed", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		dest := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, core.NewError("store.List", core.ErrStoreUnavailable, "scan failed", err)
		}
		result := make(map[string]any, len(columns))
		for i, c := range columns {
			result[c] = dest[i]
		}
		out = append(out, result)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewError("store.List", core.ErrStoreUnavailable, "row iteration failed", err)
	}
	return out, nil
}

// Upsert inserts row, or on a unique-constraint conflict against
// conflictColumns updates the given columns instead.
func (g *Gateway) Upsert(ctx context.Context, table string, row map[string]any, conflictColumns, updateColumns []string) error {
	_, err := g.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		return nil, g.upsertOnce(ctx, table, row, conflictColumns, updateColumns)
	})
	if err != nil {
		return circuitErr("store.Upsert", err)
	}
	return nil
}

func (g *Gateway) upsertOnce(ctx context.Context, table string, row map[string]any, conflictColumns, updateColumns []string) error {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[c]
	}

	sets := make([]string, len(updateColumns))
	for i, c := range updateColumns {
		sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", c, c)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
		strings.Join(conflictColumns, ", "), strings.Join(sets, ", "))

	if _, err := g.db.ExecContext(ctx, query, args...); err != nil {
		return core.NewError("store.Upsert", core.ErrStoreUnavailable, "upsert failed", err)
	}
	return nil
}
