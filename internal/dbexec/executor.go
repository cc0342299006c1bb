// Package dbexec provides the query execution abstraction the store adapter
// and introspection run SQL through.
package dbexec

import (
	"context"
	"database/sql"
	"sync/atomic"
)

// Rows abstracts sql.Rows so tests can substitute in-memory results.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Columns() ([]string, error)
	Err() error
	Close() error
}

// QueryExecutor abstracts SQL reads.
type QueryExecutor interface {
	QueryContext(ctx context.Context, query string, args ...any) (Rows, error)
}

// StandardExecutor executes queries directly against a database handle.
type StandardExecutor struct {
	db *sql.DB
}

// NewStandardExecutor creates an executor that runs queries directly against the database.
func NewStandardExecutor(db *sql.DB) *StandardExecutor {
	return &StandardExecutor{db: db}
}

func (e *StandardExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	if e.db == nil {
		return nil, sql.ErrConnDone
	}
	return e.db.QueryContext(ctx, query, args...)
}

// CountingExecutor wraps an executor and counts the statements it issues,
// in total and on the StatementCounter carried by the query context.
type CountingExecutor struct {
	next  QueryExecutor
	count atomic.Int64
}

// NewCountingExecutor wraps next.
func NewCountingExecutor(next QueryExecutor) *CountingExecutor {
	return &CountingExecutor{next: next}
}

func (e *CountingExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	e.count.Add(1)
	if counter := StatementCounterFromContext(ctx); counter != nil {
		counter.n.Add(1)
	}
	return e.next.QueryContext(ctx, query, args...)
}

// Statements returns the number of statements issued so far.
func (e *CountingExecutor) Statements() int64 {
	return e.count.Load()
}

// StatementCounter counts the statements issued on behalf of one request.
type StatementCounter struct {
	n atomic.Int64
}

// Count returns the statements counted so far.
func (c *StatementCounter) Count() int64 {
	if c == nil {
		return 0
	}
	return c.n.Load()
}

type statementCounterKey struct{}

// WithStatementCounter attaches a fresh counter to ctx.
func WithStatementCounter(ctx context.Context) (context.Context, *StatementCounter) {
	counter := &StatementCounter{}
	return context.WithValue(ctx, statementCounterKey{}, counter), counter
}

// StatementCounterFromContext returns the request's counter, or nil.
func StatementCounterFromContext(ctx context.Context) *StatementCounter {
	if ctx == nil {
		return nil
	}
	counter, _ := ctx.Value(statementCounterKey{}).(*StatementCounter)
	return counter
}
