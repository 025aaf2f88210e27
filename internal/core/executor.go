package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// QueryResult is the executor output. Rows keep the statement's column order.
type QueryResult struct {
	Columns   []string
	Rows      []Row
	RowCount  int
	Truncated bool
	Elapsed   time.Duration
}

// Row is one result record. Values are nil, int64, float64, string, or bool.
type Row []any

// Get returns the value of the named column, case-insensitively.
func (r Row) Get(columns []string, name string) (any, bool) {
	for i, c := range columns {
		if strings.EqualFold(c, name) && i < len(r) {
			return r[i], true
		}
	}
	return nil, false
}

// QueryExecutor runs guarded statements on a read-only connection to the
// project data store.
type QueryExecutor struct {
	db      *sql.DB
	timeout time.Duration
	maxRows int
	logger  *zap.Logger
}

// OpenDataStore opens path with the pure-Go SQLite driver. Every pooled
// connection is query_only, so writes fail at the engine.
func OpenDataStore(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s?_pragma=query_only(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open project data store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to project data store: %w", err)
	}
	return db, nil
}

func NewQueryExecutor(db *sql.DB, timeout time.Duration, maxRows int, logger *zap.Logger) *QueryExecutor {
	return &QueryExecutor{db: db, timeout: timeout, maxRows: maxRows, logger: logger}
}

// Execute runs a statement the guard already accepted. At most maxRows rows are
// returned; Truncated reports that more were available. On failure the
// returned result is non-nil and carries only Elapsed.
func (e *QueryExecutor) Execute(ctx context.Context, statement string) (*QueryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	res, err := e.run(ctx, statement)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.logger.Warn("Query timed out", zap.Duration("timeout", e.timeout), zap.Duration("elapsed", elapsed))
			return &QueryResult{Elapsed: elapsed}, fmt.Errorf("%w after %s", ErrQueryTimeout, e.timeout)
		}
		e.logger.Warn("Query failed", zap.Error(err), zap.String("sql", statement))
		return &QueryResult{Elapsed: elapsed}, &QueryError{Public: sanitizeDriverError(err), Err: err}
	}
	res.Elapsed = elapsed
	return res, nil
}

func (e *QueryExecutor) run(ctx context.Context, statement string) (*QueryResult, error) {
	rows, err := e.db.QueryContext(ctx, statement)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	res := &QueryResult{Columns: columns}
	for rows.Next() {
		if len(res.Rows) == e.maxRows {
			res.Truncated = true
			break
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, Row(values))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res.RowCount = len(res.Rows)
	return res, nil
}

// sanitizeDriverError maps driver messages onto a fixed vocabulary so table
// and column names outside the catalog never reach the user.
func sanitizeDriverError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such column"):
		return "the query refers to a column that does not exist"
	case strings.Contains(msg, "no such table"):
		return "the query refers to a table that does not exist"
	case strings.Contains(msg, "no such function"):
		return "the query uses an unsupported function"
	case strings.Contains(msg, "syntax error"):
		return "the query has a syntax error"
	case strings.Contains(msg, "ambiguous column"):
		return "the query has an ambiguous column reference"
	case strings.Contains(msg, "readonly") || strings.Contains(msg, "read-only"):
		return "the query tried to modify data"
	case strings.Contains(msg, "locked") || strings.Contains(msg, "busy"):
		return "the data store is busy"
	default:
		return "the data store could not run the query"
	}
}
