package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Result struct {
	Columns   []string
	Rows      [][]any
	Truncated bool
	Duration  time.Duration
}

// Outcome is the never-failing form of Execute: either a result or an error description.
type Outcome struct {
	Result   *Result
	Error    string
	Rejected bool
}

// Text renders the outcome for prompts and tool-result messages.
func (o Outcome) Text() string {
	if o.Error != "" {
		return "Error: " + o.Error
	}
	if o.Result == nil {
		return "Error: no result"
	}
	return renderTable(*o.Result)
}

// Execute runs a single read-only SELECT statement.
func (g *Gateway) Execute(ctx context.Context, query string) (Result, error) {
	normalized, reason := checkReadOnly(query)
	if reason != "" {
		return Result{}, &RejectedError{Query: query, Reason: reason}
	}

	var (
		result Result
		err    error
	)
	if g.dialect.name == DialectPostgres {
		result, err = g.queryReadOnlyTx(ctx, normalized)
	} else {
		result, err = g.query(ctx, normalized, g.opts.RowLimit)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, &ExecutionError{Query: normalized, Err: err}
	}
	return result, nil
}

// Run executes query and folds rejections and engine failures into the Outcome.
// Only context cancellation is left for the caller to notice via ctx.
func (g *Gateway) Run(ctx context.Context, query string) Outcome {
	result, err := g.Execute(ctx, query)
	if err == nil {
		return Outcome{Result: &result}
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return Outcome{Error: rejected.Error(), Rejected: true}
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return Outcome{Error: execErr.Err.Error()}
	}
	return Outcome{Error: err.Error()}
}

func (g *Gateway) queryReadOnlyTx(ctx context.Context, sqlText string) (Result, error) {
	tx, err := g.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Result{}, fmt.Errorf("begin read-only transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := scanQuery(ctx, tx, sqlText, g.opts.RowLimit)
	if err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("commit read-only transaction: %w", err)
	}
	return result, nil
}

func (g *Gateway) query(ctx context.Context, sqlText string, rowLimit int) (Result, error) {
	return scanQuery(ctx, g.db, sqlText, rowLimit)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanQuery(ctx context.Context, q queryer, sqlText string, rowLimit int) (Result, error) {
	start := time.Now()
	rows, err := q.QueryContext(ctx, sqlText)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return Result{}, fmt.Errorf("query columns: %w", err)
	}

	result := Result{Columns: columns, Rows: make([][]any, 0)}
	for rows.Next() {
		if rowLimit > 0 && len(result.Rows) == rowLimit {
			result.Truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return Result{}, fmt.Errorf("scan row: %w", err)
		}
		result.Rows = append(result.Rows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}
	result.Duration = time.Since(start)
	return result, nil
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		case time.Time:
			normalized[i] = typed.UTC().Format(time.RFC3339)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func renderTable(result Result) string {
	var b strings.Builder
	b.WriteString(strings.Join(result.Columns, "\t"))
	if len(result.Rows) == 0 {
		b.WriteString("\n(no rows)")
		return b.String()
	}
	for _, row := range result.Rows {
		cells := make([]string, len(row))
		for i, value := range row {
			cells[i] = formatValue(value)
		}
		b.WriteString("\n")
		b.WriteString(strings.Join(cells, "\t"))
	}
	if result.Truncated {
		fmt.Fprintf(&b, "\n(truncated to %d rows)", len(result.Rows))
	}
	return b.String()
}

func formatValue(value any) string {
	if value == nil {
		return "NULL"
	}
	return fmt.Sprint(value)
}
