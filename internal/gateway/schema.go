package gateway

import (
	"context"
	"fmt"
	"strings"
)

type column struct {
	name       string
	typeName   string
	notNull    bool
	primaryKey int64
}

// Schema renders CREATE TABLE text plus sample rows for the requested tables,
// in the order given. An empty list means every usable table.
func (g *Gateway) Schema(ctx context.Context, tables []string) (string, error) {
	available, err := g.ListTables(ctx)
	if err != nil {
		return "", err
	}
	if len(tables) == 0 {
		tables = available
	} else {
		known := make(map[string]struct{}, len(available))
		for _, name := range available {
			known[name] = struct{}{}
		}
		for _, name := range tables {
			if _, ok := known[name]; !ok {
				return "", fmt.Errorf("%w: %s", ErrUnknownTable, name)
			}
		}
	}

	blocks := make([]string, 0, len(tables))
	for _, table := range tables {
		block, err := g.describeTable(ctx, table)
		if err != nil {
			return "", err
		}
		blocks = append(blocks, block)
	}
	return strings.Join(blocks, "\n\n"), nil
}

func (g *Gateway) describeTable(ctx context.Context, table string) (string, error) {
	columns, err := g.columns(ctx, table)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", quoteIdent(table))
	lines := make([]string, 0, len(columns)+1)
	primary := make([]string, 0)
	for _, col := range columns {
		line := "\t" + quoteIdent(col.name)
		if col.typeName != "" {
			line += " " + strings.ToUpper(col.typeName)
		}
		if col.notNull {
			line += " NOT NULL"
		}
		lines = append(lines, line)
		if col.primaryKey > 0 {
			primary = append(primary, quoteIdent(col.name))
		}
	}
	if len(primary) > 0 {
		lines = append(lines, "\tPRIMARY KEY ("+strings.Join(primary, ", ")+")")
	}
	b.WriteString(strings.Join(lines, ",\n"))
	b.WriteString("\n)")

	if g.opts.SampleRows > 0 {
		sample, err := g.sampleRows(ctx, table)
		if err != nil {
			return "", err
		}
		b.WriteString("\n\n")
		b.WriteString(sample)
	}
	return b.String(), nil
}

func (g *Gateway) columns(ctx context.Context, table string) ([]column, error) {
	rows, err := g.db.QueryContext(ctx, g.dialect.columns, table)
	if err != nil {
		return nil, fmt.Errorf("describe table %q: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	columns := make([]column, 0)
	for rows.Next() {
		var col column
		if err := rows.Scan(&col.name, &col.typeName, &col.notNull, &col.primaryKey); err != nil {
			return nil, fmt.Errorf("scan column of %q: %w", table, err)
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns of %q: %w", table, err)
	}
	return columns, nil
}

func (g *Gateway) sampleRows(ctx context.Context, table string) (string, error) {
	sqlText := fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoteIdent(table), g.opts.SampleRows)
	result, err := g.query(ctx, sqlText, g.opts.SampleRows)
	if err != nil {
		return "", fmt.Errorf("sample rows of %q: %w", table, err)
	}
	return fmt.Sprintf("/*\n%d rows from %s table:\n%s\n*/", g.opts.SampleRows, table, renderTable(result)), nil
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
