package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

func (g *Gateway) registerParquetViews(ctx context.Context, views map[string][]string) error {
	if g.dialect.name != DialectDuckDB {
		return fmt.Errorf("parquet views require duckdb, got %s", g.dialect.name)
	}
	names := make([]string, 0, len(views))
	for name := range views {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		paths := views[name]
		if len(paths) == 0 {
			return fmt.Errorf("view %q has no parquet files", name)
		}
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(name), quoteStringArray(paths))
		if _, err := g.db.ExecContext(ctx, viewSQL); err != nil {
			return fmt.Errorf("create view for table %q: %w", name, err)
		}
	}
	return nil
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}
