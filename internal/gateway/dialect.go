package gateway

const (
	DialectSQLite   = "sqlite"
	DialectDuckDB   = "duckdb"
	DialectPostgres = "postgres"
)

type dialect struct {
	name       string
	driver     string
	listTables string
	// columns takes the table name as its only argument and yields
	// name, type, not-null flag and primary-key position.
	columns string
}

var dialects = map[string]dialect{
	DialectSQLite: {
		name:   DialectSQLite,
		driver: "sqlite",
		listTables: `SELECT name FROM sqlite_master
WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'
ORDER BY name`,
		columns: `SELECT name, type, "notnull", pk FROM pragma_table_info(?) ORDER BY cid`,
	},
	DialectDuckDB: {
		name:   DialectDuckDB,
		driver: "duckdb",
		listTables: `SELECT table_name FROM information_schema.tables
WHERE table_schema = current_schema()
ORDER BY table_name`,
		columns: informationSchemaColumns,
	},
	DialectPostgres: {
		name:   DialectPostgres,
		driver: "pgx",
		listTables: `SELECT table_name FROM information_schema.tables
WHERE table_schema = current_schema()
ORDER BY table_name`,
		columns: informationSchemaColumns,
	},
}

const informationSchemaColumns = `SELECT c.column_name, c.data_type, c.is_nullable = 'NO',
	CASE WHEN EXISTS (
		SELECT 1 FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage k
			ON tc.constraint_name = k.constraint_name AND tc.table_schema = k.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY'
			AND tc.table_schema = c.table_schema
			AND tc.table_name = c.table_name
			AND k.column_name = c.column_name
	) THEN 1 ELSE 0 END
FROM information_schema.columns c
WHERE c.table_schema = current_schema() AND c.table_name = $1
ORDER BY c.ordinal_position`
