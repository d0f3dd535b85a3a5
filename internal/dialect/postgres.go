package dialect

import (
	"fmt"
	"strings"
)

type PostgresDialect struct{}

func (d *PostgresDialect) GetTablesQuery(schema string) string {
	return `SELECT table_name FROM information_schema.tables WHERE table_schema = $1 AND table_type = 'BASE TABLE'`
}

func (d *PostgresDialect) GetColumnsQuery(schema string) string {
	// COLUMN_KEY / EXTRA have no direct equivalent; primary-key membership
	// comes from a subquery and identity columns are flagged from defaults.
	return `SELECT
    c.column_name,
    c.udt_name,
    c.data_type,
    c.is_nullable,
    COALESCE((SELECT 'PRI' FROM information_schema.table_constraints tc
     JOIN information_schema.key_column_usage kcu ON tc.constraint_name = kcu.constraint_name
     WHERE tc.constraint_type = 'PRIMARY KEY'
     AND kcu.table_schema = c.table_schema AND kcu.table_name = c.table_name AND kcu.column_name = c.column_name LIMIT 1), '') AS column_key,
    c.column_default,
    CASE WHEN c.column_default LIKE 'nextval(%' OR c.is_identity = 'YES' THEN 'auto_increment' ELSE '' END AS extra,
    '' AS column_comment
FROM information_schema.columns c
WHERE c.table_schema = $1 AND c.table_name = $2
ORDER BY c.ordinal_position`
}

func (d *PostgresDialect) GetPrimaryKeyQuery(schema string) string {
	return `SELECT kcu.column_name FROM information_schema.key_column_usage kcu JOIN information_schema.table_constraints tc ON kcu.constraint_name = tc.constraint_name WHERE kcu.table_schema = $1 AND kcu.table_name = $2 AND tc.constraint_type = 'PRIMARY KEY' ORDER BY kcu.ordinal_position`
}

func (d *PostgresDialect) GetForeignKeysQuery(schema string) string {
	return `SELECT kcu.table_name, kcu.constraint_name, kcu.column_name, ccu.table_name AS referenced_table_name, ccu.column_name AS referenced_column_name FROM information_schema.key_column_usage kcu JOIN information_schema.constraint_column_usage ccu ON kcu.constraint_name = ccu.constraint_name JOIN information_schema.table_constraints tc ON kcu.constraint_name = tc.constraint_name WHERE kcu.table_schema = $1 AND tc.constraint_type = 'FOREIGN KEY'`
}

func (d *PostgresDialect) GetTableStatusQuery(schema string) string {
	// Engine/collation/auto-increment are MySQL notions; only the planner
	// row estimate maps cleanly.
	return `SELECT NULL::text AS engine, NULL::text AS collation, NULL::bigint AS auto_increment, GREATEST(c.reltuples::bigint, 0) AS table_rows FROM pg_class c JOIN pg_namespace n ON n.oid = c.relnamespace WHERE n.nspname = $1 AND c.relname = $2`
}

func (d *PostgresDialect) SupportsShowCreate() bool {
	return false
}

func (d *PostgresDialect) ShowCreateQuery(table string) string {
	return ""
}

func (d *PostgresDialect) RewriteCreateTable(stmt string) string {
	// Synthesized DDL carries no vendor table options.
	return StripQualification(stmt)
}

func (d *PostgresDialect) TableExistsQuery(schema string) string {
	return `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2`
}

func (d *PostgresDialect) DropQuery(table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", d.QuoteIdentifier(table))
}

func (d *PostgresDialect) TruncateQuery(table string) string {
	return fmt.Sprintf("TRUNCATE TABLE %s CASCADE", d.QuoteIdentifier(table))
}

func (d *PostgresDialect) QuoteIdentifier(name string) string {
	return `"` + name + `"`
}

func (d *PostgresDialect) InsertQuery(table string, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdentifier(c)
	}
	vals := GeneratePlaceholders(len(cols), d.Placeholder)
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", d.QuoteIdentifier(table), strings.Join(quoted, ", "), vals)
}

func (d *PostgresDialect) UpsertQuery(table string, cols, keyCols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdentifier(c)
	}
	vals := GeneratePlaceholders(len(cols), d.Placeholder)

	keyQuoted := make([]string, len(keyCols))
	keys := make(map[string]bool, len(keyCols))
	for i, k := range keyCols {
		keyQuoted[i] = d.QuoteIdentifier(k)
		keys[k] = true
	}
	var updates []string
	for _, c := range cols {
		if keys[c] {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", d.QuoteIdentifier(c), d.QuoteIdentifier(c)))
	}
	if len(updates) == 0 {
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
			d.QuoteIdentifier(table), strings.Join(quoted, ", "), vals, strings.Join(keyQuoted, ", "))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		d.QuoteIdentifier(table), strings.Join(quoted, ", "), vals, strings.Join(keyQuoted, ", "), strings.Join(updates, ", "))
}

func (d *PostgresDialect) Placeholder(index int) string {
	return fmt.Sprintf("$%d", index+1)
}

func (d *PostgresDialect) PaginateQuery(query string, offset, limit int64) string {
	return fmt.Sprintf("%s LIMIT %d OFFSET %d", query, limit, offset)
}

func (d *PostgresDialect) NormalizeType(sqlType string) string {
	t := strings.ToLower(sqlType)
	switch t {
	case "int4", "int2":
		return "int"
	case "int8":
		return "bigint"
	case "float4":
		return "float"
	case "float8":
		return "double"
	case "bpchar":
		return "char"
	case "timestamptz", "timestamp without time zone", "timestamp with time zone":
		return "timestamp"
	default:
		return t
	}
}

func (d *PostgresDialect) GetSchemaName(input string) string {
	if input == "" {
		return "public"
	}
	return input
}
