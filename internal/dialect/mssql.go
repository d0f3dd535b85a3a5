package dialect

import (
	"fmt"
	"strings"
)

type MSSQLDialect struct{}

// The go-mssqldb driver prefers @p1, @p2 named parameters over ?.

func (d *MSSQLDialect) GetTablesQuery(schema string) string {
	return `SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = @p1 AND TABLE_TYPE = 'BASE TABLE'`
}

func (d *MSSQLDialect) GetColumnsQuery(schema string) string {
	return `
		SELECT
			c.COLUMN_NAME,
			c.DATA_TYPE,
			c.DATA_TYPE,
			c.IS_NULLABLE,
			CASE WHEN pk.COLUMN_NAME IS NOT NULL THEN 'PRI' ELSE '' END AS COLUMN_KEY,
			c.COLUMN_DEFAULT,
			CASE WHEN COLUMNPROPERTY(OBJECT_ID(c.TABLE_SCHEMA + '.' + c.TABLE_NAME), c.COLUMN_NAME, 'IsIdentity') = 1 THEN 'auto_increment' ELSE '' END AS EXTRA,
			CAST(ep.value AS NVARCHAR(MAX)) AS COLUMN_COMMENT
		FROM INFORMATION_SCHEMA.COLUMNS c
		LEFT JOIN (
			SELECT kcu.TABLE_NAME, kcu.COLUMN_NAME
			FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
			JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
				ON tc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME
			WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY' AND tc.TABLE_SCHEMA = @p1
		) pk ON c.TABLE_NAME = pk.TABLE_NAME AND c.COLUMN_NAME = pk.COLUMN_NAME
		LEFT JOIN sys.extended_properties ep
			ON ep.major_id = OBJECT_ID(c.TABLE_SCHEMA + '.' + c.TABLE_NAME)
			AND ep.minor_id = c.ORDINAL_POSITION
			AND ep.name = 'MS_Description'
		WHERE c.TABLE_SCHEMA = @p1 AND c.TABLE_NAME = @p2
		ORDER BY c.ORDINAL_POSITION
	`
}

func (d *MSSQLDialect) GetPrimaryKeyQuery(schema string) string {
	return `SELECT C.COLUMN_NAME FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS T JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE C ON T.CONSTRAINT_NAME = C.CONSTRAINT_NAME WHERE T.CONSTRAINT_TYPE = 'PRIMARY KEY' AND T.TABLE_SCHEMA = @p1 AND T.TABLE_NAME = @p2 ORDER BY C.ORDINAL_POSITION`
}

func (d *MSSQLDialect) GetForeignKeysQuery(schema string) string {
	return `SELECT KCU1.TABLE_NAME, KCU1.CONSTRAINT_NAME, KCU1.COLUMN_NAME, KCU2.TABLE_NAME AS REF_TABLE, KCU2.COLUMN_NAME AS REF_COLUMN FROM INFORMATION_SCHEMA.REFERENTIAL_CONSTRAINTS RC JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE KCU1 ON RC.CONSTRAINT_NAME = KCU1.CONSTRAINT_NAME JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE KCU2 ON RC.UNIQUE_CONSTRAINT_NAME = KCU2.CONSTRAINT_NAME WHERE KCU1.TABLE_SCHEMA = @p1`
}

func (d *MSSQLDialect) GetTableStatusQuery(schema string) string {
	return `SELECT NULL AS engine, NULL AS collation, IDENT_CURRENT(@p1 + '.' + @p2) AS auto_increment, SUM(p.rows) AS table_rows FROM sys.partitions p JOIN sys.tables t ON p.object_id = t.object_id JOIN sys.schemas s ON t.schema_id = s.schema_id WHERE s.name = @p1 AND t.name = @p2 AND p.index_id IN (0, 1) GROUP BY t.object_id`
}

func (d *MSSQLDialect) SupportsShowCreate() bool {
	return false
}

func (d *MSSQLDialect) ShowCreateQuery(table string) string {
	return ""
}

func (d *MSSQLDialect) RewriteCreateTable(stmt string) string {
	return StripQualification(stmt)
}

func (d *MSSQLDialect) TableExistsQuery(schema string) string {
	return `SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2`
}

func (d *MSSQLDialect) DropQuery(table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", d.QuoteIdentifier(table))
}

func (d *MSSQLDialect) TruncateQuery(table string) string {
	return fmt.Sprintf("TRUNCATE TABLE %s", d.QuoteIdentifier(table))
}

func (d *MSSQLDialect) QuoteIdentifier(name string) string {
	return "[" + name + "]"
}

func (d *MSSQLDialect) InsertQuery(table string, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdentifier(c)
	}
	vals := GeneratePlaceholders(len(cols), d.Placeholder)
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", d.QuoteIdentifier(table), strings.Join(quoted, ", "), vals)
}

func (d *MSSQLDialect) UpsertQuery(table string, cols, keyCols []string) string {
	// MERGE over a VALUES row. Verbose but the only portable upsert T-SQL has.
	vals := GeneratePlaceholders(len(cols), d.Placeholder)

	srcCols := make([]string, len(cols))
	insCols := make([]string, len(cols))
	insVals := make([]string, len(cols))
	for i, c := range cols {
		srcCols[i] = d.QuoteIdentifier(c)
		insCols[i] = d.QuoteIdentifier(c)
		insVals[i] = "src." + d.QuoteIdentifier(c)
	}

	keys := make(map[string]bool, len(keyCols))
	var on []string
	for _, k := range keyCols {
		keys[k] = true
		on = append(on, fmt.Sprintf("tgt.%s = src.%s", d.QuoteIdentifier(k), d.QuoteIdentifier(k)))
	}
	var updates []string
	for _, c := range cols {
		if keys[c] {
			continue
		}
		updates = append(updates, fmt.Sprintf("tgt.%s = src.%s", d.QuoteIdentifier(c), d.QuoteIdentifier(c)))
	}

	matched := ""
	if len(updates) > 0 {
		matched = fmt.Sprintf(" WHEN MATCHED THEN UPDATE SET %s", strings.Join(updates, ", "))
	}
	return fmt.Sprintf(
		"MERGE INTO %s AS tgt USING (VALUES (%s)) AS src (%s) ON %s%s WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);",
		d.QuoteIdentifier(table), vals, strings.Join(srcCols, ", "), strings.Join(on, " AND "),
		matched, strings.Join(insCols, ", "), strings.Join(insVals, ", "))
}

func (d *MSSQLDialect) Placeholder(index int) string {
	return fmt.Sprintf("@p%d", index+1)
}

func (d *MSSQLDialect) PaginateQuery(query string, offset, limit int64) string {
	// Requires an ORDER BY on the statement, which the chunked copy always adds.
	return fmt.Sprintf("%s OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", query, offset, limit)
}

func (d *MSSQLDialect) NormalizeType(sqlType string) string {
	t := strings.ToLower(sqlType)
	switch t {
	case "nvarchar", "nchar", "text", "ntext":
		return "varchar"
	case "bit":
		return "boolean"
	case "decimal", "numeric", "money", "smallmoney":
		return "decimal"
	case "float", "real":
		return "float"
	case "datetime", "datetime2", "smalldatetime":
		return "datetime"
	case "image", "binary", "varbinary":
		return "blob"
	default:
		return t
	}
}

func (d *MSSQLDialect) GetSchemaName(input string) string {
	if input == "" {
		return "dbo"
	}
	return input
}
