package dialect

import (
	"fmt"
	"strings"
)

type OracleDialect struct{}

func (d *OracleDialect) GetTablesQuery(schema string) string {
	// USER_TABLES lists tables owned by the current user; the dummy clause
	// consumes the schema argument passed by standard callers.
	return `SELECT TABLE_NAME FROM USER_TABLES WHERE :1 IS NOT NULL`
}

func (d *OracleDialect) GetColumnsQuery(schema string) string {
	return `
SELECT
    t.COLUMN_NAME,
    CASE
        WHEN t.DATA_TYPE = 'NUMBER' AND COALESCE(t.DATA_SCALE, 0) > 0 THEN 'DECIMAL'
        WHEN t.DATA_TYPE = 'NUMBER' THEN 'INTEGER'
        ELSE t.DATA_TYPE
    END,
    t.DATA_TYPE || CASE WHEN t.DATA_LENGTH IS NOT NULL THEN '(' || t.DATA_LENGTH || ')' ELSE '' END,
    t.NULLABLE,
    CASE WHEN p.CONSTRAINT_NAME IS NOT NULL THEN 'PRI' ELSE '' END,
    t.DATA_DEFAULT,
    CASE WHEN t.IDENTITY_COLUMN = 'YES' THEN 'auto_increment' ELSE '' END,
    c.COMMENTS
FROM USER_TAB_COLUMNS t
LEFT JOIN (
    SELECT cc.TABLE_NAME, cc.COLUMN_NAME, cc.CONSTRAINT_NAME
    FROM USER_CONS_COLUMNS cc
    JOIN USER_CONSTRAINTS uc ON cc.CONSTRAINT_NAME = uc.CONSTRAINT_NAME
    WHERE uc.CONSTRAINT_TYPE = 'P'
) p ON t.TABLE_NAME = p.TABLE_NAME AND t.COLUMN_NAME = p.COLUMN_NAME
LEFT JOIN USER_COL_COMMENTS c ON t.TABLE_NAME = c.TABLE_NAME AND t.COLUMN_NAME = c.COLUMN_NAME
WHERE :1 IS NOT NULL AND t.TABLE_NAME = :2
ORDER BY t.COLUMN_ID`
}

func (d *OracleDialect) GetPrimaryKeyQuery(schema string) string {
	return `
SELECT cc.COLUMN_NAME
FROM USER_CONS_COLUMNS cc
JOIN USER_CONSTRAINTS uc ON cc.CONSTRAINT_NAME = uc.CONSTRAINT_NAME
WHERE uc.CONSTRAINT_TYPE = 'P' AND :1 IS NOT NULL AND cc.TABLE_NAME = :2
ORDER BY cc.POSITION`
}

func (d *OracleDialect) GetForeignKeysQuery(schema string) string {
	return `
SELECT
    c.TABLE_NAME,
    c.CONSTRAINT_NAME,
    cc.COLUMN_NAME,
    r.TABLE_NAME AS REF_TABLE,
    rcc.COLUMN_NAME AS REF_COLUMN
FROM USER_CONSTRAINTS c
JOIN USER_CONS_COLUMNS cc
    ON c.CONSTRAINT_NAME = cc.CONSTRAINT_NAME
    AND c.OWNER = cc.OWNER
JOIN USER_CONSTRAINTS r
    ON c.R_CONSTRAINT_NAME = r.CONSTRAINT_NAME
    AND c.R_OWNER = r.OWNER
JOIN USER_CONS_COLUMNS rcc
    ON r.CONSTRAINT_NAME = rcc.CONSTRAINT_NAME
    AND r.OWNER = rcc.OWNER
    AND cc.POSITION = rcc.POSITION
WHERE c.CONSTRAINT_TYPE = 'R'
AND :1 IS NOT NULL`
}

func (d *OracleDialect) GetTableStatusQuery(schema string) string {
	return `SELECT NULL AS engine, NULL AS collation, NULL AS auto_increment, COALESCE(NUM_ROWS, 0) AS table_rows FROM USER_TABLES WHERE :1 IS NOT NULL AND TABLE_NAME = :2`
}

func (d *OracleDialect) SupportsShowCreate() bool {
	return false
}

func (d *OracleDialect) ShowCreateQuery(table string) string {
	return ""
}

func (d *OracleDialect) RewriteCreateTable(stmt string) string {
	return StripQualification(stmt)
}

func (d *OracleDialect) TableExistsQuery(schema string) string {
	return `SELECT COUNT(*) FROM USER_TABLES WHERE :1 IS NOT NULL AND TABLE_NAME = :2`
}

func (d *OracleDialect) DropQuery(table string) string {
	return fmt.Sprintf("DROP TABLE %s", d.QuoteIdentifier(table))
}

func (d *OracleDialect) TruncateQuery(table string) string {
	return fmt.Sprintf("TRUNCATE TABLE %s", d.QuoteIdentifier(table))
}

func (d *OracleDialect) QuoteIdentifier(name string) string {
	return `"` + name + `"`
}

func (d *OracleDialect) InsertQuery(table string, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdentifier(c)
	}
	vals := GeneratePlaceholders(len(cols), d.Placeholder)
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", d.QuoteIdentifier(table), strings.Join(quoted, ", "), vals)
}

func (d *OracleDialect) UpsertQuery(table string, cols, keyCols []string) string {
	srcExprs := make([]string, len(cols))
	insCols := make([]string, len(cols))
	insVals := make([]string, len(cols))
	for i, c := range cols {
		srcExprs[i] = fmt.Sprintf("%s AS %s", d.Placeholder(i), d.QuoteIdentifier(c))
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
		"MERGE INTO %s tgt USING (SELECT %s FROM DUAL) src ON (%s)%s WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)",
		d.QuoteIdentifier(table), strings.Join(srcExprs, ", "), strings.Join(on, " AND "),
		matched, strings.Join(insCols, ", "), strings.Join(insVals, ", "))
}

func (d *OracleDialect) Placeholder(index int) string {
	return fmt.Sprintf(":%d", index+1)
}

func (d *OracleDialect) PaginateQuery(query string, offset, limit int64) string {
	return fmt.Sprintf("%s OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", query, offset, limit)
}

func (d *OracleDialect) NormalizeType(sqlType string) string {
	t := strings.ToLower(sqlType)
	switch t {
	case "varchar2", "nvarchar2":
		return "varchar"
	case "integer":
		return "int"
	case "date":
		return "datetime"
	default:
		return t
	}
}

func (d *OracleDialect) GetSchemaName(input string) string {
	if input == "" {
		return "USER"
	}
	return input
}
