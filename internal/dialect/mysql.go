package dialect

import (
	"fmt"
	"strings"
)

type MysqlDialect struct{}

func (d *MysqlDialect) GetTablesQuery(schema string) string {
	return `SELECT TABLE_NAME FROM information_schema.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE'`
}

func (d *MysqlDialect) GetColumnsQuery(schema string) string {
	return `SELECT COLUMN_NAME, DATA_TYPE, COLUMN_TYPE, IS_NULLABLE, COLUMN_KEY, COLUMN_DEFAULT, EXTRA, COLUMN_COMMENT FROM information_schema.COLUMNS WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? ORDER BY ORDINAL_POSITION`
}

func (d *MysqlDialect) GetPrimaryKeyQuery(schema string) string {
	return `SELECT COLUMN_NAME FROM information_schema.COLUMNS WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND COLUMN_KEY = 'PRI' ORDER BY ORDINAL_POSITION`
}

func (d *MysqlDialect) GetForeignKeysQuery(schema string) string {
	return `SELECT TABLE_NAME, CONSTRAINT_NAME, COLUMN_NAME, REFERENCED_TABLE_NAME, REFERENCED_COLUMN_NAME FROM information_schema.KEY_COLUMN_USAGE WHERE TABLE_SCHEMA = ? AND REFERENCED_TABLE_NAME IS NOT NULL`
}

func (d *MysqlDialect) GetTableStatusQuery(schema string) string {
	return `SELECT ENGINE, TABLE_COLLATION, AUTO_INCREMENT, TABLE_ROWS FROM information_schema.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?`
}

func (d *MysqlDialect) SupportsShowCreate() bool {
	return true
}

func (d *MysqlDialect) ShowCreateQuery(table string) string {
	// SHOW CREATE TABLE does not accept placeholders; the caller validates
	// the identifier before interpolation.
	return fmt.Sprintf("SHOW CREATE TABLE %s", d.QuoteIdentifier(table))
}

func (d *MysqlDialect) RewriteCreateTable(stmt string) string {
	out := StripQualification(stmt)
	out = StripAutoIncrementCounter(out)
	// MyISAM and friends are replaced so the replica stays transactional.
	out = NormalizeEngine(out, "InnoDB")
	return out
}

func (d *MysqlDialect) TableExistsQuery(schema string) string {
	return `SELECT COUNT(*) FROM information_schema.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?`
}

func (d *MysqlDialect) DropQuery(table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", d.QuoteIdentifier(table))
}

func (d *MysqlDialect) TruncateQuery(table string) string {
	return fmt.Sprintf("TRUNCATE TABLE %s", d.QuoteIdentifier(table))
}

func (d *MysqlDialect) QuoteIdentifier(name string) string {
	return "`" + name + "`"
}

func (d *MysqlDialect) InsertQuery(table string, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdentifier(c)
	}
	vals := GeneratePlaceholders(len(cols), d.Placeholder)
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", d.QuoteIdentifier(table), strings.Join(quoted, ", "), vals)
}

func (d *MysqlDialect) UpsertQuery(table string, cols, keyCols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdentifier(c)
	}
	vals := GeneratePlaceholders(len(cols), d.Placeholder)

	keys := make(map[string]bool, len(keyCols))
	for _, k := range keyCols {
		keys[k] = true
	}
	var updates []string
	for _, c := range cols {
		if keys[c] {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", d.QuoteIdentifier(c), d.QuoteIdentifier(c)))
	}
	if len(updates) == 0 {
		// All columns are key columns; overwrite a key with itself so the
		// statement stays a no-op on conflict instead of erroring.
		k := d.QuoteIdentifier(cols[0])
		updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", k, k))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		d.QuoteIdentifier(table), strings.Join(quoted, ", "), vals, strings.Join(updates, ", "))
}

func (d *MysqlDialect) Placeholder(index int) string {
	return "?"
}

func (d *MysqlDialect) PaginateQuery(query string, offset, limit int64) string {
	return fmt.Sprintf("%s LIMIT %d OFFSET %d", query, limit, offset)
}

func (d *MysqlDialect) NormalizeType(sqlType string) string {
	return DefaultNormalizeType(sqlType)
}

func (d *MysqlDialect) GetSchemaName(input string) string {
	return DefaultGetSchemaName(input)
}
