package dialect

import "fmt"

// GetDialect maps a database/sql driver name to its Dialect. Unknown names
// are rejected instead of falling back to MySQL; a mistyped driver in config
// must not silently send MySQL syntax to a foreign server.
func GetDialect(driver string) (Dialect, error) {
	switch driver {
	case "mysql":
		return &MysqlDialect{}, nil
	case "postgres":
		return &PostgresDialect{}, nil
	case "sqlserver", "mssql":
		return &MSSQLDialect{}, nil
	case "oracle":
		return &OracleDialect{}, nil
	}
	return nil, fmt.Errorf("unsupported driver %q (mysql, postgres, sqlserver, oracle)", driver)
}

var (
	_ Dialect = (*MysqlDialect)(nil)
	_ Dialect = (*PostgresDialect)(nil)
	_ Dialect = (*MSSQLDialect)(nil)
	_ Dialect = (*OracleDialect)(nil)
)
