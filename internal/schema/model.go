package schema

import "database/sql"

// TableSchema is the exact structural definition of one source table,
// captured at the start of a replication attempt and immutable for that
// attempt.
type TableSchema struct {
	Name            string
	CreateStatement string
	Engine          string
	Charset         string
	Collation       string
	AutoIncrement   int64 // live counter at fetch time, excluded from the hash
	RowEstimate     int64
	Hash            string
	Columns         []*Column
}

type Column struct {
	Name       string
	DataType   string // normalized vendor type
	ColumnType string // raw vendor type, e.g. decimal(10,2)
	IsNullable bool
	IsPK       bool
	IsAutoInc  bool
	Default    sql.NullString
	Extra      string
	Comment    string
}

type ForeignKey struct {
	Table      string
	Constraint string
	Column     string
	RefTable   string
	RefColumn  string
}

// PrimaryKey returns the PK column names in ordinal order.
func (t *TableSchema) PrimaryKey() []string {
	var pk []string
	for _, c := range t.Columns {
		if c.IsPK {
			pk = append(pk, c.Name)
		}
	}
	return pk
}

// Column returns the named column or nil.
func (t *TableSchema) Column(name string) *Column {
	for _, c := range t.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}
