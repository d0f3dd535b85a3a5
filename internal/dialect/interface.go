package dialect

// Dialect abstracts database-specific SQL for replication.
type Dialect interface {
	// Metadata Queries (Schema Introspection)
	GetTablesQuery(schema string) string
	GetColumnsQuery(schema string) string
	GetPrimaryKeyQuery(schema string) string
	GetForeignKeysQuery(schema string) string
	// GetTableStatusQuery yields engine, collation, auto-increment counter
	// and the planner's row estimate for a single table.
	GetTableStatusQuery(schema string) string

	// Structural Definition
	// SupportsShowCreate reports whether the vendor hands back its own
	// CREATE statement; when false the caller synthesizes one from columns.
	SupportsShowCreate() bool
	ShowCreateQuery(table string) string

	// Target-side DDL
	// RewriteCreateTable strips schema qualification, resets auto-increment
	// counters and normalizes storage-engine directives so a source CREATE
	// can be replayed on the target.
	RewriteCreateTable(stmt string) string
	TableExistsQuery(schema string) string
	DropQuery(table string) string
	TruncateQuery(table string) string

	// Query Generation
	QuoteIdentifier(name string) string
	InsertQuery(table string, cols []string) string
	UpsertQuery(table string, cols, keyCols []string) string
	Placeholder(index int) string // Returns ?, $1, @p1, etc.
	PaginateQuery(query string, offset, limit int64) string

	// Helpers
	NormalizeType(sqlType string) string
	GetSchemaName(input string) string
}
