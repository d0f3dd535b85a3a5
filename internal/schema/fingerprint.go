package schema

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"etl-sync/internal/dialect"

	"go.uber.org/zap"
)

// ErrSchemaNotFound means the table does not exist at the source.
var ErrSchemaNotFound = errors.New("schema not found")

// Service fetches exact table definitions and computes change-detection
// hashes. Schemas are cached per instance; a Service is scoped to one
// replication run and Reset between runs.
type Service struct {
	db         *sql.DB
	dialect    dialect.Dialect
	schemaName string
	log        *zap.Logger

	mu    sync.Mutex
	cache map[string]*TableSchema
}

func NewService(db *sql.DB, d dialect.Dialect, schemaName string, log *zap.Logger) *Service {
	return &Service{
		db:         db,
		dialect:    d,
		schemaName: d.GetSchemaName(schemaName),
		log:        log,
		cache:      make(map[string]*TableSchema),
	}
}

// ExactSchema returns the table's structural definition, fetching it once
// per run. Fails with ErrSchemaNotFound when the table is absent.
func (s *Service) ExactSchema(ctx context.Context, table string) (*TableSchema, error) {
	s.mu.Lock()
	if cached, ok := s.cache[table]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	if _, err := dialect.MustIdentifier(table); err != nil {
		return nil, err
	}

	cols, err := s.fetchColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s: %w", table, ErrSchemaNotFound)
	}

	ts := &TableSchema{Name: table, Columns: cols}
	if err := s.fetchStatus(ctx, ts); err != nil {
		return nil, fmt.Errorf("failed to fetch table status for %s: %w", table, err)
	}

	if s.dialect.SupportsShowCreate() {
		if err := s.fetchCreateStatement(ctx, ts); err != nil {
			return nil, fmt.Errorf("failed to fetch create statement for %s: %w", table, err)
		}
	} else {
		ts.CreateStatement = s.synthesizeCreate(ts)
	}

	ts.Hash = FingerprintHash(ts.CreateStatement)

	s.mu.Lock()
	s.cache[table] = ts
	s.mu.Unlock()
	return ts, nil
}

// HasChanged recomputes the fingerprint and compares it with a stored hash.
// Any retrieval error conservatively reports a change, so callers fall back
// to a full re-replica rather than trusting a stale structure.
func (s *Service) HasChanged(ctx context.Context, table, storedHash string) bool {
	s.Invalidate(table)
	ts, err := s.ExactSchema(ctx, table)
	if err != nil {
		s.log.Warn("schema fingerprint retrieval failed, assuming changed",
			zap.String("table", table), zap.Error(err))
		return true
	}
	return ts.Hash != storedHash
}

// Invalidate drops a single cached schema.
func (s *Service) Invalidate(table string) {
	s.mu.Lock()
	delete(s.cache, table)
	s.mu.Unlock()
}

// Reset drops all cached schemas.
func (s *Service) Reset() {
	s.mu.Lock()
	s.cache = make(map[string]*TableSchema)
	s.mu.Unlock()
}

// PrimaryKey returns the PK column names of a table in ordinal order.
func (s *Service) PrimaryKey(ctx context.Context, table string) ([]string, error) {
	if _, err := dialect.MustIdentifier(table); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.GetPrimaryKeyQuery(s.schemaName), s.schemaName, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query primary key for %s: %w", table, err)
	}
	defer rows.Close()

	var pk []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, fmt.Errorf("failed to scan primary key column: %w", err)
		}
		pk = append(pk, col)
	}
	return pk, rows.Err()
}

// ForeignKeys returns every foreign key in the schema, used to derive
// replication ordering.
func (s *Service) ForeignKeys(ctx context.Context) ([]ForeignKey, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.GetForeignKeysQuery(s.schemaName), s.schemaName)
	if err != nil {
		return nil, fmt.Errorf("failed to query foreign keys: %w", err)
	}
	defer rows.Close()

	var fks []ForeignKey
	for rows.Next() {
		var tName, cName, col, rTable, rCol sql.NullString
		if err := rows.Scan(&tName, &cName, &col, &rTable, &rCol); err != nil {
			return nil, fmt.Errorf("failed to scan foreign key: %w", err)
		}
		if !tName.Valid || !rTable.Valid {
			continue
		}
		fks = append(fks, ForeignKey{
			Table:      tName.String,
			Constraint: cName.String,
			Column:     col.String,
			RefTable:   rTable.String,
			RefColumn:  rCol.String,
		})
	}
	return fks, rows.Err()
}

// Tables lists every base table in the source schema.
func (s *Service) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.GetTablesQuery(s.schemaName), s.schemaName)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (s *Service) fetchColumns(ctx context.Context, table string) ([]*Column, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.GetColumnsQuery(s.schemaName), s.schemaName, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns for %s: %w", table, err)
	}
	defer rows.Close()

	var cols []*Column
	for rows.Next() {
		var cName, dType, cType, isNull, cKey, cDefault, extra, comment sql.NullString
		if err := rows.Scan(&cName, &dType, &cType, &isNull, &cKey, &cDefault, &extra, &comment); err != nil {
			return nil, fmt.Errorf("failed to scan column (table: %s): %w", table, err)
		}
		if !cName.Valid {
			continue
		}

		extraLower := strings.ToLower(extra.String)
		cols = append(cols, &Column{
			Name:       cName.String,
			DataType:   s.dialect.NormalizeType(dType.String),
			ColumnType: cType.String,
			IsNullable: isNull.String == "YES" || isNull.String == "Y",
			IsPK:       strings.Contains(cKey.String, "PRI"),
			IsAutoInc:  strings.Contains(extraLower, "auto_increment") || strings.Contains(extraLower, "identity") || strings.Contains(extraLower, "nextval"),
			Default:    cDefault,
			Extra:      extra.String,
			Comment:    comment.String,
		})
	}
	return cols, rows.Err()
}

func (s *Service) fetchStatus(ctx context.Context, ts *TableSchema) error {
	var engine, collation sql.NullString
	var autoInc, tableRows sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.dialect.GetTableStatusQuery(s.schemaName), s.schemaName, ts.Name).
		Scan(&engine, &collation, &autoInc, &tableRows)
	if err == sql.ErrNoRows {
		return fmt.Errorf("table %s: %w", ts.Name, ErrSchemaNotFound)
	}
	if err != nil {
		return err
	}
	ts.Engine = engine.String
	ts.Collation = collation.String
	ts.AutoIncrement = autoInc.Int64
	ts.RowEstimate = tableRows.Int64
	if idx := strings.Index(collation.String, "_"); idx > 0 {
		ts.Charset = collation.String[:idx]
	}
	return nil
}

func (s *Service) fetchCreateStatement(ctx context.Context, ts *TableSchema) error {
	// SHOW CREATE TABLE returns (name, statement).
	var name, stmt string
	err := s.db.QueryRowContext(ctx, s.dialect.ShowCreateQuery(ts.Name)).Scan(&name, &stmt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("table %s: %w", ts.Name, ErrSchemaNotFound)
	}
	if err != nil {
		return err
	}
	ts.CreateStatement = stmt
	return nil
}

// synthesizeCreate builds a deterministic CREATE statement from column
// metadata for vendors without a SHOW CREATE equivalent. It feeds both the
// fingerprint and the target-side replica DDL.
func (s *Service) synthesizeCreate(ts *TableSchema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", s.dialect.QuoteIdentifier(ts.Name))
	for i, c := range ts.Columns {
		fmt.Fprintf(&b, "  %s %s", s.dialect.QuoteIdentifier(c.Name), c.ColumnType)
		if !c.IsNullable {
			b.WriteString(" NOT NULL")
		}
		if i < len(ts.Columns)-1 || len(ts.PrimaryKey()) > 0 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	if pk := ts.PrimaryKey(); len(pk) > 0 {
		quoted := make([]string, len(pk))
		for i, k := range pk {
			quoted[i] = s.dialect.QuoteIdentifier(k)
		}
		fmt.Fprintf(&b, "  PRIMARY KEY (%s)\n", strings.Join(quoted, ", "))
	}
	b.WriteString(")")
	return b.String()
}

// FingerprintHash hashes a CREATE statement after stripping the volatile
// auto-increment counter, so ordinary row growth never reads as a schema
// change.
func FingerprintHash(createStmt string) string {
	normalized := dialect.StripAutoIncrementCounter(createStmt)
	normalized = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(normalized), ";"))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
