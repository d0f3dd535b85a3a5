package watermark

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"etl-sync/internal/dialect"
)

// Run statuses. A table moves pending -> success/failed on ordinary runs;
// error marks an unexpected infrastructure failure.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusError   = "error"
)

// Stage identifies which status table a record lives in. Extract is the
// stage the replication engine drives; load and transform are kept in the
// same shape for the downstream layers that key off them.
type Stage struct {
	StatusTable string
	TimeColumn  string
	RowsColumn  string
}

var (
	StageExtract   = Stage{StatusTable: "etl_extract_status", TimeColumn: "last_extracted", RowsColumn: "rows_extracted"}
	StageLoad      = Stage{StatusTable: "etl_load_status", TimeColumn: "last_loaded", RowsColumn: "rows_loaded"}
	StageTransform = Stage{StatusTable: "etl_transform_status", TimeColumn: "last_transformed", RowsColumn: "rows_transformed"}
)

// Record is one durable per-table checkpoint row.
type Record struct {
	TableName     string
	LastTimestamp sql.NullTime
	Rows          int64
	Status        string
	SchemaHash    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store is the sole reader/writer of watermark state, backed by the target
// database. Concurrency is guarded only by the database's atomic upsert:
// the design assumes one orchestration instance per table at a time.
type Store struct {
	db      *sql.DB
	dialect dialect.Dialect
	schema  string
	now     func() time.Time
}

func NewStore(db *sql.DB, d dialect.Dialect, schemaName string) *Store {
	return &Store{db: db, dialect: d, schema: d.GetSchemaName(schemaName), now: time.Now}
}

// EnsureSchema creates the three status tables when absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stage := range []Stage{StageExtract, StageLoad, StageTransform} {
		var count int
		err := s.db.QueryRowContext(ctx, s.dialect.TableExistsQuery(s.schema), s.schema, stage.StatusTable).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check status table %s: %w", stage.StatusTable, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.ExecContext(ctx, s.createStatement(stage)); err != nil {
			return fmt.Errorf("failed to create status table %s: %w", stage.StatusTable, err)
		}
	}
	return nil
}

func (s *Store) createStatement(stage Stage) string {
	q := s.dialect.QuoteIdentifier
	return fmt.Sprintf(`CREATE TABLE %s (
  %s VARCHAR(128) NOT NULL,
  %s TIMESTAMP NULL,
  %s BIGINT NOT NULL,
  %s VARCHAR(32) NOT NULL,
  %s VARCHAR(64) NOT NULL,
  %s TIMESTAMP NULL DEFAULT CURRENT_TIMESTAMP,
  %s TIMESTAMP NULL,
  PRIMARY KEY (%s)
)`,
		q(stage.StatusTable),
		q("table_name"), q(stage.TimeColumn), q(stage.RowsColumn),
		q("status"), q("schema_hash"), q("created_at"), q("updated_at"),
		q("table_name"))
}

// LastExtracted returns the extract watermark for one table, or an invalid
// NullTime when the table has never run. Records are created lazily on the
// first UpdateStatus.
func (s *Store) LastExtracted(ctx context.Context, table string) (sql.NullTime, error) {
	return s.LastTimestamp(ctx, StageExtract, table)
}

// LastTimestamp reads the stage watermark for one table.
func (s *Store) LastTimestamp(ctx context.Context, stage Stage, table string) (sql.NullTime, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		s.dialect.QuoteIdentifier(stage.TimeColumn),
		s.dialect.QuoteIdentifier(stage.StatusTable),
		s.dialect.QuoteIdentifier("table_name"),
		s.dialect.Placeholder(0))
	var ts sql.NullTime
	err := s.db.QueryRowContext(ctx, q, table).Scan(&ts)
	if err == sql.ErrNoRows {
		return sql.NullTime{}, nil
	}
	if err != nil {
		return sql.NullTime{}, fmt.Errorf("failed to read watermark for %s: %w", table, err)
	}
	return ts, nil
}

// StoredHash returns the schema hash recorded at the table's last attempt,
// or empty when the table has never run.
func (s *Store) StoredHash(ctx context.Context, table string) (string, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		s.dialect.QuoteIdentifier("schema_hash"),
		s.dialect.QuoteIdentifier(StageExtract.StatusTable),
		s.dialect.QuoteIdentifier("table_name"),
		s.dialect.Placeholder(0))
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx, q, table).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read schema hash for %s: %w", table, err)
	}
	return hash.String, nil
}

// Update upserts the stage record for one table with a fresh timestamp.
// Never bypass this after an attempt: a skipped write lets the next run
// believe no prior extraction happened and double-process a full table.
func (s *Store) Update(ctx context.Context, stage Stage, table string, lastTimestamp sql.NullTime, rows int64, status, schemaHash string) error {
	cols := []string{"table_name", stage.TimeColumn, stage.RowsColumn, "status", "schema_hash", "updated_at"}
	q := s.dialect.UpsertQuery(stage.StatusTable, cols, []string{"table_name"})
	_, err := s.db.ExecContext(ctx, q, table, lastTimestamp, rows, status, schemaHash, s.now())
	if err != nil {
		return fmt.Errorf("failed to upsert %s for %s: %w", stage.StatusTable, table, err)
	}
	return nil
}

// UpdateStatus upserts the extract record for one table.
func (s *Store) UpdateStatus(ctx context.Context, table string, lastExtracted sql.NullTime, rows int64, status, schemaHash string) error {
	return s.Update(ctx, StageExtract, table, lastExtracted, rows, status, schemaHash)
}

// List returns every record in a stage table ordered by table name, for
// the status report.
func (s *Store) List(ctx context.Context, stage Stage) ([]Record, error) {
	q := fmt.Sprintf("SELECT %s, %s, %s, %s, %s, %s, %s FROM %s ORDER BY %s",
		s.dialect.QuoteIdentifier("table_name"),
		s.dialect.QuoteIdentifier(stage.TimeColumn),
		s.dialect.QuoteIdentifier(stage.RowsColumn),
		s.dialect.QuoteIdentifier("status"),
		s.dialect.QuoteIdentifier("schema_hash"),
		s.dialect.QuoteIdentifier("created_at"),
		s.dialect.QuoteIdentifier("updated_at"),
		s.dialect.QuoteIdentifier(stage.StatusTable),
		s.dialect.QuoteIdentifier("table_name"))
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", stage.StatusTable, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var created, updated sql.NullTime
		var hash sql.NullString
		if err := rows.Scan(&r.TableName, &r.LastTimestamp, &r.Rows, &r.Status, &hash, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", stage.StatusTable, err)
		}
		r.SchemaHash = hash.String
		r.CreatedAt = created.Time
		r.UpdatedAt = updated.Time
		records = append(records, r)
	}
	return records, rows.Err()
}

// ValidStatus reports whether status is one of the known run statuses.
func ValidStatus(status string) bool {
	switch strings.ToLower(status) {
	case StatusPending, StatusSuccess, StatusFailed, StatusError:
		return true
	}
	return false
}
