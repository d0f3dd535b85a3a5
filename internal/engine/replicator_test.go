package engine_test

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"testing"
	"time"

	"etl-sync/internal/dialect"
	"etl-sync/internal/engine"
	"etl-sync/internal/incremental"
	"etl-sync/internal/schema"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const patientCreate = "CREATE TABLE `patient` (\n" +
	"  `PatNum` bigint NOT NULL AUTO_INCREMENT,\n" +
	"  `LName` varchar(100) NOT NULL,\n" +
	"  `DateTStamp` datetime NOT NULL,\n" +
	"  PRIMARY KEY (`PatNum`)\n" +
	") ENGINE=MyISAM AUTO_INCREMENT=4821 DEFAULT CHARSET=utf8mb4"

func newReplicator(t *testing.T) (*engine.Replicator, sqlmock.Sqlmock, sqlmock.Sqlmock) {
	t.Helper()
	src, srcMock, err := sqlmock.New()
	require.NoError(t, err)
	tgt, tgtMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { src.Close(); tgt.Close() })

	d := &dialect.MysqlDialect{}
	svc := schema.NewService(src, d, "opendental", zap.NewNop())
	r := engine.NewReplicator(src, tgt, d, d, svc, "practice_analytics", zap.NewNop())
	return r, srcMock, tgtMock
}

// expectPatientSchema registers the three introspection queries the schema
// service issues on its first (and only, per run) fetch of `patient`.
func expectPatientSchema(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COLUMN_NAME, DATA_TYPE, COLUMN_TYPE, IS_NULLABLE, COLUMN_KEY, COLUMN_DEFAULT, EXTRA, COLUMN_COMMENT FROM information_schema.COLUMNS")).
		WithArgs("opendental", "patient").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME", "DATA_TYPE", "COLUMN_TYPE", "IS_NULLABLE", "COLUMN_KEY", "COLUMN_DEFAULT", "EXTRA", "COLUMN_COMMENT"}).
			AddRow("PatNum", "bigint", "bigint(20)", "NO", "PRI", nil, "auto_increment", "").
			AddRow("LName", "varchar", "varchar(100)", "NO", "", nil, "", "").
			AddRow("DateTStamp", "datetime", "datetime", "NO", "", "CURRENT_TIMESTAMP", "", ""))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT ENGINE, TABLE_COLLATION, AUTO_INCREMENT, TABLE_ROWS FROM information_schema.TABLES")).
		WithArgs("opendental", "patient").
		WillReturnRows(sqlmock.NewRows([]string{"ENGINE", "TABLE_COLLATION", "AUTO_INCREMENT", "TABLE_ROWS"}).
			AddRow("MyISAM", "utf8mb4_general_ci", 4821, 250000))
	mock.ExpectQuery(regexp.QuoteMeta("SHOW CREATE TABLE `patient`")).
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Create Table"}).AddRow("patient", patientCreate))
}

func expectTargetExists(mock sqlmock.Sqlmock, exists int) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM information_schema.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?")).
		WithArgs("practice_analytics", "patient").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(exists))
}

func TestCreateExactReplica_SkipsWhenExists(t *testing.T) {
	r, srcMock, tgtMock := newReplicator(t)
	expectPatientSchema(srcMock)
	expectTargetExists(tgtMock, 1)

	created, err := r.CreateExactReplica(context.Background(), "patient", false)
	require.NoError(t, err)
	assert.False(t, created, "existing table with dropIfExists=false must be preserved")
	assert.NoError(t, tgtMock.ExpectationsWereMet())
}

func TestCreateExactReplica_DropAndRecreate(t *testing.T) {
	r, srcMock, tgtMock := newReplicator(t)
	expectPatientSchema(srcMock)
	expectTargetExists(tgtMock, 1)
	tgtMock.ExpectExec(regexp.QuoteMeta("DROP TABLE IF EXISTS `patient`")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// The replayed DDL must carry the normalized engine and no counter.
	tgtMock.ExpectExec("CREATE TABLE `patient`[^=]*ENGINE=InnoDB [^=]*DEFAULT CHARSET=utf8mb4").
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := r.CreateExactReplica(context.Background(), "patient", true)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NoError(t, tgtMock.ExpectationsWereMet())
}

func TestCreateExactReplica_SchemaNotFound(t *testing.T) {
	r, srcMock, _ := newReplicator(t)
	srcMock.ExpectQuery(regexp.QuoteMeta("SELECT COLUMN_NAME, DATA_TYPE")).
		WithArgs("opendental", "patient").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME", "DATA_TYPE", "COLUMN_TYPE", "IS_NULLABLE", "COLUMN_KEY", "COLUMN_DEFAULT", "EXTRA", "COLUMN_COMMENT"}))

	_, err := r.CreateExactReplica(context.Background(), "patient", false)
	assert.ErrorIs(t, err, schema.ErrSchemaNotFound)
}

func expectChunk(srcMock, tgtMock sqlmock.Sqlmock, offset, limit int64, rowCount int) {
	srcMock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"PatNum", "LName", "DateTStamp"})
	for i := 0; i < rowCount; i++ {
		rows.AddRow(offset+int64(i)+1, fmt.Sprintf("Name%d", i), time.Now())
	}
	srcMock.ExpectQuery(regexp.QuoteMeta(fmt.Sprintf(
		"SELECT `PatNum`, `LName`, `DateTStamp` FROM `patient` ORDER BY `PatNum` LIMIT %d OFFSET %d", limit, offset))).
		WillReturnRows(rows)
	srcMock.ExpectCommit()

	if rowCount > 0 {
		tgtMock.ExpectBegin()
		for i := 0; i < rowCount; i++ {
			tgtMock.ExpectExec(regexp.QuoteMeta("INSERT INTO `patient` (`PatNum`, `LName`, `DateTStamp`) VALUES (?, ?, ?)")).
				WillReturnResult(sqlmock.NewResult(0, 1))
		}
		tgtMock.ExpectCommit()
	}
}

func TestExtractTableData_ChunkedFullCopy(t *testing.T) {
	r, srcMock, tgtMock := newReplicator(t)
	expectPatientSchema(srcMock)

	expectCount(srcMock, "patient", 25)
	tgtMock.ExpectExec(regexp.QuoteMeta("TRUNCATE TABLE `patient`")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	expectChunk(srcMock, tgtMock, 0, 10, 10)
	expectChunk(srcMock, tgtMock, 10, 10, 10)
	expectChunk(srcMock, tgtMock, 20, 10, 5)

	var chunks int
	var chunkRows int64
	rows, isIncremental, err := r.ExtractTableData(context.Background(), engine.Request{
		Table:     "patient",
		BatchSize: 10,
		OnChunk: func(n int64) {
			chunks++
			chunkRows += n
		},
	})
	require.NoError(t, err)
	assert.False(t, isIncremental)
	assert.Equal(t, int64(25), rows)
	assert.Equal(t, 3, chunks, "25 rows at batch 10 means 3 independently committed chunks")
	assert.Equal(t, int64(25), chunkRows)
	assert.NoError(t, srcMock.ExpectationsWereMet())
	assert.NoError(t, tgtMock.ExpectationsWereMet())
}

func TestExtractTableData_ChunkCountForLargeTable(t *testing.T) {
	r, srcMock, tgtMock := newReplicator(t)
	expectPatientSchema(srcMock)

	// 250,000 source rows at batch 10,000: exactly 25 chunks. Each mocked
	// chunk returns a single row; the chunk arithmetic is what is under test.
	expectCount(srcMock, "patient", 250000)
	tgtMock.ExpectExec(regexp.QuoteMeta("TRUNCATE TABLE `patient`")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	for offset := int64(0); offset < 250000; offset += 10000 {
		expectChunk(srcMock, tgtMock, offset, 10000, 1)
	}

	var chunks int
	_, _, err := r.ExtractTableData(context.Background(), engine.Request{
		Table:     "patient",
		BatchSize: 10000,
		OnChunk:   func(int64) { chunks++ },
	})
	require.NoError(t, err)
	assert.Equal(t, 25, chunks)
}

func TestExtractTableData_SingleShotWhenSmall(t *testing.T) {
	r, srcMock, tgtMock := newReplicator(t)
	expectPatientSchema(srcMock)

	expectCount(srcMock, "patient", 3)
	tgtMock.ExpectExec(regexp.QuoteMeta("TRUNCATE TABLE `patient`")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	srcMock.ExpectBegin()
	srcMock.ExpectQuery(regexp.QuoteMeta("SELECT `PatNum`, `LName`, `DateTStamp` FROM `patient`")).
		WillReturnRows(sqlmock.NewRows([]string{"PatNum", "LName", "DateTStamp"}).
			AddRow(1, "A", time.Now()).AddRow(2, "B", time.Now()).AddRow(3, "C", time.Now()))
	srcMock.ExpectCommit()
	tgtMock.ExpectBegin()
	for i := 0; i < 3; i++ {
		tgtMock.ExpectExec(regexp.QuoteMeta("INSERT INTO `patient`")).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	tgtMock.ExpectCommit()

	rows, isIncremental, err := r.ExtractTableData(context.Background(), engine.Request{
		Table:     "patient",
		BatchSize: 10,
	})
	require.NoError(t, err)
	assert.False(t, isIncremental)
	assert.Equal(t, int64(3), rows)
}

func TestExtractTableData_Incremental(t *testing.T) {
	r, srcMock, tgtMock := newReplicator(t)
	expectPatientSchema(srcMock)

	watermarkTime := time.Date(2024, 3, 1, 2, 30, 0, 0, time.UTC)
	srcMock.ExpectBegin()
	srcMock.ExpectQuery(regexp.QuoteMeta("SELECT `PatNum`, `LName`, `DateTStamp` FROM `patient` WHERE (`DateTStamp` > ?) ORDER BY `DateTStamp`")).
		WithArgs(watermarkTime).
		WillReturnRows(sqlmock.NewRows([]string{"PatNum", "LName", "DateTStamp"}).
			AddRow(7, "Chan", time.Now()).AddRow(9, "Reyes", time.Now()))
	srcMock.ExpectCommit()

	tgtMock.ExpectBegin()
	for i := 0; i < 2; i++ {
		tgtMock.ExpectExec(regexp.QuoteMeta("INSERT INTO `patient` (`PatNum`, `LName`, `DateTStamp`) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE")).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	tgtMock.ExpectCommit()

	rows, isIncremental, err := r.ExtractTableData(context.Background(), engine.Request{
		Table:         "patient",
		Decision:      incremental.Decision{Table: "patient", Columns: []string{"DateTStamp"}, Strategy: incremental.StrategySingle},
		LastExtracted: sql.NullTime{Time: watermarkTime, Valid: true},
		BatchSize:     10000,
	})
	require.NoError(t, err)
	assert.True(t, isIncremental)
	assert.Equal(t, int64(2), rows)
	assert.NoError(t, srcMock.ExpectationsWereMet())
	assert.NoError(t, tgtMock.ExpectationsWereMet())
}

func TestExtractTableData_IncrementalReplaySameWindow(t *testing.T) {
	r, srcMock, tgtMock := newReplicator(t)
	expectPatientSchema(srcMock)

	watermarkTime := time.Date(2024, 3, 1, 2, 30, 0, 0, time.UTC)
	row1 := time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)
	row2 := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)

	// Two identical passes over the same window. Every write is an upsert
	// keyed on the primary key, so the second pass overwrites the rows the
	// first pass already landed instead of inserting duplicates.
	for pass := 0; pass < 2; pass++ {
		srcMock.ExpectBegin()
		srcMock.ExpectQuery(regexp.QuoteMeta("SELECT `PatNum`, `LName`, `DateTStamp` FROM `patient` WHERE (`DateTStamp` > ?) ORDER BY `DateTStamp`")).
			WithArgs(watermarkTime).
			WillReturnRows(sqlmock.NewRows([]string{"PatNum", "LName", "DateTStamp"}).
				AddRow(7, "Chan", row1).AddRow(9, "Reyes", row2))
		srcMock.ExpectCommit()

		tgtMock.ExpectBegin()
		tgtMock.ExpectExec(regexp.QuoteMeta("INSERT INTO `patient` (`PatNum`, `LName`, `DateTStamp`) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE `LName` = VALUES(`LName`), `DateTStamp` = VALUES(`DateTStamp`)")).
			WithArgs(int64(7), "Chan", row1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		tgtMock.ExpectExec(regexp.QuoteMeta("INSERT INTO `patient` (`PatNum`, `LName`, `DateTStamp`) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE `LName` = VALUES(`LName`), `DateTStamp` = VALUES(`DateTStamp`)")).
			WithArgs(int64(9), "Reyes", row2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		tgtMock.ExpectCommit()
	}

	req := engine.Request{
		Table:         "patient",
		Decision:      incremental.Decision{Table: "patient", Columns: []string{"DateTStamp"}, Strategy: incremental.StrategySingle},
		LastExtracted: sql.NullTime{Time: watermarkTime, Valid: true},
		BatchSize:     10000,
	}
	first, _, err := r.ExtractTableData(context.Background(), req)
	require.NoError(t, err)
	second, _, err := r.ExtractTableData(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first, second, "replaying the window must process the same rows")
	assert.NoError(t, srcMock.ExpectationsWereMet())
	assert.NoError(t, tgtMock.ExpectationsWereMet(), "both passes must write through the keyed upsert only")
}

func TestExtractTableData_NoPrimaryKeyLargeTableSingleShot(t *testing.T) {
	r, srcMock, tgtMock := newReplicator(t)

	srcMock.ExpectQuery(regexp.QuoteMeta("SELECT COLUMN_NAME, DATA_TYPE")).
		WithArgs("opendental", "eventlog").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME", "DATA_TYPE", "COLUMN_TYPE", "IS_NULLABLE", "COLUMN_KEY", "COLUMN_DEFAULT", "EXTRA", "COLUMN_COMMENT"}).
			AddRow("EventNum", "bigint", "bigint(20)", "NO", "", nil, "", "").
			AddRow("LogText", "text", "text", "YES", "", nil, "", ""))
	srcMock.ExpectQuery(regexp.QuoteMeta("SELECT ENGINE, TABLE_COLLATION, AUTO_INCREMENT, TABLE_ROWS")).
		WithArgs("opendental", "eventlog").
		WillReturnRows(sqlmock.NewRows([]string{"ENGINE", "TABLE_COLLATION", "AUTO_INCREMENT", "TABLE_ROWS"}).
			AddRow("InnoDB", "utf8mb4_general_ci", nil, 50))
	srcMock.ExpectQuery(regexp.QuoteMeta("SHOW CREATE TABLE `eventlog`")).
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Create Table"}).
			AddRow("eventlog", "CREATE TABLE `eventlog` (`EventNum` bigint NOT NULL, `LogText` text) ENGINE=InnoDB"))

	// 50 rows at batch 10 would normally chunk, but there is no key to
	// order the pages on. The copy must fall back to one unpaginated read.
	expectCount(srcMock, "eventlog", 50)
	tgtMock.ExpectExec(regexp.QuoteMeta("TRUNCATE TABLE `eventlog`")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	srcMock.ExpectBegin()
	srcMock.ExpectQuery(regexp.QuoteMeta("SELECT `EventNum`, `LogText` FROM `eventlog`") + "$").
		WillReturnRows(sqlmock.NewRows([]string{"EventNum", "LogText"}).
			AddRow(1, "a").AddRow(2, "b").AddRow(3, "c"))
	srcMock.ExpectCommit()
	tgtMock.ExpectBegin()
	for i := 0; i < 3; i++ {
		tgtMock.ExpectExec(regexp.QuoteMeta("INSERT INTO `eventlog` (`EventNum`, `LogText`) VALUES (?, ?)")).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	tgtMock.ExpectCommit()

	var chunks int
	rows, isIncremental, err := r.ExtractTableData(context.Background(), engine.Request{
		Table:     "eventlog",
		BatchSize: 10,
		OnChunk:   func(int64) { chunks++ },
	})
	require.NoError(t, err)
	assert.False(t, isIncremental)
	assert.Equal(t, int64(3), rows)
	assert.Equal(t, 1, chunks, "no key means one unordered pass, not offset pages")
	assert.NoError(t, srcMock.ExpectationsWereMet())
	assert.NoError(t, tgtMock.ExpectationsWereMet())
}

func TestExtractTableData_ForceFullIgnoresWatermark(t *testing.T) {
	r, srcMock, tgtMock := newReplicator(t)
	expectPatientSchema(srcMock)

	expectCount(srcMock, "patient", 1)
	tgtMock.ExpectExec(regexp.QuoteMeta("TRUNCATE TABLE `patient`")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	srcMock.ExpectBegin()
	srcMock.ExpectQuery(regexp.QuoteMeta("SELECT `PatNum`, `LName`, `DateTStamp` FROM `patient`")).
		WillReturnRows(sqlmock.NewRows([]string{"PatNum", "LName", "DateTStamp"}).AddRow(1, "A", time.Now()))
	srcMock.ExpectCommit()
	tgtMock.ExpectBegin()
	tgtMock.ExpectExec(regexp.QuoteMeta("INSERT INTO `patient`")).WillReturnResult(sqlmock.NewResult(0, 1))
	tgtMock.ExpectCommit()

	_, isIncremental, err := r.ExtractTableData(context.Background(), engine.Request{
		Table:         "patient",
		Decision:      incremental.Decision{Columns: []string{"DateTStamp"}, Strategy: incremental.StrategySingle},
		LastExtracted: sql.NullTime{Time: time.Now(), Valid: true},
		ForceFull:     true,
		BatchSize:     10,
	})
	require.NoError(t, err)
	assert.False(t, isIncremental, "forceFull must override the incremental path")
}

func TestIncrementalPredicate_AndLogic(t *testing.T) {
	r, srcMock, tgtMock := newReplicator(t)
	expectPatientSchema(srcMock)

	watermarkTime := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	srcMock.ExpectBegin()
	srcMock.ExpectQuery(regexp.QuoteMeta("WHERE (`DateTStamp` > ? AND `LName` > ?)")).
		WithArgs(watermarkTime, watermarkTime).
		WillReturnRows(sqlmock.NewRows([]string{"PatNum", "LName", "DateTStamp"}))
	srcMock.ExpectCommit()

	_, _, err := r.ExtractTableData(context.Background(), engine.Request{
		Table:         "patient",
		Decision:      incremental.Decision{Columns: []string{"DateTStamp", "LName"}, Strategy: incremental.StrategyAnd},
		LastExtracted: sql.NullTime{Time: watermarkTime, Valid: true},
	})
	require.NoError(t, err)
	assert.NoError(t, tgtMock.ExpectationsWereMet(), "an empty window must not touch the target")
}

func TestReplicateTable_StateMachine(t *testing.T) {
	r, srcMock, tgtMock := newReplicator(t)
	expectPatientSchema(srcMock)
	expectTargetExists(tgtMock, 0)
	tgtMock.ExpectExec("CREATE TABLE `patient`").WillReturnResult(sqlmock.NewResult(0, 0))

	expectCount(srcMock, "patient", 2)
	tgtMock.ExpectExec(regexp.QuoteMeta("TRUNCATE TABLE `patient`")).WillReturnResult(sqlmock.NewResult(0, 0))
	srcMock.ExpectBegin()
	srcMock.ExpectQuery(regexp.QuoteMeta("SELECT `PatNum`, `LName`, `DateTStamp` FROM `patient`")).
		WillReturnRows(sqlmock.NewRows([]string{"PatNum", "LName", "DateTStamp"}).
			AddRow(1, "A", time.Now()).AddRow(2, "B", time.Now()))
	srcMock.ExpectCommit()
	tgtMock.ExpectBegin()
	tgtMock.ExpectExec(regexp.QuoteMeta("INSERT INTO `patient`")).WillReturnResult(sqlmock.NewResult(0, 1))
	tgtMock.ExpectExec(regexp.QuoteMeta("INSERT INTO `patient`")).WillReturnResult(sqlmock.NewResult(0, 1))
	tgtMock.ExpectCommit()

	// Verification counts.
	expectCount(srcMock, "patient", 2)
	expectCount(tgtMock, "patient", 2)

	res := r.ReplicateTable(context.Background(), engine.Request{Table: "patient", BatchSize: 100})
	require.NoError(t, res.Err)
	assert.Equal(t, engine.StateDone, res.State)
	assert.Equal(t, int64(2), res.Rows)
	assert.False(t, res.Incremental)
}

func TestReplicateTable_FailedVerification(t *testing.T) {
	r, srcMock, tgtMock := newReplicator(t)
	expectPatientSchema(srcMock)
	expectTargetExists(tgtMock, 1) // exists, keep

	expectCount(srcMock, "patient", 1)
	tgtMock.ExpectExec(regexp.QuoteMeta("TRUNCATE TABLE `patient`")).WillReturnResult(sqlmock.NewResult(0, 0))
	srcMock.ExpectBegin()
	srcMock.ExpectQuery(regexp.QuoteMeta("SELECT `PatNum`, `LName`, `DateTStamp` FROM `patient`")).
		WillReturnRows(sqlmock.NewRows([]string{"PatNum", "LName", "DateTStamp"}).AddRow(1, "A", time.Now()))
	srcMock.ExpectCommit()
	tgtMock.ExpectBegin()
	tgtMock.ExpectExec(regexp.QuoteMeta("INSERT INTO `patient`")).WillReturnResult(sqlmock.NewResult(0, 1))
	tgtMock.ExpectCommit()

	// Target lost a row somehow: below the threshold this must fail.
	expectCount(srcMock, "patient", 1)
	expectCount(tgtMock, "patient", 0)

	res := r.ReplicateTable(context.Background(), engine.Request{Table: "patient", BatchSize: 100})
	assert.Equal(t, engine.StateFailed, res.State)
	assert.ErrorIs(t, res.Err, engine.ErrVerificationFailed)
}
