package cmd

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"etl-sync/internal/dialect"
	"etl-sync/internal/engine"
	"etl-sync/internal/incremental"
	"etl-sync/internal/schema"
	"etl-sync/internal/watermark"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSyncOneTable_KeepsWatermarkWhenSchemaFetchFails(t *testing.T) {
	src, srcMock, err := sqlmock.New()
	require.NoError(t, err)
	tgt, tgtMock, err := sqlmock.New()
	require.NoError(t, err)
	defer src.Close()
	defer tgt.Close()

	Log = zap.NewNop()
	d := &dialect.MysqlDialect{}
	svc := schema.NewService(src, d, "opendental", Log)
	analyzer := incremental.NewAnalyzer(src, d, nil, Log)
	store := watermark.NewStore(tgt, d, "practice_analytics")
	repl := engine.NewReplicator(src, tgt, d, d, svc, "practice_analytics", Log)

	prior := time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC)
	tgtMock.ExpectQuery(regexp.QuoteMeta("SELECT `schema_hash` FROM `etl_extract_status` WHERE `table_name` = ?")).
		WithArgs("patient").
		WillReturnRows(sqlmock.NewRows([]string{"schema_hash"}).AddRow("deadbeef"))
	tgtMock.ExpectQuery(regexp.QuoteMeta("SELECT `last_extracted` FROM `etl_extract_status` WHERE `table_name` = ?")).
		WithArgs("patient").
		WillReturnRows(sqlmock.NewRows([]string{"last_extracted"}).AddRow(prior))

	// The change check and the direct fetch both hit the source and both
	// fail; the table cannot be synced this run.
	srcMock.ExpectQuery(regexp.QuoteMeta("SELECT COLUMN_NAME, DATA_TYPE")).
		WithArgs("opendental", "patient").
		WillReturnError(errors.New("connection reset"))
	srcMock.ExpectQuery(regexp.QuoteMeta("SELECT COLUMN_NAME, DATA_TYPE")).
		WithArgs("opendental", "patient").
		WillReturnError(errors.New("connection reset"))

	// The failure record must carry the prior watermark and hash forward,
	// not null them out.
	tgtMock.ExpectExec(regexp.QuoteMeta("INSERT INTO `etl_extract_status`")).
		WithArgs("patient", prior, int64(0), watermark.StatusFailed, "deadbeef", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res := syncOneTable(context.Background(), svc, analyzer, store, repl, "patient", 1000)
	assert.Equal(t, watermark.StatusFailed, res.Status)
	assert.NotEmpty(t, res.Err)
	assert.NoError(t, tgtMock.ExpectationsWereMet())
	assert.NoError(t, srcMock.ExpectationsWereMet())
}
