package incremental

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"etl-sync/internal/dialect"
	"etl-sync/internal/schema"

	"go.uber.org/zap"
)

type Strategy string

const (
	StrategyNone   Strategy = "none"
	StrategySingle Strategy = "single_column"
	StrategyOr     Strategy = "or_logic"
	StrategyAnd    Strategy = "and_logic"
)

const (
	// maxColumns caps how many incremental columns one table may combine.
	maxColumns = 3
	// minSampleRows is the floor of non-null rows a candidate must carry
	// before its values are trusted for watermark comparison.
	minSampleRows = 100
	// Sane calendar window. Legacy exports are full of zero-dates and
	// placeholder dates; a column living entirely outside this window
	// cannot drive an incremental cut.
	minSaneYear = 2000
	maxSaneYear = 2030
)

// DefaultConservativeTables are forced onto AND-combined incremental
// conditions. High-churn audit-style tables where a missed update is worse
// than re-copying rows.
var DefaultConservativeTables = []string{
	"securitylog",
	"procedurelog",
	"claimproc",
	"paysplit",
}

// Quality is the outcome of one data-quality probe. Expected failures are
// values, not errors; only unexpected I/O errors propagate.
type Quality struct {
	Valid  bool
	Reason string
}

// Candidate is a column considered for incremental extraction.
type Candidate struct {
	Column   *schema.Column
	Priority int // lower wins
}

// Decision is the per-table extraction strategy.
type Decision struct {
	Table    string
	Columns  []string // ordered by priority, at most maxColumns
	Strategy Strategy
}

// Analyzer discovers and quality-filters incremental columns against the
// source database.
type Analyzer struct {
	db           *sql.DB
	dialect      dialect.Dialect
	log          *zap.Logger
	conservative map[string]bool
}

// NewAnalyzer builds an Analyzer. conservativeTables may be nil, which
// selects DefaultConservativeTables.
func NewAnalyzer(db *sql.DB, d dialect.Dialect, conservativeTables []string, log *zap.Logger) *Analyzer {
	if conservativeTables == nil {
		conservativeTables = DefaultConservativeTables
	}
	set := make(map[string]bool, len(conservativeTables))
	for _, t := range conservativeTables {
		set[strings.ToLower(t)] = true
	}
	return &Analyzer{db: db, dialect: d, log: log, conservative: set}
}

// FindIncrementalColumns enumerates datetime/timestamp columns and integer
// primary keys, probes each for data quality and returns the survivors
// ranked by priority, truncated to maxColumns. A probe failure excludes
// only that column; discovering nothing is not an error, the table just
// degrades to full extraction.
func (a *Analyzer) FindIncrementalColumns(ctx context.Context, table string, ts *schema.TableSchema) ([]string, error) {
	if _, err := dialect.MustIdentifier(table); err != nil {
		return nil, err
	}

	var candidates []Candidate
	for _, col := range ts.Columns {
		prio, ok := candidatePriority(col)
		if !ok {
			continue
		}
		candidates = append(candidates, Candidate{Column: col, Priority: prio})
	}

	var survivors []Candidate
	for _, cand := range candidates {
		q, err := a.probe(ctx, table, cand.Column)
		if err != nil {
			// One broken probe must not sink the table.
			a.log.Warn("incremental column probe failed, excluding column",
				zap.String("table", table),
				zap.String("column", cand.Column.Name),
				zap.Error(err))
			continue
		}
		if !q.Valid {
			a.log.Debug("incremental column rejected",
				zap.String("table", table),
				zap.String("column", cand.Column.Name),
				zap.String("reason", q.Reason))
			continue
		}
		survivors = append(survivors, cand)
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		if survivors[i].Priority != survivors[j].Priority {
			return survivors[i].Priority < survivors[j].Priority
		}
		return survivors[i].Column.Name < survivors[j].Column.Name
	})
	if len(survivors) > maxColumns {
		survivors = survivors[:maxColumns]
	}

	cols := make([]string, 0, len(survivors))
	for _, s := range survivors {
		cols = append(cols, s.Column.Name)
	}
	if len(cols) == 0 {
		a.log.Warn("no usable incremental columns, table degrades to full extraction",
			zap.String("table", table))
	}
	return cols, nil
}

// DetermineStrategy is a pure function of the surviving column count and
// the conservative allow-list.
func (a *Analyzer) DetermineStrategy(table string, columns []string) Strategy {
	switch {
	case len(columns) == 0:
		return StrategyNone
	case a.conservative[strings.ToLower(table)]:
		return StrategyAnd
	case len(columns) == 1:
		return StrategySingle
	default:
		return StrategyOr
	}
}

// Decide runs discovery and strategy selection for one table.
func (a *Analyzer) Decide(ctx context.Context, table string, ts *schema.TableSchema) (Decision, error) {
	cols, err := a.FindIncrementalColumns(ctx, table, ts)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Table: table, Columns: cols, Strategy: a.DetermineStrategy(table, cols)}, nil
}

// probe samples a candidate column. Datetime candidates are checked for
// a sufficient non-null count and a sane min/max calendar window; integer
// candidates only for count.
func (a *Analyzer) probe(ctx context.Context, table string, col *schema.Column) (Quality, error) {
	if _, err := dialect.MustIdentifier(col.Name); err != nil {
		return Quality{}, err
	}
	qt := a.dialect.QuoteIdentifier(table)
	qc := a.dialect.QuoteIdentifier(col.Name)

	if !isDatetimeType(col.DataType) {
		var count int64
		q := fmt.Sprintf("SELECT COUNT(%s) FROM %s", qc, qt)
		if err := a.db.QueryRowContext(ctx, q).Scan(&count); err != nil {
			return Quality{}, fmt.Errorf("failed to probe column %s.%s: %w", table, col.Name, err)
		}
		if count < minSampleRows {
			return Quality{Reason: fmt.Sprintf("only %d non-null rows, floor is %d", count, minSampleRows)}, nil
		}
		return Quality{Valid: true}, nil
	}

	var count int64
	var minVal, maxVal sql.NullTime
	q := fmt.Sprintf("SELECT COUNT(%s), MIN(%s), MAX(%s) FROM %s WHERE %s IS NOT NULL", qc, qc, qc, qt, qc)
	if err := a.db.QueryRowContext(ctx, q).Scan(&count, &minVal, &maxVal); err != nil {
		return Quality{}, fmt.Errorf("failed to probe column %s.%s: %w", table, col.Name, err)
	}
	if count < minSampleRows {
		return Quality{Reason: fmt.Sprintf("only %d non-null rows, floor is %d", count, minSampleRows)}, nil
	}
	if !minVal.Valid || !maxVal.Valid {
		return Quality{Reason: "no observable date bounds"}, nil
	}
	// Entirely outside the window: all values before minSaneYear, or all after
	// maxSaneYear. Zero-dates and placeholder dates land here.
	if maxVal.Time.Year() < minSaneYear {
		return Quality{Reason: fmt.Sprintf("all dates before %d (max %s)", minSaneYear, maxVal.Time.Format("2006-01-02"))}, nil
	}
	if minVal.Time.Year() > maxSaneYear {
		return Quality{Reason: fmt.Sprintf("all dates after %d (min %s)", maxSaneYear, minVal.Time.Format("2006-01-02"))}, nil
	}
	return Quality{Valid: true}, nil
}

// candidatePriority classifies a column. Lower priority wins:
// modification-tracking names, then creation-tracking names, then
// DEFAULT CURRENT_TIMESTAMP columns, then other datetime columns, then
// auto-increment integer primary keys.
func candidatePriority(col *schema.Column) (int, bool) {
	name := strings.ToLower(col.Name)

	if isDatetimeType(col.DataType) {
		switch {
		case containsAny(name, "modif", "updat", "edit", "tstamp"):
			return 1, true
		case containsAny(name, "creat", "entry", "insert", "added"):
			return 2, true
		case hasCurrentTimestampDefault(col):
			return 3, true
		default:
			return 4, true
		}
	}

	if col.IsAutoInc && col.IsPK && isIntegerType(col.DataType) {
		return 5, true
	}
	return 0, false
}

func hasCurrentTimestampDefault(col *schema.Column) bool {
	if !col.Default.Valid {
		return false
	}
	d := strings.ToLower(col.Default.String)
	return strings.Contains(d, "current_timestamp") || strings.Contains(d, "now()") || strings.Contains(d, "getdate")
}

func isDatetimeType(dataType string) bool {
	switch strings.ToLower(dataType) {
	case "datetime", "timestamp", "date":
		return true
	}
	return false
}

func isIntegerType(dataType string) bool {
	switch strings.ToLower(dataType) {
	case "int", "integer", "bigint", "smallint", "mediumint", "tinyint":
		return true
	}
	return false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
