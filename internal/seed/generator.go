package seed

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"etl-sync/internal/dialect"
	"etl-sync/internal/schema"

	"github.com/brianvoe/gofakeit/v6"
	"go.uber.org/zap"
)

// Generator fills a scratch source table with plausible rows so a sync can
// be rehearsed without touching production data.
type Generator struct {
	db      *sql.DB
	dialect dialect.Dialect
	log     *zap.Logger
}

func NewGenerator(db *sql.DB, d dialect.Dialect, log *zap.Logger) *Generator {
	return &Generator{db: db, dialect: d, log: log}
}

// Fill inserts count rows into the table, skipping auto-increment columns.
// Insert failures from constraint collisions are tolerated up to a retry
// budget, the way random data inevitably trips unique indexes. Each row is
// its own statement rather than part of one wrapping transaction: Postgres
// aborts a transaction on the first error, which would turn one rejected
// row into a fully empty fill.
func (g *Generator) Fill(ctx context.Context, ts *schema.TableSchema, count int) (int, error) {
	var cols []*schema.Column
	var names []string
	for _, c := range ts.Columns {
		if c.IsAutoInc {
			continue
		}
		cols = append(cols, c)
		names = append(names, c.Name)
	}
	if len(cols) == 0 {
		return 0, fmt.Errorf("table %s has no insertable columns", ts.Name)
	}

	query := g.dialect.InsertQuery(ts.Name, names)

	inserted := 0
	attempts := 0
	for inserted < count && attempts < count*10 {
		if err := ctx.Err(); err != nil {
			return inserted, err
		}
		attempts++
		values := make([]interface{}, len(cols))
		for i, c := range cols {
			values[i] = Value(c)
		}
		if _, err := g.db.ExecContext(ctx, query, values...); err != nil {
			if attempts <= 3 {
				g.log.Debug("seed insert rejected",
					zap.String("table", ts.Name),
					zap.Int("attempt", attempts),
					zap.Error(err))
			}
			continue
		}
		inserted++
	}
	g.log.Info("seeded table",
		zap.String("table", ts.Name),
		zap.Int("rows", inserted),
		zap.Int("requested", count))
	return inserted, nil
}

// Value produces a plausible value for one column, keyed off its name and
// normalized type.
func Value(c *schema.Column) interface{} {
	name := strings.ToLower(c.Name)

	switch {
	case strings.Contains(name, "email"):
		return gofakeit.Email()
	case strings.Contains(name, "phone"):
		return gofakeit.Phone()
	case strings.Contains(name, "fname") || strings.Contains(name, "firstname") || strings.Contains(name, "first_name"):
		return gofakeit.FirstName()
	case strings.Contains(name, "lname") || strings.Contains(name, "lastname") || strings.Contains(name, "last_name"):
		return gofakeit.LastName()
	case strings.Contains(name, "city"):
		return gofakeit.City()
	case strings.Contains(name, "zip") || strings.Contains(name, "postal"):
		return gofakeit.Zip()
	case strings.Contains(name, "address"):
		return gofakeit.Street()
	}

	switch strings.ToLower(c.DataType) {
	case "tinyint":
		return gofakeit.Number(0, 1)
	case "smallint":
		return gofakeit.Number(0, 32767)
	case "int", "integer", "mediumint", "bigint":
		return gofakeit.Number(1, 1000000)
	case "decimal", "float", "double":
		return gofakeit.Price(0, 10000)
	case "date":
		return randomRecentTime().Format("2006-01-02")
	case "datetime", "timestamp":
		return randomRecentTime().Format("2006-01-02 15:04:05")
	case "boolean", "bool", "bit":
		return gofakeit.Bool()
	case "char":
		return gofakeit.Letter()
	case "text", "mediumtext", "longtext":
		return gofakeit.Sentence(8)
	default:
		s := gofakeit.Word()
		if c.Name != "" && len(s) > 20 {
			s = s[:20]
		}
		return s
	}
}

// randomRecentTime stays inside the sane calendar window the incremental
// analyzer accepts, so seeded tables exercise the incremental path.
func randomRecentTime() time.Time {
	start := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC)
	return gofakeit.DateRange(start, end)
}
