package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// ErrVerificationFailed means the post-copy row counts disagree beyond
// tolerance. The watermark is left unadvanced so the next run retries the
// table fully.
var ErrVerificationFailed = errors.New("row count verification failed")

// exactMatchThreshold is the target row count below which verification
// demands an exact match. At and above it, a size-scaled tolerance absorbs
// writes that land on the live source during the copy window.
const exactMatchThreshold = 100000

// Tolerance returns the permitted row-count discrepancy for a target of
// the given size: zero below the threshold, max(10, 0.1%) at or above it.
func Tolerance(targetRows int64) int64 {
	if targetRows < exactMatchThreshold {
		return 0
	}
	tol := targetRows / 1000
	if tol < 10 {
		tol = 10
	}
	return tol
}

// VerifyExtraction compares source and target row counts. Incremental runs
// skip the comparison entirely: the source is a moving target and the
// upsert semantics already bound the damage of a replayed window.
func (r *Replicator) VerifyExtraction(ctx context.Context, table string, isIncremental bool) (bool, error) {
	if isIncremental {
		r.log.Debug("skipping verification for incremental run", zap.String("table", table))
		return true, nil
	}

	srcCount, err := r.countRows(ctx, r.source, r.srcDialect, table)
	if err != nil {
		return false, err
	}
	tgtCount, err := r.countRows(ctx, r.target, r.tgtDialect, table)
	if err != nil {
		return false, err
	}

	diff := srcCount - tgtCount
	if diff < 0 {
		diff = -diff
	}
	tol := Tolerance(tgtCount)
	if diff > tol {
		r.log.Error("row count verification failed",
			zap.String("table", table),
			zap.Int64("source_rows", srcCount),
			zap.Int64("target_rows", tgtCount),
			zap.Int64("tolerance", tol))
		return false, nil
	}
	if diff > 0 {
		r.log.Info("row counts differ within tolerance",
			zap.String("table", table),
			zap.Int64("discrepancy", diff),
			zap.Int64("tolerance", tol))
	}
	return true, nil
}
