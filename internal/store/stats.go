package store

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/sells-group/pricewatch/internal/model"
)

// RunStats aggregates extraction activity since a cutoff.
type RunStats struct {
	Total       int     `json:"total"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	NeedsReview int     `json:"needs_review"`
	AICalls     int     `json:"ai_calls"`
	AICostUSD   float64 `json:"ai_cost_usd"`
	ReviewDepth int     `json:"review_depth"`
}

func historyStatsQuery(since time.Time, ph sq.PlaceholderFormat) sq.SelectBuilder {
	return sq.Select(
		"COUNT(*)",
		"COALESCE(SUM(CASE WHEN status = '"+string(model.HistorySuccess)+"' THEN 1 ELSE 0 END), 0)",
		"COALESCE(SUM(CASE WHEN status = '"+string(model.HistoryFailed)+"' THEN 1 ELSE 0 END), 0)",
		"COALESCE(SUM(CASE WHEN status = '"+string(model.HistoryNeedsReview)+"' THEN 1 ELSE 0 END), 0)",
	).From("price_history").Where(sq.GtOrEq{"completed_at": since.UTC()}).PlaceholderFormat(ph)
}

func usageStatsQuery(since time.Time, ph sq.PlaceholderFormat) sq.SelectBuilder {
	return sq.Select("COUNT(*)", "COALESCE(SUM(estimated_cost), 0)").
		From("ai_usage").
		Where(sq.GtOrEq{"created_at": since.UTC()}).
		PlaceholderFormat(ph)
}

// collectStats runs the three aggregate queries through query, which
// returns a single row for the given SQL and args.
func collectStats(ctx context.Context, since time.Time, ph sq.PlaceholderFormat,
	query func(ctx context.Context, sql string, args ...any) scannable) (*RunStats, error) {
	st := &RunStats{}

	hsql, hargs, err := historyStatsQuery(since, ph).ToSql()
	if err != nil {
		return nil, err
	}
	if err := query(ctx, hsql, hargs...).Scan(&st.Total, &st.Succeeded, &st.Failed, &st.NeedsReview); err != nil {
		return nil, err
	}

	usql, uargs, err := usageStatsQuery(since, ph).ToSql()
	if err != nil {
		return nil, err
	}
	if err := query(ctx, usql, uargs...).Scan(&st.AICalls, &st.AICostUSD); err != nil {
		return nil, err
	}

	if err := query(ctx, "SELECT COUNT(*) FROM review_queue").Scan(&st.ReviewDepth); err != nil {
		return nil, err
	}
	return st, nil
}
