package store

import (
	"context"
	"time"

	"github.com/commontrace/engine/internal/model"
)

// TagCountInWindow returns, per tag, how many traces carrying that tag were
// created within [start, end).
func (s *Store) TagCountInWindow(ctx context.Context, start, end time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tt.tag_name, COUNT(DISTINCT tt.trace_id)
		FROM trace_tags tt
		JOIN traces t ON t.id = tt.trace_id
		WHERE t.created_at >= ? AND t.created_at < ?
		GROUP BY tt.tag_name
	`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var tag string
		var n int
		if err := rows.Scan(&tag, &n); err != nil {
			return nil, err
		}
		out[tag] = n
	}
	return out, rows.Err()
}

// UpsertTagTrend records one tag's rolling-window growth snapshot.
func (s *Store) UpsertTagTrend(ctx context.Context, tr *model.TagTrend) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tag_trends (tag_name, period_start, period_end, trace_count_period, trace_count_prior, growth_rate, is_trending)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tag_name, period_end) DO UPDATE SET
			period_start = excluded.period_start,
			trace_count_period = excluded.trace_count_period,
			trace_count_prior = excluded.trace_count_prior,
			growth_rate = excluded.growth_rate,
			is_trending = excluded.is_trending
	`, tr.TagName, tr.PeriodStart, tr.PeriodEnd, tr.TraceCountPeriod, tr.TraceCountPrior, tr.GrowthRate, boolToInt(tr.IsTrending))
	return err
}

// TrendingTags returns each tag's most recent snapshot where it was flagged
// trending, top 10 by growth rate (§6 GET /api/v1/tags/trending).
func (s *Store) TrendingTags(ctx context.Context) ([]*model.TagTrend, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tt.tag_name, tt.period_start, tt.period_end, tt.trace_count_period, tt.trace_count_prior, tt.growth_rate, tt.is_trending
		FROM tag_trends tt
		JOIN (
			SELECT tag_name, MAX(period_end) AS latest FROM tag_trends WHERE is_trending = 1 GROUP BY tag_name
		) latest ON latest.tag_name = tt.tag_name AND latest.latest = tt.period_end
		WHERE tt.is_trending = 1
		ORDER BY tt.growth_rate DESC
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.TagTrend
	for rows.Next() {
		var tr model.TagTrend
		var trending int
		if err := rows.Scan(&tr.TagName, &tr.PeriodStart, &tr.PeriodEnd, &tr.TraceCountPeriod, &tr.TraceCountPrior, &tr.GrowthRate, &trending); err != nil {
			return nil, err
		}
		tr.IsTrending = trending != 0
		out = append(out, &tr)
	}
	return out, rows.Err()
}
