package store

import (
	"context"
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func anyArgs(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = pgxmock.AnyArg()
	}
	return out
}

func TestPostgresStore_GetMachine_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, name, company, category, product_url.* FROM machines WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetMachine(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetPreviousPrice_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM price_history WHERE machine_id = \$1 AND variant_attribute = \$2 AND status = 'SUCCESS'`).
		WithArgs("m1", "40W").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT last_known_price, currency, last_checked_at FROM machines`).
		WithArgs("m1", "40W").
		WillReturnError(pgx.ErrNoRows)

	prev, err := s.GetPreviousPrice(context.Background(), "m1", "40W")
	require.NoError(t, err)
	assert.Nil(t, prev)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LearnedSelector(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT selector FROM learned_selectors WHERE domain = \$1`).
		WithArgs("shop.example.com").
		WillReturnRows(pgxmock.NewRows([]string{"selector"}).AddRow(".price ins"))
	mock.ExpectQuery(`SELECT selector FROM learned_selectors`).
		WithArgs("other.example.com").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`INSERT INTO learned_selectors .* ON CONFLICT \(domain\) DO UPDATE`).
		WithArgs("shop.example.com", ".product-price", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	sel, err := s.GetLearnedSelector(ctx, "shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, ".price ins", sel)

	sel, err = s.GetLearnedSelector(ctx, "other.example.com")
	require.NoError(t, err)
	assert.Empty(t, sel)

	require.NoError(t, s.SaveLearnedSelector(ctx, "shop.example.com", ".product-price"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SavePriceHistory(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO price_history \(id, machine_id`).
		WithArgs(anyArgs(20)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	p := decimal.NewFromInt(3999)
	entry := &model.PriceHistoryEntry{MachineID: "m1", Price: &p, Status: model.HistorySuccess, StartedAt: time.Now(), CompletedAt: time.Now()}
	id, err := s.SavePriceHistory(context.Background(), entry)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, entry.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertLatestPrice(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO latest_prices .* ON CONFLICT \(machine_id, variant_attribute\) DO UPDATE`).
		WithArgs(anyArgs(7)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE machines SET last_known_price = \$1`).
		WithArgs(anyArgs(5)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.UpsertLatestPrice(context.Background(), model.LatestPrice{
		MachineID: "m1", Price: decimal.NewFromInt(3999), Currency: "USD", Tier: model.TierStatic, Confidence: 0.9,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertLatestPrice_RollsBackOnError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO latest_prices`).
		WithArgs(anyArgs(7)...).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := s.UpsertLatestPrice(context.Background(), model.LatestPrice{MachineID: "m1", Price: decimal.NewFromInt(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert latest price")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ImportMachines(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_machines"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_machines"}, importColumns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "machines" .* ON CONFLICT \("id"\) DO UPDATE SET "name" = EXCLUDED."name"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.ImportMachines(context.Background(), []model.MachineRecord{
		{ID: "m1", Name: "xTool S1", ProductURL: "https://xtool.com/s1"},
		{Name: "Glowforge Pro", ProductURL: "https://glowforge.com/pro"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveAIUsage(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"ai_usage"}, usageColumns).WillReturnResult(2)

	err := s.SaveAIUsage(context.Background(), []model.AIUsage{
		{Model: "claude-haiku-4-5-20251001", Tier: model.TierSliceFast, Success: true},
		{Model: "claude-sonnet-4-5-20250929", Tier: model.TierFullHTML},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	require.NoError(t, s.SaveAIUsage(context.Background(), nil))
}

func TestMachinesQuery(t *testing.T) {
	cutoff := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	query, args, err := machinesQuery(MachineFilter{Company: "xTool", StaleBefore: &cutoff, Limit: 5000, Offset: 10}, sq.Dollar).ToSql()
	require.NoError(t, err)
	assert.Contains(t, query, "FROM machines WHERE company = $1 AND (last_checked_at IS NULL OR last_checked_at < $2)")
	assert.Contains(t, query, "ORDER BY last_checked_at IS NOT NULL, last_checked_at, id LIMIT 1000 OFFSET 10")
	assert.Equal(t, []any{"xTool", cutoff}, args)
}

func TestHistoryQuery(t *testing.T) {
	variant := ""
	query, args, err := historyQuery(HistoryFilter{MachineID: "m1", VariantAttribute: &variant, Status: model.HistoryNeedsReview}, sq.Question).ToSql()
	require.NoError(t, err)
	assert.Contains(t, query, "WHERE machine_id = ? AND variant_attribute = ? AND status = ?")
	assert.Contains(t, query, "ORDER BY completed_at DESC, id DESC LIMIT 100")
	assert.Equal(t, []any{"m1", "", "NEEDS_REVIEW"}, args)
}

func TestHistoryStatsQuery(t *testing.T) {
	since := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	query, args, err := historyStatsQuery(since, sq.Dollar).ToSql()
	require.NoError(t, err)
	assert.Contains(t, query, "status = 'NEEDS_REVIEW'")
	assert.Contains(t, query, "FROM price_history WHERE completed_at >= $1")
	assert.Equal(t, []any{since}, args)
}
