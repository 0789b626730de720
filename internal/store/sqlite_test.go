package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func seedMachine(t *testing.T, st Store, m model.MachineRecord) {
	t.Helper()
	require.NoError(t, st.UpsertMachine(context.Background(), m))
}

func TestSQLite_Machines(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	seedMachine(t, st, model.MachineRecord{
		ID: "m1", Name: "xTool P2", Company: "xTool", ProductURL: "https://www.xtool.com/products/p2",
		VariantAttribute: "55W", Currency: "USD", LastKnownPrice: dec("4589.00"),
	})

	got, err := st.GetMachine(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "xTool P2", got.Name)
	assert.Equal(t, "55W", got.VariantAttribute)
	require.NotNil(t, got.LastKnownPrice)
	assert.True(t, got.LastKnownPrice.Equal(decimal.NewFromInt(4589)))
	assert.Nil(t, got.LastCheckedAt)

	// Re-importing without a price keeps the stored one.
	n, err := st.ImportMachines(ctx, []model.MachineRecord{
		{ID: "m1", Name: "xTool P2 55W", Company: "xTool", ProductURL: "https://www.xtool.com/products/p2", VariantAttribute: "55W"},
		{Name: "Glowforge Pro", Company: "Glowforge", ProductURL: "https://glowforge.com/pro"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err = st.GetMachine(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "xTool P2 55W", got.Name)
	require.NotNil(t, got.LastKnownPrice)

	_, err = st.GetMachine(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := st.ListMachines(ctx, MachineFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byCompany, err := st.ListMachines(ctx, MachineFilter{Company: "Glowforge"})
	require.NoError(t, err)
	require.Len(t, byCompany, 1)
	assert.Equal(t, "Glowforge Pro", byCompany[0].Name)
}

func TestSQLite_ListMachines_Stale(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		seedMachine(t, st, model.MachineRecord{ID: id, Name: id, ProductURL: "https://x.example.com/" + id})
	}
	now := time.Now().UTC()
	require.NoError(t, st.TouchMachine(ctx, "a", now.Add(-48*time.Hour)))
	require.NoError(t, st.TouchMachine(ctx, "b", now))

	cutoff := now.Add(-24 * time.Hour)
	stale, err := st.ListMachines(ctx, MachineFilter{StaleBefore: &cutoff})
	require.NoError(t, err)
	require.Len(t, stale, 2)
	// Never-checked machines come first.
	assert.Equal(t, "c", stale[0].ID)
	assert.Equal(t, "a", stale[1].ID)
	require.NotNil(t, stale[1].LastCheckedAt)
}

func TestSQLite_PreviousPrice(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	prev, err := st.GetPreviousPrice(ctx, "m1", "")
	require.NoError(t, err)
	assert.Nil(t, prev)

	seedMachine(t, st, model.MachineRecord{ID: "m1", Name: "F1", ProductURL: "https://x.example.com/f1", Currency: "USD", LastKnownPrice: dec("1299")})

	prev, err = st.GetPreviousPrice(ctx, "m1", "")
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.True(t, prev.Price.Equal(decimal.NewFromInt(1299)))

	base := time.Now().UTC().Add(-time.Hour)
	entries := []model.PriceHistoryEntry{
		{MachineID: "m1", Price: dec("1199.00"), Currency: "USD", Status: model.HistorySuccess, StartedAt: base, CompletedAt: base},
		{MachineID: "m1", Price: dec("1099.00"), Currency: "USD", Status: model.HistorySuccess, StartedAt: base, CompletedAt: base.Add(10 * time.Minute)},
		{MachineID: "m1", Price: dec("99.00"), Currency: "USD", Status: model.HistoryNeedsReview, StartedAt: base, CompletedAt: base.Add(20 * time.Minute)},
		{MachineID: "m1", Status: model.HistoryFailed, FailureReason: "fetch failed", StartedAt: base, CompletedAt: base.Add(30 * time.Minute)},
	}
	for i := range entries {
		id, err := st.SavePriceHistory(ctx, &entries[i])
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	}

	prev, err = st.GetPreviousPrice(ctx, "m1", "")
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.True(t, prev.Price.Equal(decimal.NewFromInt(1099)), prev.Price.String())
	assert.Equal(t, "USD", prev.Currency)

	low, high, err := st.GetPriceExtremes(ctx, "m1", "")
	require.NoError(t, err)
	require.NotNil(t, low)
	require.NotNil(t, high)
	assert.True(t, low.Equal(decimal.NewFromInt(1099)))
	assert.True(t, high.Equal(decimal.NewFromInt(1199)))

	low, high, err = st.GetPriceExtremes(ctx, "other", "")
	require.NoError(t, err)
	assert.Nil(t, low)
	assert.Nil(t, high)
}

func TestSQLite_PriceHistoryRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	entry := &model.PriceHistoryEntry{
		MachineID:            "m1",
		VariantAttribute:     "40W",
		Price:                dec("3999.00"),
		PreviousPrice:        dec("4589.00"),
		Currency:             "USD",
		Tier:                 model.TierStatic,
		Method:               model.MethodSiteSelector,
		ExtractedConfidence:  0.9,
		ValidationConfidence: 0.9,
		Status:               model.HistorySuccess,
		Corrected:            true,
		IsAllTimeLow:         true,
		Attempts:             []model.Attempt{model.MissAttempt(model.TierStatic, model.MethodStructuredData, "not present")},
		StartedAt:            now,
		CompletedAt:          now,
	}
	_, err := st.SavePriceHistory(ctx, entry)
	require.NoError(t, err)

	variant := "40W"
	got, err := st.ListPriceHistory(ctx, HistoryFilter{MachineID: "m1", VariantAttribute: &variant})
	require.NoError(t, err)
	require.Len(t, got, 1)
	e := got[0]
	assert.Equal(t, entry.ID, e.ID)
	assert.True(t, e.Price.Equal(decimal.NewFromInt(3999)))
	assert.True(t, e.PreviousPrice.Equal(decimal.NewFromInt(4589)))
	assert.Equal(t, model.TierStatic, e.Tier)
	assert.True(t, e.Corrected)
	assert.True(t, e.IsAllTimeLow)
	assert.False(t, e.IsAllTimeHigh)
	require.Len(t, e.Attempts, 1)
	assert.Equal(t, model.MethodStructuredData, e.Attempts[0].Technique)

	none, err := st.ListPriceHistory(ctx, HistoryFilter{MachineID: "m1", Status: model.HistoryFailed})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLite_LatestPrice(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedMachine(t, st, model.MachineRecord{ID: "m1", Name: "F1", ProductURL: "https://x.example.com/f1", LastKnownPrice: dec("1299")})

	got, err := st.GetLatestPrice(ctx, "m1", "")
	require.NoError(t, err)
	assert.Nil(t, got)

	for _, p := range []string{"1199.00", "1149.00"} {
		require.NoError(t, st.UpsertLatestPrice(ctx, model.LatestPrice{
			MachineID: "m1", Price: decimal.RequireFromString(p), Currency: "USD", Tier: model.TierSliceFast, Confidence: 0.85,
		}))
	}

	got, err = st.GetLatestPrice(ctx, "m1", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("1149")))
	assert.Equal(t, model.TierSliceFast, got.Tier)

	m, err := st.GetMachine(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, m.LastKnownPrice.Equal(decimal.RequireFromString("1149")))
	assert.Equal(t, "USD", m.Currency)
}

func TestSQLite_ReviewQueue(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SetManualReviewFlag(ctx, model.ReviewItem{MachineID: "m1", Reason: "large_price_change", CandidatePrice: dec("2299")}))
	require.NoError(t, st.SetManualReviewFlag(ctx, model.ReviewItem{MachineID: "m1", Reason: "extreme_price_change", HistoryID: "h2"}))
	require.NoError(t, st.SetManualReviewFlag(ctx, model.ReviewItem{MachineID: "m2", VariantAttribute: "60W", Reason: "low_confidence"}))

	items, err := st.ListReviewQueue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	byMachine := map[string]model.ReviewItem{}
	for _, it := range items {
		byMachine[it.MachineID] = it
	}
	assert.Equal(t, "extreme_price_change", byMachine["m1"].Reason)
	assert.Equal(t, "h2", byMachine["m1"].HistoryID)
	assert.Nil(t, byMachine["m1"].CandidatePrice)
	assert.Equal(t, "60W", byMachine["m2"].VariantAttribute)
}

func TestSQLite_LearnedSelectorsAndEndpoints(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	sel, err := st.GetLearnedSelector(ctx, "shop.example.com")
	require.NoError(t, err)
	assert.Empty(t, sel)

	require.NoError(t, st.SaveLearnedSelector(ctx, "shop.example.com", ".price ins"))
	require.NoError(t, st.SaveLearnedSelector(ctx, "shop.example.com", ".product-price"))
	sel, err = st.GetLearnedSelector(ctx, "shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, ".product-price", sel)

	ep, err := st.GetDiscoveredEndpoint(ctx, "shop.example.com", "40W")
	require.NoError(t, err)
	assert.Nil(t, ep)

	require.NoError(t, st.SaveDiscoveredEndpoint(ctx, model.DiscoveredEndpoint{
		Domain: "shop.example.com", VariantAttribute: "40W",
		Template:  "https://shop.example.com/api/products/{id}/price",
		SampleURL: "https://shop.example.com/api/products/123456/price", PriceField: "product.price",
	}))
	ep, err = st.GetDiscoveredEndpoint(ctx, "shop.example.com", "40W")
	require.NoError(t, err)
	require.NotNil(t, ep)
	assert.Equal(t, "product.price", ep.PriceField)
	assert.False(t, ep.DiscoveredAt.IsZero())
}

func TestSQLite_SaveAIUsage(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveAIUsage(ctx, nil))
	require.NoError(t, st.SaveAIUsage(ctx, []model.AIUsage{
		{MachineID: "m1", Model: "claude-haiku-4-5-20251001", Tier: model.TierSliceFast, PromptTokens: 5000, CompletionTokens: 20, EstimatedCost: 0.005, Success: true},
		{MachineID: "m1", Model: "claude-sonnet-4-5-20250929", Tier: model.TierSliceBalanced, Success: false},
	}))

	var n int
	require.NoError(t, st.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ai_usage WHERE machine_id = 'm1'`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestSQLite_RunStats(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-72 * time.Hour)

	for i, status := range []model.HistoryStatus{model.HistorySuccess, model.HistorySuccess, model.HistoryFailed, model.HistoryNeedsReview} {
		_, err := st.SavePriceHistory(ctx, &model.PriceHistoryEntry{
			MachineID: fmt.Sprintf("m%d", i), Status: status, StartedAt: now, CompletedAt: now,
		})
		require.NoError(t, err)
	}
	_, err := st.SavePriceHistory(ctx, &model.PriceHistoryEntry{
		MachineID: "old", Status: model.HistoryFailed, StartedAt: old, CompletedAt: old,
	})
	require.NoError(t, err)

	require.NoError(t, st.SaveAIUsage(ctx, []model.AIUsage{
		{MachineID: "m0", Model: "claude-haiku-4-5-20251001", Tier: model.TierSliceFast, EstimatedCost: 0.25, CreatedAt: now},
		{MachineID: "m1", Model: "claude-haiku-4-5-20251001", Tier: model.TierSliceFast, EstimatedCost: 0.5, CreatedAt: now},
		{MachineID: "old", Model: "claude-haiku-4-5-20251001", Tier: model.TierSliceFast, EstimatedCost: 9, CreatedAt: old},
	}))
	require.NoError(t, st.SetManualReviewFlag(ctx, model.ReviewItem{MachineID: "m3", Reason: "large change", FlaggedAt: now}))

	stats, err := st.RunStats(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.NeedsReview)
	assert.Equal(t, 2, stats.AICalls)
	assert.InDelta(t, 0.75, stats.AICostUSD, 1e-9)
	assert.Equal(t, 1, stats.ReviewDepth)
}
