// Package store persists machines, the append-only price history, the
// accepted latest prices, the review queue and the optimisation feedback
// (learned selectors, discovered endpoints, AI usage).
package store

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/pricewatch/internal/model"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = eris.New("store: not found")

// MachineFilter selects machines for batch runs and listings.
type MachineFilter struct {
	Company string `json:"company,omitempty"`
	// StaleBefore keeps machines never checked or last checked before it.
	StaleBefore *time.Time `json:"stale_before,omitempty"`
	Limit       int        `json:"limit,omitempty"`
	Offset      int        `json:"offset,omitempty"`
}

// HistoryFilter selects price history entries, newest first.
type HistoryFilter struct {
	MachineID        string              `json:"machine_id,omitempty"`
	VariantAttribute *string             `json:"variant_attribute,omitempty"`
	Status           model.HistoryStatus `json:"status,omitempty"`
	Limit            int                 `json:"limit,omitempty"`
}

// Store defines the persistence interface for the extraction pipeline.
type Store interface {
	// Machines
	GetMachine(ctx context.Context, id string) (*model.MachineRecord, error)
	ListMachines(ctx context.Context, filter MachineFilter) ([]model.MachineRecord, error)
	UpsertMachine(ctx context.Context, m model.MachineRecord) error
	ImportMachines(ctx context.Context, machines []model.MachineRecord) (int64, error)
	TouchMachine(ctx context.Context, id string, checkedAt time.Time) error

	// Prices
	GetPreviousPrice(ctx context.Context, machineID, variant string) (*model.PreviousPrice, error)
	SavePriceHistory(ctx context.Context, entry *model.PriceHistoryEntry) (string, error)
	ListPriceHistory(ctx context.Context, filter HistoryFilter) ([]model.PriceHistoryEntry, error)
	GetPriceExtremes(ctx context.Context, machineID, variant string) (low, high *decimal.Decimal, err error)
	UpsertLatestPrice(ctx context.Context, p model.LatestPrice) error
	GetLatestPrice(ctx context.Context, machineID, variant string) (*model.LatestPrice, error)

	// Review queue
	SetManualReviewFlag(ctx context.Context, item model.ReviewItem) error
	ListReviewQueue(ctx context.Context, limit int) ([]model.ReviewItem, error)

	// Optimisation feedback
	GetLearnedSelector(ctx context.Context, domain string) (string, error)
	SaveLearnedSelector(ctx context.Context, domain, selector string) error
	GetDiscoveredEndpoint(ctx context.Context, domain, variant string) (*model.DiscoveredEndpoint, error)
	SaveDiscoveredEndpoint(ctx context.Context, ep model.DiscoveredEndpoint) error
	SaveAIUsage(ctx context.Context, usage []model.AIUsage) error

	// Monitoring
	RunStats(ctx context.Context, since time.Time) (*RunStats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

const machineColumns = "id, name, company, category, product_url, variant_attribute, currency, last_known_price, last_checked_at"

const historyColumns = "id, machine_id, variant_attribute, price, previous_price, currency, tier, method, " +
	"extracted_confidence, validation_confidence, status, failure_reason, review_reason, corrected, attempts, " +
	"batch_id, is_all_time_low, is_all_time_high, started_at, completed_at"

func clampLimit(n int) uint64 {
	switch {
	case n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	}
	return uint64(n)
}

// machinesQuery builds the machine listing for either placeholder style.
func machinesQuery(f MachineFilter, ph sq.PlaceholderFormat) sq.SelectBuilder {
	q := sq.Select(machineColumns).From("machines").PlaceholderFormat(ph)
	if f.Company != "" {
		q = q.Where(sq.Eq{"company": f.Company})
	}
	if f.StaleBefore != nil {
		q = q.Where(sq.Or{sq.Eq{"last_checked_at": nil}, sq.Lt{"last_checked_at": f.StaleBefore.UTC()}})
	}
	q = q.OrderBy("last_checked_at IS NOT NULL", "last_checked_at", "id").Limit(clampLimit(f.Limit))
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}
	return q
}

func historyQuery(f HistoryFilter, ph sq.PlaceholderFormat) sq.SelectBuilder {
	q := sq.Select(historyColumns).From("price_history").PlaceholderFormat(ph)
	if f.MachineID != "" {
		q = q.Where(sq.Eq{"machine_id": f.MachineID})
	}
	if f.VariantAttribute != nil {
		q = q.Where(sq.Eq{"variant_attribute": *f.VariantAttribute})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	return q.OrderBy("completed_at DESC", "id DESC").Limit(clampLimit(f.Limit))
}

func reviewQuery(limit int, ph sq.PlaceholderFormat) sq.SelectBuilder {
	return sq.Select("machine_id, variant_attribute, reason, candidate_price, history_id, flagged_at").
		From("review_queue").
		PlaceholderFormat(ph).
		OrderBy("flagged_at ASC").
		Limit(clampLimit(limit))
}

type scannable interface {
	Scan(dest ...any) error
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func decimalPtr(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}
