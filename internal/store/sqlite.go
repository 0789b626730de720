package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/sells-group/pricewatch/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Prices are stored as TEXT so decimals round-trip exactly; aggregates
// cast to REAL.
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS machines (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	company           TEXT NOT NULL DEFAULT '',
	category          TEXT NOT NULL DEFAULT '',
	product_url       TEXT NOT NULL,
	variant_attribute TEXT NOT NULL DEFAULT '',
	currency          TEXT NOT NULL DEFAULT '',
	last_known_price  TEXT,
	last_checked_at   DATETIME,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS price_history (
	id                    TEXT PRIMARY KEY,
	machine_id            TEXT NOT NULL,
	variant_attribute     TEXT NOT NULL DEFAULT '',
	price                 TEXT,
	previous_price        TEXT,
	currency              TEXT NOT NULL DEFAULT '',
	tier                  TEXT NOT NULL DEFAULT '',
	method                TEXT NOT NULL DEFAULT '',
	extracted_confidence  REAL NOT NULL DEFAULT 0,
	validation_confidence REAL NOT NULL DEFAULT 0,
	status                TEXT NOT NULL,
	failure_reason        TEXT NOT NULL DEFAULT '',
	review_reason         TEXT NOT NULL DEFAULT '',
	corrected             INTEGER NOT NULL DEFAULT 0,
	attempts              TEXT,
	batch_id              TEXT NOT NULL DEFAULT '',
	is_all_time_low       INTEGER NOT NULL DEFAULT 0,
	is_all_time_high      INTEGER NOT NULL DEFAULT 0,
	started_at            DATETIME NOT NULL,
	completed_at          DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS latest_prices (
	machine_id        TEXT NOT NULL,
	variant_attribute TEXT NOT NULL DEFAULT '',
	price             TEXT NOT NULL,
	currency          TEXT NOT NULL DEFAULT '',
	tier              TEXT NOT NULL DEFAULT '',
	confidence        REAL NOT NULL DEFAULT 0,
	updated_at        DATETIME NOT NULL,
	PRIMARY KEY (machine_id, variant_attribute)
);

CREATE TABLE IF NOT EXISTS review_queue (
	machine_id        TEXT NOT NULL,
	variant_attribute TEXT NOT NULL DEFAULT '',
	reason            TEXT NOT NULL,
	candidate_price   TEXT,
	history_id        TEXT NOT NULL DEFAULT '',
	flagged_at        DATETIME NOT NULL,
	PRIMARY KEY (machine_id, variant_attribute)
);

CREATE TABLE IF NOT EXISTS learned_selectors (
	domain     TEXT PRIMARY KEY,
	selector   TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS discovered_endpoints (
	domain            TEXT NOT NULL,
	variant_attribute TEXT NOT NULL DEFAULT '',
	endpoint_template TEXT NOT NULL,
	sample_url        TEXT NOT NULL DEFAULT '',
	price_field       TEXT NOT NULL DEFAULT '',
	discovered_at     DATETIME NOT NULL,
	PRIMARY KEY (domain, variant_attribute)
);

CREATE TABLE IF NOT EXISTS ai_usage (
	id                TEXT PRIMARY KEY,
	machine_id        TEXT NOT NULL DEFAULT '',
	model             TEXT NOT NULL,
	tier              TEXT NOT NULL,
	purpose           TEXT NOT NULL DEFAULT '',
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	estimated_cost    REAL NOT NULL DEFAULT 0,
	success           INTEGER NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_machines_last_checked ON machines(last_checked_at);
CREATE INDEX IF NOT EXISTS idx_price_history_machine ON price_history(machine_id, variant_attribute, completed_at);
CREATE INDEX IF NOT EXISTS idx_price_history_status ON price_history(status);
CREATE INDEX IF NOT EXISTS idx_ai_usage_created ON ai_usage(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetMachine(ctx context.Context, id string) (*model.MachineRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+machineColumns+` FROM machines WHERE id = ?`, id)
	m, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: machine %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get machine %s", id)
	}
	return m, nil
}

func (s *SQLiteStore) ListMachines(ctx context.Context, filter MachineFilter) ([]model.MachineRecord, error) {
	query, args, err := machinesQuery(filter, sq.Question).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build machine query")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list machines")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.MachineRecord
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan machine")
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list machines iterate")
}

const sqliteUpsertMachine = `
INSERT INTO machines (id, name, company, category, product_url, variant_attribute, currency, last_known_price, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	company = excluded.company,
	category = excluded.category,
	product_url = excluded.product_url,
	variant_attribute = excluded.variant_attribute,
	currency = excluded.currency,
	last_known_price = COALESCE(excluded.last_known_price, machines.last_known_price),
	updated_at = excluded.updated_at`

func (s *SQLiteStore) UpsertMachine(ctx context.Context, m model.MachineRecord) error {
	_, err := s.ImportMachines(ctx, []model.MachineRecord{m})
	return err
}

func (s *SQLiteStore) ImportMachines(ctx context.Context, machines []model.MachineRecord) (int64, error) {
	if len(machines) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin import")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteUpsertMachine)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare machine upsert")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	var n int64
	for _, m := range machines {
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		_, err := stmt.ExecContext(ctx, m.ID, m.Name, m.Company, m.Category, m.ProductURL,
			m.VariantAttribute, m.Currency, nullDecimal(m.LastKnownPrice), now, now)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert machine %s", m.ID)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit import")
	}
	return n, nil
}

func (s *SQLiteStore) TouchMachine(ctx context.Context, id string, checkedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE machines SET last_checked_at = ? WHERE id = ?`, checkedAt.UTC(), id)
	return eris.Wrapf(err, "sqlite: touch machine %s", id)
}

func (s *SQLiteStore) GetPreviousPrice(ctx context.Context, machineID, variant string) (*model.PreviousPrice, error) {
	var (
		price    decimal.NullDecimal
		currency string
		at       time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT price, currency, completed_at FROM price_history
		WHERE machine_id = ? AND variant_attribute = ? AND status = ? AND price IS NOT NULL
		ORDER BY completed_at DESC LIMIT 1`,
		machineID, variant, string(model.HistorySuccess),
	).Scan(&price, &currency, &at)
	if err == nil && price.Valid {
		return &model.PreviousPrice{Price: price.Decimal, Currency: currency, RecordedAt: at}, nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(err, "sqlite: previous price from history")
	}

	var checked sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		SELECT last_known_price, currency, last_checked_at FROM machines
		WHERE id = ? AND variant_attribute = ? AND last_known_price IS NOT NULL`,
		machineID, variant,
	).Scan(&price, &currency, &checked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: previous price from machine")
	}
	return &model.PreviousPrice{Price: price.Decimal, Currency: currency, RecordedAt: checked.Time}, nil
}

func (s *SQLiteStore) SavePriceHistory(ctx context.Context, e *model.PriceHistoryEntry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	attempts, err := json.Marshal(e.Attempts)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal attempts")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO price_history (`+historyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.MachineID, e.VariantAttribute, nullDecimal(e.Price), nullDecimal(e.PreviousPrice),
		e.Currency, string(e.Tier), e.Method, e.ExtractedConfidence, e.ValidationConfidence,
		string(e.Status), e.FailureReason, e.ReviewReason, e.Corrected, string(attempts),
		e.BatchID, e.IsAllTimeLow, e.IsAllTimeHigh, e.StartedAt.UTC(), e.CompletedAt.UTC(),
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: insert price history for %s", e.MachineID)
	}
	return e.ID, nil
}

func (s *SQLiteStore) ListPriceHistory(ctx context.Context, filter HistoryFilter) ([]model.PriceHistoryEntry, error) {
	query, args, err := historyQuery(filter, sq.Question).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build history query")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list price history")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.PriceHistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan price history")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list price history iterate")
}

func (s *SQLiteStore) GetPriceExtremes(ctx context.Context, machineID, variant string) (*decimal.Decimal, *decimal.Decimal, error) {
	var low, high sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(CAST(price AS REAL)), MAX(CAST(price AS REAL)) FROM price_history
		WHERE machine_id = ? AND variant_attribute = ? AND status = ? AND price IS NOT NULL`,
		machineID, variant, string(model.HistorySuccess),
	).Scan(&low, &high)
	if err != nil {
		return nil, nil, eris.Wrap(err, "sqlite: price extremes")
	}
	if !low.Valid || !high.Valid {
		return nil, nil, nil
	}
	l, h := decimal.NewFromFloat(low.Float64), decimal.NewFromFloat(high.Float64)
	return &l, &h, nil
}

func (s *SQLiteStore) UpsertLatestPrice(ctx context.Context, p model.LatestPrice) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin latest price")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO latest_prices (machine_id, variant_attribute, price, currency, tier, confidence, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(machine_id, variant_attribute) DO UPDATE SET
			price = excluded.price,
			currency = excluded.currency,
			tier = excluded.tier,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at`,
		p.MachineID, p.VariantAttribute, p.Price, p.Currency, string(p.Tier), p.Confidence, p.UpdatedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert latest price for %s", p.MachineID)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE machines SET last_known_price = ?, currency = COALESCE(NULLIF(?, ''), currency), updated_at = ?
		WHERE id = ? AND variant_attribute = ?`,
		p.Price, p.Currency, p.UpdatedAt.UTC(), p.MachineID, p.VariantAttribute,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update machine price for %s", p.MachineID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit latest price")
}

func (s *SQLiteStore) GetLatestPrice(ctx context.Context, machineID, variant string) (*model.LatestPrice, error) {
	p := model.LatestPrice{MachineID: machineID, VariantAttribute: variant}
	var tier string
	err := s.db.QueryRowContext(ctx, `
		SELECT price, currency, tier, confidence, updated_at FROM latest_prices
		WHERE machine_id = ? AND variant_attribute = ?`,
		machineID, variant,
	).Scan(&p.Price, &p.Currency, &tier, &p.Confidence, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get latest price for %s", machineID)
	}
	p.Tier = model.Tier(tier)
	return &p, nil
}

func (s *SQLiteStore) SetManualReviewFlag(ctx context.Context, item model.ReviewItem) error {
	if item.FlaggedAt.IsZero() {
		item.FlaggedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO review_queue (machine_id, variant_attribute, reason, candidate_price, history_id, flagged_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(machine_id, variant_attribute) DO UPDATE SET
			reason = excluded.reason,
			candidate_price = excluded.candidate_price,
			history_id = excluded.history_id,
			flagged_at = excluded.flagged_at`,
		item.MachineID, item.VariantAttribute, item.Reason, nullDecimal(item.CandidatePrice), item.HistoryID, item.FlaggedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: flag %s for review", item.MachineID)
}

func (s *SQLiteStore) ListReviewQueue(ctx context.Context, limit int) ([]model.ReviewItem, error) {
	query, args, err := reviewQuery(limit, sq.Question).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build review query")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list review queue")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ReviewItem
	for rows.Next() {
		item, err := scanReview(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan review item")
		}
		out = append(out, *item)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list review queue iterate")
}

func (s *SQLiteStore) GetLearnedSelector(ctx context.Context, domain string) (string, error) {
	var sel string
	err := s.db.QueryRowContext(ctx, `SELECT selector FROM learned_selectors WHERE domain = ?`, domain).Scan(&sel)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return sel, eris.Wrapf(err, "sqlite: get learned selector for %s", domain)
}

func (s *SQLiteStore) SaveLearnedSelector(ctx context.Context, domain, selector string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO learned_selectors (domain, selector, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET selector = excluded.selector, updated_at = excluded.updated_at`,
		domain, selector, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save learned selector for %s", domain)
}

func (s *SQLiteStore) GetDiscoveredEndpoint(ctx context.Context, domain, variant string) (*model.DiscoveredEndpoint, error) {
	ep := model.DiscoveredEndpoint{Domain: domain, VariantAttribute: variant}
	err := s.db.QueryRowContext(ctx, `
		SELECT endpoint_template, sample_url, price_field, discovered_at FROM discovered_endpoints
		WHERE domain = ? AND variant_attribute = ?`,
		domain, variant,
	).Scan(&ep.Template, &ep.SampleURL, &ep.PriceField, &ep.DiscoveredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get discovered endpoint for %s", domain)
	}
	return &ep, nil
}

func (s *SQLiteStore) SaveDiscoveredEndpoint(ctx context.Context, ep model.DiscoveredEndpoint) error {
	if ep.DiscoveredAt.IsZero() {
		ep.DiscoveredAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO discovered_endpoints (domain, variant_attribute, endpoint_template, sample_url, price_field, discovered_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain, variant_attribute) DO UPDATE SET
			endpoint_template = excluded.endpoint_template,
			sample_url = excluded.sample_url,
			price_field = excluded.price_field,
			discovered_at = excluded.discovered_at`,
		ep.Domain, ep.VariantAttribute, ep.Template, ep.SampleURL, ep.PriceField, ep.DiscoveredAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save discovered endpoint for %s", ep.Domain)
}

func (s *SQLiteStore) SaveAIUsage(ctx context.Context, usage []model.AIUsage) error {
	if len(usage) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin ai usage")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, u := range usage {
		if u.ID == "" {
			u.ID = uuid.New().String()
		}
		if u.CreatedAt.IsZero() {
			u.CreatedAt = time.Now()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ai_usage (id, machine_id, model, tier, purpose, prompt_tokens, completion_tokens, estimated_cost, success, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			u.ID, u.MachineID, u.Model, string(u.Tier), u.Purpose, u.PromptTokens, u.CompletionTokens,
			u.EstimatedCost, u.Success, u.CreatedAt.UTC(),
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert ai usage")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit ai usage")
}

// RunStats aggregates history, AI usage and review queue depth since the cutoff.
func (s *SQLiteStore) RunStats(ctx context.Context, since time.Time) (*RunStats, error) {
	st, err := collectStats(ctx, since, sq.Question, func(ctx context.Context, query string, args ...any) scannable {
		return s.db.QueryRowContext(ctx, query, args...)
	})
	return st, eris.Wrap(err, "sqlite: run stats")
}
