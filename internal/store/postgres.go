package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/pricewatch/internal/db"
	"github.com/sells-group/pricewatch/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the per-run hot path.
var preparedStatements = map[string]string{
	"get_machine":       `SELECT ` + machineColumns + ` FROM machines WHERE id = $1`,
	"prev_from_history": `SELECT price, currency, completed_at FROM price_history WHERE machine_id = $1 AND variant_attribute = $2 AND status = 'SUCCESS' AND price IS NOT NULL ORDER BY completed_at DESC LIMIT 1`,
	"prev_from_machine": `SELECT last_known_price, currency, last_checked_at FROM machines WHERE id = $1 AND variant_attribute = $2 AND last_known_price IS NOT NULL`,
	"get_learned":       `SELECT selector FROM learned_selectors WHERE domain = $1`,
	"get_endpoint":      `SELECT endpoint_template, sample_url, price_field, discovered_at FROM discovered_endpoints WHERE domain = $1 AND variant_attribute = $2`,
	"price_extremes":    `SELECT MIN(price), MAX(price) FROM price_history WHERE machine_id = $1 AND variant_attribute = $2 AND status = 'SUCCESS' AND price IS NOT NULL`,
	"touch_machine":     `UPDATE machines SET last_checked_at = $1 WHERE id = $2`,
	"get_latest_price":  `SELECT price, currency, tier, confidence, updated_at FROM latest_prices WHERE machine_id = $1 AND variant_attribute = $2`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	cfg := db.PoolConfig{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: 30 * time.Minute,
		AfterConnect: func(ctx context.Context, conn *pgx.Conn) error {
			for name, sql := range preparedStatements {
				if _, err := conn.Prepare(ctx, name, sql); err != nil {
					return eris.Wrapf(err, "postgres: prepare %s", name)
				}
			}
			return nil
		},
	}
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			cfg.MaxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			cfg.MinConns = poolCfg.MinConns
		}
	}
	pool, err := db.Connect(ctx, connString, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS machines (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name              TEXT NOT NULL,
	company           TEXT NOT NULL DEFAULT '',
	category          TEXT NOT NULL DEFAULT '',
	product_url       TEXT NOT NULL,
	variant_attribute TEXT NOT NULL DEFAULT '',
	currency          TEXT NOT NULL DEFAULT '',
	last_known_price  NUMERIC(12,2),
	last_checked_at   TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS price_history (
	id                    TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	machine_id            TEXT NOT NULL,
	variant_attribute     TEXT NOT NULL DEFAULT '',
	price                 NUMERIC(12,2),
	previous_price        NUMERIC(12,2),
	currency              TEXT NOT NULL DEFAULT '',
	tier                  TEXT NOT NULL DEFAULT '',
	method                TEXT NOT NULL DEFAULT '',
	extracted_confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
	validation_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	status                TEXT NOT NULL,
	failure_reason        TEXT NOT NULL DEFAULT '',
	review_reason         TEXT NOT NULL DEFAULT '',
	corrected             BOOLEAN NOT NULL DEFAULT false,
	attempts              JSONB,
	batch_id              TEXT NOT NULL DEFAULT '',
	is_all_time_low       BOOLEAN NOT NULL DEFAULT false,
	is_all_time_high      BOOLEAN NOT NULL DEFAULT false,
	started_at            TIMESTAMPTZ NOT NULL,
	completed_at          TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS latest_prices (
	machine_id        TEXT NOT NULL,
	variant_attribute TEXT NOT NULL DEFAULT '',
	price             NUMERIC(12,2) NOT NULL,
	currency          TEXT NOT NULL DEFAULT '',
	tier              TEXT NOT NULL DEFAULT '',
	confidence        DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (machine_id, variant_attribute)
);

CREATE TABLE IF NOT EXISTS review_queue (
	machine_id        TEXT NOT NULL,
	variant_attribute TEXT NOT NULL DEFAULT '',
	reason            TEXT NOT NULL,
	candidate_price   NUMERIC(12,2),
	history_id        TEXT NOT NULL DEFAULT '',
	flagged_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (machine_id, variant_attribute)
);

CREATE TABLE IF NOT EXISTS learned_selectors (
	domain     TEXT PRIMARY KEY,
	selector   TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS discovered_endpoints (
	domain            TEXT NOT NULL,
	variant_attribute TEXT NOT NULL DEFAULT '',
	endpoint_template TEXT NOT NULL,
	sample_url        TEXT NOT NULL DEFAULT '',
	price_field       TEXT NOT NULL DEFAULT '',
	discovered_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (domain, variant_attribute)
);

CREATE TABLE IF NOT EXISTS ai_usage (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	machine_id        TEXT NOT NULL DEFAULT '',
	model             TEXT NOT NULL,
	tier              TEXT NOT NULL,
	purpose           TEXT NOT NULL DEFAULT '',
	prompt_tokens     BIGINT NOT NULL DEFAULT 0,
	completion_tokens BIGINT NOT NULL DEFAULT 0,
	estimated_cost    DOUBLE PRECISION NOT NULL DEFAULT 0,
	success           BOOLEAN NOT NULL DEFAULT false,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_machines_last_checked ON machines(last_checked_at);
CREATE INDEX IF NOT EXISTS idx_price_history_machine ON price_history(machine_id, variant_attribute, completed_at DESC);
CREATE INDEX IF NOT EXISTS idx_price_history_status ON price_history(status);
CREATE INDEX IF NOT EXISTS idx_ai_usage_created ON ai_usage(created_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) GetMachine(ctx context.Context, id string) (*model.MachineRecord, error) {
	m, err := scanMachine(s.pool.QueryRow(ctx, preparedStatements["get_machine"], id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: machine %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get machine %s", id)
	}
	return m, nil
}

func (s *PostgresStore) ListMachines(ctx context.Context, filter MachineFilter) ([]model.MachineRecord, error) {
	query, args, err := machinesQuery(filter, sq.Dollar).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build machine query")
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list machines")
	}
	defer rows.Close()

	var out []model.MachineRecord
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan machine")
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list machines iterate")
}

func (s *PostgresStore) UpsertMachine(ctx context.Context, m model.MachineRecord) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO machines (id, name, company, category, product_url, variant_attribute, currency, last_known_price, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			company = EXCLUDED.company,
			category = EXCLUDED.category,
			product_url = EXCLUDED.product_url,
			variant_attribute = EXCLUDED.variant_attribute,
			currency = EXCLUDED.currency,
			last_known_price = COALESCE(EXCLUDED.last_known_price, machines.last_known_price),
			updated_at = EXCLUDED.updated_at`,
		m.ID, m.Name, m.Company, m.Category, m.ProductURL, m.VariantAttribute, m.Currency,
		nullDecimal(m.LastKnownPrice), now, now,
	)
	return eris.Wrapf(err, "postgres: upsert machine %s", m.ID)
}

// importColumns are written by ImportMachines. last_known_price is left
// to the update list so an import never clears an accepted price.
var importColumns = []string{"id", "name", "company", "category", "product_url", "variant_attribute", "currency", "updated_at"}

// ImportMachines bulk-loads the catalogue through COPY and a single
// INSERT ... ON CONFLICT.
func (s *PostgresStore) ImportMachines(ctx context.Context, machines []model.MachineRecord) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(machines))
	for _, m := range machines {
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		rows = append(rows, []any{m.ID, m.Name, m.Company, m.Category, m.ProductURL, m.VariantAttribute, m.Currency, now})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "machines",
		Columns:      importColumns,
		ConflictKeys: []string{"id"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: import machines")
	}
	return n, nil
}

func (s *PostgresStore) TouchMachine(ctx context.Context, id string, checkedAt time.Time) error {
	_, err := s.pool.Exec(ctx, preparedStatements["touch_machine"], checkedAt.UTC(), id)
	return eris.Wrapf(err, "postgres: touch machine %s", id)
}

func (s *PostgresStore) GetPreviousPrice(ctx context.Context, machineID, variant string) (*model.PreviousPrice, error) {
	var (
		price    decimal.NullDecimal
		currency string
		at       time.Time
	)
	err := s.pool.QueryRow(ctx, preparedStatements["prev_from_history"], machineID, variant).Scan(&price, &currency, &at)
	if err == nil && price.Valid {
		return &model.PreviousPrice{Price: price.Decimal, Currency: currency, RecordedAt: at}, nil
	}
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(err, "postgres: previous price from history")
	}

	var checked *time.Time
	err = s.pool.QueryRow(ctx, preparedStatements["prev_from_machine"], machineID, variant).Scan(&price, &currency, &checked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: previous price from machine")
	}
	p := &model.PreviousPrice{Price: price.Decimal, Currency: currency}
	if checked != nil {
		p.RecordedAt = *checked
	}
	return p, nil
}

func (s *PostgresStore) SavePriceHistory(ctx context.Context, e *model.PriceHistoryEntry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	attempts, err := json.Marshal(e.Attempts)
	if err != nil {
		return "", eris.Wrap(err, "postgres: marshal attempts")
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO price_history (`+historyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		e.ID, e.MachineID, e.VariantAttribute, nullDecimal(e.Price), nullDecimal(e.PreviousPrice),
		e.Currency, string(e.Tier), e.Method, e.ExtractedConfidence, e.ValidationConfidence,
		string(e.Status), e.FailureReason, e.ReviewReason, e.Corrected, attempts,
		e.BatchID, e.IsAllTimeLow, e.IsAllTimeHigh, e.StartedAt.UTC(), e.CompletedAt.UTC(),
	)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: insert price history for %s", e.MachineID)
	}
	return e.ID, nil
}

func (s *PostgresStore) ListPriceHistory(ctx context.Context, filter HistoryFilter) ([]model.PriceHistoryEntry, error) {
	query, args, err := historyQuery(filter, sq.Dollar).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build history query")
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list price history")
	}
	defer rows.Close()

	var out []model.PriceHistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan price history")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list price history iterate")
}

func (s *PostgresStore) GetPriceExtremes(ctx context.Context, machineID, variant string) (*decimal.Decimal, *decimal.Decimal, error) {
	var low, high decimal.NullDecimal
	if err := s.pool.QueryRow(ctx, preparedStatements["price_extremes"], machineID, variant).Scan(&low, &high); err != nil {
		return nil, nil, eris.Wrap(err, "postgres: price extremes")
	}
	return decimalPtr(low), decimalPtr(high), nil
}

func (s *PostgresStore) UpsertLatestPrice(ctx context.Context, p model.LatestPrice) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin latest price")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO latest_prices (machine_id, variant_attribute, price, currency, tier, confidence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (machine_id, variant_attribute) DO UPDATE SET
			price = EXCLUDED.price,
			currency = EXCLUDED.currency,
			tier = EXCLUDED.tier,
			confidence = EXCLUDED.confidence,
			updated_at = EXCLUDED.updated_at`,
		p.MachineID, p.VariantAttribute, p.Price, p.Currency, string(p.Tier), p.Confidence, p.UpdatedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert latest price for %s", p.MachineID)
	}
	_, err = tx.Exec(ctx, `
		UPDATE machines SET last_known_price = $1, currency = COALESCE(NULLIF($2, ''), currency), updated_at = $3
		WHERE id = $4 AND variant_attribute = $5`,
		p.Price, p.Currency, p.UpdatedAt.UTC(), p.MachineID, p.VariantAttribute,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update machine price for %s", p.MachineID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit latest price")
}

func (s *PostgresStore) GetLatestPrice(ctx context.Context, machineID, variant string) (*model.LatestPrice, error) {
	p := model.LatestPrice{MachineID: machineID, VariantAttribute: variant}
	var tier string
	err := s.pool.QueryRow(ctx, preparedStatements["get_latest_price"], machineID, variant).
		Scan(&p.Price, &p.Currency, &tier, &p.Confidence, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get latest price for %s", machineID)
	}
	p.Tier = model.Tier(tier)
	return &p, nil
}

func (s *PostgresStore) SetManualReviewFlag(ctx context.Context, item model.ReviewItem) error {
	if item.FlaggedAt.IsZero() {
		item.FlaggedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO review_queue (machine_id, variant_attribute, reason, candidate_price, history_id, flagged_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (machine_id, variant_attribute) DO UPDATE SET
			reason = EXCLUDED.reason,
			candidate_price = EXCLUDED.candidate_price,
			history_id = EXCLUDED.history_id,
			flagged_at = EXCLUDED.flagged_at`,
		item.MachineID, item.VariantAttribute, item.Reason, nullDecimal(item.CandidatePrice), item.HistoryID, item.FlaggedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: flag %s for review", item.MachineID)
}

func (s *PostgresStore) ListReviewQueue(ctx context.Context, limit int) ([]model.ReviewItem, error) {
	query, args, err := reviewQuery(limit, sq.Dollar).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build review query")
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list review queue")
	}
	defer rows.Close()

	var out []model.ReviewItem
	for rows.Next() {
		item, err := scanReview(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan review item")
		}
		out = append(out, *item)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list review queue iterate")
}

func (s *PostgresStore) GetLearnedSelector(ctx context.Context, domain string) (string, error) {
	var sel string
	err := s.pool.QueryRow(ctx, preparedStatements["get_learned"], domain).Scan(&sel)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return sel, eris.Wrapf(err, "postgres: get learned selector for %s", domain)
}

func (s *PostgresStore) SaveLearnedSelector(ctx context.Context, domain, selector string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO learned_selectors (domain, selector, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (domain) DO UPDATE SET selector = EXCLUDED.selector, updated_at = EXCLUDED.updated_at`,
		domain, selector, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save learned selector for %s", domain)
}

func (s *PostgresStore) GetDiscoveredEndpoint(ctx context.Context, domain, variant string) (*model.DiscoveredEndpoint, error) {
	ep := model.DiscoveredEndpoint{Domain: domain, VariantAttribute: variant}
	err := s.pool.QueryRow(ctx, preparedStatements["get_endpoint"], domain, variant).
		Scan(&ep.Template, &ep.SampleURL, &ep.PriceField, &ep.DiscoveredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get discovered endpoint for %s", domain)
	}
	return &ep, nil
}

func (s *PostgresStore) SaveDiscoveredEndpoint(ctx context.Context, ep model.DiscoveredEndpoint) error {
	if ep.DiscoveredAt.IsZero() {
		ep.DiscoveredAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO discovered_endpoints (domain, variant_attribute, endpoint_template, sample_url, price_field, discovered_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (domain, variant_attribute) DO UPDATE SET
			endpoint_template = EXCLUDED.endpoint_template,
			sample_url = EXCLUDED.sample_url,
			price_field = EXCLUDED.price_field,
			discovered_at = EXCLUDED.discovered_at`,
		ep.Domain, ep.VariantAttribute, ep.Template, ep.SampleURL, ep.PriceField, ep.DiscoveredAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: save discovered endpoint for %s", ep.Domain)
}

var usageColumns = []string{"id", "machine_id", "model", "tier", "purpose", "prompt_tokens", "completion_tokens", "estimated_cost", "success", "created_at"}

// SaveAIUsage copies usage rows straight into ai_usage; records are
// append-only so no conflict handling is needed.
func (s *PostgresStore) SaveAIUsage(ctx context.Context, usage []model.AIUsage) error {
	if len(usage) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(usage))
	for _, u := range usage {
		if u.ID == "" {
			u.ID = uuid.New().String()
		}
		if u.CreatedAt.IsZero() {
			u.CreatedAt = time.Now()
		}
		rows = append(rows, []any{u.ID, u.MachineID, u.Model, string(u.Tier), u.Purpose,
			u.PromptTokens, u.CompletionTokens, u.EstimatedCost, u.Success, u.CreatedAt.UTC()})
	}
	_, err := s.pool.CopyFrom(ctx, pgx.Identifier{"ai_usage"}, usageColumns, pgx.CopyFromRows(rows))
	return eris.Wrap(err, "postgres: copy ai usage")
}

// RunStats aggregates history, AI usage and review queue depth since the cutoff.
func (s *PostgresStore) RunStats(ctx context.Context, since time.Time) (*RunStats, error) {
	st, err := collectStats(ctx, since, sq.Dollar, func(ctx context.Context, query string, args ...any) scannable {
		return s.pool.QueryRow(ctx, query, args...)
	})
	return st, eris.Wrap(err, "postgres: run stats")
}
