package store

import (
	"database/sql"
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/pricewatch/internal/model"
)

// Row scanners shared by both backends. Nullable prices scan through
// decimal.NullDecimal, which both database/sql and pgx accept.

func scanMachine(row scannable) (*model.MachineRecord, error) {
	var (
		m       model.MachineRecord
		price   decimal.NullDecimal
		checked sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.Name, &m.Company, &m.Category, &m.ProductURL,
		&m.VariantAttribute, &m.Currency, &price, &checked); err != nil {
		return nil, err
	}
	m.LastKnownPrice = decimalPtr(price)
	if checked.Valid {
		t := checked.Time
		m.LastCheckedAt = &t
	}
	return &m, nil
}

func scanHistory(row scannable) (*model.PriceHistoryEntry, error) {
	var (
		e               model.PriceHistoryEntry
		price, previous decimal.NullDecimal
		tier, status    string
		attempts        []byte
	)
	err := row.Scan(&e.ID, &e.MachineID, &e.VariantAttribute, &price, &previous, &e.Currency, &tier, &e.Method,
		&e.ExtractedConfidence, &e.ValidationConfidence, &status, &e.FailureReason, &e.ReviewReason,
		&e.Corrected, &attempts, &e.BatchID, &e.IsAllTimeLow, &e.IsAllTimeHigh, &e.StartedAt, &e.CompletedAt)
	if err != nil {
		return nil, err
	}
	e.Price = decimalPtr(price)
	e.PreviousPrice = decimalPtr(previous)
	e.Tier = model.Tier(tier)
	e.Status = model.HistoryStatus(status)
	if len(attempts) > 0 && string(attempts) != "null" {
		if err := json.Unmarshal(attempts, &e.Attempts); err != nil {
			return nil, eris.Wrap(err, "unmarshal attempts")
		}
	}
	return &e, nil
}

func scanReview(row scannable) (*model.ReviewItem, error) {
	var (
		item  model.ReviewItem
		price decimal.NullDecimal
	)
	if err := row.Scan(&item.MachineID, &item.VariantAttribute, &item.Reason, &price, &item.HistoryID, &item.FlaggedAt); err != nil {
		return nil, err
	}
	item.CandidatePrice = decimalPtr(price)
	return &item, nil
}
