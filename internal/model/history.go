package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// HistoryStatus is the outcome recorded on a PriceHistoryEntry.
type HistoryStatus string

const (
	HistorySuccess     HistoryStatus = "SUCCESS"
	HistoryFailed      HistoryStatus = "FAILED"
	HistoryNeedsReview HistoryStatus = "NEEDS_REVIEW"
)

// PriceHistoryEntry is an immutable, append-only record of one extraction
// run. It is the sole basis for previous-price lookups.
type PriceHistoryEntry struct {
	ID                   string           `json:"id"`
	MachineID            string           `json:"machine_id"`
	VariantAttribute     string           `json:"variant_attribute"`
	Price                *decimal.Decimal `json:"price,omitempty"`
	PreviousPrice        *decimal.Decimal `json:"previous_price,omitempty"`
	Currency             string           `json:"currency,omitempty"`
	Tier                 Tier             `json:"tier,omitempty"`
	Method               string           `json:"method,omitempty"`
	ExtractedConfidence  float64          `json:"extracted_confidence"`
	ValidationConfidence float64          `json:"validation_confidence"`
	Status               HistoryStatus    `json:"status"`
	FailureReason        string           `json:"failure_reason,omitempty"`
	ReviewReason         string           `json:"review_reason,omitempty"`
	Corrected            bool             `json:"corrected"`
	Attempts             []Attempt        `json:"attempts,omitempty"`
	BatchID              string           `json:"batch_id,omitempty"`
	IsAllTimeLow         bool             `json:"is_all_time_low"`
	IsAllTimeHigh        bool             `json:"is_all_time_high"`
	StartedAt            time.Time        `json:"started_at"`
	CompletedAt          time.Time        `json:"completed_at"`
}

// PreviousPrice is the last accepted price for a machine variant.
type PreviousPrice struct {
	Price      decimal.Decimal `json:"price"`
	Currency   string          `json:"currency,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}
