// Package model defines the domain types shared by the extraction tiers,
// the orchestrator and the store.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MachineRecord is a tracked product. The extraction core reads
// LastKnownPrice, Currency and VariantAttribute as validation context and
// never mutates identity fields.
type MachineRecord struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Company          string           `json:"company"`
	Category         string           `json:"category,omitempty"`
	ProductURL       string           `json:"product_url"`
	VariantAttribute string           `json:"variant_attribute,omitempty"`
	Currency         string           `json:"currency,omitempty"`
	LastKnownPrice   *decimal.Decimal `json:"last_known_price,omitempty"`
	LastCheckedAt    *time.Time       `json:"last_checked_at,omitempty"`
}

// LatestPrice is the accepted current price for a (machine, variant) pair.
// Only written after a PASSED verdict.
type LatestPrice struct {
	MachineID        string          `json:"machine_id"`
	VariantAttribute string          `json:"variant_attribute"`
	Price            decimal.Decimal `json:"price"`
	Currency         string          `json:"currency"`
	Tier             Tier            `json:"tier"`
	Confidence       float64         `json:"confidence"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ReviewItem is an entry in the manual review queue.
type ReviewItem struct {
	MachineID        string           `json:"machine_id"`
	VariantAttribute string           `json:"variant_attribute"`
	Reason           string           `json:"reason"`
	FlaggedAt        time.Time        `json:"flagged_at"`
	CandidatePrice   *decimal.Decimal `json:"candidate_price,omitempty"`
	HistoryID        string           `json:"history_id,omitempty"`
}

// DiscoveredEndpoint is a reusable JSON endpoint found while rendering a
// page. Replaying it skips the browser for that domain and variant.
type DiscoveredEndpoint struct {
	Domain           string    `json:"domain"`
	VariantAttribute string    `json:"variant_attribute"`
	Template         string    `json:"endpoint_template"`
	SampleURL        string    `json:"sample_url,omitempty"`
	PriceField       string    `json:"price_field,omitempty"`
	DiscoveredAt     time.Time `json:"discovered_at"`
}
