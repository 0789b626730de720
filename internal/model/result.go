package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AIUsage is the cost/usage telemetry record for one language-model call.
type AIUsage struct {
	ID               string    `json:"id,omitempty"`
	MachineID        string    `json:"machine_id,omitempty"`
	Model            string    `json:"model"`
	Tier             Tier      `json:"tier"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	EstimatedCost    float64   `json:"estimated_cost"`
	Success          bool      `json:"success"`
	Purpose          string    `json:"purpose,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ExtractionResult is what the orchestrator returns for one machine.
type ExtractionResult struct {
	MachineID          string              `json:"machine_id"`
	VariantAttribute   string              `json:"variant_attribute,omitempty"`
	URL                string              `json:"url"`
	Status             ValidationStatus    `json:"status"`
	Price              *decimal.Decimal    `json:"price,omitempty"`
	OriginalPrice      *decimal.Decimal    `json:"original_price,omitempty"`
	PreviousPrice      *decimal.Decimal    `json:"previous_price,omitempty"`
	Currency           string              `json:"currency,omitempty"`
	Tier               Tier                `json:"tier,omitempty"`
	Method             string              `json:"method,omitempty"`
	Source             string              `json:"selector_or_source,omitempty"`
	Confidence         float64             `json:"extracted_confidence"`
	Corrected          bool                `json:"corrected"`
	CorrectionRule     string              `json:"correction_rule,omitempty"`
	Verdict            *ValidationVerdict  `json:"verdict,omitempty"`
	FailureReason      string              `json:"failure_reason,omitempty"`
	Attempts           []Attempt           `json:"attempts"`
	Usage              []AIUsage           `json:"usage,omitempty"`
	FetchCost          float64             `json:"fetch_cost,omitempty"`
	DiscoveredEndpoint *DiscoveredEndpoint `json:"discovered_endpoint,omitempty"`
	HistoryID          string              `json:"history_id,omitempty"`
	DryRun             bool                `json:"dry_run,omitempty"`
	Duration           time.Duration       `json:"duration_ns"`
}

// TotalCost sums estimated AI and paid-fetch spend for the run.
func (r *ExtractionResult) TotalCost() float64 {
	total := r.FetchCost
	for _, u := range r.Usage {
		total += u.EstimatedCost
	}
	return total
}
