package model

// ValidationStatus is the terminal state of one validation.
type ValidationStatus string

const (
	StatusPassed      ValidationStatus = "PASSED"
	StatusNeedsReview ValidationStatus = "NEEDS_REVIEW"
	StatusFailed      ValidationStatus = "FAILED"
)

// Machine-readable failure reasons.
const (
	ReasonInvalidPriceValue = "invalid_price_value"
	ReasonConversionError   = "price_conversion_error"
	ReasonOutOfRange        = "out_of_range"
	ReasonCurrencyMismatch  = "currency_mismatch"
	ReasonLowConfidence     = "low_confidence"
	ReasonExtremeChange     = "extreme_price_change"
	ReasonLargeChange       = "large_price_change"
	ReasonNotableChange     = "price_change_above_threshold"
	ReasonLLMRejected       = "llm_adjudication_rejected"
)

// ValidationVerdict is derived deterministically from a candidate and the
// prior price. It is embedded in the history entry it produces.
type ValidationVerdict struct {
	IsValid           bool             `json:"is_valid"`
	Confidence        float64          `json:"confidence"`
	Status            ValidationStatus `json:"status"`
	ReasonCode        string           `json:"reason_code,omitempty"`
	Reason            string           `json:"reason,omitempty"`
	PercentChange     *float64         `json:"percent_change,omitempty"`
	Penalty           float64          `json:"penalty"`
	NeedsManualReview bool             `json:"needs_manual_review"`
	PriceUnchanged    bool             `json:"price_unchanged"`
	Adjudicated       bool             `json:"adjudicated,omitempty"`
}

// HistoryStatus maps a validation status onto the history record status.
func (v ValidationVerdict) HistoryStatus() HistoryStatus {
	switch v.Status {
	case StatusPassed:
		return HistorySuccess
	case StatusNeedsReview:
		return HistoryNeedsReview
	default:
		return HistoryFailed
	}
}
