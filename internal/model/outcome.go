package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OutcomeKind tags a TierOutcome.
type OutcomeKind string

const (
	OutcomeCandidate OutcomeKind = "candidate"
	OutcomeMiss      OutcomeKind = "miss"
	OutcomeError     OutcomeKind = "error"
)

// TierOutcome is the uniform result of one tier: exactly one of Candidate
// (Kind == OutcomeCandidate), a miss reason, or an error.
type TierOutcome struct {
	Kind      OutcomeKind
	Tier      Tier
	Candidate *PriceCandidate
	Reason    string
	Err       error
	Attempts  []Attempt
}

// Hit wraps a found candidate.
func Hit(tier Tier, c *PriceCandidate, attempts []Attempt) TierOutcome {
	return TierOutcome{Kind: OutcomeCandidate, Tier: tier, Candidate: c, Attempts: attempts}
}

// Miss records that the tier legitimately found nothing.
func Miss(tier Tier, reason string, attempts []Attempt) TierOutcome {
	return TierOutcome{Kind: OutcomeMiss, Tier: tier, Reason: reason, Attempts: attempts}
}

// Failure records a provider or tier error. It is treated like a miss by
// the orchestrator.
func Failure(tier Tier, err error, attempts []Attempt) TierOutcome {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return TierOutcome{Kind: OutcomeError, Tier: tier, Reason: reason, Err: err, Attempts: attempts}
}

// Found reports whether the outcome carries a candidate.
func (o TierOutcome) Found() bool {
	return o.Kind == OutcomeCandidate && o.Candidate != nil
}

// Attempt is one entry of the per-run trace. Operators use it to see
// which heuristic almost worked.
type Attempt struct {
	Tier       Tier             `json:"tier"`
	Technique  string           `json:"technique"`
	Outcome    OutcomeKind      `json:"outcome"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	Confidence float64          `json:"confidence,omitempty"`
	Source     string           `json:"source,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Status     ValidationStatus `json:"validation_status,omitempty"`
	DurationMS int64            `json:"duration_ms,omitempty"`
}

// HitAttempt builds a trace entry for a successful technique.
func HitAttempt(tier Tier, technique string, c *PriceCandidate) Attempt {
	v := c.Value
	return Attempt{
		Tier:       tier,
		Technique:  technique,
		Outcome:    OutcomeCandidate,
		Price:      &v,
		Confidence: c.Confidence,
		Source:     c.Source,
	}
}

// MissAttempt builds a trace entry for a technique that found nothing.
func MissAttempt(tier Tier, technique, reason string) Attempt {
	return Attempt{Tier: tier, Technique: technique, Outcome: OutcomeMiss, Reason: reason}
}

// Timed sets DurationMS from a start time.
func (a Attempt) Timed(start time.Time) Attempt {
	a.DurationMS = time.Since(start).Milliseconds()
	return a
}
