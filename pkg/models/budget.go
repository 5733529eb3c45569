package models

import "time"

// BudgetPolicy caps the accumulated cost of one execution. HardCeiling vetoes
// dispatch once crossed; SoftCeiling only flags. Zero ceilings mean unlimited.
type BudgetPolicy struct {
	HardCeiling float64 `json:"hard_ceiling" validate:"gte=0"`
	SoftCeiling float64 `json:"soft_ceiling" validate:"gte=0"`
}

// Unlimited reports whether the policy enforces nothing.
func (p *BudgetPolicy) Unlimited() bool {
	return p == nil || (p.HardCeiling <= 0 && p.SoftCeiling <= 0)
}

// BudgetLedgerEntry records one node's cost against the execution budget.
// Entries are append-only; Reserved is the pre-dispatch estimate and Actual
// the post-completion correction.
type BudgetLedgerEntry struct {
	ExecutionID  string    `json:"execution_id"`
	NodeID       string    `json:"node_id"`
	Reserved     float64   `json:"reserved"`
	Actual       float64   `json:"actual"`
	RunningTotal float64   `json:"running_total"`
	RecordedAt   time.Time `json:"recorded_at"`
}
