// Package budget enforces cost ceilings for one execution. Reservation and
// check are a single critical section so concurrent branches cannot jointly
// slip past the ceiling.
package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/loomhq/loom/pkg/models"
)

// ExceededError is returned when a reservation would cross the hard ceiling.
type ExceededError struct {
	ExecutionID string
	NodeID      string
	Requested   float64
	Total       float64
	Ceiling     float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for execution %s at node %s: %.4f reserved + %.4f requested > ceiling %.4f",
		e.ExecutionID, e.NodeID, e.Total, e.Requested, e.Ceiling)
}

// Decision is the outcome of a reservation check.
type Decision struct {
	Allowed  bool
	SoftFlag bool // set when past the soft ceiling but under the hard one
	Reason   string
}

// Guard tracks the running cost total of a single execution against its
// budget policy. All methods are safe for concurrent use by parallel
// branches of that execution.
type Guard struct {
	mu          sync.Mutex
	executionID string
	policy      *models.BudgetPolicy
	total       float64
	reserved    map[string]float64
	ledger      []models.BudgetLedgerEntry
	softFlagged bool
}

// NewGuard creates a guard for one execution. A nil policy means unlimited.
func NewGuard(executionID string, policy *models.BudgetPolicy) *Guard {
	return &Guard{
		executionID: executionID,
		policy:      policy,
		reserved:    make(map[string]float64),
	}
}

// CheckAndReserve atomically checks the estimate against the hard ceiling
// and, when allowed, reserves it. Deny carries an ExceededError-compatible
// reason; the caller aborts the execution on deny.
func (g *Guard) CheckAndReserve(nodeID string, estimate float64) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.policy.Unlimited() && g.policy.HardCeiling > 0 && g.total+estimate > g.policy.HardCeiling {
		err := &ExceededError{
			ExecutionID: g.executionID,
			NodeID:      nodeID,
			Requested:   estimate,
			Total:       g.total,
			Ceiling:     g.policy.HardCeiling,
		}

		return Decision{Allowed: false, Reason: err.Error()}, err
	}

	g.total += estimate
	g.reserved[nodeID] = estimate

	decision := Decision{Allowed: true}

	if !g.policy.Unlimited() && g.policy.SoftCeiling > 0 && g.total > g.policy.SoftCeiling {
		g.softFlagged = true
		decision.SoftFlag = true
		decision.Reason = fmt.Sprintf("soft budget ceiling %.4f crossed (total %.4f)", g.policy.SoftCeiling, g.total)
	}

	return decision, nil
}

// Record replaces the node's reservation with its actual cost and appends a
// ledger entry.
func (g *Guard) Record(nodeID string, actual float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	reserved := g.reserved[nodeID]
	delete(g.reserved, nodeID)

	g.total += actual - reserved

	g.ledger = append(g.ledger, models.BudgetLedgerEntry{
		ExecutionID:  g.executionID,
		NodeID:       nodeID,
		Reserved:     reserved,
		Actual:       actual,
		RunningTotal: g.total,
		RecordedAt:   time.Now().UTC(),
	})
}

// Release drops a reservation without recording cost (node never ran).
func (g *Guard) Release(nodeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.total -= g.reserved[nodeID]
	delete(g.reserved, nodeID)
}

// Total returns the current running total.
func (g *Guard) Total() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.total
}

// Restore seeds the running total with cost accrued before a suspension, so
// a resumed execution keeps counting against the same ceilings.
func (g *Guard) Restore(total float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.total = total
}

// SoftFlagged reports whether the soft ceiling was crossed at any point.
func (g *Guard) SoftFlagged() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.softFlagged
}

// Ledger returns a copy of the append-only cost trail.
func (g *Guard) Ledger() []models.BudgetLedgerEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]models.BudgetLedgerEntry, len(g.ledger))
	copy(out, g.ledger)

	return out
}
