package budget

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/models"
)

func TestCheckAndReserve_HardCeiling(t *testing.T) {
	guard := NewGuard("exec-1", &models.BudgetPolicy{HardCeiling: 10})

	decision, err := guard.CheckAndReserve("a", 6)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	decision, err = guard.CheckAndReserve("b", 5)
	require.Error(t, err)
	assert.False(t, decision.Allowed)

	var exceeded *ExceededError

	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, "b", exceeded.NodeID)
	assert.InDelta(t, 6.0, exceeded.Total, 1e-9)
}

func TestCheckAndReserve_SoftCeilingFlags(t *testing.T) {
	guard := NewGuard("exec-1", &models.BudgetPolicy{HardCeiling: 100, SoftCeiling: 5})

	decision, err := guard.CheckAndReserve("a", 6)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.True(t, decision.SoftFlag)
	assert.True(t, guard.SoftFlagged())
}

func TestRecord_ReplacesReservation(t *testing.T) {
	guard := NewGuard("exec-1", &models.BudgetPolicy{HardCeiling: 10})

	_, err := guard.CheckAndReserve("a", 4)
	require.NoError(t, err)

	guard.Record("a", 2.5)
	assert.InDelta(t, 2.5, guard.Total(), 1e-9)

	ledger := guard.Ledger()
	require.Len(t, ledger, 1)
	assert.InDelta(t, 4.0, ledger[0].Reserved, 1e-9)
	assert.InDelta(t, 2.5, ledger[0].Actual, 1e-9)
}

func TestRelease(t *testing.T) {
	guard := NewGuard("exec-1", &models.BudgetPolicy{HardCeiling: 10})

	_, err := guard.CheckAndReserve("a", 4)
	require.NoError(t, err)

	guard.Release("a")
	assert.InDelta(t, 0.0, guard.Total(), 1e-9)
	assert.Empty(t, guard.Ledger())
}

func TestRestore_SeedsRunningTotal(t *testing.T) {
	guard := NewGuard("exec-1", &models.BudgetPolicy{HardCeiling: 10})
	guard.Restore(8)

	_, err := guard.CheckAndReserve("a", 4)
	require.Error(t, err)
	assert.InDelta(t, 8.0, guard.Total(), 1e-9)
}

func TestUnlimitedPolicy(t *testing.T) {
	guard := NewGuard("exec-1", nil)

	decision, err := guard.CheckAndReserve("a", 1e9)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

// No two concurrent branches may jointly exceed the ceiling: with a ceiling
// of 100 and 50 goroutines each reserving 3, at most 33 reservations can be
// granted and the recorded total never crosses 100.
func TestCheckAndReserve_NoLostUpdateRace(t *testing.T) {
	guard := NewGuard("exec-1", &models.BudgetPolicy{HardCeiling: 100})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)

	for i := 0; i < 50; i++ {
		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			decision, _ := guard.CheckAndReserve(string(rune('a'+n)), 3)
			if decision.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()

	assert.LessOrEqual(t, allowed, 33)
	assert.LessOrEqual(t, guard.Total(), 100.0)
	assert.Greater(t, allowed, 0)
}
