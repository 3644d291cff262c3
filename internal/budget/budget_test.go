package budget

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func calls(n int64) Reservation {
	return Reservation{Usage: Usage{Calls: n}}
}

func TestCallCeilingRejectsThirdReservation(t *testing.T) {
	b := NewToolBudget(Limits{CallCeiling: 2})

	_, err := b.CheckAndReserve(calls(1))
	require.NoError(t, err)
	_, err = b.CheckAndReserve(calls(1))
	require.NoError(t, err)

	_, err = b.CheckAndReserve(calls(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExceeded)

	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, DimensionCalls, exceeded.Dimension)
	assert.Equal(t, "total", exceeded.Scope)
	assert.Equal(t, int64(2), b.Spent().Calls)
}

func TestZeroCeilingIsUnbounded(t *testing.T) {
	b := NewToolBudget(Limits{})
	for range 100 {
		_, err := b.CheckAndReserve(Reservation{Usage: Usage{Cost: 10, Calls: 1, Tokens: 1000}})
		require.NoError(t, err)
	}
	assert.Zero(t, b.Utilization())
}

func TestNegativeReservationRejected(t *testing.T) {
	b := NewToolBudget(Limits{CallCeiling: 1})
	_, err := b.CheckAndReserve(Reservation{Usage: Usage{Calls: -1}})
	assert.ErrorIs(t, err, ErrInvalidReservation)
}

func TestChargeCarriesPriorSpend(t *testing.T) {
	b := NewToolBudget(Limits{CallCeiling: 3})
	require.NoError(t, b.Charge(Usage{Calls: 2, Cost: 1.5}))
	assert.Equal(t, Usage{Calls: 2, Cost: 1.5}, b.Spent())

	_, err := b.CheckAndReserve(calls(1))
	require.NoError(t, err)
	_, err = b.CheckAndReserve(calls(1))
	assert.ErrorIs(t, err, ErrExceeded)

	over := NewToolBudget(Limits{CallCeiling: 1})
	require.NoError(t, over.Charge(Usage{Calls: 4}), "prior spend is recorded even above the ceiling")
	_, err = over.CheckAndReserve(calls(1))
	assert.ErrorIs(t, err, ErrExceeded)

	assert.ErrorIs(t, b.Charge(Usage{Calls: -1}), ErrInvalidReservation)
}

func TestPartitionViolationLeavesEveryScopeUntouched(t *testing.T) {
	b := NewToolBudget(Limits{CostCeiling: 100}).
		WithDomainLimit("crm", Limits{CostCeiling: 5}).
		WithToolLimit("search", Limits{CallCeiling: 1})

	_, err := b.CheckAndReserve(Reservation{Usage: Usage{Cost: 4, Calls: 1}, Domain: "crm", Tool: "search"})
	require.NoError(t, err)

	// Tool partition is full.
	_, err = b.CheckAndReserve(Reservation{Usage: Usage{Cost: 1, Calls: 1}, Domain: "crm", Tool: "search"})
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, "tool:search", exceeded.Scope)

	// Domain partition would overflow.
	_, err = b.CheckAndReserve(Reservation{Usage: Usage{Cost: 2}, Domain: "crm", Tool: "fetch"})
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, "domain:crm", exceeded.Scope)
	assert.Equal(t, DimensionCost, exceeded.Dimension)

	snap := b.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "total", snap[0].Scope)
	assert.InDelta(t, 4.0, snap[0].Spent.Cost, 1e-9)
	assert.Equal(t, "domain:crm", snap[1].Scope)
	assert.InDelta(t, 4.0, snap[1].Spent.Cost, 1e-9)
	assert.Equal(t, "tool:search", snap[2].Scope)
	assert.Equal(t, int64(1), snap[2].Spent.Calls)

	// Other domains only draw from the total.
	_, err = b.CheckAndReserve(Reservation{Usage: Usage{Cost: 50}, Domain: "billing"})
	require.NoError(t, err)
}

func TestReleaseIsIdempotent(t *testing.T) {
	b := NewToolBudget(Limits{CallCeiling: 1}).WithToolLimit("x", Limits{CallCeiling: 1})
	rc, err := b.CheckAndReserve(Reservation{Usage: Usage{Calls: 1}, Tool: "x"})
	require.NoError(t, err)

	b.Release(rc)
	b.Release(rc)
	b.Release(Receipt{})
	assert.Zero(t, b.Spent().Calls)

	_, err = b.CheckAndReserve(Reservation{Usage: Usage{Calls: 1}, Tool: "x"})
	require.NoError(t, err)
}

func TestConcurrentReservationsNeverExceedCeiling(t *testing.T) {
	const ceiling = 50
	b := NewToolBudget(Limits{CallCeiling: ceiling, CostCeiling: 25})

	var ok atomic.Int64
	var wg sync.WaitGroup
	for range 400 {
		wg.Go(func() {
			if _, err := b.CheckAndReserve(Reservation{Usage: Usage{Calls: 1, Cost: 0.5}}); err == nil {
				ok.Add(1)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int64(ceiling), ok.Load())
	assert.Equal(t, int64(ceiling), b.Spent().Calls)
	assert.LessOrEqual(t, b.Spent().Cost, 25.0)
}

func TestFitsAndFitsScoped(t *testing.T) {
	b := NewToolBudget(Limits{TokenCeiling: 1000}).WithDomainLimit("crm", Limits{CostCeiling: 1})
	assert.Nil(t, b.Fits(Usage{Tokens: 1000}))

	exceeded := b.Fits(Usage{Tokens: 1001})
	require.NotNil(t, exceeded)
	assert.Equal(t, DimensionTokens, exceeded.Dimension)

	assert.Nil(t, b.FitsScoped(map[string]Usage{"crm": {Cost: 1}}, nil))
	assert.NotNil(t, b.FitsScoped(map[string]Usage{"crm": {Cost: 1.5}}, nil))
	assert.Zero(t, b.Spent().Tokens, "Fits must not reserve")
}

func TestEnforcerWarnsOnce(t *testing.T) {
	e := NewEnforcer(NewToolBudget(Limits{CallCeiling: 10}), 0.8)

	var warnings int
	for i := range 10 {
		res, err := e.Reserve(calls(1))
		require.NoError(t, err)
		if res.Warning {
			warnings++
			assert.Equal(t, 7, i, "warning fires on the eighth call")
		}
	}
	assert.Equal(t, 1, warnings)

	_, err := e.Reserve(calls(1))
	assert.ErrorIs(t, err, ErrExceeded)
}
