package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatusRejectsUnknown(t *testing.T) {
	for _, bad := range []string{"", "pending", "Waiting", "done", "expired"} {
		_, err := ParseStatus(bad)
		assert.ErrorIs(t, err, ErrInvalidTransition, "status %q", bad)
	}
	for _, good := range []string{"waiting", "serving", "processing", "completed", "cancelled"} {
		st, err := ParseStatus(good)
		require.NoError(t, err)
		assert.Equal(t, Status(good), st)
	}
}

func TestTransitionTableCoverage(t *testing.T) {
	all := []Status{StatusWaiting, StatusServing, StatusProcessing, StatusCompleted, StatusCancelled}
	allowed := map[[2]Status]bool{
		{StatusWaiting, StatusServing}:      true,
		{StatusWaiting, StatusCancelled}:    true,
		{StatusServing, StatusProcessing}:   true,
		{StatusServing, StatusCompleted}:    true,
		{StatusServing, StatusCancelled}:    true,
		{StatusProcessing, StatusCompleted}: true,
		{StatusProcessing, StatusCancelled}: true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]Status{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

// Every in-table edge applies through the running machine; every off-table
// pair fails with ErrInvalidTransition. Edges into serving are covered by
// the assignment manager tests.
func TestTransitionAppliesTable(t *testing.T) {
	ctx := context.Background()
	all := []Status{StatusWaiting, StatusServing, StatusProcessing, StatusCompleted, StatusCancelled}

	for _, from := range all {
		for _, to := range all {
			if to == StatusServing {
				continue
			}
			env := newTestEnv(t)
			c := env.seedInState(t, from)

			got, err := env.sm.Transition(ctx, c.ID, to, "supervisor")
			if CanTransition(from, to) {
				require.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, got.Status)
				if to.Terminal() {
					assert.NotNil(t, got.FinishedAt)
				}
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)
			}
		}
	}
}

// seedInState builds a customer already in the given state, pairing a
// counter when the state requires one.
func (e *testEnv) seedInState(t *testing.T, st Status) *Customer {
	t.Helper()
	c := e.addWaiting(t, "seed", flags{}, time.Now().Add(-time.Hour))
	if st == StatusWaiting {
		return c
	}
	ct := e.addCounter(t, "Counter 1")
	e.serveAt(t, c.ID, ct.ID)
	if st == StatusServing {
		return e.getCustomer(t, c.ID)
	}
	var err error
	switch st {
	case StatusProcessing:
		_, err = e.sm.Transition(context.Background(), c.ID, StatusProcessing, "supervisor")
	case StatusCompleted:
		_, err = e.sm.Transition(context.Background(), c.ID, StatusCompleted, "supervisor")
	case StatusCancelled:
		_, err = e.sm.Transition(context.Background(), c.ID, StatusCancelled, "cashier")
	}
	require.NoError(t, err)
	return e.getCustomer(t, c.ID)
}

func TestElevatedEdgesRequirePrivilege(t *testing.T) {
	ctx := context.Background()

	for _, to := range []Status{StatusProcessing, StatusCompleted} {
		env := newTestEnv(t)
		c := env.seedInState(t, StatusServing)

		_, err := env.sm.Transition(ctx, c.ID, to, "cashier")
		assert.ErrorIs(t, err, ErrInsufficientPrivilege, "serving -> %s as cashier", to)

		// Untouched by the refused attempt.
		assert.Equal(t, StatusServing, env.getCustomer(t, c.ID).Status)

		_, err = env.sm.Transition(ctx, c.ID, to, "supervisor")
		require.NoError(t, err)
	}

	// serving -> cancelled is not an elevated edge.
	env := newTestEnv(t)
	c := env.seedInState(t, StatusServing)
	_, err := env.sm.Transition(ctx, c.ID, StatusCancelled, "cashier")
	require.NoError(t, err)
}

func TestLeavingServingReleasesCounter(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	c := env.addWaiting(t, "a", flags{}, time.Now())
	ct := env.addCounter(t, "Counter 1")
	env.serveAt(t, c.ID, ct.ID)

	_, err := env.sm.Transition(ctx, c.ID, StatusProcessing, "supervisor")
	require.NoError(t, err)

	assert.Nil(t, env.getCounter(t, ct.ID).CurrentCustomerID)
	assert.Nil(t, env.getCustomer(t, c.ID).CounterID)
}

func TestTransitionToServingRoutedThroughAssignment(t *testing.T) {
	env := newTestEnv(t)
	c := env.addWaiting(t, "a", flags{}, time.Now())

	_, err := env.sm.Transition(context.Background(), c.ID, StatusServing, "supervisor")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusWaiting, env.getCustomer(t, c.ID).Status)
}

func TestTransitionDetectsLateServingBinding(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// Serving with no counter reference is what the write path sees when a
	// counter claim lands between its read and its transaction.
	c := &Customer{
		ID:          "late-bind",
		Name:        "a",
		TokenNumber: 1,
		Status:      StatusServing,
		ArrivedAt:   time.Now().Add(-time.Hour),
	}
	require.NoError(t, env.store.CreateCustomer(ctx, c))

	_, err := env.sm.Transition(ctx, c.ID, StatusCompleted, "supervisor")
	assert.ErrorIs(t, err, ErrConcurrentModification)
	assert.True(t, Retryable(err))
	assert.Equal(t, StatusServing, env.getCustomer(t, c.ID).Status)
}

func TestTransitionStampsAndEvents(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	c := env.addWaiting(t, "a", flags{}, time.Now().Add(-30*time.Minute))
	ct := env.addCounter(t, "Counter 1")

	before := env.eventCount(t)
	env.serveAt(t, c.ID, ct.ID)
	served := env.getCustomer(t, c.ID)
	require.NotNil(t, served.ServedAt)
	assert.Equal(t, before+1, env.eventCount(t))

	_, err := env.sm.Transition(ctx, c.ID, StatusCompleted, "supervisor")
	require.NoError(t, err)

	done := env.getCustomer(t, c.ID)
	require.NotNil(t, done.FinishedAt)
	assert.Equal(t, before+2, env.eventCount(t))

	// Completion feeds the estimator a service-duration sample.
	samples, err := env.store.ServiceSamples(ctx, done.Tier())
	require.NoError(t, err)
	assert.Len(t, samples, 1)

	calls := env.bus.broadcasts(t, BroadcastCustomerCalled)
	completes := env.bus.broadcasts(t, BroadcastCustomerCompleted)
	require.Len(t, calls, 1)
	require.Len(t, completes, 1)
	assert.Greater(t, completes[0].Sequence, calls[0].Sequence)
	assert.Equal(t, StatusServing, completes[0].PriorStatus)
}
