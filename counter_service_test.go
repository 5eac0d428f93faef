package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallNextEmptyQueue(t *testing.T) {
	env := newTestEnv(t)
	ct := env.addCounter(t, "Counter 1")

	_, err := env.counters.CallNext(context.Background(), ct.ID, "cashier")
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestCallNextUnknownCounter(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.counters.CallNext(context.Background(), "nope", "cashier")
	assert.ErrorIs(t, err, ErrCounterNotFound)
}

func TestCallNextSelectsTopRanked(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	day := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)

	b := env.addWaiting(t, "B", flags{}, day)
	a := env.addWaiting(t, "A", flags{senior: true}, day.Add(time.Hour))
	ct := env.addCounter(t, "Counter 1")

	asg, err := env.counters.CallNext(ctx, ct.ID, "cashier")
	require.NoError(t, err)
	assert.Equal(t, a.ID, asg.Customer.ID)
	assert.Equal(t, StatusServing, asg.Customer.Status)
	require.NotNil(t, asg.Counter.CurrentCustomerID)
	assert.Equal(t, a.ID, *asg.Counter.CurrentCustomerID)
	require.NotNil(t, asg.Customer.CounterID)
	assert.Equal(t, ct.ID, *asg.Customer.CounterID)

	// B is untouched and now first in line.
	assert.Equal(t, StatusWaiting, env.getCustomer(t, b.ID).Status)
	assert.Equal(t, []string{b.ID}, orderIDs(t, env))

	// The call pushed a customer notification and a broadcast.
	assert.Equal(t, 1, env.bus.countType(TypeNotifyCustomer))
	assert.Len(t, env.bus.broadcasts(t, BroadcastCustomerCalled), 1)
}

func TestCallNextBusyCounterReportsBinding(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	day := time.Now().Add(-time.Hour)

	a := env.addWaiting(t, "a", flags{}, day)
	env.addWaiting(t, "b", flags{}, day.Add(time.Minute))
	ct := env.addCounter(t, "Counter 1")

	_, err := env.counters.CallNext(ctx, ct.ID, "cashier")
	require.NoError(t, err)

	// A retried callNext refuses to double-assign and reports who is bound.
	asg, err := env.counters.CallNext(ctx, ct.ID, "cashier")
	assert.ErrorIs(t, err, ErrCounterUnavailable)
	require.NotNil(t, asg)
	assert.Equal(t, a.ID, asg.Customer.ID)
}

func TestCallNextInactiveCounter(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addWaiting(t, "a", flags{}, time.Now())
	ct := &Counter{ID: "c1", Name: "Closed", Active: false}
	require.NoError(t, env.store.CreateCounter(ctx, ct))

	_, err := env.counters.CallNext(ctx, ct.ID, "cashier")
	assert.ErrorIs(t, err, ErrCounterUnavailable)
}

func TestCounterCustomerMappingStaysInjective(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	day := time.Now().Add(-time.Hour)

	env.addWaiting(t, "a", flags{}, day)
	env.addWaiting(t, "b", flags{}, day.Add(time.Minute))
	ct1 := env.addCounter(t, "Counter 1")
	ct2 := env.addCounter(t, "Counter 2")

	asg1, err := env.counters.CallNext(ctx, ct1.ID, "cashier")
	require.NoError(t, err)
	asg2, err := env.counters.CallNext(ctx, ct2.ID, "cashier")
	require.NoError(t, err)

	assert.NotEqual(t, asg1.Customer.ID, asg2.Customer.ID)
}

func TestCallSpecificRevalidatesStatus(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	day := time.Now().Add(-time.Hour)

	a := env.addWaiting(t, "a", flags{}, day)
	ct1 := env.addCounter(t, "Counter 1")
	ct2 := env.addCounter(t, "Counter 2")

	_, err := env.counters.CallSpecific(ctx, a.ID, ct1.ID, "cashier")
	require.NoError(t, err)

	// Another terminal tries to claim the same customer.
	_, err = env.counters.CallSpecific(ctx, a.ID, ct2.ID, "cashier")
	assert.ErrorIs(t, err, ErrCustomerAlreadyAssigned)
	assert.Nil(t, env.getCounter(t, ct2.ID).CurrentCustomerID)
}

func TestCallSpecificRetryReturnsExistingAssignment(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a := env.addWaiting(t, "a", flags{}, time.Now().Add(-time.Hour))
	ct := env.addCounter(t, "Counter 1")

	first, err := env.counters.CallSpecific(ctx, a.ID, ct.ID, "cashier")
	require.NoError(t, err)
	events := env.eventCount(t)
	notifies := env.bus.countType(TypeNotifyCustomer)

	// The timed-out client re-issues the exact same call.
	second, err := env.counters.CallSpecific(ctx, a.ID, ct.ID, "cashier")
	require.NoError(t, err)
	assert.Equal(t, first.Customer.ID, second.Customer.ID)
	assert.Equal(t, first.Counter.ID, second.Counter.ID)

	// No duplicate QueueEvent, no duplicate notification.
	assert.Equal(t, events, env.eventCount(t))
	assert.Equal(t, notifies, env.bus.countType(TypeNotifyCustomer))
}

func TestCompleteServiceToProcessing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a := env.addWaiting(t, "a", flags{}, time.Now().Add(-time.Hour))
	ct := env.addCounter(t, "Counter 1")
	env.serveAt(t, a.ID, ct.ID)

	_, err := env.counters.CompleteService(ctx, a.ID, ct.ID, true, "cashier")
	assert.ErrorIs(t, err, ErrInsufficientPrivilege)

	c, err := env.counters.CompleteService(ctx, a.ID, ct.ID, true, "supervisor")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, c.Status)
	assert.Nil(t, c.CounterID)
	assert.Nil(t, env.getCounter(t, ct.ID).CurrentCustomerID)
}

func TestCompleteServiceDirectAndRetry(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a := env.addWaiting(t, "a", flags{}, time.Now().Add(-time.Hour))
	ct := env.addCounter(t, "Counter 1")
	env.serveAt(t, a.ID, ct.ID)

	c, err := env.counters.CompleteService(ctx, a.ID, ct.ID, false, "supervisor")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, c.Status)
	require.NotNil(t, c.FinishedAt)
	events := env.eventCount(t)

	// Retry after commit is a read, not a second completion.
	again, err := env.counters.CompleteService(ctx, a.ID, ct.ID, false, "supervisor")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Equal(t, events, env.eventCount(t))
}

func TestCancelServiceFromWaiting(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a := env.addWaiting(t, "a", flags{}, time.Now().Add(-time.Hour))

	c, err := env.counters.CancelService(ctx, a.ID, "left the branch", "cashier")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, c.Status)
	assert.Equal(t, "left the branch", c.CancelReason)
	assert.Empty(t, orderIDs(t, env))
	assert.Len(t, env.bus.broadcasts(t, BroadcastCustomerCancelled), 1)
}

func TestCancelServiceReleasesCounter(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a := env.addWaiting(t, "a", flags{}, time.Now().Add(-time.Hour))
	ct := env.addCounter(t, "Counter 1")
	env.serveAt(t, a.ID, ct.ID)

	c, err := env.counters.CancelService(ctx, a.ID, "no show", "cashier")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, c.Status)
	assert.Nil(t, env.getCounter(t, ct.ID).CurrentCustomerID)
}

func TestAssignmentBlockedDuringMaintenance(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a := env.addWaiting(t, "a", flags{}, time.Now().Add(-time.Hour))
	ct := env.addCounter(t, "Counter 1")
	require.NoError(t, env.store.SetMaintenance(ctx, true))

	_, err := env.counters.CallNext(ctx, ct.ID, "cashier")
	assert.ErrorIs(t, err, ErrMaintenanceInProgress)
	assert.True(t, Retryable(err))

	_, err = env.counters.CallSpecific(ctx, a.ID, ct.ID, "cashier")
	assert.ErrorIs(t, err, ErrMaintenanceInProgress)

	require.NoError(t, env.store.SetMaintenance(ctx, false))
	_, err = env.counters.CallNext(ctx, ct.ID, "cashier")
	require.NoError(t, err)
}
