package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterCustomer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a, err := env.queue.RegisterCustomer(ctx, "Ana", true, false, false)
	require.NoError(t, err)
	b, err := env.queue.RegisterCustomer(ctx, "Ben", false, false, false)
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.TokenNumber)
	assert.Equal(t, int64(2), b.TokenNumber)
	assert.Equal(t, StatusWaiting, a.Status)
	assert.False(t, a.ArrivedAt.IsZero())

	// One joined event per registration, queue summary broadcast.
	assert.EqualValues(t, 2, env.eventCount(t))
	reorders := env.bus.broadcasts(t, BroadcastQueueReordered)
	require.Len(t, reorders, 2)
	assert.NotEmpty(t, reorders[1].Queue)
	assert.Greater(t, reorders[1].Sequence, reorders[0].Sequence)

	// The senior citizen leads despite arriving first anyway; position
	// queries agree with the broadcast summary.
	pos, err := env.queue.Position(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, pos)
}

func TestUpdatePriorityOnlyWhileWaiting(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a, err := env.queue.RegisterCustomer(ctx, "Ana", false, false, false)
	require.NoError(t, err)
	ct := env.addCounter(t, "Counter 1")
	env.serveAt(t, a.ID, ct.ID)

	_, err = env.queue.UpdatePriority(ctx, a.ID, true, false, false)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPositionUnknownCustomer(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.queue.Position(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrCustomerNotFound)
}

func TestSnapshotForReconnectingSubscriber(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a, err := env.queue.RegisterCustomer(ctx, "Ana", false, false, false)
	require.NoError(t, err)
	ct := env.addCounter(t, "Counter 1")

	snap, err := env.broadcaster.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Waiting, 1)
	assert.Equal(t, a.ID, snap.Waiting[0].CustomerID)
	require.Len(t, snap.Counters, 1)
	assert.Equal(t, ct.ID, snap.Counters[0].ID)

	// The snapshot sequence matches the last published event, so the
	// subscriber can resume the incremental stream from there.
	reorders := env.bus.broadcasts(t, BroadcastQueueReordered)
	require.NotEmpty(t, reorders)
	assert.Equal(t, reorders[len(reorders)-1].Sequence, snap.Sequence)
}
