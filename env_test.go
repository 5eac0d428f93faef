package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// fakeBus captures outbound tasks instead of handing them to asynq.
type fakeBus struct {
	tasks []*asynq.Task
}

func (f *fakeBus) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: uuid.New().String(), Type: task.Type()}, nil
}

func (f *fakeBus) broadcasts(t *testing.T, typ string) []BroadcastEvent {
	t.Helper()
	var out []BroadcastEvent
	for _, task := range f.tasks {
		if task.Type() != TypeBroadcastPublish {
			continue
		}
		var ev BroadcastEvent
		require.NoError(t, json.Unmarshal(task.Payload(), &ev))
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeBus) countType(typ string) int {
	n := 0
	for _, task := range f.tasks {
		if task.Type() == typ {
			n++
		}
	}
	return n
}

type testEnv struct {
	mr          *miniredis.Miniredis
	rdb         *redis.Client
	store       *Store
	ordering    *OrderingEngine
	bus         *fakeBus
	broadcaster *Broadcaster
	sm          *StateMachine
	counters    *CounterService
	estimator   *Estimator
	queue       *QueueService
	reset       *ResetService
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithPolicy(t, PolicyCarryForward)
}

func newTestEnvWithPolicy(t *testing.T, policy string) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := NewStore(rdb)
	ordering := NewOrderingEngine(store)
	bus := &fakeBus{}
	broadcaster := NewBroadcaster(store, ordering, bus)
	auth := NewRoleListAuthorizer([]string{"supervisor", "admin"})
	sm := NewStateMachine(store, auth, broadcaster)
	counters := NewCounterService(store, ordering, sm, bus)
	estimator := NewEstimator(store)
	queue := NewQueueService(store, ordering, estimator, broadcaster)
	reset := NewResetService(store, ordering, broadcaster, policy, time.UTC)

	return &testEnv{
		mr:          mr,
		rdb:         rdb,
		store:       store,
		ordering:    ordering,
		bus:         bus,
		broadcaster: broadcaster,
		sm:          sm,
		counters:    counters,
		estimator:   estimator,
		queue:       queue,
		reset:       reset,
	}
}

type flags struct {
	senior, pregnant, pwd bool
}

func (e *testEnv) addWaiting(t *testing.T, name string, fl flags, arrivedAt time.Time) *Customer {
	t.Helper()
	token, err := e.store.NextToken(context.Background())
	require.NoError(t, err)
	c := &Customer{
		ID:            uuid.New().String(),
		Name:          name,
		TokenNumber:   token,
		SeniorCitizen: fl.senior,
		Pregnant:      fl.pregnant,
		PWD:           fl.pwd,
		Status:        StatusWaiting,
		ArrivedAt:     arrivedAt,
	}
	require.NoError(t, e.store.CreateCustomer(context.Background(), c))
	return c
}

func (e *testEnv) addCounter(t *testing.T, name string) *Counter {
	t.Helper()
	ct := &Counter{ID: uuid.New().String(), Name: name, Active: true}
	require.NoError(t, e.store.CreateCounter(context.Background(), ct))
	return ct
}

// serveAt walks a waiting customer into serving at the counter through the
// assignment manager.
func (e *testEnv) serveAt(t *testing.T, customerID, counterID string) *Assignment {
	t.Helper()
	asg, err := e.counters.CallSpecific(context.Background(), customerID, counterID, "cashier")
	require.NoError(t, err)
	return asg
}

func (e *testEnv) getCustomer(t *testing.T, id string) *Customer {
	t.Helper()
	c, err := e.store.GetCustomer(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (e *testEnv) getCounter(t *testing.T, id string) *Counter {
	t.Helper()
	ct, err := e.store.GetCounter(context.Background(), id)
	require.NoError(t, err)
	return ct
}

func (e *testEnv) eventCount(t *testing.T) int64 {
	t.Helper()
	n, err := e.rdb.XLen(context.Background(), keyEvents).Result()
	require.NoError(t, err)
	return n
}
