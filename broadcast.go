package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// EventBus is the outbound task queue the coordinator publishes through.
// Satisfied by *asynq.Client in production, by a capture fake in tests.
type EventBus interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Broadcaster publishes committed state changes to realtime subscribers.
// Publishing is strictly post-commit and best-effort: a failure here is
// logged and swallowed, never surfaced to the mutating caller.
type Broadcaster struct {
	store    *Store
	ordering *OrderingEngine
	bus      EventBus
}

func NewBroadcaster(store *Store, ordering *OrderingEngine, bus EventBus) *Broadcaster {
	return &Broadcaster{store: store, ordering: ordering, bus: bus}
}

func (b *Broadcaster) Publish(ctx context.Context, ev *BroadcastEvent) {
	seq, err := b.store.NextSequence(ctx)
	if err != nil {
		// Without a sequence subscribers cannot order the event; drop it.
		slog.Error("broadcast sequence, dropping event", "type", ev.Type, "error", err)
		return
	}
	ev.Sequence = seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Queue == nil {
		summary, err := b.ordering.Summary(ctx)
		if err != nil {
			slog.Error("broadcast queue summary", "type", ev.Type, "error", err)
		} else {
			ev.Queue = summary
		}
	}

	task, err := NewBroadcastTask(ev)
	if err != nil {
		slog.Error("build broadcast task", "type", ev.Type, "error", err)
		return
	}
	if _, err := b.bus.Enqueue(task); err != nil {
		slog.Error("enqueue broadcast", "type", ev.Type, "sequence", ev.Sequence, "error", err)
	}
}

// Snapshot builds the full current state a (re)connecting subscriber
// applies before any incremental events.
func (b *Broadcaster) Snapshot(ctx context.Context) (*QueueSnapshot, error) {
	seq, err := b.store.CurrentSequence(ctx)
	if err != nil {
		return nil, err
	}
	waiting, err := b.ordering.Summary(ctx)
	if err != nil {
		return nil, err
	}
	counters, err := b.store.ListCounters(ctx)
	if err != nil {
		return nil, err
	}
	return &QueueSnapshot{
		Sequence: seq,
		Waiting:  waiting,
		Counters: counters,
		TakenAt:  time.Now(),
	}, nil
}
